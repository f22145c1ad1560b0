package worlds

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const sessionKey = "WORLD_NAME"

// SessionStore persists which world the operator is currently working on.
type SessionStore interface {
	Get() (string, error)
	Set(world string) error
	Clear() error
}

// FileSession keeps the selection in a single-line key=value file so shell
// tooling can source it.
type FileSession struct {
	path string
}

func NewFileSession(path string) *FileSession {
	return &FileSession{path: path}
}

// Get returns the selected world name. A missing file means no selection and
// is not an error.
func (f *FileSession) Get() (string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading session file: %w", err)
	}
	line := strings.TrimSpace(string(data))
	value, found := strings.CutPrefix(line, sessionKey+"=")
	if !found {
		return "", nil
	}
	return value, nil
}

func (f *FileSession) Set(world string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}
	content := fmt.Sprintf("%s=%s\n", sessionKey, world)
	if err := os.WriteFile(f.path, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}
	return nil
}

func (f *FileSession) Clear() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing session file: %w", err)
	}
	return nil
}
