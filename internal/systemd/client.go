// Package systemd wraps the systemctl command line and the unit file
// directory. All process supervision is delegated to systemd; this package
// only issues verbs and manages the unit files the tool owns.
package systemd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Runner executes an external command and returns its combined output.
// The systemctl binary is always invoked through a Runner so tests can
// substitute a fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// Client issues systemctl verbs and reads and writes unit files in a single
// unit directory.
type Client struct {
	run     Runner
	unitDir string
}

// NewClient creates a systemd client over the given runner and unit directory.
func NewClient(run Runner, unitDir string) *Client {
	return &Client{run: run, unitDir: unitDir}
}

// systemctl runs one systemctl invocation, folding the tool's diagnostic
// output into the returned error.
func (c *Client) systemctl(ctx context.Context, args ...string) (string, error) {
	out, err := c.run.Run(ctx, "systemctl", args...)
	if err != nil {
		if msg := strings.TrimSpace(out); msg != "" {
			return out, fmt.Errorf("systemctl %s: %s: %w", strings.Join(args, " "), msg, err)
		}
		return out, fmt.Errorf("systemctl %s: %w", strings.Join(args, " "), err)
	}
	return out, nil
}

// Start starts a unit.
func (c *Client) Start(ctx context.Context, unit string) error {
	_, err := c.systemctl(ctx, "start", unit)
	return err
}

// Stop stops a unit.
func (c *Client) Stop(ctx context.Context, unit string) error {
	_, err := c.systemctl(ctx, "stop", unit)
	return err
}

// Restart restarts a unit.
func (c *Client) Restart(ctx context.Context, unit string) error {
	_, err := c.systemctl(ctx, "restart", unit)
	return err
}

// IsActive returns the unit's activation state as reported by
// `systemctl is-active`: "active", "inactive", "failed", "activating" or
// similar. The command exits non-zero for anything but active, so the exit
// status is ignored and only the printed state is used.
func (c *Client) IsActive(ctx context.Context, unit string) string {
	out, _ := c.run.Run(ctx, "systemctl", "is-active", unit)
	return strings.TrimSpace(out)
}

// Exists reports whether systemd knows the unit. A freshly written unit file
// is not visible until after a daemon reload, so callers polling for a new
// unit should use this rather than stat on the unit directory.
func (c *Client) Exists(ctx context.Context, unit string) bool {
	out, _ := c.run.Run(ctx, "systemctl", "list-unit-files", unit)
	return strings.Contains(out, unit)
}

// Show returns a single property value from `systemctl show`.
func (c *Client) Show(ctx context.Context, unit, property string) (string, error) {
	out, err := c.systemctl(ctx, "show", "-p", property, "--value", unit)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Enable enables a unit without starting it.
func (c *Client) Enable(ctx context.Context, unit string) error {
	_, err := c.systemctl(ctx, "enable", unit)
	return err
}

// EnableNow enables and starts a unit in one step.
func (c *Client) EnableNow(ctx context.Context, unit string) error {
	_, err := c.systemctl(ctx, "enable", "--now", unit)
	return err
}

// DisableNow stops and disables a unit in one step.
func (c *Client) DisableNow(ctx context.Context, unit string) error {
	_, err := c.systemctl(ctx, "disable", "--now", unit)
	return err
}

// DaemonReload reloads the systemd manager configuration. Required after any
// unit file is written or removed.
func (c *Client) DaemonReload(ctx context.Context) error {
	_, err := c.systemctl(ctx, "daemon-reload")
	return err
}

// ResetFailed clears failed state left behind by removed units.
func (c *Client) ResetFailed(ctx context.Context) error {
	_, err := c.systemctl(ctx, "reset-failed")
	return err
}

// UnitPath returns the absolute path of a unit file in the unit directory.
func (c *Client) UnitPath(unit string) string {
	return filepath.Join(c.unitDir, unit)
}

// WriteUnit writes a unit file. Callers must daemon-reload afterwards.
func (c *Client) WriteUnit(unit, text string) error {
	if err := os.MkdirAll(c.unitDir, 0755); err != nil {
		return fmt.Errorf("create unit directory: %w", err)
	}
	if err := os.WriteFile(c.UnitPath(unit), []byte(text), 0644); err != nil {
		return fmt.Errorf("write unit %s: %w", unit, err)
	}
	return nil
}

// ReadUnit returns the text of a unit file.
func (c *Client) ReadUnit(unit string) (string, error) {
	data, err := os.ReadFile(c.UnitPath(unit))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// RemoveUnit deletes a unit file. A missing file is not an error.
func (c *Client) RemoveUnit(unit string) error {
	err := os.Remove(c.UnitPath(unit))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit %s: %w", unit, err)
	}
	return nil
}

// HasUnitFile reports whether the unit file is present on disk, regardless
// of whether systemd has loaded it yet.
func (c *Client) HasUnitFile(unit string) bool {
	_, err := os.Stat(c.UnitPath(unit))
	return err == nil
}

// GlobUnits returns the names of unit files in the unit directory matching
// the pattern, for example "valheim-*.service".
func (c *Client) GlobUnits(pattern string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(c.unitDir, pattern))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, filepath.Base(m))
	}
	return names, nil
}
