// Package provision installs and updates the dedicated server binary through
// steamcmd. Installation is idempotent: app_update validates and patches an
// existing install in place.
package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/haldis/valheimctl/internal/archive"
	"github.com/haldis/valheimctl/internal/config"
	"github.com/haldis/valheimctl/internal/events"
	"github.com/haldis/valheimctl/internal/unitfile"
)

// ErrNotInstalled is returned when an operation needs the server binary and
// it has not been installed yet.
var ErrNotInstalled = errors.New("server binary not installed")

const (
	steamAppID  = "896660"
	steamCMDURL = "https://steamcdn-a.akamaihd.net/client/installer/steamcmd_linux.tar.gz"
)

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ServiceProvider defines the interface for provisioning services.
type ServiceProvider interface {
	IsInstalled() bool
	EnsureSteamCMD(ctx context.Context) error
	InstallOrUpdate(ctx context.Context) error
}

// Service provisions the server install through steamcmd.
type Service struct {
	cfg    *config.Config
	run    Runner
	events events.ServiceProvider
}

// NewService creates a new provisioning service.
func NewService(cfg *config.Config, run Runner, ev events.ServiceProvider) *Service {
	return &Service{cfg: cfg, run: run, events: ev}
}

// BinaryPath returns the expected location of the server binary.
func (s *Service) BinaryPath() string {
	return filepath.Join(s.cfg.InstallDir, unitfile.ServerBinary)
}

// IsInstalled reports whether the server binary is present. The service
// controller refuses to start a world until this holds.
func (s *Service) IsInstalled() bool {
	_, err := os.Stat(s.BinaryPath())
	return err == nil
}

func (s *Service) steamCMDPath() string {
	return filepath.Join(s.cfg.SteamCMDDir, "steamcmd.sh")
}

// EnsureSteamCMD downloads and unpacks steamcmd if it is not already present.
func (s *Service) EnsureSteamCMD(ctx context.Context) error {
	if _, err := os.Stat(s.steamCMDPath()); err == nil {
		return nil
	}

	if err := os.MkdirAll(s.cfg.SteamCMDDir, 0755); err != nil {
		return fmt.Errorf("create steamcmd directory: %w", err)
	}

	log.Info().Str("url", steamCMDURL).Msg("downloading steamcmd")
	tarball := filepath.Join(s.cfg.SteamCMDDir, "steamcmd_linux.tar.gz")
	if err := downloadFile(ctx, steamCMDURL, tarball); err != nil {
		return fmt.Errorf("download steamcmd: %w", err)
	}
	defer os.Remove(tarball)

	if err := archive.Extract(tarball, s.cfg.SteamCMDDir); err != nil {
		return fmt.Errorf("unpack steamcmd: %w", err)
	}
	_ = os.Chmod(s.steamCMDPath(), 0755)
	return nil
}

// InstallOrUpdate fetches or patches the dedicated server install. Safe to
// run repeatedly; steamcmd validates the existing files and downloads only
// what changed.
func (s *Service) InstallOrUpdate(ctx context.Context) error {
	if err := s.EnsureSteamCMD(ctx); err != nil {
		return err
	}
	if err := os.MkdirAll(s.cfg.InstallDir, 0755); err != nil {
		return fmt.Errorf("create install directory: %w", err)
	}

	log.Info().Str("appId", steamAppID).Str("installDir", s.cfg.InstallDir).Msg("running steamcmd app_update")
	out, err := s.run.Run(ctx, s.steamCMDPath(),
		"+force_install_dir", s.cfg.InstallDir,
		"+login", "anonymous",
		"+app_update", steamAppID, "validate",
		"+quit",
	)
	if err != nil {
		return fmt.Errorf("steamcmd app_update: %s: %w", lastLine(out), err)
	}

	s.events.Record("provision.update", events.LevelInfo, "server binary installed or updated", "")
	return nil
}

// lastLine trims a steamcmd transcript down to its final non-empty line,
// which is where steamcmd puts its success or failure verdict.
func lastLine(out string) string {
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return "no output"
	}
	if i := strings.LastIndex(trimmed, "\n"); i >= 0 {
		return strings.TrimSpace(trimmed[i+1:])
	}
	return trimmed
}

func downloadFile(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}
