package schedule

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/haldis/valheimctl/internal/config"
	"github.com/haldis/valheimctl/internal/events"
	"github.com/haldis/valheimctl/internal/systemd"
	"github.com/haldis/valheimctl/internal/unitfile"
)

var (
	// ErrJobExists is returned by Install when the world already has a job.
	// The caller decides between editing and cancelling; a job is never
	// silently overwritten.
	ErrJobExists = errors.New("auto-backup job already exists")
	// ErrNoJob is returned when an operation needs a job and there is none.
	ErrNoJob = errors.New("no auto-backup job for world")
)

// Job describes a world's installed auto-backup schedule.
type Job struct {
	World    string
	Interval Interval
	NextRun  time.Time
	Active   bool
}

// ServiceProvider defines the interface for auto-backup scheduling.
type ServiceProvider interface {
	Install(ctx context.Context, world string, iv Interval) error
	Edit(ctx context.Context, world string, iv Interval) error
	Remove(ctx context.Context, world string) error
	Inspect(ctx context.Context, world string) (Job, error)
}

// Service manages the timer, oneshot unit and invocation script that make up
// a world's auto-backup job.
type Service struct {
	cfg    *config.Config
	sysd   *systemd.Client
	gen    unitfile.Generator
	events events.ServiceProvider

	// executable invoked by the generated script, normally this binary
	executable func() (string, error)
}

// NewService creates a new scheduling service.
func NewService(cfg *config.Config, sysd *systemd.Client, ev events.ServiceProvider) *Service {
	return &Service{
		cfg:        cfg,
		sysd:       sysd,
		gen:        unitfile.Generator{InstallDir: cfg.InstallDir, SaveDir: cfg.SaveDir, LogDir: cfg.LogDir},
		events:     ev,
		executable: os.Executable,
	}
}

func (s *Service) scriptPath(world string) string {
	return filepath.Join(s.cfg.ScriptsDir(), "backup-"+world+".sh")
}

// writeScript writes the idempotent invocation script. The script re-enters
// this tool in its unattended mode, so the scheduled path and the manual path
// share one backup implementation.
func (s *Service) writeScript(world string) (string, error) {
	exe, err := s.executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	if err := os.MkdirAll(s.cfg.ScriptsDir(), 0755); err != nil {
		return "", fmt.Errorf("create scripts directory: %w", err)
	}

	path := s.scriptPath(world)
	script := fmt.Sprintf("#!/bin/sh\nexec %s backup %s\n", exe, world)
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		return "", fmt.Errorf("write backup script: %w", err)
	}
	return path, nil
}

// Install sets up the job and activates its timer immediately. A world with
// an existing job gets ErrJobExists; use Edit to change the interval.
func (s *Service) Install(ctx context.Context, world string, iv Interval) error {
	timer := unitfile.BackupTimerName(world)
	if s.sysd.HasUnitFile(timer) {
		return fmt.Errorf("world %q: %w", world, ErrJobExists)
	}

	scriptPath, err := s.writeScript(world)
	if err != nil {
		return err
	}
	if err := s.sysd.WriteUnit(unitfile.BackupServiceName(world), s.gen.BackupService(world, scriptPath)); err != nil {
		return err
	}
	if err := s.sysd.WriteUnit(timer, s.gen.BackupTimer(world, iv.OnCalendar())); err != nil {
		return err
	}
	if err := s.sysd.DaemonReload(ctx); err != nil {
		return err
	}
	if err := s.sysd.EnableNow(ctx, timer); err != nil {
		return err
	}

	log.Info().Str("world", world).Str("interval", iv.String()).Msg("auto-backup job installed")
	s.events.Record("schedule.install", events.LevelInfo, "auto-backup "+iv.String(), world)
	return nil
}

// Edit rewrites the timer with a new interval and restarts it, leaving
// exactly one active job.
func (s *Service) Edit(ctx context.Context, world string, iv Interval) error {
	timer := unitfile.BackupTimerName(world)
	if !s.sysd.HasUnitFile(timer) {
		return fmt.Errorf("world %q: %w", world, ErrNoJob)
	}

	// The script and oneshot unit are interval-independent, but rewrite them
	// anyway in case the executable moved since install.
	scriptPath, err := s.writeScript(world)
	if err != nil {
		return err
	}
	if err := s.sysd.WriteUnit(unitfile.BackupServiceName(world), s.gen.BackupService(world, scriptPath)); err != nil {
		return err
	}
	if err := s.sysd.WriteUnit(timer, s.gen.BackupTimer(world, iv.OnCalendar())); err != nil {
		return err
	}
	if err := s.sysd.DaemonReload(ctx); err != nil {
		return err
	}
	if err := s.sysd.Restart(ctx, timer); err != nil {
		return err
	}

	log.Info().Str("world", world).Str("interval", iv.String()).Msg("auto-backup job updated")
	s.events.Record("schedule.edit", events.LevelInfo, "auto-backup changed to "+iv.String(), world)
	return nil
}

// Remove deactivates and deletes the job. A world without a job returns
// ErrNoJob, which callers report as an informational no-op.
func (s *Service) Remove(ctx context.Context, world string) error {
	timer := unitfile.BackupTimerName(world)
	if !s.sysd.HasUnitFile(timer) {
		return fmt.Errorf("world %q: %w", world, ErrNoJob)
	}

	if err := s.sysd.DisableNow(ctx, timer); err != nil {
		log.Warn().Err(err).Str("world", world).Msg("could not deactivate timer, removing files anyway")
	}
	if err := s.sysd.RemoveUnit(timer); err != nil {
		return err
	}
	if err := s.sysd.RemoveUnit(unitfile.BackupServiceName(world)); err != nil {
		return err
	}
	if err := os.Remove(s.scriptPath(world)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove backup script: %w", err)
	}
	if err := s.sysd.DaemonReload(ctx); err != nil {
		return err
	}

	log.Info().Str("world", world).Msg("auto-backup job removed")
	s.events.Record("schedule.remove", events.LevelInfo, "auto-backup removed", world)
	return nil
}

// Inspect reads the installed job back from its timer unit. The interval
// comes from the OnCalendar line itself.
func (s *Service) Inspect(ctx context.Context, world string) (Job, error) {
	timer := unitfile.BackupTimerName(world)
	text, err := s.sysd.ReadUnit(timer)
	if err != nil {
		if os.IsNotExist(err) {
			return Job{}, fmt.Errorf("world %q: %w", world, ErrNoJob)
		}
		return Job{}, err
	}

	expr, err := unitfile.TimerOnCalendar(text)
	if err != nil {
		return Job{}, fmt.Errorf("read timer for %q: %w", world, err)
	}
	iv, err := ParseOnCalendar(expr)
	if err != nil {
		return Job{}, fmt.Errorf("read timer for %q: %w", world, err)
	}

	job := Job{
		World:    world,
		Interval: iv,
		Active:   s.sysd.IsActive(ctx, timer) == "active",
	}
	if next, err := iv.NextRun(time.Now()); err == nil {
		job.NextRun = next
	}
	return job, nil
}
