package schedule

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haldis/valheimctl/internal/config"
	"github.com/haldis/valheimctl/internal/events"
	"github.com/haldis/valheimctl/internal/systemd"
	"github.com/haldis/valheimctl/internal/unitfile"
)

type fakeRunner struct {
	calls [][]string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if len(args) > 0 && args[0] == "is-active" {
		return "active\n", nil
	}
	return "", nil
}

func (f *fakeRunner) sawVerb(verb string) bool {
	for _, call := range f.calls {
		if len(call) > 1 && call[1] == verb {
			return true
		}
	}
	return false
}

type fakeJournal struct {
	types []string
}

func (f *fakeJournal) Record(eventType, level, message, world string) {
	f.types = append(f.types, eventType)
}

func (f *fakeJournal) Recent(limit int) ([]events.Event, error) { return nil, nil }

func newService(t *testing.T) (*Service, *fakeRunner, *config.Config) {
	t.Helper()
	base := t.TempDir()
	cfg := &config.Config{
		DataDir:    filepath.Join(base, "data"),
		InstallDir: filepath.Join(base, "server"),
		SaveDir:    filepath.Join(base, "saves"),
		LogDir:     filepath.Join(base, "log"),
		UnitDir:    filepath.Join(base, "units"),
	}
	run := &fakeRunner{}
	s := NewService(cfg, systemd.NewClient(run, cfg.UnitDir), &fakeJournal{})
	s.executable = func() (string, error) { return "/usr/local/bin/valheimctl", nil }
	return s, run, cfg
}

func TestIntervalTable(t *testing.T) {
	tests := []struct {
		iv         Interval
		label      string
		onCalendar string
	}{
		{Every30Min, "every 30 minutes", "*:0/30"},
		{Hourly, "hourly", "hourly"},
		{Every3Hours, "every 3 hours", "0/3:00:00"},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			if got := tt.iv.String(); got != tt.label {
				t.Errorf("String() = %q, want %q", got, tt.label)
			}
			if got := tt.iv.OnCalendar(); got != tt.onCalendar {
				t.Errorf("OnCalendar() = %q, want %q", got, tt.onCalendar)
			}
			back, err := ParseOnCalendar(tt.onCalendar)
			if err != nil {
				t.Fatalf("ParseOnCalendar(%q) error = %v", tt.onCalendar, err)
			}
			if back != tt.iv {
				t.Errorf("ParseOnCalendar(%q) = %v, want %v", tt.onCalendar, back, tt.iv)
			}
		})
	}

	if _, err := ParseOnCalendar("daily"); err == nil {
		t.Error("ParseOnCalendar(daily) error = nil, want failure")
	}
}

func TestIntervalNextRun(t *testing.T) {
	now := time.Date(2024, 1, 5, 10, 7, 0, 0, time.UTC)

	tests := []struct {
		iv   Interval
		want time.Time
	}{
		{Every30Min, time.Date(2024, 1, 5, 10, 30, 0, 0, time.UTC)},
		{Hourly, time.Date(2024, 1, 5, 11, 0, 0, 0, time.UTC)},
		{Every3Hours, time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.iv.String(), func(t *testing.T) {
			got, err := tt.iv.NextRun(now)
			if err != nil {
				t.Fatalf("NextRun() error = %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("NextRun() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInstall(t *testing.T) {
	s, run, cfg := newService(t)
	ctx := context.Background()

	if err := s.Install(ctx, "alpha", Every30Min); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	script, err := os.ReadFile(filepath.Join(cfg.ScriptsDir(), "backup-alpha.sh"))
	if err != nil {
		t.Fatalf("script not written: %v", err)
	}
	if want := "exec /usr/local/bin/valheimctl backup alpha"; !strings.Contains(string(script), want) {
		t.Errorf("script = %q, want it to contain %q", script, want)
	}

	for _, unit := range []string{"valheim-backup-alpha.service", "valheim-backup-alpha.timer"} {
		if _, err := os.Stat(filepath.Join(cfg.UnitDir, unit)); err != nil {
			t.Errorf("unit %s not written: %v", unit, err)
		}
	}

	if !run.sawVerb("daemon-reload") || !run.sawVerb("enable") {
		t.Errorf("expected daemon-reload and enable --now, got %v", run.calls)
	}
}

func TestInstallRefusesExistingJob(t *testing.T) {
	s, _, _ := newService(t)
	ctx := context.Background()

	if err := s.Install(ctx, "alpha", Every30Min); err != nil {
		t.Fatal(err)
	}
	err := s.Install(ctx, "alpha", Hourly)
	if !errors.Is(err, ErrJobExists) {
		t.Fatalf("second Install() error = %v, want ErrJobExists", err)
	}
}

func TestEditRewritesInterval(t *testing.T) {
	s, run, cfg := newService(t)
	ctx := context.Background()

	if err := s.Install(ctx, "alpha", Every30Min); err != nil {
		t.Fatal(err)
	}
	if err := s.Edit(ctx, "alpha", Every3Hours); err != nil {
		t.Fatalf("Edit() error = %v", err)
	}

	job, err := s.Inspect(ctx, "alpha")
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if job.Interval != Every3Hours {
		t.Errorf("interval after edit = %v, want Every3Hours", job.Interval)
	}
	if !job.Active {
		t.Error("job not active after edit")
	}
	if !run.sawVerb("restart") {
		t.Error("edit did not restart the timer")
	}

	// Exactly one job: one timer unit file, not two.
	timers, err := filepath.Glob(filepath.Join(cfg.UnitDir, "valheim-backup-alpha.timer*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(timers) != 1 {
		t.Errorf("timer unit files = %v, want exactly one", timers)
	}
}

func TestEditWithoutJob(t *testing.T) {
	s, _, _ := newService(t)
	if err := s.Edit(context.Background(), "alpha", Hourly); !errors.Is(err, ErrNoJob) {
		t.Fatalf("Edit() error = %v, want ErrNoJob", err)
	}
}

func TestRemove(t *testing.T) {
	s, run, cfg := newService(t)
	ctx := context.Background()

	if err := s.Install(ctx, "alpha", Hourly); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(ctx, "alpha"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	for _, path := range []string{
		filepath.Join(cfg.UnitDir, "valheim-backup-alpha.timer"),
		filepath.Join(cfg.UnitDir, "valheim-backup-alpha.service"),
		filepath.Join(cfg.ScriptsDir(), "backup-alpha.sh"),
	} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("%s still present after Remove", path)
		}
	}
	if !run.sawVerb("disable") {
		t.Error("Remove did not disable the timer")
	}

	if err := s.Remove(ctx, "alpha"); !errors.Is(err, ErrNoJob) {
		t.Errorf("second Remove() error = %v, want ErrNoJob", err)
	}
}

func TestInspectReadsIntervalFromTimer(t *testing.T) {
	s, _, _ := newService(t)
	ctx := context.Background()

	if _, err := s.Inspect(ctx, "alpha"); !errors.Is(err, ErrNoJob) {
		t.Fatalf("Inspect() error = %v, want ErrNoJob", err)
	}

	if err := s.Install(ctx, "alpha", Every30Min); err != nil {
		t.Fatal(err)
	}

	job, err := s.Inspect(ctx, "alpha")
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if job.Interval != Every30Min || job.World != "alpha" {
		t.Errorf("job = %+v", job)
	}
	if job.NextRun.IsZero() {
		t.Error("NextRun not computed")
	}
}

func TestInspectRejectsForeignTimer(t *testing.T) {
	s, _, cfg := newService(t)

	if err := os.MkdirAll(cfg.UnitDir, 0755); err != nil {
		t.Fatal(err)
	}
	text := unitfile.Generator{}.BackupTimer("alpha", "weekly")
	if err := os.WriteFile(filepath.Join(cfg.UnitDir, "valheim-backup-alpha.timer"), []byte(text), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Inspect(context.Background(), "alpha"); err == nil {
		t.Error("Inspect() error = nil for unmapped OnCalendar expression")
	}
}
