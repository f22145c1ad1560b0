package console

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haldis/valheimctl/internal/backup"
	"github.com/haldis/valheimctl/internal/config"
	"github.com/haldis/valheimctl/internal/events"
	"github.com/haldis/valheimctl/internal/schedule"
	"github.com/haldis/valheimctl/internal/service"
	"github.com/haldis/valheimctl/internal/unitfile"
	"github.com/haldis/valheimctl/internal/worlds"
)

type fakeRegistry struct {
	worlds      []worlds.World
	selected    string
	deleted     []string
	created     []unitfile.ServiceBinding
	validateErr error
}

func (f *fakeRegistry) List(_ context.Context) ([]worlds.World, error) { return f.worlds, nil }

func (f *fakeRegistry) Select(name string) error { f.selected = name; return nil }

func (f *fakeRegistry) ValidateNewName(string) error { return f.validateErr }
func (f *fakeRegistry) AllocatePort(requested int) (int, error) {
	if requested == 0 {
		requested = 2456
	}
	return requested, nil
}
func (f *fakeRegistry) Port(string) (int, error) { return 2456, nil }
func (f *fakeRegistry) Create(_ context.Context, b unitfile.ServiceBinding) error {
	f.created = append(f.created, b)
	return nil
}
func (f *fakeRegistry) Delete(_ context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}

type fakeSession struct {
	world string
}

func (f *fakeSession) Get() (string, error) { return f.world, nil }

func (f *fakeSession) Set(w string) error { f.world = w; return nil }

func (f *fakeSession) Clear() error { f.world = ""; return nil }

type fakeControl struct {
	startState service.State
	startErr   error
	stopState  service.State
	status     service.Status
	running    bool
	ready      service.ReadyResult
}

func (f *fakeControl) Start(context.Context, string) (service.State, error) {
	return f.startState, f.startErr
}
func (f *fakeControl) Stop(context.Context, string) (service.State, error) {
	return f.stopState, nil
}
func (f *fakeControl) Status(context.Context, string) (service.Status, error) {
	return f.status, nil
}
func (f *fakeControl) AwaitReady(context.Context, string, int) (service.ReadyResult, error) {
	return f.ready, nil
}
func (f *fakeControl) IsRunning(context.Context, string) bool { return f.running }

type fakeStore struct {
	list      []backup.Descriptor
	created   []string
	createErr error
	restored  []backup.Descriptor
	pageSize  int
}

func (f *fakeStore) Create(world string) (backup.Descriptor, error) {
	if f.createErr != nil {
		return backup.Descriptor{}, f.createErr
	}
	f.created = append(f.created, world)
	return backup.Descriptor{
		World:     world,
		Kind:      backup.KindRegular,
		Timestamp: "2024-01-05-0900",
		Filename:  world + "_backup_2024-01-05-0900.tar.gz",
		SizeBytes: 2048,
	}, nil
}
func (f *fakeStore) List(string) ([]backup.Descriptor, error) { return f.list, nil }

// Page mirrors the real fixed-window slicing so pagination flows behave.
func (f *fakeStore) Page(list []backup.Descriptor, page int) []backup.Descriptor {
	start := page * f.pageSize
	if start >= len(list) {
		return nil
	}
	end := start + f.pageSize
	if end > len(list) {
		end = len(list)
	}
	return list[start:end]
}
func (f *fakeStore) Restore(_ context.Context, _ string, d backup.Descriptor) error {
	f.restored = append(f.restored, d)
	return nil
}
func (f *fakeStore) DeleteAll(string) error { return nil }

type fakeSched struct {
	job        schedule.Job
	inspectErr error
	installed  []schedule.Interval
	edited     []schedule.Interval
	removed    int
}

func (f *fakeSched) Install(_ context.Context, _ string, iv schedule.Interval) error {
	f.installed = append(f.installed, iv)
	return nil
}
func (f *fakeSched) Edit(_ context.Context, _ string, iv schedule.Interval) error {
	f.edited = append(f.edited, iv)
	return nil
}
func (f *fakeSched) Remove(context.Context, string) error { f.removed++; return nil }

func (f *fakeSched) Inspect(context.Context, string) (schedule.Job, error) {
	return f.job, f.inspectErr
}

type fakeProv struct {
	installed bool
	ensured   int
	updated   int
}

func (f *fakeProv) IsInstalled() bool { return f.installed }

func (f *fakeProv) EnsureSteamCMD(context.Context) error { f.ensured++; return nil }

func (f *fakeProv) InstallOrUpdate(context.Context) error { f.updated++; return nil }

type fakeJournal struct {
	entries []events.Event
}

func (f *fakeJournal) Record(string, string, string, string) {}

func (f *fakeJournal) Recent(int) ([]events.Event, error) { return f.entries, nil }

type fakes struct {
	reg     *fakeRegistry
	sess    *fakeSession
	ctrl    *fakeControl
	store   *fakeStore
	sched   *fakeSched
	prov    *fakeProv
	journal *fakeJournal
}

func newTestConsole(input string) (*Console, *bytes.Buffer, *fakes) {
	f := &fakes{
		reg:     &fakeRegistry{},
		sess:    &fakeSession{},
		ctrl:    &fakeControl{startState: service.StateActive, stopState: service.StateInactive},
		store:   &fakeStore{pageSize: 5},
		sched:   &fakeSched{},
		prov:    &fakeProv{installed: true},
		journal: &fakeJournal{},
	}
	cfg := &config.Config{
		SaveDir:      "/var/lib/valheimctl/saves",
		InstallDir:   "/opt/valheim/server",
		DefaultPort:  2456,
		PageSize:     5,
		ReadyTimeout: time.Second,
	}
	out := &bytes.Buffer{}
	c := New(cfg, f.reg, f.sess, f.ctrl, f.store, f.sched, f.prov, f.journal,
		strings.NewReader(input), out)
	return c, out, f
}

func run(t *testing.T, c *Console) {
	t.Helper()
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestQuit(t *testing.T) {
	for _, input := range []string{"0\n", "q\n", ""} {
		c, out, _ := newTestConsole(input)
		run(t, c)
		if !strings.Contains(out.String(), "0) Quit") {
			t.Errorf("input %q: menu not shown", input)
		}
	}
}

func TestInvalidChoiceReprompts(t *testing.T) {
	c, out, _ := newTestConsole("banana\n0\n")
	run(t, c)
	if !strings.Contains(out.String(), `Unrecognized choice "banana"`) {
		t.Errorf("output missing rejection:\n%s", out.String())
	}
	// The menu was printed again after the bad choice.
	if strings.Count(out.String(), "1) Select world") != 2 {
		t.Errorf("menu not re-shown after invalid choice")
	}
}

func TestSelectWorldByIndex(t *testing.T) {
	c, out, f := newTestConsole("1\n2\n0\n")
	f.reg.worlds = []worlds.World{
		{Name: "alpha", Valid: true},
		{Name: "beta", Valid: true},
	}
	run(t, c)

	if f.reg.selected != "beta" {
		t.Errorf("selected = %q, want beta", f.reg.selected)
	}
	if !strings.Contains(out.String(), "Current world is now beta.") {
		t.Errorf("confirmation missing:\n%s", out.String())
	}
}

func TestSelectWorldRejectsBadIndex(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"out of range", "1\n7\n0\n"},
		{"non-numeric", "1\nxyz\n0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, out, f := newTestConsole(tt.input)
			f.reg.worlds = []worlds.World{{Name: "alpha", Valid: true}}
			run(t, c)

			if f.reg.selected != "" {
				t.Errorf("selected = %q, want none", f.reg.selected)
			}
			if !strings.Contains(out.String(), "Not a valid selection") {
				t.Errorf("rejection missing:\n%s", out.String())
			}
		})
	}
}

func TestDeleteNeedsConfirmation(t *testing.T) {
	c, out, f := newTestConsole("3\n1\nn\n0\n")
	f.reg.worlds = []worlds.World{{Name: "alpha", Valid: true}}
	run(t, c)

	if len(f.reg.deleted) != 0 {
		t.Errorf("deleted = %v, want none", f.reg.deleted)
	}
	if !strings.Contains(out.String(), "Cancelled.") {
		t.Errorf("cancel note missing:\n%s", out.String())
	}
}

func TestDeleteConfirmed(t *testing.T) {
	c, out, f := newTestConsole("3\n1\ny\n0\n")
	f.reg.worlds = []worlds.World{{Name: "alpha", Valid: true}}
	run(t, c)

	if len(f.reg.deleted) != 1 || f.reg.deleted[0] != "alpha" {
		t.Errorf("deleted = %v, want [alpha]", f.reg.deleted)
	}
	if !strings.Contains(out.String(), "World alpha is gone.") {
		t.Errorf("confirmation missing:\n%s", out.String())
	}
}

func TestBackupWithoutSelection(t *testing.T) {
	c, out, f := newTestConsole("7\n0\n")
	run(t, c)

	if len(f.store.created) != 0 {
		t.Errorf("backups created: %v", f.store.created)
	}
	if !strings.Contains(out.String(), "No world selected.") {
		t.Errorf("selection hint missing:\n%s", out.String())
	}
}

func TestBackupNow(t *testing.T) {
	c, out, f := newTestConsole("7\n0\n")
	f.sess.world = "alpha"
	run(t, c)

	if len(f.store.created) != 1 || f.store.created[0] != "alpha" {
		t.Errorf("created = %v, want [alpha]", f.store.created)
	}
	if !strings.Contains(out.String(), "Backup written: alpha_backup_2024-01-05-0900.tar.gz (2.0 KiB)") {
		t.Errorf("result line missing:\n%s", out.String())
	}
}

func TestRestorePicksListedEntry(t *testing.T) {
	c, out, f := newTestConsole("8\n2\ny\n0\n")
	f.sess.world = "alpha"
	f.store.list = []backup.Descriptor{
		{World: "alpha", Kind: backup.KindRegular, Timestamp: "2024-01-06-1200", Filename: "alpha_backup_2024-01-06-1200.tar.gz", SizeBytes: 10},
		{World: "alpha", Kind: backup.KindRegular, Timestamp: "2024-01-05-0900", Filename: "alpha_backup_2024-01-05-0900.tar.gz", SizeBytes: 10},
	}
	run(t, c)

	if len(f.store.restored) != 1 || f.store.restored[0].Filename != "alpha_backup_2024-01-05-0900.tar.gz" {
		t.Errorf("restored = %v, want the second listed entry", f.store.restored)
	}
	if !strings.Contains(out.String(), "Restore of alpha_backup_2024-01-05-0900.tar.gz complete.") {
		t.Errorf("completion missing:\n%s", out.String())
	}
}

func TestRestoreDeclinedAtCheckpoint(t *testing.T) {
	c, _, f := newTestConsole("8\n1\nn\n0\n")
	f.sess.world = "alpha"
	f.store.list = []backup.Descriptor{
		{World: "alpha", Kind: backup.KindRegular, Timestamp: "2024-01-05-0900", Filename: "alpha_backup_2024-01-05-0900.tar.gz"},
	}
	run(t, c)

	if len(f.store.restored) != 0 {
		t.Errorf("restored = %v, want none", f.store.restored)
	}
}

func TestCreateWorldFlow(t *testing.T) {
	// name, display (default), port (default), password, public, crossplay,
	// raids, final confirmation.
	c, out, f := newTestConsole("2\nmidgard\n\n\nhunter2\ny\nn\nn\ny\n0\n")
	run(t, c)

	if len(f.reg.created) != 1 {
		t.Fatalf("created = %v, want one binding", f.reg.created)
	}
	b := f.reg.created[0]
	if b.World != "midgard" || b.DisplayName != "midgard" || b.Port != 2456 ||
		b.Password != "hunter2" || !b.Public || b.Crossplay || b.NoRaids {
		t.Errorf("binding = %+v", b)
	}
	if f.reg.selected != "midgard" {
		t.Errorf("new world not selected, got %q", f.reg.selected)
	}
	if !strings.Contains(out.String(), "World midgard created and enabled on port 2456.") {
		t.Errorf("confirmation missing:\n%s", out.String())
	}
}

func TestCreateWorldRejectsShortPassword(t *testing.T) {
	c, out, f := newTestConsole("2\nmidgard\n\n\nabc\n0\n")
	run(t, c)

	if len(f.reg.created) != 0 {
		t.Errorf("created = %v, want none", f.reg.created)
	}
	if !strings.Contains(out.String(), "refuses passwords shorter than 5") {
		t.Errorf("password rule missing:\n%s", out.String())
	}
}

func TestCreateWorldRejectsBadName(t *testing.T) {
	c, out, f := newTestConsole("2\nbad name\n0\n")
	f.reg.validateErr = errors.New("name may only contain letters")
	run(t, c)

	if len(f.reg.created) != 0 {
		t.Errorf("created = %v, want none", f.reg.created)
	}
	if !strings.Contains(out.String(), "Cannot use that name") {
		t.Errorf("rejection missing:\n%s", out.String())
	}
}

func TestScheduleInstallFlow(t *testing.T) {
	c, out, f := newTestConsole("9\ny\n2\n0\n")
	f.sess.world = "alpha"
	f.sched.inspectErr = schedule.ErrNoJob
	run(t, c)

	if len(f.sched.installed) != 1 || f.sched.installed[0] != schedule.Hourly {
		t.Errorf("installed = %v, want [Hourly]", f.sched.installed)
	}
	if !strings.Contains(out.String(), "Auto-backup for alpha installed, running hourly.") {
		t.Errorf("confirmation missing:\n%s", out.String())
	}
}

func TestScheduleEditNeedsConfirmation(t *testing.T) {
	c, _, f := newTestConsole("9\n1\n3\nn\n0\n")
	f.sess.world = "alpha"
	f.sched.job = schedule.Job{World: "alpha", Interval: schedule.Every30Min, Active: true}
	run(t, c)

	if len(f.sched.edited) != 0 {
		t.Errorf("edited = %v, want none", f.sched.edited)
	}
}

func TestStartShowsJoinCode(t *testing.T) {
	c, out, f := newTestConsole("4\ny\n0\n")
	f.sess.world = "alpha"
	f.ctrl.ready = service.ReadyResult{Ready: true, JoinCode: "123456"}
	run(t, c)

	if !strings.Contains(out.String(), "Server for alpha is active.") {
		t.Errorf("start confirmation missing:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "Join code: 123456") {
		t.Errorf("join code missing:\n%s", out.String())
	}
}

func TestStartShowsReadyLine(t *testing.T) {
	c, out, f := newTestConsole("4\ny\n0\n")
	f.sess.world = "alpha"
	f.ctrl.ready = service.ReadyResult{Ready: true, Line: "03/12/2024 18:04:10: Game server connected"}
	run(t, c)

	if !strings.Contains(out.String(), "Server is open.") {
		t.Errorf("open confirmation missing:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "Game server connected") {
		t.Errorf("matched log line missing:\n%s", out.String())
	}
}

func TestMenuHeaderShowsSelection(t *testing.T) {
	c, out, f := newTestConsole("0\n")
	f.sess.world = "alpha"
	f.ctrl.running = true
	run(t, c)

	if !strings.Contains(out.String(), "world: alpha (running)") {
		t.Errorf("header missing:\n%s", out.String())
	}
}
