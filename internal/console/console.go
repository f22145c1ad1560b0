// Package console is the interactive operator surface: a numbered menu on
// stdin and stdout that sequences the registry, controller, backup store and
// scheduler. All state lives behind the service interfaces; the console only
// prompts, confirms and prints. Each operation returns to the menu when it
// finishes, whether it succeeded or not.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/haldis/valheimctl/internal/backup"
	"github.com/haldis/valheimctl/internal/config"
	"github.com/haldis/valheimctl/internal/events"
	"github.com/haldis/valheimctl/internal/hostinfo"
	"github.com/haldis/valheimctl/internal/provision"
	"github.com/haldis/valheimctl/internal/schedule"
	"github.com/haldis/valheimctl/internal/service"
	"github.com/haldis/valheimctl/internal/unitfile"
	"github.com/haldis/valheimctl/internal/worlds"
)

const minPasswordLen = 5

// Console runs the operator menu.
type Console struct {
	cfg     *config.Config
	reg     worlds.RegistryProvider
	session worlds.SessionStore
	ctrl    service.ControllerProvider
	store   backup.StoreProvider
	sched   schedule.ServiceProvider
	prov    provision.ServiceProvider
	events  events.ServiceProvider
	in      *bufio.Scanner
	out     io.Writer
}

// New creates a new Console reading operator input from in and writing to out.
func New(cfg *config.Config, reg worlds.RegistryProvider, session worlds.SessionStore, ctrl service.ControllerProvider, store backup.StoreProvider, sched schedule.ServiceProvider, prov provision.ServiceProvider, ev events.ServiceProvider, in io.Reader, out io.Writer) *Console {
	return &Console{
		cfg:     cfg,
		reg:     reg,
		session: session,
		ctrl:    ctrl,
		store:   store,
		sched:   sched,
		prov:    prov,
		events:  ev,
		in:      bufio.NewScanner(in),
		out:     out,
	}
}

// Run drives the menu loop until the operator quits or input closes. Both
// end the loop cleanly with a nil error.
func (c *Console) Run(ctx context.Context) error {
	for {
		c.printMenu(ctx)
		choice, ok := c.prompt("> ")
		if !ok {
			c.printf("\n")
			return nil
		}
		if c.dispatch(ctx, strings.TrimSpace(choice)) {
			return nil
		}
	}
}

func (c *Console) dispatch(ctx context.Context, choice string) (quit bool) {
	switch choice {
	case "0", "q", "quit", "exit":
		return true
	case "1":
		c.selectWorld(ctx)
	case "2":
		c.createWorld(ctx)
	case "3":
		c.deleteWorld(ctx)
	case "4":
		c.startServer(ctx)
	case "5":
		c.stopServer(ctx)
	case "6":
		c.showStatus(ctx)
	case "7":
		c.backupNow()
	case "8":
		c.browseBackups(ctx)
	case "9":
		c.autoBackup(ctx)
	case "10":
		c.updateServer(ctx)
	case "11":
		c.hostReport()
	case "12":
		c.recentActivity()
	default:
		c.printf("Unrecognized choice %q. Pick a number from the menu.\n", choice)
	}
	return false
}

func (c *Console) printMenu(ctx context.Context) {
	headline := "no world selected"
	if world, err := c.session.Get(); err == nil && world != "" {
		state := "stopped"
		if c.ctrl.IsRunning(ctx, world) {
			state = "running"
		}
		headline = fmt.Sprintf("world: %s (%s)", world, state)
	}

	c.printf("\n=== valheimctl | %s ===\n", headline)
	c.printf(" 1) Select world\n")
	c.printf(" 2) Create world\n")
	c.printf(" 3) Delete world\n")
	c.printf(" 4) Start server\n")
	c.printf(" 5) Stop server\n")
	c.printf(" 6) Server status\n")
	c.printf(" 7) Back up now\n")
	c.printf(" 8) Browse and restore backups\n")
	c.printf(" 9) Auto-backup schedule\n")
	c.printf("10) Install or update server files\n")
	c.printf("11) Host report\n")
	c.printf("12) Recent activity\n")
	c.printf(" 0) Quit\n")
}

func (c *Console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

// prompt prints a label and reads one line. ok is false when input is
// exhausted, which callers treat as a cancel.
func (c *Console) prompt(label string) (line string, ok bool) {
	fmt.Fprint(c.out, label)
	if !c.in.Scan() {
		return "", false
	}
	return c.in.Text(), true
}

// promptDefault reads one line, substituting def for an empty answer.
func (c *Console) promptDefault(label, def string) (string, bool) {
	s, ok := c.prompt(fmt.Sprintf("%s [%s]: ", label, def))
	if !ok {
		return "", false
	}
	if s = strings.TrimSpace(s); s == "" {
		return def, true
	}
	return s, true
}

// confirm is the checkpoint in front of destructive actions. Anything but an
// explicit yes declines.
func (c *Console) confirm(question string) bool {
	s, ok := c.prompt(question + " [y/N]: ")
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true
	}
	return false
}

func (c *Console) requireWorld() (string, bool) {
	name, err := c.session.Get()
	if err != nil {
		c.printf("Could not read the session: %v\n", err)
		return "", false
	}
	if name == "" {
		c.printf("No world selected. Pick one with option 1 first.\n")
		return "", false
	}
	return name, true
}

// listWorlds prints the registry listing with 1-based indices and returns it.
func (c *Console) listWorlds(ctx context.Context) ([]worlds.World, bool) {
	list, err := c.reg.List(ctx)
	if err != nil {
		c.printf("Could not list worlds: %v\n", err)
		return nil, false
	}
	if len(list) == 0 {
		c.printf("No worlds found under %s.\n", c.cfg.WorldsDir())
		return nil, false
	}

	for i, w := range list {
		marker := " "
		if w.Selected {
			marker = "*"
		}
		state := "stopped"
		if w.Running {
			state = "running"
		}
		note := ""
		if !w.Valid {
			note = "  (incomplete save pair)"
		}
		c.printf("%s%2d) %-24s %s%s\n", marker, i+1, w.Name, state, note)
	}
	return list, true
}

// chooseWorld shows the listing and resolves one index. A non-numeric or
// out-of-range answer is reported and aborts back to the menu.
func (c *Console) chooseWorld(ctx context.Context, label string) (worlds.World, bool) {
	list, ok := c.listWorlds(ctx)
	if !ok {
		return worlds.World{}, false
	}

	s, ok := c.prompt(label + " (0 to cancel): ")
	if !ok {
		return worlds.World{}, false
	}
	idx, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || idx < 0 || idx > len(list) {
		c.printf("Not a valid selection: %q.\n", s)
		return worlds.World{}, false
	}
	if idx == 0 {
		return worlds.World{}, false
	}
	return list[idx-1], true
}

func (c *Console) selectWorld(ctx context.Context) {
	w, ok := c.chooseWorld(ctx, "World to select")
	if !ok {
		return
	}
	if err := c.reg.Select(w.Name); err != nil {
		c.printf("Could not select %s: %v\n", w.Name, err)
		return
	}
	c.printf("Current world is now %s.\n", w.Name)
}

func (c *Console) createWorld(ctx context.Context) {
	name, ok := c.prompt("World name: ")
	if !ok {
		return
	}
	name = strings.TrimSpace(name)
	if err := c.reg.ValidateNewName(name); err != nil {
		c.printf("Cannot use that name: %v\n", err)
		return
	}

	display, ok := c.promptDefault("Server display name", name)
	if !ok {
		return
	}

	portStr, ok := c.promptDefault("Port", strconv.Itoa(c.cfg.DefaultPort))
	if !ok {
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		c.printf("Not a valid port: %q.\n", portStr)
		return
	}
	if port, err = c.reg.AllocatePort(port); err != nil {
		c.printf("Cannot use that port: %v\n", err)
		return
	}

	password, ok := c.prompt("Server password (5 characters or more): ")
	if !ok {
		return
	}
	password = strings.TrimSpace(password)
	if len(password) < minPasswordLen {
		c.printf("The server refuses passwords shorter than %d characters.\n", minPasswordLen)
		return
	}

	public := c.confirm("List the server publicly?")
	crossplay := c.confirm("Enable cross-play?")
	noRaids := c.confirm("Disable raid events?")

	c.printf("About to create %s (shown as %q) on port %d.\n", name, display, port)
	if !c.confirm("Create it?") {
		c.printf("Cancelled.\n")
		return
	}

	binding := unitfile.ServiceBinding{
		World:       name,
		DisplayName: display,
		Port:        port,
		Password:    password,
		Public:      public,
		Crossplay:   crossplay,
		NoRaids:     noRaids,
	}
	if err := c.reg.Create(ctx, binding); err != nil {
		c.printf("Could not create %s: %v\n", name, err)
		return
	}
	c.printf("World %s created and enabled on port %d. The save files appear on first start.\n", name, port)

	if err := c.reg.Select(name); err == nil {
		c.printf("Current world is now %s.\n", name)
	}
}

func (c *Console) deleteWorld(ctx context.Context) {
	w, ok := c.chooseWorld(ctx, "World to delete")
	if !ok {
		return
	}
	c.printf("This removes the service binding, auto-backup job, save files, log and every backup of %s.\n", w.Name)
	if !c.confirm("Delete " + w.Name + "?") {
		c.printf("Cancelled.\n")
		return
	}
	if err := c.reg.Delete(ctx, w.Name); err != nil {
		c.printf("Delete failed: %v\n", err)
		return
	}
	c.printf("World %s is gone.\n", w.Name)
}

func (c *Console) startServer(ctx context.Context) {
	world, ok := c.requireWorld()
	if !ok {
		return
	}

	state, err := c.ctrl.Start(ctx, world)
	switch {
	case errors.Is(err, service.ErrNoBinding):
		c.printf("World %s has no service binding. Create the world through this menu first.\n", world)
		return
	case errors.Is(err, provision.ErrNotInstalled):
		c.printf("The server files are not installed yet. Run the install option first.\n")
		return
	case err != nil:
		c.printf("Start failed: %v\n", err)
		return
	}

	if state == service.StateUnknown {
		c.printf("Start issued, but the supervisor has not confirmed it yet. Check the status in a moment.\n")
		return
	}
	c.printf("Server for %s is active.\n", world)

	if !c.confirm("Wait for the ready signal in the server log?") {
		return
	}
	port, err := c.reg.Port(world)
	if err != nil {
		port = c.cfg.DefaultPort
	}
	res, err := c.ctrl.AwaitReady(ctx, world, port)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.printf("Could not watch the server log: %v\n", err)
		}
		return
	}
	c.printReady(res)
}

func (c *Console) printReady(res service.ReadyResult) {
	if res.Ready {
		if res.JoinCode != "" {
			c.printf("Server is open. Join code: %s\n", res.JoinCode)
		} else {
			c.printf("Server is open.\n")
		}
		if res.Line != "" {
			c.printf("  %s\n", res.Line)
		}
		return
	}

	c.printf("No ready signal within %s. The server may still be loading; connect manually:\n", c.cfg.ReadyTimeout)
	if res.LocalAddr != "" {
		c.printf("  local:  %s:%d\n", res.LocalAddr, res.Port)
	}
	if res.PublicAddr != "" {
		c.printf("  public: %s:%d\n", res.PublicAddr, res.Port)
	}
}

func (c *Console) stopServer(ctx context.Context) {
	world, ok := c.requireWorld()
	if !ok {
		return
	}

	state, err := c.ctrl.Stop(ctx, world)
	switch {
	case errors.Is(err, service.ErrNoBinding):
		c.printf("World %s has no service binding; nothing to stop.\n", world)
	case err != nil:
		c.printf("Stop failed: %v\n", err)
	case state == service.StateUnknown:
		c.printf("Stop issued, but the unit is still winding down. Check the status in a moment.\n")
	default:
		c.printf("Server for %s is stopped.\n", world)
	}
}

func (c *Console) showStatus(ctx context.Context) {
	world, ok := c.requireWorld()
	if !ok {
		return
	}

	st, err := c.ctrl.Status(ctx, world)
	if err != nil {
		c.printf("Status check failed: %v\n", err)
		return
	}

	switch st.State {
	case service.StateNotFound:
		c.printf("World %s has no service binding.\n", world)
	case service.StateUnknown:
		c.printf("The supervisor has not indexed the binding for %s yet. Try again shortly.\n", world)
	default:
		c.printf("Server for %s is %s.\n", world, st.State)
		if st.State == service.StateActive && st.ActiveSince != "" {
			c.printf("  active since %s\n", st.ActiveSince)
		}
		if st.State != service.StateActive && st.InactiveSince != "" {
			c.printf("  inactive since %s\n", st.InactiveSince)
		}
	}
}

func (c *Console) backupNow() {
	world, ok := c.requireWorld()
	if !ok {
		return
	}

	d, err := c.store.Create(world)
	if errors.Is(err, backup.ErrSourceMissing) {
		c.printf("World %s has no complete save pair yet. Start it once so the server writes its files.\n", world)
		return
	}
	if err != nil {
		c.printf("Backup failed: %v\n", err)
		return
	}
	c.printf("Backup written: %s (%s)\n", d.Filename, humanize.IBytes(uint64(d.SizeBytes)))
}

func (c *Console) browseBackups(ctx context.Context) {
	world, ok := c.requireWorld()
	if !ok {
		return
	}

	list, err := c.store.List(world)
	if err != nil {
		c.printf("Could not list backups: %v\n", err)
		return
	}
	if len(list) == 0 {
		c.printf("No backups for %s yet.\n", world)
		return
	}

	page := 0
	for {
		entries := c.store.Page(list, page)
		c.printf("\nBackups for %s, newest first (page %d):\n", world, page+1)
		for i, d := range entries {
			kind := ""
			if d.Kind == backup.KindPreRestore {
				kind = "  pre-restore"
			}
			c.printf("%2d) %s %s  %8s%s\n",
				page*c.cfg.PageSize+i+1,
				d.Timestamp.DisplayDate(), d.Timestamp.DisplayTime(),
				humanize.IBytes(uint64(d.SizeBytes)), kind)
		}

		s, ok := c.prompt("Backup number to restore, n for next page, 0 to go back: ")
		if !ok {
			return
		}
		s = strings.TrimSpace(s)
		switch s {
		case "0":
			return
		case "n":
			if len(c.store.Page(list, page+1)) == 0 {
				c.printf("Already on the last page.\n")
				continue
			}
			page++
			continue
		}

		idx, err := strconv.Atoi(s)
		if err != nil || idx < 1 || idx > len(list) {
			c.printf("Not a valid choice: %q.\n", s)
			continue
		}
		c.restoreBackup(ctx, world, list[idx-1])
		return
	}
}

func (c *Console) restoreBackup(ctx context.Context, world string, d backup.Descriptor) {
	c.printf("Restoring %s from %s %s.\n", world, d.Timestamp.DisplayDate(), d.Timestamp.DisplayTime())
	if !c.confirm("Stop the server, snapshot its current files and restore this backup?") {
		c.printf("Cancelled.\n")
		return
	}

	if err := c.store.Restore(ctx, world, d); err != nil {
		c.printf("Restore failed: %v\n", err)
		c.printf("The pre-restore snapshot taken just now still holds the previous files.\n")
		return
	}
	c.printf("Restore of %s complete.\n", d.Filename)
}

func (c *Console) autoBackup(ctx context.Context) {
	world, ok := c.requireWorld()
	if !ok {
		return
	}

	job, err := c.sched.Inspect(ctx, world)
	switch {
	case err == nil:
		c.describeJob(job)
		s, ok := c.prompt("1) change interval  2) remove  0) back: ")
		if !ok {
			return
		}
		switch strings.TrimSpace(s) {
		case "1":
			iv, ok := c.chooseInterval()
			if !ok {
				return
			}
			if !c.confirm("Replace the existing schedule?") {
				c.printf("Cancelled.\n")
				return
			}
			if err := c.sched.Edit(ctx, world, iv); err != nil {
				c.printf("Could not change the schedule: %v\n", err)
				return
			}
			c.printf("Auto-backup for %s now runs %s.\n", world, iv)
		case "2":
			if !c.confirm("Remove the auto-backup job for " + world + "?") {
				c.printf("Cancelled.\n")
				return
			}
			if err := c.sched.Remove(ctx, world); err != nil {
				c.printf("Could not remove the job: %v\n", err)
				return
			}
			c.printf("Auto-backup for %s removed.\n", world)
		case "0":
		default:
			c.printf("Not a valid choice: %q.\n", s)
		}

	case errors.Is(err, schedule.ErrNoJob):
		c.printf("No auto-backup job for %s.\n", world)
		if !c.confirm("Install one?") {
			return
		}
		iv, ok := c.chooseInterval()
		if !ok {
			return
		}
		if err := c.sched.Install(ctx, world, iv); err != nil {
			c.printf("Could not install the job: %v\n", err)
			return
		}
		c.printf("Auto-backup for %s installed, running %s.\n", world, iv)

	default:
		c.printf("Could not inspect the auto-backup job: %v\n", err)
	}
}

func (c *Console) describeJob(job schedule.Job) {
	c.printf("Auto-backup for %s runs %s", job.World, job.Interval)
	if !job.NextRun.IsZero() {
		c.printf(", next run %s", job.NextRun.Format("2006-01-02 15:04"))
	}
	if !job.Active {
		c.printf(" (timer not active)")
	}
	c.printf(".\n")
}

func (c *Console) chooseInterval() (schedule.Interval, bool) {
	ivs := schedule.Intervals()
	for i, iv := range ivs {
		c.printf(" %d) %s\n", i+1, iv)
	}
	s, ok := c.prompt("Backup interval (0 to cancel): ")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 || n > len(ivs) {
		c.printf("Not a valid choice: %q.\n", s)
		return 0, false
	}
	if n == 0 {
		return 0, false
	}
	return ivs[n-1], true
}

func (c *Console) updateServer(ctx context.Context) {
	if list, err := c.reg.List(ctx); err == nil {
		for _, w := range list {
			if !w.Running {
				continue
			}
			c.printf("World %s is running right now. Updating under a live server can corrupt the install.\n", w.Name)
			if !c.confirm("Update anyway?") {
				c.printf("Cancelled.\n")
				return
			}
			break
		}
	}

	c.printf("Fetching steamcmd and updating the server files. This can take several minutes.\n")
	if err := c.prov.EnsureSteamCMD(ctx); err != nil {
		c.printf("steamcmd setup failed: %v\n", err)
		return
	}
	if err := c.prov.InstallOrUpdate(ctx); err != nil {
		c.printf("Update failed: %v\n", err)
		return
	}
	c.printf("Server files are up to date in %s.\n", c.cfg.InstallDir)
}

func (c *Console) hostReport() {
	c.printf("%s", hostinfo.Collect(c.cfg.SaveDir).Render())
}

func (c *Console) recentActivity() {
	list, err := c.events.Recent(15)
	if err != nil {
		c.printf("Could not read the activity journal: %v\n", err)
		return
	}
	if len(list) == 0 {
		c.printf("No recorded activity yet.\n")
		return
	}

	for _, e := range list {
		world := ""
		if e.World != "" {
			world = " [" + e.World + "]"
		}
		c.printf("%s  %-5s %-18s %s%s\n",
			e.CreatedAt.Format("2006-01-02 15:04"), e.Level, e.Type, e.Message, world)
	}
}
