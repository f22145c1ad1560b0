// Package worlds tracks the world saves on this host and the service bindings
// attached to them. A world is identified by the base name of its save pair
// under <SaveDir>/worlds_local; the registry is rebuilt from the filesystem on
// every call rather than cached.
package worlds

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/haldis/valheimctl/internal/backup"
	"github.com/haldis/valheimctl/internal/config"
	"github.com/haldis/valheimctl/internal/events"
	"github.com/haldis/valheimctl/internal/schedule"
	"github.com/haldis/valheimctl/internal/systemd"
	"github.com/haldis/valheimctl/internal/unitfile"
)

var (
	ErrNameInUse = errors.New("world name already in use")
	ErrPortInUse = errors.New("port already in use")
	ErrNotFound  = errors.New("world not found")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// reservedFragments mark save files produced by copy or backup tooling, not
// playable worlds. Matched case-insensitively as substrings.
var reservedFragments = []string{"backup", "bak", "copy"}

// World is one entry in the registry listing.
type World struct {
	Name     string
	Valid    bool // both .db and .fwl present
	Running  bool
	Selected bool
}

type RegistryProvider interface {
	List(ctx context.Context) ([]World, error)
	Select(name string) error
	ValidateNewName(name string) error
	AllocatePort(requested int) (int, error)
	Port(name string) (int, error)
	Create(ctx context.Context, binding unitfile.ServiceBinding) error
	Delete(ctx context.Context, name string) error
}

type Registry struct {
	cfg     *config.Config
	sysd    *systemd.Client
	gen     unitfile.Generator
	session SessionStore
	store   *backup.Store
	sched   *schedule.Service
	events  events.ServiceProvider
}

func NewRegistry(cfg *config.Config, sysd *systemd.Client, session SessionStore, store *backup.Store, sched *schedule.Service, ev events.ServiceProvider) *Registry {
	return &Registry{
		cfg:  cfg,
		sysd: sysd,
		gen: unitfile.Generator{
			InstallDir: cfg.InstallDir,
			SaveDir:    cfg.SaveDir,
			LogDir:     cfg.LogDir,
		},
		session: session,
		store:   store,
		sched:   sched,
		events:  ev,
	}
}

func isReserved(name string) bool {
	lower := strings.ToLower(name)
	for _, frag := range reservedFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (r *Registry) savePath(name, ext string) string {
	return filepath.Join(r.cfg.WorldsDir(), name+ext)
}

// List scans the worlds directory fresh on every call so saves created by the
// server since the last look are picked up. Entries are name-sorted to keep
// menu indices stable.
func (r *Registry) List(ctx context.Context) ([]World, error) {
	entries, err := os.ReadDir(r.cfg.WorldsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning worlds directory: %w", err)
	}

	selected, err := r.session.Get()
	if err != nil {
		log.Warn().Err(err).Msg("session read failed, no world marked selected")
	}

	var list []World
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".db") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".db")
		if isReserved(name) {
			continue
		}
		list = append(list, World{
			Name:     name,
			Valid:    fileExists(r.savePath(name, ".fwl")),
			Running:  r.sysd.IsActive(ctx, unitfile.ServiceName(name)) == "active",
			Selected: name == selected,
		})
	}

	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list, nil
}

// Select persists name as the current world. The world must leave some trace
// on the host, either a save file or a service binding.
func (r *Registry) Select(name string) error {
	if !fileExists(r.savePath(name, ".db")) && !fileExists(r.savePath(name, ".fwl")) &&
		!r.sysd.HasUnitFile(unitfile.ServiceName(name)) {
		return fmt.Errorf("world %q: %w", name, ErrNotFound)
	}
	if err := r.session.Set(name); err != nil {
		return fmt.Errorf("persisting world selection: %w", err)
	}
	log.Info().Str("world", name).Msg("world selected")
	return nil
}

// ValidateNewName reports why name cannot be used for a new world, or nil.
func (r *Registry) ValidateNewName(name string) error {
	if name == "" {
		return errors.New("world name is empty")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("world name %q may only contain letters, digits, '-' and '_'", name)
	}
	if isReserved(name) {
		return fmt.Errorf("world name %q is reserved for backup artifacts", name)
	}
	for _, ext := range []string{".db", ".fwl"} {
		if fileExists(r.savePath(name, ext)) {
			return fmt.Errorf("save file %s%s already exists: %w", name, ext, ErrNameInUse)
		}
	}
	if r.sysd.HasUnitFile(unitfile.ServiceName(name)) {
		return fmt.Errorf("service binding for %q already exists: %w", name, ErrNameInUse)
	}
	return nil
}

// AllocatePort resolves requested against the ports already bound by other
// world services. Zero means the default port.
func (r *Registry) AllocatePort(requested int) (int, error) {
	port := requested
	if port == 0 {
		port = r.cfg.DefaultPort
	}

	units, err := r.sysd.GlobUnits("valheim-*.service")
	if err != nil {
		return 0, fmt.Errorf("scanning service bindings: %w", err)
	}
	for _, unit := range units {
		world, ok := unitfile.WorldFromServiceName(unit)
		if !ok {
			continue
		}
		text, err := r.sysd.ReadUnit(unit)
		if err != nil {
			log.Warn().Err(err).Str("unit", unit).Msg("unreadable unit skipped during port scan")
			continue
		}
		bound, err := unitfile.BindingPort(text)
		if err != nil {
			log.Warn().Err(err).Str("unit", unit).Msg("unit without port skipped during port scan")
			continue
		}
		if bound == port {
			return 0, fmt.Errorf("port %d is bound to world %q: %w", port, world, ErrPortInUse)
		}
	}
	return port, nil
}

// Port reads back the port bound to an existing world service.
func (r *Registry) Port(name string) (int, error) {
	text, err := r.sysd.ReadUnit(unitfile.ServiceName(name))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("world %q has no service binding: %w", name, ErrNotFound)
		}
		return 0, fmt.Errorf("reading service unit: %w", err)
	}
	port, err := unitfile.BindingPort(text)
	if err != nil {
		return 0, fmt.Errorf("service unit for %q: %w", name, err)
	}
	return port, nil
}

// Create binds a new world: it writes and enables the service unit so the
// world survives reboots, but does not start it. The save pair itself is
// created by the server on first launch.
func (r *Registry) Create(ctx context.Context, binding unitfile.ServiceBinding) error {
	if err := r.ValidateNewName(binding.World); err != nil {
		return err
	}
	port, err := r.AllocatePort(binding.Port)
	if err != nil {
		return err
	}
	binding.Port = port
	if binding.DisplayName == "" {
		binding.DisplayName = binding.World
	}

	if err := os.MkdirAll(r.cfg.WorldsDir(), 0755); err != nil {
		return fmt.Errorf("creating worlds directory: %w", err)
	}

	unitName := unitfile.ServiceName(binding.World)
	if err := r.sysd.WriteUnit(unitName, r.gen.Service(binding)); err != nil {
		return fmt.Errorf("writing service unit: %w", err)
	}
	if err := r.sysd.DaemonReload(ctx); err != nil {
		return fmt.Errorf("reloading unit definitions: %w", err)
	}
	if err := r.sysd.Enable(ctx, unitName); err != nil {
		return fmt.Errorf("enabling %s: %w", unitName, err)
	}

	log.Info().Str("world", binding.World).Int("port", binding.Port).Msg("world created")
	r.events.Record("world.create", events.LevelInfo,
		fmt.Sprintf("world %s bound to port %d", binding.World, binding.Port), binding.World)
	return nil
}

// Delete removes every artifact attached to name: the service binding, the
// auto-backup job, the save pair with its rotated variants, the server log
// and all backup archives. Artifacts that are already gone are skipped; a
// name with no artifacts at all is ErrNotFound.
func (r *Registry) Delete(ctx context.Context, name string) error {
	traced := false
	unitName := unitfile.ServiceName(name)

	if r.sysd.HasUnitFile(unitName) {
		traced = true
		if err := r.sysd.DisableNow(ctx, unitName); err != nil {
			log.Warn().Err(err).Str("unit", unitName).Msg("stop+disable failed, removing binding anyway")
		}
		if err := r.sysd.RemoveUnit(unitName); err != nil {
			return fmt.Errorf("removing service unit: %w", err)
		}
	}

	switch err := r.sched.Remove(ctx, name); {
	case err == nil:
		traced = true
	case !errors.Is(err, schedule.ErrNoJob):
		log.Warn().Err(err).Str("world", name).Msg("auto-backup job removal failed")
	}

	for _, ext := range []string{".db", ".fwl", ".db.old", ".fwl.old"} {
		path := r.savePath(name, ext)
		if err := os.Remove(path); err == nil {
			traced = true
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", path, err)
		}
	}

	logPath := filepath.Join(r.cfg.LogDir, name+".log")
	if err := os.Remove(logPath); err == nil {
		traced = true
	} else if !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", logPath).Msg("server log not removed")
	}

	if backups, err := r.store.List(name); err == nil && len(backups) > 0 {
		traced = true
	}
	if err := r.store.DeleteAll(name); err != nil {
		log.Warn().Err(err).Str("world", name).Msg("backup archives not fully removed")
	}

	if !traced {
		return fmt.Errorf("world %q: %w", name, ErrNotFound)
	}

	if err := r.sysd.DaemonReload(ctx); err != nil {
		log.Warn().Err(err).Msg("daemon-reload after delete failed")
	}
	if err := r.sysd.ResetFailed(ctx); err != nil {
		log.Warn().Err(err).Msg("reset-failed after delete failed")
	}

	if current, err := r.session.Get(); err == nil && current == name {
		if err := r.session.Clear(); err != nil {
			log.Warn().Err(err).Msg("session not cleared")
		}
	}

	log.Info().Str("world", name).Msg("world deleted")
	r.events.Record("world.delete", events.LevelInfo, fmt.Sprintf("world %s and all artifacts removed", name), name)
	return nil
}
