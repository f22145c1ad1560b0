package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/haldis/valheimctl/internal/archive"
	"github.com/haldis/valheimctl/internal/config"
	"github.com/haldis/valheimctl/internal/events"
	"github.com/haldis/valheimctl/internal/service"
)

// ErrSourceMissing is returned when a world is not in an archivable state
// because one of its save files is absent.
var ErrSourceMissing = errors.New("world save files missing")

// StoreProvider defines the interface for backup storage.
type StoreProvider interface {
	Create(world string) (Descriptor, error)
	List(world string) ([]Descriptor, error)
	Page(list []Descriptor, page int) []Descriptor
	Restore(ctx context.Context, world string, d Descriptor) error
	DeleteAll(world string) error
}

// Store manages the archive directory for all worlds.
type Store struct {
	cfg    *config.Config
	ctrl   *service.Controller
	events events.ServiceProvider
	now    func() time.Time
}

// NewStore creates a new backup store.
func NewStore(cfg *config.Config, ctrl *service.Controller, ev events.ServiceProvider) *Store {
	return &Store{cfg: cfg, ctrl: ctrl, events: ev, now: time.Now}
}

// Create archives a world's save files and then applies retention: if more
// than the configured number of regular backups remain, the oldest one is
// evicted. Pre-restore snapshots are neither counted nor evicted.
func (s *Store) Create(world string) (Descriptor, error) {
	d, err := s.write(world, KindRegular)
	if err != nil {
		return Descriptor{}, err
	}

	s.applyRetention(world)
	s.events.Record("backup.create", events.LevelInfo, "backup written: "+d.Filename, world)
	return d, nil
}

// write archives the world's save pair under the given kind. The archive
// root is the worlds directory, so entries carry bare filenames and extract
// cleanly into any install.
func (s *Store) write(world string, kind Kind) (Descriptor, error) {
	srcDir := s.cfg.WorldsDir()
	files := []string{world + ".db", world + ".fwl"}
	for _, f := range files {
		if _, err := os.Stat(filepath.Join(srcDir, f)); err != nil {
			return Descriptor{}, fmt.Errorf("world %q: %s: %w", world, f, ErrSourceMissing)
		}
	}

	if err := os.MkdirAll(s.cfg.BackupDir, 0755); err != nil {
		return Descriptor{}, fmt.Errorf("create backup directory: %w", err)
	}

	ts := NewTimestamp(s.now())
	filename := EncodeName(world, kind, ts)
	dest := filepath.Join(s.cfg.BackupDir, filename)
	if err := archive.Compress(dest, srcDir, files); err != nil {
		return Descriptor{}, err
	}

	info, err := os.Stat(dest)
	if err != nil {
		return Descriptor{}, fmt.Errorf("stat archive: %w", err)
	}

	log.Info().Str("world", world).Str("file", filename).Int64("bytes", info.Size()).Msg("archive written")
	return Descriptor{
		World:     world,
		Kind:      kind,
		Timestamp: ts,
		Filename:  filename,
		SizeBytes: info.Size(),
	}, nil
}

// applyRetention evicts the single oldest regular backup when the count
// exceeds the cap. Eviction failure leaves an extra file visible in the
// listing; the backup that triggered it already succeeded.
func (s *Store) applyRetention(world string) {
	regular, err := s.listKind(world, KindRegular)
	if err != nil {
		log.Warn().Err(err).Str("world", world).Msg("retention scan failed")
		return
	}
	if len(regular) <= s.cfg.MaxBackups {
		return
	}

	oldest := regular[len(regular)-1]
	if err := os.Remove(filepath.Join(s.cfg.BackupDir, oldest.Filename)); err != nil {
		log.Warn().Err(err).Str("file", oldest.Filename).Msg("retention eviction failed")
		s.events.Record("backup.retention", events.LevelWarn, "could not evict "+oldest.Filename, world)
		return
	}
	log.Info().Str("world", world).Str("file", oldest.Filename).Msg("evicted oldest backup")
}

// List returns every archive for a world, newest first. The directory is
// scanned fresh on each call; page through the returned slice rather than
// calling List per page.
func (s *Store) List(world string) ([]Descriptor, error) {
	regular, err := s.listKind(world, KindRegular)
	if err != nil {
		return nil, err
	}
	pre, err := s.listKind(world, KindPreRestore)
	if err != nil {
		return nil, err
	}

	all := append(regular, pre...)
	sortDescriptors(all)
	return all, nil
}

func (s *Store) listKind(world string, kind Kind) ([]Descriptor, error) {
	matches, err := filepath.Glob(filepath.Join(s.cfg.BackupDir, globPattern(world, kind)))
	if err != nil {
		return nil, err
	}

	var list []Descriptor
	for _, path := range matches {
		filename := filepath.Base(path)
		w, k, ts, err := ParseName(filename)
		if err != nil || w != world || k != kind {
			continue
		}
		d := Descriptor{World: w, Kind: k, Timestamp: ts, Filename: filename}
		if info, err := os.Stat(path); err == nil {
			d.SizeBytes = info.Size()
		}
		list = append(list, d)
	}
	sortDescriptors(list)
	return list, nil
}

// sortDescriptors orders newest first. Filename breaks timestamp ties so
// the ordering is total and stable across pagination.
func sortDescriptors(list []Descriptor) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Timestamp != list[j].Timestamp {
			return list[i].Timestamp > list[j].Timestamp
		}
		return list[i].Filename < list[j].Filename
	})
}

// Page slices one fixed-size page out of an already-ordered listing.
// Pages are zero-based; an out-of-range page is empty.
func (s *Store) Page(list []Descriptor, page int) []Descriptor {
	if page < 0 || s.cfg.PageSize <= 0 {
		return nil
	}
	start := page * s.cfg.PageSize
	if start >= len(list) {
		return nil
	}
	end := start + s.cfg.PageSize
	if end > len(list) {
		end = len(list)
	}
	return list[start:end]
}

// Restore brings a world back to an archived state. The sequence is fixed:
// stop the server, snapshot the current files, extract the archive, start
// the server. A failed snapshot does not abort, and a failed extraction
// still restarts the server; the operator keeps the pre-restore snapshot as
// the recovery path.
func (s *Store) Restore(ctx context.Context, world string, d Descriptor) error {
	lifecycle := true
	if _, err := s.ctrl.Stop(ctx, world); err != nil {
		if !errors.Is(err, service.ErrNoBinding) {
			return fmt.Errorf("stop before restore: %w", err)
		}
		// No binding: nothing to stop or start, restore just the files.
		lifecycle = false
		log.Info().Str("world", world).Msg("world has no service binding, restoring files only")
	}

	if _, err := s.write(world, KindPreRestore); err != nil {
		log.Warn().Err(err).Str("world", world).Msg("pre-restore snapshot failed, continuing")
		s.events.Record("backup.restore", events.LevelWarn, "pre-restore snapshot failed", world)
	}

	extractErr := archive.Extract(filepath.Join(s.cfg.BackupDir, d.Filename), s.cfg.WorldsDir())
	if extractErr != nil {
		log.Error().Err(extractErr).Str("file", d.Filename).Msg("extraction failed, restarting server anyway")
	}

	if lifecycle {
		if _, err := s.ctrl.Start(ctx, world); err != nil {
			log.Error().Err(err).Str("world", world).Msg("server did not restart after restore")
			if extractErr == nil {
				return fmt.Errorf("start after restore: %w", err)
			}
		}
	}

	if extractErr != nil {
		s.events.Record("backup.restore", events.LevelError, "restore of "+d.Filename+" failed", world)
		return fmt.Errorf("extract %s: %w", d.Filename, extractErr)
	}

	s.events.Record("backup.restore", events.LevelInfo, "restored "+d.Filename, world)
	return nil
}

// DeleteAll removes every archive for a world, both regular and
// pre-restore. Used by world deletion.
func (s *Store) DeleteAll(world string) error {
	for _, kind := range []Kind{KindRegular, KindPreRestore} {
		matches, err := filepath.Glob(filepath.Join(s.cfg.BackupDir, globPattern(world, kind)))
		if err != nil {
			return err
		}
		for _, path := range matches {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
			}
		}
	}
	return nil
}
