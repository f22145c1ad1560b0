// Package backup creates, lists, rotates and restores world save archives.
// Everything known about an archive is encoded in its filename; the
// functions in this file are the only place that grammar lives.
package backup

import (
	"fmt"
	"strings"
	"time"
)

// Ext is the archive filename extension.
const Ext = ".tar.gz"

// Kind distinguishes operator backups from automatic pre-restore snapshots.
type Kind string

const (
	// KindRegular archives count against the retention cap.
	KindRegular Kind = "backup"
	// KindPreRestore snapshots are taken right before a restore overwrites
	// the world. They are never evicted by retention.
	KindPreRestore Kind = "pre-restore"
)

const timestampLayout = "2006-01-02-1504"

// Timestamp is an archive's creation time at minute precision, encoded
// YYYY-MM-DD-HHMM. The fixed width makes lexicographic order chronological.
type Timestamp string

// NewTimestamp encodes a wall-clock time.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp(t.Format(timestampLayout))
}

func (ts Timestamp) time() (time.Time, error) {
	return time.Parse(timestampLayout, string(ts))
}

// DisplayDate renders the date part as YYYY/MM/DD.
func (ts Timestamp) DisplayDate() string {
	t, err := ts.time()
	if err != nil {
		return string(ts)
	}
	return t.Format("2006/01/02")
}

// DisplayTime renders the time part on a 12-hour clock: hour 0 is 12 AM,
// hour 12 is 12 PM.
func (ts Timestamp) DisplayTime() string {
	t, err := ts.time()
	if err != nil {
		return ""
	}
	return t.Format("3:04 PM")
}

// Descriptor describes one archive on disk.
type Descriptor struct {
	World     string
	Kind      Kind
	Timestamp Timestamp
	Filename  string
	SizeBytes int64
}

// EncodeName builds an archive filename from its parts.
func EncodeName(world string, kind Kind, ts Timestamp) string {
	return world + "_" + string(kind) + "_" + string(ts) + Ext
}

// ParseName splits an archive filename back into world, kind and timestamp.
// World names may themselves contain underscores, so the name is parsed from
// the right: the timestamp and kind sit at fixed positions before the
// extension.
func ParseName(filename string) (world string, kind Kind, ts Timestamp, err error) {
	base := strings.TrimSuffix(filename, Ext)
	if base == filename {
		return "", "", "", fmt.Errorf("parse backup name %q: missing %s extension", filename, Ext)
	}

	i := strings.LastIndex(base, "_")
	if i < 0 {
		return "", "", "", fmt.Errorf("parse backup name %q: no timestamp separator", filename)
	}
	ts = Timestamp(base[i+1:])
	if len(ts) != len(timestampLayout) {
		return "", "", "", fmt.Errorf("parse backup name %q: bad timestamp %q", filename, ts)
	}
	if _, terr := ts.time(); terr != nil {
		return "", "", "", fmt.Errorf("parse backup name %q: bad timestamp %q", filename, ts)
	}

	rest := base[:i]
	j := strings.LastIndex(rest, "_")
	if j < 0 {
		return "", "", "", fmt.Errorf("parse backup name %q: no kind separator", filename)
	}
	switch Kind(rest[j+1:]) {
	case KindRegular:
		kind = KindRegular
	case KindPreRestore:
		kind = KindPreRestore
	default:
		return "", "", "", fmt.Errorf("parse backup name %q: unknown kind %q", filename, rest[j+1:])
	}

	world = rest[:j]
	if world == "" {
		return "", "", "", fmt.Errorf("parse backup name %q: empty world", filename)
	}
	return world, kind, ts, nil
}

// globPattern matches every archive of one kind for a world.
func globPattern(world string, kind Kind) string {
	return world + "_" + string(kind) + "_*" + Ext
}
