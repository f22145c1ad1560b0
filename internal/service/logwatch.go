package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Readiness signals in the server's own log output. Cross-play servers print
// a join code; servers without cross-play print the backend-connected line.
const (
	readyJoinCode  = "join code"
	readyConnected = "Game server connected"
)

// ReadyResult is the outcome of waiting for a started server to open.
type ReadyResult struct {
	Ready    bool
	Line     string // the matched log line
	JoinCode string // set when the cross-play join code was seen

	// Fallback connection info, filled in when the wait timed out. A slow
	// start is not a failure; the operator gets addresses to try manually.
	LocalAddr  string
	PublicAddr string
	Port       int
}

// AwaitReady tails the world's log file until a readiness line appears or
// the configured timeout passes. The log is watched from its current end,
// so only output produced after the call counts.
func (c *Controller) AwaitReady(ctx context.Context, world string, port int) (ReadyResult, error) {
	logPath := filepath.Join(c.cfg.LogDir, world+".log")

	if err := os.MkdirAll(c.cfg.LogDir, 0755); err != nil {
		return ReadyResult{}, fmt.Errorf("create log directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return ReadyResult{}, fmt.Errorf("create log watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(c.cfg.LogDir); err != nil {
		return ReadyResult{}, fmt.Errorf("watch log directory: %w", err)
	}

	tail := newTailer(logPath)
	defer tail.Close()
	// The file may already exist from an earlier run; skip its history.
	tail.OpenAtEnd()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReadyTimeout)
	defer cancel()

	log.Info().Str("world", world).Str("log", logPath).Msg("waiting for server to open")
	for {
		select {
		case <-ctx.Done():
			// Only the timeout earns the address fallback. An interrupt is
			// not a slow start, and the wait ends where it stands.
			if errors.Is(ctx.Err(), context.Canceled) {
				return ReadyResult{}, ctx.Err()
			}
			return c.fallbackResult(port), nil
		case event, ok := <-watcher.Events:
			if !ok {
				return c.fallbackResult(port), nil
			}
			if event.Name != logPath {
				continue
			}
			if event.Op&fsnotify.Create == fsnotify.Create {
				tail.OpenAtStart()
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			for _, line := range tail.ReadLines() {
				if matched, res := matchReadyLine(line, port); matched {
					return res, nil
				}
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return c.fallbackResult(port), nil
			}
			log.Warn().Err(werr).Msg("log watcher error")
		}
	}
}

func matchReadyLine(line string, port int) (bool, ReadyResult) {
	switch {
	case strings.Contains(line, readyJoinCode):
		return true, ReadyResult{Ready: true, Line: line, JoinCode: joinCodeFrom(line), Port: port}
	case strings.Contains(line, readyConnected):
		return true, ReadyResult{Ready: true, Line: line, Port: port}
	}
	return false, ReadyResult{}
}

// joinCodeFrom pulls the numeric code out of a line like
// `Session "alpha" with join code 123456 and IP ...`.
func joinCodeFrom(line string) string {
	fields := strings.Fields(line)
	for i, f := range fields {
		if f == "code" && i+1 < len(fields) {
			return strings.Trim(fields[i+1], `",.`)
		}
	}
	return ""
}

func (c *Controller) fallbackResult(port int) ReadyResult {
	res := ReadyResult{Port: port}
	res.LocalAddr = localAddress()
	res.PublicAddr = publicAddress()
	log.Warn().Msg("no readiness line before timeout, server may still be starting")
	return res
}

// localAddress finds the host's outbound interface address. The dial never
// sends a packet; it only forces the kernel to pick a source address.
func localAddress() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return ""
	}
	return host
}

func publicAddress() string {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("https://api.ipify.org")
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil || resp.StatusCode != http.StatusOK {
		return ""
	}
	return strings.TrimSpace(string(body))
}

// tailer incrementally reads whole lines appended to a file, holding partial
// writes back until their newline arrives.
type tailer struct {
	path    string
	file    *os.File
	reader  *bufio.Reader
	pending strings.Builder
}

func newTailer(path string) *tailer {
	return &tailer{path: path}
}

// OpenAtEnd opens the file positioned after existing content. Missing files
// are fine; ReadLines stays empty until the file shows up.
func (t *tailer) OpenAtEnd() {
	f, err := os.Open(t.path)
	if err != nil {
		return
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return
	}
	t.file = f
	t.reader = bufio.NewReader(f)
}

// OpenAtStart opens the file from the beginning, replacing any previous
// handle. Used when the file is created after watching began.
func (t *tailer) OpenAtStart() {
	if t.file != nil {
		return
	}
	f, err := os.Open(t.path)
	if err != nil {
		return
	}
	t.file = f
	t.reader = bufio.NewReader(f)
}

// ReadLines drains complete lines appended since the last call.
func (t *tailer) ReadLines() []string {
	if t.reader == nil {
		return nil
	}

	var lines []string
	for {
		chunk, err := t.reader.ReadString('\n')
		if err != nil {
			// Partial line; keep it for the next write event.
			t.pending.WriteString(chunk)
			return lines
		}
		line := t.pending.String() + strings.TrimRight(chunk, "\r\n")
		t.pending.Reset()
		lines = append(lines, line)
	}
}

func (t *tailer) Close() {
	if t.file != nil {
		t.file.Close()
	}
}
