// Package logsink implements the Deferred Log Sink: writes
// are buffered in memory until something asks for a concrete file, so
// battle logs cost no I/O unless an operator requests one or an error
// forces disclosure.
//
// The buffered-until-subscribed shape follows kilroy's
// internal/server/sse.go Broadcaster, which accumulates a history and only
// replays it once a client subscribes; here the "subscription" is a call to
// Ensure instead of an SSE client connecting.
package logsink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"
)

// Sink buffers log lines in memory until Ensure realizes a concrete file.
// Safe for concurrent use; battles are single-writer in practice but Ensure may race a write from an error-handling goroutine.
type Sink struct {
	mu       sync.Mutex
	buf      strings.Builder
	realized bool
	path     string
	file     *os.File
}

// New returns an empty Sink.
func New() *Sink {
	return &Sink{}
}

// Write appends a line to the sink. Before realization this only grows the
// in-memory buffer; after realization it writes straight through to the
// backing file.
func (s *Sink) Write(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.realized {
		_, err := s.file.WriteString(line)
		return err
	}
	s.buf.WriteString(line)
	return nil
}

// Ensure realizes the buffer to a concrete file and returns its path. The
// first call wins; subsequent calls are no-ops that return the
// already-realized path. If path is empty, a unique path is derived from
// template.
func (s *Sink) Ensure(path string, template string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.realized {
		return s.path, nil
	}

	resolved := path
	if resolved == "" {
		var err error
		resolved, err = uniquePath(template)
		if err != nil {
			return "", fmt.Errorf("logsink: deriving unique path: %w", err)
		}
	}

	if dir := filepath.Dir(resolved); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("logsink: creating log directory: %w", err)
		}
	}
	f, err := os.Create(resolved)
	if err != nil {
		return "", fmt.Errorf("logsink: creating log file: %w", err)
	}
	if _, err := f.WriteString(s.buf.String()); err != nil {
		f.Close()
		return "", fmt.Errorf("logsink: flushing buffer: %w", err)
	}

	s.realized = true
	s.path = resolved
	s.file = f
	s.buf.Reset()
	return s.path, nil
}

// Finish closes the backing file if realized, discarding the in-memory
// buffer otherwise.
func (s *Sink) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.realized {
		s.buf.Reset()
		return nil
	}
	return s.file.Close()
}

// Path returns the realized path and whether realization has happened.
func (s *Sink) Path() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path, s.realized
}

// uniquePath derives a filesystem-safe unique path from template. The file
// goes in template's directory, or in "." when that directory itself
// contains glob metacharacters. Existing "battle-*.log" files there are
// enumerated first so the minted name cannot collide with a sibling log
// already realized by this run; the name is "battle-<hex>.log", where hex
// is a blake3 hash of the template salted with a fresh ULID, truncated to
// 16 hex characters. The file-name part of template does not shape the name.
func uniquePath(template string) (string, error) {
	if template == "" {
		template = "battle-*.log"
	}

	dir := filepath.Dir(template)
	if dir == "" || dir == "*" {
		dir = "."
	}
	if strings.ContainsAny(dir, "*?[") {
		dir = "."
	}

	existing := map[string]bool{}
	if matches, err := doublestar.Glob(os.DirFS(dir), "battle-*.log"); err == nil {
		for _, m := range matches {
			existing[m] = true
		}
	}

	for attempt := 0; ; attempt++ {
		id := ulid.Make()
		h := blake3.New()
		h.Write([]byte(template))
		h.Write(id[:])
		if attempt > 0 {
			h.Write([]byte{byte(attempt)})
		}
		sum := h.Sum(nil)
		name := fmt.Sprintf("battle-%x.log", sum[:8])
		if !existing[name] {
			return filepath.Join(dir, name), nil
		}
	}
}
