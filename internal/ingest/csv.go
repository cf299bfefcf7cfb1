package ingest

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tick-feed-supervisor/internal/stream"
)

// tickHeader is the first row of every daily tick file.
var tickHeader = []string{"timestamp", "security_id", "price", "quantity"}

// maxSeenKeys bounds the in-memory dedupe set. The provider only redelivers
// recent ticks after a reconnect, so a cleared set costs at worst a few
// duplicate rows, never unbounded memory.
const maxSeenKeys = 200_000

// CompanyResolver maps a security id to a display name for file layout.
type CompanyResolver interface {
	Company(securityID string) (string, bool)
}

// CSVSink appends ticks to per-company daily files under
// <dir>/<group>/<company>/<company> DD-MM-YYYY.csv. Accept is idempotent per
// tick key for the lifetime of the dedupe window.
type CSVSink struct {
	dir       string
	companies CompanyResolver
	location  *time.Location
	logger    zerolog.Logger

	mu      sync.Mutex
	seen    map[string]struct{}
	writers map[string]*fileWriter
}

type fileWriter struct {
	file *os.File
	csv  *csv.Writer
}

// NewCSVSink creates a sink rooted at dir. Timestamps and daily file rollover
// follow the given market location.
func NewCSVSink(dir string, companies CompanyResolver, location *time.Location, logger zerolog.Logger) *CSVSink {
	if location == nil {
		location = time.UTC
	}
	return &CSVSink{
		dir:       dir,
		companies: companies,
		location:  location,
		logger:    logger.With().Str("component", "csv_sink").Logger(),
		seen:      make(map[string]struct{}),
		writers:   make(map[string]*fileWriter),
	}
}

// Accept appends the tick unless its key was already written.
func (s *CSVSink) Accept(_ context.Context, groupID string, tick stream.Tick) error {
	key := tick.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seen[key]; dup {
		s.logger.Debug().Str("key", key).Msg("duplicate tick skipped")
		return nil
	}

	w, err := s.writerFor(groupID, tick)
	if err != nil {
		return err
	}

	at := tick.At.In(s.location)
	row := []string{
		at.Format("2006-01-02 15:04:05"),
		tick.SecurityID,
		tick.Price.String(),
		strconv.Itoa(tick.Quantity),
	}
	if err := w.csv.Write(row); err != nil {
		return fmt.Errorf("write tick row: %w", err)
	}

	if len(s.seen) >= maxSeenKeys {
		s.seen = make(map[string]struct{})
	}
	s.seen[key] = struct{}{}
	return nil
}

// Flush commits buffered rows and closes open files. Called while draining at
// market close and on shutdown.
func (s *CSVSink) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for path, w := range s.writers {
		w.csv.Flush()
		if err := w.csv.Error(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush %s: %w", path, err)
		}
		if err := w.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", path, err)
		}
		delete(s.writers, path)
	}
	return firstErr
}

func (s *CSVSink) writerFor(groupID string, tick stream.Tick) (*fileWriter, error) {
	name := tick.SecurityID
	if company, ok := s.companies.Company(tick.SecurityID); ok {
		name = company
	}
	name = sanitizeForFilename(name)

	day := tick.At.In(s.location).Format("02-01-2006")
	dir := filepath.Join(s.dir, groupID, name)
	path := filepath.Join(dir, fmt.Sprintf("%s %s.csv", name, day))

	if w, ok := s.writers[path]; ok {
		return w, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tick dir: %w", err)
	}

	info, statErr := os.Stat(path)
	needHeader := statErr != nil || info.Size() == 0

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open tick file: %w", err)
	}

	w := &fileWriter{file: file, csv: csv.NewWriter(file)}
	if needHeader {
		if err := w.csv.Write(tickHeader); err != nil {
			file.Close()
			return nil, fmt.Errorf("write header: %w", err)
		}
	}

	s.writers[path] = w
	return w, nil
}

// sanitizeForFilename keeps letters, digits, spaces and a few safe symbols so
// exchange names cannot escape the data directory.
func sanitizeForFilename(name string) string {
	var b strings.Builder
	for _, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
			b.WriteRune(ch)
		case ch == ' ' || ch == '-' || ch == '_' || ch == '.':
			b.WriteRune(ch)
		}
	}
	cleaned := strings.TrimSpace(b.String())
	if cleaned == "" {
		return "UNKNOWN"
	}
	return cleaned
}

var _ stream.Sink = (*CSVSink)(nil)
