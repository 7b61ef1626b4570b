package dlq

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/vietddude/aiguard/internal/core/domain"
	"github.com/vietddude/aiguard/internal/infra/storage"
	"github.com/vietddude/aiguard/internal/metrics"
)

// Appender persists a new entry. The primary store and the fallback log share it.
type Appender interface {
	Append(ctx context.Context, entry *domain.DLQEntry) error
}

// StoreAppender appends into a DLQRepository.
type StoreAppender struct {
	Repo storage.DLQRepository
}

func (s StoreAppender) Append(ctx context.Context, entry *domain.DLQEntry) error {
	return s.Repo.Create(ctx, entry)
}

// TieredSink writes to Primary and falls back to Secondary when Primary fails.
type TieredSink struct {
	Primary   Appender
	Secondary Appender
	Log       *slog.Logger
}

// Append returns nil if either tier accepted the entry.
func (t *TieredSink) Append(ctx context.Context, entry *domain.DLQEntry) error {
	log := t.Log
	if log == nil {
		log = slog.Default()
	}

	err := t.Primary.Append(ctx, entry)
	if err == nil {
		metrics.DLQEnqueued.WithLabelValues("primary").Inc()
		return nil
	}
	if t.Secondary == nil {
		return err
	}

	log.Warn("DLQ primary store failed, writing to fallback log", "id", entry.ID, "err", err)
	if fbErr := t.Secondary.Append(ctx, entry); fbErr != nil {
		log.Error("DLQ fallback log failed, entry lost", "id", entry.ID, "operation", entry.OperationType, "err", fbErr)
		return errors.Join(err, fbErr)
	}
	metrics.DLQEnqueued.WithLabelValues("fallback").Inc()
	return nil
}

// FallbackLog is an append-only JSON-lines file used when the store is unreachable.
type FallbackLog struct {
	path string
	mu   sync.Mutex
}

// NewFallbackLog creates the log's directory if needed.
func NewFallbackLog(path string) (*FallbackLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create fallback log dir: %w", err)
	}
	return &FallbackLog{path: path}, nil
}

// Path returns the file location.
func (f *FallbackLog) Path() string { return f.path }

func (f *FallbackLog) Append(_ context.Context, entry *domain.DLQEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open fallback log: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write fallback log: %w", err)
	}
	return file.Sync()
}

// ReadAll returns every entry in the log. Corrupt lines are skipped and counted.
func (f *FallbackLog) ReadAll() ([]*domain.DLQEntry, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, corrupt, err := f.readLocked()
	return entries, len(corrupt), err
}

// readLocked decodes the log. Lines that do not decode are returned raw so a
// rewrite can keep them.
func (f *FallbackLog) readLocked() ([]*domain.DLQEntry, [][]byte, error) {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open fallback log: %w", err)
	}
	defer file.Close()

	var (
		entries []*domain.DLQEntry
		corrupt [][]byte
	)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e domain.DLQEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			corrupt = append(corrupt, bytes.Clone(scanner.Bytes()))
			continue
		}
		entries = append(entries, &e)
	}
	if err := scanner.Err(); err != nil {
		return entries, corrupt, fmt.Errorf("failed to read fallback log: %w", err)
	}
	return entries, corrupt, nil
}

// rewrite atomically replaces the log with the raw corrupt lines followed by entries.
func (f *FallbackLog) rewrite(entries []*domain.DLQEntry, corrupt [][]byte) error {
	if len(entries) == 0 && len(corrupt) == 0 {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove fallback log: %w", err)
		}
		return nil
	}

	tmp := f.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create fallback log: %w", err)
	}
	w := bufio.NewWriter(file)
	for _, line := range corrupt {
		_, _ = w.Write(append(line, '\n'))
	}
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			file.Close()
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		_, _ = w.Write(append(line, '\n'))
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("failed to write fallback log: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close fallback log: %w", err)
	}
	return os.Rename(tmp, f.path)
}
