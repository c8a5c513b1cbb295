package logstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/chatpilot/internal/types"
)

// JournalFile is the activity journal's file name inside the data dir.
const JournalFile = "activity.jsonl"

// Journal is an append-only JSONL activity log.
type Journal struct {
	path string

	mu  sync.Mutex
	seq int64 // last assigned; -1 until loaded from disk
}

var _ types.Journal = (*Journal)(nil)

// NewJournal opens (lazily) the journal at path.
func NewJournal(path string) *Journal {
	return &Journal{path: path, seq: -1}
}

// OpenJournal returns the journal inside dataDir.
func OpenJournal(dataDir string) *Journal {
	return NewJournal(filepath.Join(dataDir, JournalFile))
}

func (j *Journal) Path() string { return j.path }

// count reads the file and counts lines. Caller must hold mu.
func (j *Journal) count() (int64, error) {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var n int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		n++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan journal: %w", err)
	}
	return n, nil
}

// Append stores entry, assigning its id and sequence number.
func (j *Journal) Append(_ context.Context, entry *types.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.seq < 0 {
		n, err := j.count()
		if err != nil {
			return err
		}
		j.seq = n
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}
	if entry.ID == "" {
		entry.ID = types.NewEntryID()
	}
	entry.Seq = j.seq + 1

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	j.seq = entry.Seq
	return nil
}

// read returns every entry with Seq > after. Caller must hold mu.
func (j *Journal) read(after int64) ([]*types.Entry, error) {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var entries []*types.Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e types.Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("unmarshal entry: %w", err)
		}
		if e.Seq > after {
			entries = append(entries, &e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}
	return entries, nil
}

// Tail returns the last limit entries, oldest first.
func (j *Journal) Tail(_ context.Context, limit int) ([]*types.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	entries, err := j.read(0)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// After returns the entries appended after sequence number seq.
func (j *Journal) After(_ context.Context, seq int64) ([]*types.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.read(seq)
}

func (j *Journal) Count(_ context.Context) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count()
}

// Write makes the journal a Sink.
func (j *Journal) Write(ctx context.Context, rec Record) error {
	return j.Append(ctx, &types.Entry{
		Level:   rec.Level.String(),
		Message: rec.Message,
		At:      rec.Time,
		Attrs:   rec.AttrsJSON(),
	})
}
