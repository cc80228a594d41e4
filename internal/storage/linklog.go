package storage

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LinkLog is the append-only link.csv of first-seen hashes (§6): one row
// per hash the frontier has ever accepted, written exactly once. LinkLog
// owns the first-seen dedup itself — Record is idempotent per hash — so
// callers never need to know whether a hash is new.
type LinkLog struct {
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
	seen map[string]struct{}
}

// NewLinkLog opens (creating if necessary) link.csv under root, replaying
// any existing rows into the in-memory seen-set so a restart doesn't
// duplicate rows for hashes written in a prior process.
func NewLinkLog(root string) (*LinkLog, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", root, err)
	}
	path := filepath.Join(root, "link.csv")
	needsHeader := false
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		needsHeader = true
	}

	seen, err := replaySeenHashes(path)
	if err != nil {
		return nil, fmt.Errorf("replay link.csv: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open link.csv: %w", err)
	}

	w := csv.NewWriter(f)
	l := &LinkLog{file: f, w: w, seen: seen}
	if needsHeader {
		if err := l.writeRow("hash", "url", "first_seen"); err != nil {
			f.Close()
			return nil, err
		}
	}
	return l, nil
}

// replaySeenHashes reads an existing link.csv (if any) and returns the set
// of hashes already recorded, skipping the header row.
func replaySeenHashes(path string) (map[string]struct{}, error) {
	seen := make(map[string]struct{})
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return seen, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	first := true
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if first {
			first = false
			if len(row) > 0 && row[0] == "hash" {
				continue
			}
		}
		if len(row) > 0 {
			seen[row[0]] = struct{}{}
		}
	}
	return seen, nil
}

// Record appends a first-seen entry for hash, unless hash was already
// recorded by this or a prior process (append-only, one row per hash,
// §4.2 I3). Safe to call for every discovered link, seen or not.
func (l *LinkLog) Record(hash, url string, firstSeen time.Time) error {
	l.mu.Lock()
	if _, ok := l.seen[hash]; ok {
		l.mu.Unlock()
		return nil
	}
	l.seen[hash] = struct{}{}
	l.mu.Unlock()

	return l.writeRow(hash, url, firstSeen.UTC().Format(time.RFC3339))
}

func (l *LinkLog) writeRow(fields ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Write(fields); err != nil {
		return err
	}
	l.w.Flush()
	return l.w.Error()
}

// Close flushes and closes the underlying file.
func (l *LinkLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Flush()
	return l.file.Close()
}
