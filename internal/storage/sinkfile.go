package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SinkFiles holds the per-scheme-family append-only files the fetch worker
// writes non-fetchable links to (misc/{family}.txt, §6, §4.7 step 4). Each
// file has its own mutex — the "shared-resource discipline" of §5 — so
// concurrent workers writing to distinct families never block each other.
type SinkFiles struct {
	root string
	mu   sync.Mutex
	open map[string]*sinkFile
}

type sinkFile struct {
	mu   sync.Mutex
	file *os.File
}

// NewSinkFiles returns a SinkFiles rooted at {PATH_DATA}/misc.
func NewSinkFiles(pathData string) *SinkFiles {
	return &SinkFiles{
		root: filepath.Join(pathData, "misc"),
		open: make(map[string]*sinkFile),
	}
}

// Append writes url as a new line to misc/{family}.txt, opening the file
// on first use and reusing it (and its mutex) thereafter.
func (s *SinkFiles) Append(family, url string) error {
	sf, err := s.fileFor(family)
	if err != nil {
		return err
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()
	_, err = sf.file.WriteString(url + "\n")
	return err
}

func (s *SinkFiles) fileFor(family string) (*sinkFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sf, ok := s.open[family]; ok {
		return sf, nil
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", s.root, err)
	}
	f, err := os.OpenFile(filepath.Join(s.root, family+".txt"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open sink file %s: %w", family, err)
	}
	sf := &sinkFile{file: f}
	s.open[family] = sf
	return sf, nil
}

// Close closes every opened sink file.
func (s *SinkFiles) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, sf := range s.open {
		if err := sf.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
