package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/johan/tokenfeed/internal/types"
)

// FileStorage writes events to JSONL files with rotation.
type FileStorage struct {
	outputDir        string
	rotationInterval time.Duration
	now              func() time.Time

	mu           sync.Mutex
	currentFile  *os.File
	currentPath  string
	lastRotation time.Time
	eventCount   int64
}

// NewFileStorage creates a new file storage.
func NewFileStorage(outputDir string, rotationInterval time.Duration) (*FileStorage, error) {
	return newFileStorage(outputDir, rotationInterval, time.Now)
}

func newFileStorage(outputDir string, rotationInterval time.Duration, now func() time.Time) (*FileStorage, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	s := &FileStorage{
		outputDir:        outputDir,
		rotationInterval: rotationInterval,
		now:              now,
	}

	if err := s.rotate(); err != nil {
		return nil, err
	}

	return s, nil
}

// Write appends one event to the current file.
func (s *FileStorage) Write(event types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentFile == nil {
		return os.ErrClosed
	}

	if s.rotationInterval > 0 && s.now().Sub(s.lastRotation) >= s.rotationInterval {
		if err := s.rotate(); err != nil {
			return err
		}
	}

	data, err := json.Marshal(Record{Kind: event.Kind().String(), Token: event.Token(), Event: event})
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	data = append(data, '\n')

	if _, err := s.currentFile.Write(data); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}

	s.eventCount++
	return nil
}

// Close closes the current file.
func (s *FileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentFile == nil {
		return nil
	}
	err := s.currentFile.Close()
	s.currentFile = nil
	return err
}

// rotate creates a new output file.
func (s *FileStorage) rotate() error {
	if s.currentFile != nil {
		s.currentFile.Close()
	}

	now := s.now()
	filename := fmt.Sprintf("events_%s.jsonl", now.UTC().Format("2006-01-02_15-04-05"))
	path := filepath.Join(s.outputDir, filename)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}

	s.currentFile = f
	s.currentPath = path
	s.lastRotation = now
	s.eventCount = 0

	return nil
}

// CurrentPath returns the path to the current output file.
func (s *FileStorage) CurrentPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentPath
}

// EventCount returns the number of events written to the current file.
func (s *FileStorage) EventCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventCount
}
