package capture

import (
	"encoding/csv"
	"fmt"
	"os"
	"sync"
)

// CSVSink appends samples to a CSV file, flushing after every row so a
// crashed agent still leaves a readable file.
type CSVSink struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *csv.Writer
	closed bool
}

// CreateCSVSink creates (or truncates) the file at path.
func CreateCSVSink(path string) (*CSVSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create sample file: %w", err)
	}
	return &CSVSink{
		path:   path,
		file:   f,
		writer: csv.NewWriter(f),
	}, nil
}

// Path returns the file path backing the sink.
func (s *CSVSink) Path() string {
	return s.path
}

// WriteHeader writes the header row.
func (s *CSVSink) WriteHeader(columns []string) error {
	return s.writeRow(columns)
}

// Write appends one sample row.
func (s *CSVSink) Write(sample Sample) error {
	return s.writeRow(sample.Row())
}

func (s *CSVSink) writeRow(row []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	if err := s.writer.Write(row); err != nil {
		return err
	}
	s.writer.Flush()
	return s.writer.Error()
}

// Close flushes and closes the file. Idempotent.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.writer.Flush()
	flushErr := s.writer.Error()
	if err := s.file.Close(); err != nil {
		return err
	}
	return flushErr
}
