// Package signalstore persists the history of signal lists a Coordinator
// has been configured with, so a restart can recover the last list
// written to SIG instead of falling back to its static configuration.
// Adapted from the teacher's internal/adapters/wal.FileWAL: same
// length-prefixed append-only record format and startup scan-to-recover
// behavior, but framing whole signal lists instead of individual
// Samples, and with no commit/replay cursor since a Coordinator only
// ever needs the most recent list, not a durable queue.
package signalstore

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const recordHeaderLen = 4

// Store is an append-only, restart-durable history of signal lists for
// one Coordinator prefix.
type Store struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer
	latest []string
}

// Open creates or reopens the store file dir/<prefix>.signals, replaying
// it to recover the most recently appended list.
func Open(dir, prefix string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, prefix+".signals")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	s := &Store{
		path:   path,
		file:   f,
		writer: bufio.NewWriterSize(f, 4096),
	}
	if err := s.scanExisting(); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := s.file.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) scanExisting() error {
	stat, err := os.Stat(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err != nil || stat.Size() == 0 {
		return nil
	}

	rf, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer rf.Close()

	reader := bufio.NewReader(rf)
	var offset int64
	var last []string

	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(reader, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				if err := s.file.Truncate(offset); err != nil {
					return err
				}
				break
			}
			return fmt.Errorf("signalstore scan header: %w", err)
		}
		length := binary.BigEndian.Uint32(hdr[:])
		offset += recordHeaderLen

		body := make([]byte, length)
		if _, err := io.ReadFull(reader, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				if err := s.file.Truncate(offset); err != nil {
					return err
				}
				break
			}
			return fmt.Errorf("signalstore scan body: %w", err)
		}
		offset += int64(length)

		var list []string
		if err := json.Unmarshal(body, &list); err != nil {
			return fmt.Errorf("signalstore corrupt entry: %w", err)
		}
		last = list
	}

	s.latest = last
	return nil
}

// Append records list as the new current signal list.
func (s *Store) Append(list []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.Marshal(list)
	if err != nil {
		return err
	}
	var hdr [recordHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))

	if _, err := s.writer.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := s.writer.Write(b); err != nil {
		return err
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}

	s.latest = append([]string(nil), list...)
	return nil
}

// Latest returns the most recently appended signal list, or nil if the
// store is empty.
func (s *Store) Latest() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.latest...)
}

// Close flushes and closes the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}
