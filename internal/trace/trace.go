// Package trace stores job logs as append-only files addressed by byte offset.
package trace

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/hexops/foreman/internal/errors"
)

// RangeError is returned when an append does not start at the current end of the trace.
type RangeError struct {
	// Length is the current trace length the caller should resume from.
	Length int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("range not satisfiable: trace length is %d", e.Length)
}

// Header is the value of a Range header describing a trace of this length.
func (e *RangeError) Header() string {
	return RangeHeader(e.Length)
}

// RangeHeader describes a trace of the given length as "0-<length>".
func RangeHeader(length int64) string {
	return "0-" + strconv.FormatInt(length, 10)
}

// Store keeps one file per job under Dir.
type Store struct {
	Dir string

	mu    sync.Mutex
	locks map[int64]bool
}

// Buffer is the trace of a single job.
type Buffer struct {
	path string
}

// Buffer returns the trace buffer of a job. The file is created on first write.
func (s *Store) Buffer(jobID int64) *Buffer {
	return &Buffer{path: filepath.Join(s.Dir, strconv.FormatInt(jobID, 10)+".log")}
}

// TryLock takes the exclusive write lock of a job's trace. ok is false when another writer
// holds it.
func (s *Store) TryLock(jobID int64) (unlock func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks == nil {
		s.locks = map[int64]bool{}
	}
	if s.locks[jobID] {
		return nil, false
	}
	s.locks[jobID] = true
	return func() {
		s.mu.Lock()
		delete(s.locks, jobID)
		s.mu.Unlock()
	}, true
}

// Len returns the number of bytes stored.
func (b *Buffer) Len() (int64, error) {
	fi, err := os.Stat(b.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "Stat")
	}
	return fi.Size(), nil
}

// AppendResult describes an accepted append.
type AppendResult struct {
	// Length of the trace after the append.
	Length int64

	// Changed is false when the append was an exact retransmission of stored bytes.
	Changed bool
}

// AppendAt appends p at offset, which must equal the current length. Resending bytes that are
// already stored at that offset is accepted without modifying the trace. Any other offset
// yields a *RangeError carrying the current length.
func (b *Buffer) AppendAt(offset int64, p []byte) (AppendResult, error) {
	length, err := b.Len()
	if err != nil {
		return AppendResult{}, err
	}
	if offset < length && offset >= 0 && offset+int64(len(p)) <= length {
		stored, err := b.readAt(offset, len(p))
		if err != nil {
			return AppendResult{}, err
		}
		if bytes.Equal(stored, p) {
			return AppendResult{Length: length}, nil
		}
		return AppendResult{}, &RangeError{Length: length}
	}
	if offset != length {
		return AppendResult{}, &RangeError{Length: length}
	}
	if len(p) == 0 {
		return AppendResult{Length: length}, nil
	}

	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return AppendResult{}, errors.Wrap(err, "MkdirAll")
	}
	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return AppendResult{}, errors.Wrap(err, "OpenFile")
	}
	defer f.Close()
	if _, err := f.Write(p); err != nil {
		return AppendResult{}, errors.Wrap(err, "Write")
	}
	return AppendResult{Length: length + int64(len(p)), Changed: true}, nil
}

func (b *Buffer) readAt(offset int64, n int) ([]byte, error) {
	f, err := os.Open(b.path)
	if err != nil {
		return nil, errors.Wrap(err, "Open")
	}
	defer f.Close()
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "ReadAt")
	}
	return buf, nil
}

// Replace overwrites the whole trace.
func (b *Buffer) Replace(p []byte) error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return errors.Wrap(err, "MkdirAll")
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, p, 0o600); err != nil {
		return errors.Wrap(err, "WriteFile")
	}
	return errors.Wrap(os.Rename(tmp, b.path), "Rename")
}

// ReadAll returns the stored trace. A job that never logged has an empty trace.
func (b *Buffer) ReadAll() ([]byte, error) {
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, errors.Wrap(err, "ReadFile")
}

// Remove deletes the trace.
func (b *Buffer) Remove() error {
	err := os.Remove(b.path)
	if os.IsNotExist(err) {
		return nil
	}
	return errors.Wrap(err, "Remove")
}

// Checksum returns the crc32 (IEEE) checksum of the trace in the "crc32:<hex>" form runners
// report.
func (b *Buffer) Checksum() (string, error) {
	data, err := b.ReadAll()
	if err != nil {
		return "", err
	}
	return Checksum(data), nil
}

// Checksum formats the crc32 checksum of data.
func Checksum(data []byte) string {
	return fmt.Sprintf("crc32:%08x", crc32.ChecksumIEEE(data))
}
