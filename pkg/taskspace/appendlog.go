package taskspace

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// appendLog is a newline-delimited JSON log with batched fsync. Appends are
// durable after at most `every` records or `interval`, whichever comes
// first; every=1 syncs each append.
//
// On open, the file is scanned and a torn trailing record (a crash mid
// write) is truncated away; the last fully written seq is recovered.
type appendLog struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	every    int
	interval time.Duration
	pending  int
	lastSeq  int64
	closed   bool
	done     chan struct{}
	logger   *slog.Logger
}

// openAppendLog opens (creating if absent) the log at path and recovers its
// tail. seqOf extracts the sequence number from a record for recovery.
func openAppendLog(path string, every int, interval time.Duration, logger *slog.Logger, seqOf func([]byte) (int64, error)) (*appendLog, error) {
	lastSeq, validLen, torn, err := recoverTail(path, seqOf)
	if err != nil {
		return nil, err
	}
	if torn {
		logger.Warn("taskspace: truncating torn log tail", "path", path, "durable_bytes", validLen)
		if err := os.Truncate(path, validLen); err != nil {
			return nil, fmt.Errorf("truncate torn log %s: %w", path, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	l := &appendLog{
		f:        f,
		path:     path,
		every:    every,
		interval: interval,
		lastSeq:  lastSeq,
		done:     make(chan struct{}),
		logger:   logger,
	}
	if interval > 0 {
		go l.flushLoop()
	}
	return l, nil
}

// recoverTail scans the log and reports the last valid seq, the byte length
// of the valid prefix, and whether a torn tail was found.
func recoverTail(path string, seqOf func([]byte) (int64, error)) (lastSeq int64, validLen int64, torn bool, err error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	var offset int64
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			complete := line[len(line)-1] == '\n'
			trimmed := bytes.TrimSpace(line)
			if !complete || len(trimmed) == 0 || !json.Valid(trimmed) {
				return lastSeq, offset, true, nil
			}
			seq, serr := seqOf(trimmed)
			if serr != nil {
				return lastSeq, offset, true, nil
			}
			offset += int64(len(line))
			lastSeq = seq
		}
		if err != nil {
			break
		}
	}
	return lastSeq, offset, false, nil
}

func (l *appendLog) append(v any, seq int64) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return os.ErrClosed
	}
	if _, err := l.f.Write(append(data, '\n')); err != nil {
		return err
	}
	l.lastSeq = seq
	l.pending++
	if l.every > 0 && l.pending >= l.every {
		return l.syncLocked()
	}
	return nil
}

func (l *appendLog) sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	return l.syncLocked()
}

func (l *appendLog) syncLocked() error {
	if l.pending == 0 {
		return nil
	}
	if err := l.f.Sync(); err != nil {
		return err
	}
	l.pending = 0
	return nil
}

func (l *appendLog) flushLoop() {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if err := l.sync(); err != nil {
				l.logger.Error("taskspace: background fsync failed", "path", l.path, "error", err)
			}
		}
	}
}

func (l *appendLog) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	_ = l.syncLockedIgnoringClosed()
	_ = l.f.Close()
	l.mu.Unlock()
	close(l.done)
}

func (l *appendLog) syncLockedIgnoringClosed() error {
	if l.pending == 0 {
		return nil
	}
	if err := l.f.Sync(); err != nil {
		return err
	}
	l.pending = 0
	return nil
}

// scanLog iterates over the complete records of a log file.
func scanLog(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || !json.Valid(line) {
			// Torn tail; everything before it was already delivered.
			return nil
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}
