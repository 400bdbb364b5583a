package wal

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sync"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/golang/snappy"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

const (
	walFile = "wal"
	tmpFile = "wal.tmp"

	// generous ceiling for one record; a bucket snapshot with a large
	// occur map is the biggest thing we write
	maxRecordSize = 16 * 1024 * 1024
)

// Record is one durable entry. Data is the op-specific payload; the WAL does
// not interpret it.
type Record struct {
	Op   string              `json:"op"`
	Data jsoniter.RawMessage `json:"data"`
}

// WAL is an append-only, snappy-framed record log for one database. Appends
// are serialised; replay happens once before the first append.
type WAL struct {
	mtx    sync.Mutex
	dir    string
	file   *os.File
	w      *snappy.Writer
	logger kitlog.Logger
}

func Open(dir string, logger kitlog.Logger) (*WAL, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, errors.Wrap(err, "creating wal dir")
	}

	f, err := os.OpenFile(filepath.Join(dir, walFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "opening wal")
	}

	return &WAL{
		dir:    dir,
		file:   f,
		w:      snappy.NewBufferedWriter(f),
		logger: logger,
	}, nil
}

// Replay streams every record already on disk through fn. A truncated tail,
// left by a crash mid-append, ends the replay with a warning instead of an
// error: everything before it is intact.
func (w *WAL) Replay(fn func(r *Record) error) error {
	f, err := os.Open(filepath.Join(w.dir, walFile))
	if err != nil {
		return errors.Wrap(err, "opening wal for replay")
	}
	defer f.Close()

	scanner := bufio.NewScanner(snappy.NewReader(f))
	scanner.Buffer(make([]byte, 64*1024), maxRecordSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rec := &Record{}
		if err := jsoniter.Unmarshal(line, rec); err != nil {
			level.Warn(w.logger).Log("msg", "stopping replay on partial wal record", "err", err)
			return nil
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		level.Warn(w.logger).Log("msg", "stopping replay on unreadable wal tail", "err", err)
	}
	return nil
}

// Append marshals v and durably queues one record.
func (w *WAL) Append(op string, v interface{}) error {
	data, err := jsoniter.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshaling wal record")
	}
	line, err := jsoniter.Marshal(&Record{Op: op, Data: data})
	if err != nil {
		return errors.Wrap(err, "marshaling wal envelope")
	}
	line = append(line, '\n')

	w.mtx.Lock()
	defer w.mtx.Unlock()

	if _, err := w.w.Write(line); err != nil {
		return errors.Wrap(err, "appending wal record")
	}
	return errors.Wrap(w.w.Flush(), "flushing wal")
}

// Rewrite replaces the log with the records produced by emit, dropping
// everything appended so far. Used at startup to compact replayed state.
func (w *WAL) Rewrite(emit func(append func(op string, v interface{}) error) error) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	tmpPath := filepath.Join(w.dir, tmpFile)
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "creating wal tmp file")
	}

	sw := snappy.NewBufferedWriter(tmp)
	appendFn := func(op string, v interface{}) error {
		data, err := jsoniter.Marshal(v)
		if err != nil {
			return err
		}
		line, err := jsoniter.Marshal(&Record{Op: op, Data: data})
		if err != nil {
			return err
		}
		_, err = sw.Write(append(line, '\n'))
		return err
	}

	if err := emit(appendFn); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "rewriting wal")
	}
	if err := sw.Close(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "closing wal tmp stream")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "closing wal tmp file")
	}

	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, filepath.Join(w.dir, walFile)); err != nil {
		return errors.Wrap(err, "swapping wal")
	}

	f, err := os.OpenFile(filepath.Join(w.dir, walFile), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "reopening wal")
	}
	w.file = f
	w.w = snappy.NewBufferedWriter(f)
	return nil
}

func (w *WAL) Close() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.closeLocked()
}

func (w *WAL) closeLocked() error {
	if w.file == nil {
		return nil
	}
	if err := w.w.Close(); err != nil && err != io.ErrClosedPipe {
		w.file.Close()
		w.file = nil
		return errors.Wrap(err, "closing wal stream")
	}
	err := w.file.Close()
	w.file = nil
	return errors.Wrap(err, "closing wal file")
}
