package sthdb

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/fiware/sth/sthdb/namespace"
)

// RawQueryMode selects one of the three disjoint raw read shapes.
type RawQueryMode int

const (
	// RawModeLastN returns the most recent N matching events.
	RawModeLastN RawQueryMode = iota
	// RawModeWindow pages matching events with an offset and limit.
	RawModeWindow
	// RawModeCSV materialises every matching event into a file.
	RawModeCSV
)

// RawQuery selects raw events of one tuple. From/To bound recvTime
// inclusively; zero values leave the window open.
type RawQuery struct {
	Mode    RawQueryMode
	LastN   int
	HLimit  int
	HOffset int
	From    time.Time
	To      time.Time
}

// RawResult is the tagged result of a raw query: events inline, or a
// materialised file plus the hook that removes it once the response has
// been flushed.
type RawResult struct {
	Events   []Event
	FilePath string
	Cleanup  func()
}

// WriteEvent implements Writer.
func (rw *readerWriter) WriteEvent(_ context.Context, tuple namespace.Tuple, e Event) error {
	db, col, err := rw.rawCollectionFor(tuple, true)
	if err != nil {
		return err
	}

	e.RecvTime = e.RecvTime.UTC()
	if err := db.wal.Append(opEvent, &eventRecord{Col: col.name, Event: e}); err != nil {
		return errors.Wrap(err, "journaling raw event")
	}
	col.append(e)
	metricEventsWritten.Inc()
	return nil
}

// QueryRaw implements Reader. An empty result is not an error; an absent
// collection is ErrNotFound.
func (rw *readerWriter) QueryRaw(_ context.Context, tuple namespace.Tuple, q RawQuery) (*RawResult, error) {
	_, col, err := rw.rawCollectionFor(tuple, false)
	if err != nil {
		return nil, err
	}

	matched := col.match(tuple, q.From, q.To)

	switch q.Mode {
	case RawModeLastN:
		if q.LastN < len(matched) {
			matched = matched[len(matched)-q.LastN:]
		}
		return &RawResult{Events: matched}, nil

	case RawModeWindow:
		if q.HOffset >= len(matched) {
			return &RawResult{}, nil
		}
		matched = matched[q.HOffset:]
		if q.HLimit < len(matched) {
			matched = matched[:q.HLimit]
		}
		return &RawResult{Events: matched}, nil

	case RawModeCSV:
		return rw.exportCSV(matched)
	}

	return nil, errors.Errorf("unknown raw query mode %d", q.Mode)
}

// match returns the events of the window ordered by recvTime ascending,
// ties broken by insertion order.
func (c *rawCollection) match(tuple namespace.Tuple, from, to time.Time) []Event {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	matched := make([]Event, 0, len(c.events))
	for _, e := range c.events {
		if e.EntityID != tuple.EntityID || e.EntityType != tuple.EntityType || e.AttrName != tuple.AttrName {
			continue
		}
		if !from.IsZero() && e.RecvTime.Before(from) {
			continue
		}
		if !to.IsZero() && e.RecvTime.After(to) {
			continue
		}
		matched = append(matched, e)
	}

	// events is in insertion order already, a stable sort keeps that as
	// the tie-break for equal receive times
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].RecvTime.Before(matched[j].RecvTime)
	})
	return matched
}

// CSVHeader is the first row of every CSV export.
var CSVHeader = []string{"recvTime", "attrName", "attrType", "attrValue"}

// exportCSV streams the events into a fresh file under the export dir and
// hands back its path. The caller owns deletion through Cleanup.
func (rw *readerWriter) exportCSV(events []Event) (*RawResult, error) {
	dir := rw.cfg.CSVExportDir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, "sth_"+uuid.New().String()+".csv")

	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "creating csv export")
	}

	w := csv.NewWriter(f)
	if err := w.Write(CSVHeader); err != nil {
		f.Close()
		os.Remove(path)
		return nil, errors.Wrap(err, "writing csv header")
	}
	for _, e := range events {
		value := e.AttrValue.String
		if e.AttrValue.Numeric {
			value = strconv.FormatFloat(e.AttrValue.Number, 'f', -1, 64)
		}
		row := []string{e.RecvTime.UTC().Format(time.RFC3339Nano), e.AttrName, e.AttrType, value}
		if err := w.Write(row); err != nil {
			f.Close()
			os.Remove(path)
			return nil, errors.Wrap(err, "writing csv row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, errors.Wrap(err, "flushing csv export")
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, errors.Wrap(err, "closing csv export")
	}

	return &RawResult{
		FilePath: path,
		Cleanup:  func() { os.Remove(path) },
	}, nil
}
