package sthdb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/fiware/sth/sthdb/namespace"
)

// Method is the aggregate projection of a query.
type Method string

const (
	MethodMin   Method = "min"
	MethodMax   Method = "max"
	MethodSum   Method = "sum"
	MethodSum2  Method = "sum2"
	MethodOccur Method = "occur"
)

// ParseMethod validates an aggrMethod value.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodMin, MethodMax, MethodSum, MethodSum2, MethodOccur:
		return Method(s), nil
	}
	return "", fmt.Errorf("unknown aggregation method %q", s)
}

// AggregateQuery selects buckets of one tuple whose origin falls in the
// window truncated to the resolution's parent unit.
type AggregateQuery struct {
	Method      Method
	Resolution  Resolution
	From        time.Time
	To          time.Time
	FilterEmpty bool
}

// AggregatedBucket is one bucket projected to the requested method.
type AggregatedBucket struct {
	AttrName   string
	Origin     time.Time
	Resolution Resolution
	Points     []AggregatedPoint
}

// AggregatedPoint carries one slot's samples plus the projected value:
// Value for the numeric methods, Occur for occurrence counts.
type AggregatedPoint struct {
	Offset  int
	Samples int
	Value   float64
	Occur   map[string]int
}

// UpdateAggregates implements Writer. Each accepted call applies exactly one
// delta per enabled resolution; the upsert of the bucket skeleton and the
// slot update are atomic as a pair under the collection lock.
func (rw *readerWriter) UpdateAggregates(_ context.Context, tuple namespace.Tuple, e Event) error {
	db, col, err := rw.aggrCollectionFor(tuple, true)
	if err != nil {
		return err
	}

	e.RecvTime = e.RecvTime.UTC()
	if err := db.wal.Append(opDelta, &eventRecord{Col: col.name, Event: e}); err != nil {
		return errors.Wrap(err, "journaling aggregate delta")
	}
	col.update(e, rw.resolutions)
	metricDeltasApplied.Add(float64(len(rw.resolutions)))
	return nil
}

// QueryAggregate implements Reader. A series that received both numeric and
// string values keeps buckets of both kinds; only the kind matching the
// method is served. A method matching no bucket kind in the window fails
// with ErrTypeMismatch; an absent collection with ErrNotFound.
func (rw *readerWriter) QueryAggregate(_ context.Context, tuple namespace.Tuple, q AggregateQuery) ([]*AggregatedBucket, error) {
	_, col, err := rw.aggrCollectionFor(tuple, false)
	if err != nil {
		return nil, err
	}

	var originFrom, originTo time.Time
	if !q.From.IsZero() {
		originFrom = q.Resolution.Origin(q.From)
	}
	if !q.To.IsZero() {
		originTo = q.Resolution.Origin(q.To)
	}

	col.mtx.Lock()
	matched := make([]*Bucket, 0, len(col.buckets))
	sawMismatch := false
	for key, b := range col.buckets {
		if key.resolution != q.Resolution {
			continue
		}
		if !originFrom.IsZero() && b.Origin.Before(originFrom) {
			continue
		}
		if !originTo.IsZero() && b.Origin.After(originTo) {
			continue
		}
		if b.Numeric == (q.Method == MethodOccur) {
			sawMismatch = true
			continue
		}
		matched = append(matched, b)
	}
	if len(matched) == 0 && sawMismatch {
		col.mtx.Unlock()
		return nil, errors.Wrapf(ErrTypeMismatch, "method %s over %s series", q.Method, seriesKind(q.Method == MethodOccur))
	}

	out := make([]*AggregatedBucket, 0, len(matched))
	for _, b := range matched {
		out = append(out, b.project(q.Method, q.FilterEmpty))
	}
	col.mtx.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Origin.Before(out[j].Origin) })
	return out, nil
}

func seriesKind(numeric bool) string {
	if numeric {
		return "numeric"
	}
	return "string"
}

// project copies the bucket's populated slots under the requested method.
// Zero-sample slots are dropped when filterEmpty is set.
func (b *Bucket) project(method Method, filterEmpty bool) *AggregatedBucket {
	out := &AggregatedBucket{
		AttrName:   b.AttrName,
		Origin:     b.Origin,
		Resolution: b.Resolution,
		Points:     make([]AggregatedPoint, 0, len(b.Points)),
	}

	for i, p := range b.Points {
		if filterEmpty && p.Samples == 0 {
			continue
		}
		ap := AggregatedPoint{Offset: i, Samples: p.Samples}
		switch method {
		case MethodMin:
			ap.Value = p.Min
		case MethodMax:
			ap.Value = p.Max
		case MethodSum:
			ap.Value = p.Sum
		case MethodSum2:
			ap.Value = p.Sum2
		case MethodOccur:
			occur := make(map[string]int, len(p.Occur))
			for v, n := range p.Occur {
				occur[v] = n
			}
			ap.Occur = occur
		}
		out.Points = append(out.Points, ap)
	}
	return out
}
