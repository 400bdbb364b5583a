package sthdb

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/fiware/sth/sthdb/namespace"
)

func testTuple() namespace.Tuple {
	return namespace.Tuple{
		Service:     "smartcity",
		ServicePath: "/gardens",
		EntityID:    "urn:entity:1",
		EntityType:  "Room",
		AttrName:    "temperature",
	}
}

func testConfig(t *testing.T) *Config {
	cfg := &Config{}
	cfg.RegisterFlagsAndApplyDefaults("test", &flag.FlagSet{})
	cfg.URI = "local://" + t.TempDir()
	cfg.CSVExportDir = t.TempDir()
	return cfg
}

func open(t *testing.T, cfg *Config) (Reader, Writer) {
	r, w, err := New(cfg, kitlog.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(r.Shutdown)
	return r, w
}

func numericEvent(ts time.Time, v float64) Event {
	return Event{
		RecvTime:   ts,
		EntityID:   "urn:entity:1",
		EntityType: "Room",
		AttrName:   "temperature",
		AttrType:   "float",
		AttrValue:  NumberValue(v),
	}
}

func stringEvent(ts time.Time, s string) Event {
	return Event{
		RecvTime:   ts,
		EntityID:   "urn:entity:1",
		EntityType: "Room",
		AttrName:   "status",
		AttrType:   "Text",
		AttrValue:  StringValue(s),
	}
}

func TestRawLastNAndWindow(t *testing.T) {
	r, w := open(t, testConfig(t))
	ctx := context.Background()
	tuple := testTuple()

	base := time.Date(2020, 3, 15, 10, 11, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, w.WriteEvent(ctx, tuple, numericEvent(base.Add(time.Duration(i)*time.Second), float64(i))))
	}

	res, err := r.QueryRaw(ctx, tuple, RawQuery{Mode: RawModeLastN, LastN: 1})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	require.Equal(t, 4.0, res.Events[0].AttrValue.Number)

	res, err = r.QueryRaw(ctx, tuple, RawQuery{Mode: RawModeLastN, LastN: 3})
	require.NoError(t, err)
	require.Len(t, res.Events, 3)
	// ascending order in the response
	require.Equal(t, 2.0, res.Events[0].AttrValue.Number)
	require.Equal(t, 4.0, res.Events[2].AttrValue.Number)

	res, err = r.QueryRaw(ctx, tuple, RawQuery{Mode: RawModeWindow, HOffset: 1, HLimit: 2})
	require.NoError(t, err)
	require.Len(t, res.Events, 2)
	require.Equal(t, 1.0, res.Events[0].AttrValue.Number)
	require.Equal(t, 2.0, res.Events[1].AttrValue.Number)

	// raw coverage over a closed window
	res, err = r.QueryRaw(ctx, tuple, RawQuery{
		Mode:  RawModeLastN,
		LastN: 100,
		From:  base.Add(1 * time.Second),
		To:    base.Add(3 * time.Second),
	})
	require.NoError(t, err)
	require.Len(t, res.Events, 3)
}

func TestQueryRawUnknownNamespace(t *testing.T) {
	r, _ := open(t, testConfig(t))

	_, err := r.QueryRaw(context.Background(), testTuple(), RawQuery{Mode: RawModeLastN, LastN: 10})
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestAggregateFidelityNumeric(t *testing.T) {
	r, w := open(t, testConfig(t))
	ctx := context.Background()
	tuple := testTuple()

	// scenario: one attribute at 2020-03-15T10:11:07Z, value 21.5
	ts := time.Date(2020, 3, 15, 10, 11, 7, 0, time.UTC)
	require.NoError(t, w.UpdateAggregates(ctx, tuple, numericEvent(ts, 21.5)))

	buckets, err := r.QueryAggregate(ctx, tuple, AggregateQuery{
		Method:      MethodSum,
		Resolution:  ResolutionSecond,
		FilterEmpty: true,
	})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	require.Equal(t, time.Date(2020, 3, 15, 10, 11, 0, 0, time.UTC), buckets[0].Origin)
	require.Len(t, buckets[0].Points, 1)
	require.Equal(t, 7, buckets[0].Points[0].Offset)
	require.Equal(t, 1, buckets[0].Points[0].Samples)
	require.Equal(t, 21.5, buckets[0].Points[0].Value)

	buckets, err = r.QueryAggregate(ctx, tuple, AggregateQuery{
		Method:      MethodSum2,
		Resolution:  ResolutionSecond,
		FilterEmpty: true,
	})
	require.NoError(t, err)
	require.Equal(t, 462.25, buckets[0].Points[0].Value)
}

func TestAggregateSumWithinMinute(t *testing.T) {
	r, w := open(t, testConfig(t))
	ctx := context.Background()
	tuple := testTuple()

	ts := time.Date(2020, 3, 15, 10, 11, 0, 0, time.UTC)
	for i, v := range []float64{10, 20, 30} {
		require.NoError(t, w.UpdateAggregates(ctx, tuple, numericEvent(ts.Add(time.Duration(i)*time.Second), v)))
	}

	buckets, err := r.QueryAggregate(ctx, tuple, AggregateQuery{
		Method:      MethodSum,
		Resolution:  ResolutionMinute,
		From:        time.Date(2020, 3, 15, 10, 0, 0, 0, time.UTC),
		To:          time.Date(2020, 3, 15, 11, 0, 0, 0, time.UTC),
		FilterEmpty: true,
	})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	require.Len(t, buckets[0].Points, 1)
	require.Equal(t, 11, buckets[0].Points[0].Offset)
	require.Equal(t, 3, buckets[0].Points[0].Samples)
	require.Equal(t, 60.0, buckets[0].Points[0].Value)

	// min <= sum/samples <= max
	minB, err := r.QueryAggregate(ctx, tuple, AggregateQuery{Method: MethodMin, Resolution: ResolutionMinute, FilterEmpty: true})
	require.NoError(t, err)
	require.Equal(t, 10.0, minB[0].Points[0].Value)
	maxB, err := r.QueryAggregate(ctx, tuple, AggregateQuery{Method: MethodMax, Resolution: ResolutionMinute, FilterEmpty: true})
	require.NoError(t, err)
	require.Equal(t, 30.0, maxB[0].Points[0].Value)
}

func TestAggregateOccur(t *testing.T) {
	r, w := open(t, testConfig(t))
	ctx := context.Background()
	tuple := testTuple()
	tuple.AttrName = "status"

	ts := time.Date(2020, 3, 15, 10, 11, 0, 0, time.UTC)
	for i, s := range []string{"a", "b", "a"} {
		require.NoError(t, w.UpdateAggregates(ctx, tuple, stringEvent(ts.Add(time.Duration(i)*time.Second), s)))
	}

	buckets, err := r.QueryAggregate(ctx, tuple, AggregateQuery{
		Method:      MethodOccur,
		Resolution:  ResolutionSecond,
		FilterEmpty: true,
	})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	require.Len(t, buckets[0].Points, 3)
	require.Equal(t, map[string]int{"a": 1}, buckets[0].Points[0].Occur)
	require.Equal(t, map[string]int{"b": 1}, buckets[0].Points[1].Occur)
	require.Equal(t, map[string]int{"a": 1}, buckets[0].Points[2].Occur)

	// samples = sum of occurrence counts
	sameMinute, err := r.QueryAggregate(ctx, tuple, AggregateQuery{
		Method:      MethodOccur,
		Resolution:  ResolutionMinute,
		FilterEmpty: true,
	})
	require.NoError(t, err)
	require.Equal(t, 3, sameMinute[0].Points[0].Samples)
	require.Equal(t, map[string]int{"a": 2, "b": 1}, sameMinute[0].Points[0].Occur)
}

func TestAggregateTypeMismatch(t *testing.T) {
	r, w := open(t, testConfig(t))
	ctx := context.Background()
	tuple := testTuple()

	ts := time.Date(2020, 3, 15, 10, 11, 7, 0, time.UTC)
	require.NoError(t, w.UpdateAggregates(ctx, tuple, numericEvent(ts, 1)))

	_, err := r.QueryAggregate(ctx, tuple, AggregateQuery{Method: MethodOccur, Resolution: ResolutionSecond})
	require.True(t, errors.Is(err, ErrTypeMismatch))

	strTuple := testTuple()
	strTuple.AttrName = "status"
	require.NoError(t, w.UpdateAggregates(ctx, strTuple, stringEvent(ts, "on")))

	_, err = r.QueryAggregate(ctx, strTuple, AggregateQuery{Method: MethodSum, Resolution: ResolutionSecond})
	require.True(t, errors.Is(err, ErrTypeMismatch))
}

func TestAggregateMixedTypeSeries(t *testing.T) {
	r, w := open(t, testConfig(t))
	ctx := context.Background()
	tuple := testTuple()

	// the same attribute receives a number and then a string
	ts := time.Date(2020, 3, 15, 10, 11, 7, 0, time.UTC)
	require.NoError(t, w.UpdateAggregates(ctx, tuple, numericEvent(ts, 21.5)))

	strEvent := stringEvent(ts.Add(time.Second), "degraded")
	strEvent.AttrName = tuple.AttrName
	require.NoError(t, w.UpdateAggregates(ctx, tuple, strEvent))

	// each method serves the buckets of its own kind
	buckets, err := r.QueryAggregate(ctx, tuple, AggregateQuery{Method: MethodSum, Resolution: ResolutionSecond, FilterEmpty: true})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	require.Equal(t, 21.5, buckets[0].Points[0].Value)

	buckets, err = r.QueryAggregate(ctx, tuple, AggregateQuery{Method: MethodOccur, Resolution: ResolutionSecond, FilterEmpty: true})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	require.Equal(t, map[string]int{"degraded": 1}, buckets[0].Points[0].Occur)
}

func TestAggregateCommutativity(t *testing.T) {
	ctx := context.Background()
	tuple := testTuple()

	ts := time.Date(2020, 3, 15, 10, 11, 0, 0, time.UTC)
	events := make([]Event, 0, 100)
	for i := 0; i < 100; i++ {
		events = append(events, numericEvent(ts.Add(time.Duration(i%60)*time.Second), float64(i)))
	}

	run := func(shuffled []Event) []*AggregatedBucket {
		r, w := open(t, testConfig(t))
		var wg sync.WaitGroup
		for _, e := range shuffled {
			wg.Add(1)
			go func(e Event) {
				defer wg.Done()
				require.NoError(t, w.UpdateAggregates(ctx, tuple, e))
			}(e)
		}
		wg.Wait()

		buckets, err := r.QueryAggregate(ctx, tuple, AggregateQuery{
			Method:      MethodSum,
			Resolution:  ResolutionSecond,
			FilterEmpty: true,
		})
		require.NoError(t, err)
		return buckets
	}

	first := run(events)

	shuffled := make([]Event, len(events))
	copy(shuffled, events)
	rand.New(rand.NewSource(42)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	second := run(shuffled)

	require.Equal(t, first, second)
}

func TestReplayAfterRestart(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	tuple := testTuple()

	r, w, err := New(cfg, kitlog.NewNopLogger())
	require.NoError(t, err)

	ts := time.Date(2020, 3, 15, 10, 11, 7, 0, time.UTC)
	require.NoError(t, w.WriteEvent(ctx, tuple, numericEvent(ts, 21.5)))
	require.NoError(t, w.UpdateAggregates(ctx, tuple, numericEvent(ts, 21.5)))
	r.Shutdown()

	r, _, err = New(cfg, kitlog.NewNopLogger())
	require.NoError(t, err)
	defer r.Shutdown()

	res, err := r.QueryRaw(ctx, tuple, RawQuery{Mode: RawModeLastN, LastN: 10})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	require.Equal(t, 21.5, res.Events[0].AttrValue.Number)

	buckets, err := r.QueryAggregate(ctx, tuple, AggregateQuery{
		Method:      MethodMax,
		Resolution:  ResolutionSecond,
		FilterEmpty: true,
	})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	require.Equal(t, 21.5, buckets[0].Points[0].Value)
}

func TestHashModeMaintainsMapping(t *testing.T) {
	cfg := testConfig(t)
	cfg.Naming.Mode = namespace.ModeHash

	r, w := open(t, cfg)
	ctx := context.Background()
	tuple := testTuple()

	ts := time.Date(2020, 3, 15, 10, 11, 7, 0, time.UTC)
	require.NoError(t, w.WriteEvent(ctx, tuple, numericEvent(ts, 1)))
	require.NoError(t, w.WriteEvent(ctx, tuple, numericEvent(ts, 2)))
	require.NoError(t, w.UpdateAggregates(ctx, tuple, numericEvent(ts, 1)))

	rw := r.(*readerWriter)
	db, err := rw.getDB(tuple.Service, false)
	require.NoError(t, err)

	db.mtx.RLock()
	defer db.mtx.RUnlock()
	// one raw and one aggregated mapping, duplicates ignored
	require.Len(t, db.mappings, 2)
	for _, m := range db.mappings {
		require.Equal(t, tuple, m.Origin)
	}
}

func TestRawDocumentCap(t *testing.T) {
	cfg := testConfig(t)
	cfg.Truncation.MaxDocuments = 3

	r, w := open(t, cfg)
	ctx := context.Background()
	tuple := testTuple()

	base := time.Date(2020, 3, 15, 10, 11, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		require.NoError(t, w.WriteEvent(ctx, tuple, numericEvent(base.Add(time.Duration(i)*time.Second), float64(i))))
	}

	res, err := r.QueryRaw(ctx, tuple, RawQuery{Mode: RawModeLastN, LastN: 100})
	require.NoError(t, err)
	require.Len(t, res.Events, 3)
	require.Equal(t, 7.0, res.Events[0].AttrValue.Number)
}

func TestAgeTruncation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Truncation.MaxAge = time.Hour

	r, w := open(t, cfg)
	ctx := context.Background()
	tuple := testTuple()

	old := time.Date(2020, 3, 15, 8, 0, 0, 0, time.UTC)
	fresh := time.Date(2020, 3, 15, 10, 11, 7, 0, time.UTC)
	require.NoError(t, w.WriteEvent(ctx, tuple, numericEvent(old, 1)))
	require.NoError(t, w.WriteEvent(ctx, tuple, numericEvent(fresh, 2)))
	require.NoError(t, w.UpdateAggregates(ctx, tuple, numericEvent(old, 1)))
	require.NoError(t, w.UpdateAggregates(ctx, tuple, numericEvent(fresh, 2)))

	r.(*readerWriter).doRetention(time.Date(2020, 3, 15, 10, 30, 0, 0, time.UTC))

	res, err := r.QueryRaw(ctx, tuple, RawQuery{Mode: RawModeLastN, LastN: 100})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	require.Equal(t, 2.0, res.Events[0].AttrValue.Number)

	buckets, err := r.QueryAggregate(ctx, tuple, AggregateQuery{
		Method:      MethodSum,
		Resolution:  ResolutionSecond,
		FilterEmpty: true,
	})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	require.Equal(t, fresh.Truncate(time.Minute), buckets[0].Origin)
}

func TestCSVExport(t *testing.T) {
	r, w := open(t, testConfig(t))
	ctx := context.Background()
	tuple := testTuple()

	base := time.Date(2020, 3, 15, 10, 11, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, w.WriteEvent(ctx, tuple, numericEvent(base.Add(time.Duration(i)*time.Second), float64(i))))
	}

	res, err := r.QueryRaw(ctx, tuple, RawQuery{Mode: RawModeCSV})
	require.NoError(t, err)
	require.NotEmpty(t, res.FilePath)

	content, err := os.ReadFile(res.FilePath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, lines, 4)
	require.Equal(t, "recvTime,attrName,attrType,attrValue", lines[0])
	require.Contains(t, lines[1], "temperature")

	res.Cleanup()
	_, err = os.Stat(res.FilePath)
	require.True(t, os.IsNotExist(err))
}

func TestConcurrentIngestKeepsCounts(t *testing.T) {
	r, w := open(t, testConfig(t))
	ctx := context.Background()
	tuple := testTuple()

	ts := time.Date(2020, 3, 15, 10, 11, 7, 0, time.UTC)
	const n = 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := numericEvent(ts, float64(i))
			require.NoError(t, w.WriteEvent(ctx, tuple, e))
			require.NoError(t, w.UpdateAggregates(ctx, tuple, e))
		}(i)
	}
	wg.Wait()

	res, err := r.QueryRaw(ctx, tuple, RawQuery{Mode: RawModeLastN, LastN: n * 2})
	require.NoError(t, err)
	require.Len(t, res.Events, n)

	buckets, err := r.QueryAggregate(ctx, tuple, AggregateQuery{
		Method:      MethodSum,
		Resolution:  ResolutionSecond,
		FilterEmpty: true,
	})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	require.Equal(t, n, buckets[0].Points[0].Samples)
	require.Equal(t, float64(n*(n-1)/2), buckets[0].Points[0].Value)
}

func TestResolutionMath(t *testing.T) {
	ts := time.Date(2020, 3, 15, 10, 11, 7, 0, time.UTC)

	tests := []struct {
		resolution Resolution
		origin     time.Time
		slot       int
		slots      int
	}{
		{ResolutionSecond, time.Date(2020, 3, 15, 10, 11, 0, 0, time.UTC), 7, 60},
		{ResolutionMinute, time.Date(2020, 3, 15, 10, 0, 0, 0, time.UTC), 11, 60},
		{ResolutionHour, time.Date(2020, 3, 15, 0, 0, 0, 0, time.UTC), 10, 24},
		{ResolutionDay, time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC), 14, 31},
		{ResolutionMonth, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), 2, 12},
	}
	for _, tc := range tests {
		t.Run(string(tc.resolution), func(t *testing.T) {
			require.Equal(t, tc.origin, tc.resolution.Origin(ts))
			require.Equal(t, tc.slot, tc.resolution.Slot(ts))
			require.Equal(t, tc.slots, tc.resolution.Slots())
		})
	}
}

func TestPathModeRejectsOverlongNames(t *testing.T) {
	_, w := open(t, testConfig(t))

	tuple := testTuple()
	tuple.EntityID = strings.Repeat("x", 300)

	err := w.WriteEvent(context.Background(), tuple, numericEvent(time.Now(), 1))
	require.True(t, errors.Is(err, namespace.ErrNameTooLong), fmt.Sprintf("got %v", err))
}
