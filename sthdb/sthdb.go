package sthdb

import (
	"context"
	"os"
	"sync"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fiware/sth/sthdb/namespace"
)

var (
	metricEventsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sthdb",
		Name:      "raw_events_written_total",
		Help:      "Total number of raw events appended.",
	})
	metricDeltasApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sthdb",
		Name:      "aggregate_deltas_applied_total",
		Help:      "Total number of aggregate slot deltas applied.",
	})
	metricDocsTruncated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sthdb",
		Name:      "documents_truncated_total",
		Help:      "Total number of documents dropped by truncation.",
	}, []string{"family"})
)

// Writer is the ingest seam of the store.
type Writer interface {
	// WriteEvent appends one observation to the raw family. No
	// deduplication: concurrent appends are independent.
	WriteEvent(ctx context.Context, tuple namespace.Tuple, e Event) error
	// UpdateAggregates applies the per-resolution slot deltas for one
	// observation to the aggregated family.
	UpdateAggregates(ctx context.Context, tuple namespace.Tuple, e Event) error
}

// Reader is the query seam of the store. Both methods return ErrNotFound
// when the namespace has no collection yet.
type Reader interface {
	QueryRaw(ctx context.Context, tuple namespace.Tuple, q RawQuery) (*RawResult, error)
	QueryAggregate(ctx context.Context, tuple namespace.Tuple, q AggregateQuery) ([]*AggregatedBucket, error)
	Shutdown()
}

type readerWriter struct {
	cfg    *Config
	logger kitlog.Logger

	dataDir     string
	resolutions []Resolution

	mtx sync.RWMutex
	dbs map[string]*database

	retentionCancel context.CancelFunc
	retentionDone   chan struct{}
}

// New opens the store under the configured uri, replaying any databases
// found on disk, and starts the retention loop.
func New(cfg *Config, logger kitlog.Logger) (Reader, Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	dataDir, err := cfg.dataDir()
	if err != nil {
		return nil, nil, err
	}
	resolutions, err := cfg.resolutions()
	if err != nil {
		return nil, nil, err
	}

	if err := os.MkdirAll(dataDir, os.ModePerm); err != nil {
		return nil, nil, errors.Wrap(err, "creating store directory")
	}

	rw := &readerWriter{
		cfg:           cfg,
		logger:        logger,
		dataDir:       dataDir,
		resolutions:   resolutions,
		dbs:           map[string]*database{},
		retentionDone: make(chan struct{}),
	}

	if err := rw.loadDatabases(); err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	rw.retentionCancel = cancel
	go rw.retentionLoop(ctx)

	return rw, rw, nil
}

func (rw *readerWriter) loadDatabases() error {
	entries, err := os.ReadDir(rw.dataDir)
	if err != nil {
		return errors.Wrap(err, "listing store directory")
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		db, err := openDatabase(rw.dataDir, entry.Name(), rw.resolutions, rw.logger)
		if err != nil {
			return err
		}
		rw.dbs[entry.Name()] = db
		level.Info(rw.logger).Log("msg", "replayed database", "db", entry.Name())
	}
	return nil
}

// getDB locates the logical database of a service, creating it when create
// is set. Absent plus create=false is ErrNotFound.
func (rw *readerWriter) getDB(service string, create bool) (*database, error) {
	name := rw.cfg.Naming.Database(service)

	rw.mtx.RLock()
	db, ok := rw.dbs[name]
	rw.mtx.RUnlock()
	if ok {
		return db, nil
	}
	if !create {
		return nil, errors.Wrapf(ErrNotFound, "database %s", name)
	}

	rw.mtx.Lock()
	defer rw.mtx.Unlock()
	if db, ok = rw.dbs[name]; ok {
		return db, nil
	}
	db, err := openDatabase(rw.dataDir, name, rw.resolutions, rw.logger)
	if err != nil {
		return nil, err
	}
	rw.dbs[name] = db
	return db, nil
}

// rawCollectionFor resolves and optionally creates the raw collection of a
// tuple, maintaining the hash-origin mapping when hash mode is active.
func (rw *readerWriter) rawCollectionFor(tuple namespace.Tuple, create bool) (*database, *rawCollection, error) {
	name, err := rw.cfg.Naming.Resolve(tuple, namespace.FamilyRaw)
	if err != nil {
		return nil, nil, err
	}

	db, err := rw.getDB(tuple.Service, create)
	if err != nil {
		return nil, nil, err
	}

	if !create {
		col := db.lookupRaw(name)
		if col == nil {
			return nil, nil, errors.Wrapf(ErrNotFound, "collection %s", name)
		}
		return db, col, nil
	}

	col, err := db.getOrCreateRaw(name, tuple, rw.cfg.Truncation.MaxDocuments, false)
	if err != nil {
		return nil, nil, err
	}
	if err := rw.storeMapping(db, name, tuple, namespace.FamilyRaw); err != nil {
		return nil, nil, err
	}
	return db, col, nil
}

func (rw *readerWriter) aggrCollectionFor(tuple namespace.Tuple, create bool) (*database, *aggrCollection, error) {
	name, err := rw.cfg.Naming.Resolve(tuple, namespace.FamilyAggregated)
	if err != nil {
		return nil, nil, err
	}

	db, err := rw.getDB(tuple.Service, create)
	if err != nil {
		return nil, nil, err
	}

	if !create {
		col := db.lookupAggr(name)
		if col == nil {
			return nil, nil, errors.Wrapf(ErrNotFound, "collection %s", name)
		}
		return db, col, nil
	}

	col, err := db.getOrCreateAggr(name, tuple, false)
	if err != nil {
		return nil, nil, err
	}
	if err := rw.storeMapping(db, name, tuple, namespace.FamilyAggregated); err != nil {
		return nil, nil, err
	}
	return db, col, nil
}

func (rw *readerWriter) storeMapping(db *database, colName string, tuple namespace.Tuple, family namespace.Family) error {
	if rw.cfg.Naming.Mode != namespace.ModeHash {
		return nil
	}
	return db.insertMapping(&namespace.Mapping{
		Hash:         colName,
		Origin:       tuple,
		IsAggregated: family == namespace.FamilyAggregated,
	}, false)
}

// Shutdown stops retention and closes every database log. In-flight writes
// are expected to have drained: the server stops accepting first.
func (rw *readerWriter) Shutdown() {
	rw.retentionCancel()
	<-rw.retentionDone

	rw.mtx.Lock()
	defer rw.mtx.Unlock()
	for name, db := range rw.dbs {
		if err := db.close(); err != nil {
			level.Error(rw.logger).Log("msg", "error closing database", "db", name, "err", err)
		}
	}
}
