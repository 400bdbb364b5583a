package sthdb

import (
	"path/filepath"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/fiware/sth/sthdb/namespace"
	"github.com/fiware/sth/sthdb/wal"
)

// wal record ops
const (
	opCollection = "collection"
	opMapping    = "mapping"
	opEvent      = "event"
	opDelta      = "delta"
	opTruncate   = "truncate"
	opBucket     = "bucket"
)

type collectionRecord struct {
	Name    string          `json:"name"`
	Family  string          `json:"family"`
	Tuple   namespace.Tuple `json:"tuple"`
	MaxDocs int             `json:"maxDocs,omitempty"`
}

type eventRecord struct {
	Col   string `json:"col"`
	Event Event  `json:"event"`
}

type truncateRecord struct {
	Col    string    `json:"col"`
	Family string    `json:"family"`
	Before time.Time `json:"before"`
}

type bucketRecord struct {
	Col    string  `json:"col"`
	Bucket *Bucket `json:"bucket"`
}

// rawCollection is the append-only event family of one namespace tuple.
// Slice order is insertion order, the tie-break for equal receive times.
type rawCollection struct {
	mtx     sync.Mutex
	name    string
	tuple   namespace.Tuple
	maxDocs int
	events  []Event
}

func (c *rawCollection) append(e Event) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.events = append(c.events, e)
	if c.maxDocs > 0 && len(c.events) > c.maxDocs {
		// capped collection semantics: the oldest documents roll off
		c.events = c.events[len(c.events)-c.maxDocs:]
	}
}

func (c *rawCollection) truncateBefore(cutoff time.Time) int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	kept := c.events[:0]
	for _, e := range c.events {
		if !e.RecvTime.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	dropped := len(c.events) - len(kept)
	c.events = kept
	return dropped
}

type bucketKey struct {
	resolution Resolution
	origin     int64
	numeric    bool
}

// aggrCollection is the pre-aggregate family of one namespace tuple. The
// collection mutex makes the upsert-then-update on a bucket atomic with
// respect to every other writer and reader of the collection.
type aggrCollection struct {
	mtx     sync.Mutex
	name    string
	tuple   namespace.Tuple
	buckets map[bucketKey]*Bucket
}

func (c *aggrCollection) update(e Event, resolutions []Resolution) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	for _, r := range resolutions {
		key := bucketKey{resolution: r, origin: r.Origin(e.RecvTime).Unix(), numeric: e.AttrValue.Numeric}
		b, ok := c.buckets[key]
		if !ok {
			b = newBucket(e, r)
			c.buckets[key] = b
		}
		b.apply(e)
	}
}

func (c *aggrCollection) truncateBefore(cutoff time.Time) int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	dropped := 0
	for key, b := range c.buckets {
		if b.Origin.Add(b.Resolution.ParentDuration(b.Origin)).Before(cutoff) {
			delete(c.buckets, key)
			dropped++
		}
	}
	return dropped
}

// database is one logical store, one per service. It owns the collection
// registry, the hash-origin mapping table and the durability log.
type database struct {
	name        string
	logger      kitlog.Logger
	resolutions []Resolution

	mtx      sync.RWMutex
	raw      map[string]*rawCollection
	aggr     map[string]*aggrCollection
	mappings map[string]*namespace.Mapping

	wal *wal.WAL
}

func openDatabase(dir, name string, resolutions []Resolution, logger kitlog.Logger) (*database, error) {
	w, err := wal.Open(filepath.Join(dir, name), logger)
	if err != nil {
		return nil, err
	}

	db := &database{
		name:        name,
		logger:      logger,
		resolutions: resolutions,
		raw:         map[string]*rawCollection{},
		aggr:        map[string]*aggrCollection{},
		mappings:    map[string]*namespace.Mapping{},
		wal:         w,
	}

	if err := db.wal.Replay(db.applyRecord); err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "replaying database %s", name)
	}

	// replay leaves the log holding history; rewrite it to current state
	// so it stays bounded across restarts
	if err := db.compact(); err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "compacting database %s", name)
	}

	return db, nil
}

func (db *database) applyRecord(rec *wal.Record) error {
	switch rec.Op {
	case opCollection:
		cr := collectionRecord{}
		if err := jsoniter.Unmarshal(rec.Data, &cr); err != nil {
			return err
		}
		if cr.Family == namespace.FamilyAggregated.String() {
			db.getOrCreateAggr(cr.Name, cr.Tuple, true)
		} else {
			db.getOrCreateRaw(cr.Name, cr.Tuple, cr.MaxDocs, true)
		}

	case opMapping:
		m := namespace.Mapping{}
		if err := jsoniter.Unmarshal(rec.Data, &m); err != nil {
			return err
		}
		db.insertMapping(&m, true)

	case opEvent:
		er := eventRecord{}
		if err := jsoniter.Unmarshal(rec.Data, &er); err != nil {
			return err
		}
		if col := db.lookupRaw(er.Col); col != nil {
			col.append(er.Event)
		}

	case opDelta:
		er := eventRecord{}
		if err := jsoniter.Unmarshal(rec.Data, &er); err != nil {
			return err
		}
		if col := db.lookupAggr(er.Col); col != nil {
			col.update(er.Event, db.resolutions)
		}

	case opTruncate:
		tr := truncateRecord{}
		if err := jsoniter.Unmarshal(rec.Data, &tr); err != nil {
			return err
		}
		if tr.Family == namespace.FamilyAggregated.String() {
			if col := db.lookupAggr(tr.Col); col != nil {
				col.truncateBefore(tr.Before)
			}
		} else if col := db.lookupRaw(tr.Col); col != nil {
			col.truncateBefore(tr.Before)
		}

	case opBucket:
		br := bucketRecord{}
		if err := jsoniter.Unmarshal(rec.Data, &br); err != nil {
			return err
		}
		if col := db.lookupAggr(br.Col); col != nil && br.Bucket != nil {
			key := bucketKey{
				resolution: br.Bucket.Resolution,
				origin:     br.Bucket.Origin.Unix(),
				numeric:    br.Bucket.Numeric,
			}
			col.mtx.Lock()
			col.buckets[key] = br.Bucket
			col.mtx.Unlock()
		}

	default:
		level.Warn(db.logger).Log("msg", "skipping unknown wal record", "op", rec.Op, "db", db.name)
	}
	return nil
}

func (db *database) lookupRaw(name string) *rawCollection {
	db.mtx.RLock()
	defer db.mtx.RUnlock()
	return db.raw[name]
}

func (db *database) lookupAggr(name string) *aggrCollection {
	db.mtx.RLock()
	defer db.mtx.RUnlock()
	return db.aggr[name]
}

// getOrCreateRaw locates or creates the raw collection. Creation applies the
// document cap once and is journaled unless replaying.
func (db *database) getOrCreateRaw(name string, tuple namespace.Tuple, maxDocs int, replay bool) (*rawCollection, error) {
	db.mtx.Lock()
	col, ok := db.raw[name]
	if !ok {
		col = &rawCollection{name: name, tuple: tuple, maxDocs: maxDocs}
		db.raw[name] = col
	}
	db.mtx.Unlock()

	if !ok && !replay {
		if err := db.wal.Append(opCollection, &collectionRecord{
			Name:    name,
			Family:  namespace.FamilyRaw.String(),
			Tuple:   tuple,
			MaxDocs: maxDocs,
		}); err != nil {
			return nil, err
		}
	}
	return col, nil
}

func (db *database) getOrCreateAggr(name string, tuple namespace.Tuple, replay bool) (*aggrCollection, error) {
	db.mtx.Lock()
	col, ok := db.aggr[name]
	if !ok {
		col = &aggrCollection{name: name, tuple: tuple, buckets: map[bucketKey]*Bucket{}}
		db.aggr[name] = col
	}
	db.mtx.Unlock()

	if !ok && !replay {
		if err := db.wal.Append(opCollection, &collectionRecord{
			Name:   name,
			Family: namespace.FamilyAggregated.String(),
			Tuple:  tuple,
		}); err != nil {
			return nil, err
		}
	}
	return col, nil
}

// insertMapping records one hash-origin pair. Inserts are idempotent:
// a duplicate hash is ignored.
func (db *database) insertMapping(m *namespace.Mapping, replay bool) error {
	db.mtx.Lock()
	key := m.Hash
	if m.IsAggregated {
		key += namespace.AggregatedSuffix
	}
	_, dup := db.mappings[key]
	if !dup {
		db.mappings[key] = m
	}
	db.mtx.Unlock()

	if dup || replay {
		return nil
	}
	return db.wal.Append(opMapping, m)
}

// compact rewrites the log from live state: registry, mappings, events and
// bucket snapshots.
func (db *database) compact() error {
	db.mtx.RLock()
	defer db.mtx.RUnlock()

	return db.wal.Rewrite(func(appendFn func(op string, v interface{}) error) error {
		for _, col := range db.raw {
			err := appendFn(opCollection, &collectionRecord{
				Name:    col.name,
				Family:  namespace.FamilyRaw.String(),
				Tuple:   col.tuple,
				MaxDocs: col.maxDocs,
			})
			if err != nil {
				return err
			}
		}
		for _, col := range db.aggr {
			err := appendFn(opCollection, &collectionRecord{
				Name:   col.name,
				Family: namespace.FamilyAggregated.String(),
				Tuple:  col.tuple,
			})
			if err != nil {
				return err
			}
		}
		for _, m := range db.mappings {
			if err := appendFn(opMapping, m); err != nil {
				return err
			}
		}
		for _, col := range db.raw {
			col.mtx.Lock()
			for _, e := range col.events {
				if err := appendFn(opEvent, &eventRecord{Col: col.name, Event: e}); err != nil {
					col.mtx.Unlock()
					return err
				}
			}
			col.mtx.Unlock()
		}
		for _, col := range db.aggr {
			col.mtx.Lock()
			for _, b := range col.buckets {
				if err := appendFn(opBucket, &bucketRecord{Col: col.name, Bucket: b}); err != nil {
					col.mtx.Unlock()
					return err
				}
			}
			col.mtx.Unlock()
		}
		return nil
	})
}

func (db *database) close() error {
	return db.wal.Close()
}
