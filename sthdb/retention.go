package sthdb

import (
	"context"
	"time"

	"github.com/go-kit/log/level"

	"github.com/fiware/sth/sthdb/namespace"
)

// retentionLoop applies the age truncation policy on a timer. The size cap
// is enforced inline on append; only ageing needs a sweep.
func (rw *readerWriter) retentionLoop(ctx context.Context) {
	defer close(rw.retentionDone)

	if rw.cfg.Truncation.MaxAge <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(rw.cfg.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rw.doRetention(time.Now().UTC())
		case <-ctx.Done():
			return
		}
	}
}

func (rw *readerWriter) doRetention(now time.Time) {
	cutoff := now.Add(-rw.cfg.Truncation.MaxAge)

	rw.mtx.RLock()
	dbs := make([]*database, 0, len(rw.dbs))
	for _, db := range rw.dbs {
		dbs = append(dbs, db)
	}
	rw.mtx.RUnlock()

	for _, db := range dbs {
		db.mtx.RLock()
		raws := make([]*rawCollection, 0, len(db.raw))
		for _, col := range db.raw {
			raws = append(raws, col)
		}
		aggrs := make([]*aggrCollection, 0, len(db.aggr))
		for _, col := range db.aggr {
			aggrs = append(aggrs, col)
		}
		db.mtx.RUnlock()

		for _, col := range raws {
			dropped := col.truncateBefore(cutoff)
			if dropped == 0 {
				continue
			}
			metricDocsTruncated.WithLabelValues(namespace.FamilyRaw.String()).Add(float64(dropped))
			err := db.wal.Append(opTruncate, &truncateRecord{
				Col:    col.name,
				Family: namespace.FamilyRaw.String(),
				Before: cutoff,
			})
			if err != nil {
				level.Error(db.logger).Log("msg", "error journaling raw truncation", "col", col.name, "err", err)
			}
		}

		// a bucket ages out only once its whole parent unit is past the
		// cutoff, so fresh slots are never clipped
		for _, col := range aggrs {
			dropped := col.truncateBefore(cutoff)
			if dropped == 0 {
				continue
			}
			metricDocsTruncated.WithLabelValues(namespace.FamilyAggregated.String()).Add(float64(dropped))
			err := db.wal.Append(opTruncate, &truncateRecord{
				Col:    col.name,
				Family: namespace.FamilyAggregated.String(),
				Before: cutoff,
			})
			if err != nil {
				level.Error(db.logger).Log("msg", "error journaling aggregate truncation", "col", col.name, "err", err)
			}
		}
	}
}
