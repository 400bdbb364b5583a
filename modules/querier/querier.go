package querier

import (
	"context"
	"encoding/csv"
	"io"
	"net/http"
	"os"
	"path/filepath"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fiware/sth/modules/storage"
	"github.com/fiware/sth/pkg/api"
	"github.com/fiware/sth/sthdb"
	"github.com/fiware/sth/sthdb/namespace"
)

var metricQueries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sth",
	Name:      "querier_queries_total",
	Help:      "Total number of data queries served, by kind.",
}, []string{"kind"})

// Querier serves raw and aggregate reads over the store.
type Querier struct {
	services.Service

	cfg    Config
	store  storage.Store
	logger kitlog.Logger
}

// New builds a querier over the store.
func New(cfg Config, store storage.Store, logger kitlog.Logger) *Querier {
	q := &Querier{
		cfg:    cfg,
		store:  store,
		logger: logger,
	}
	q.Service = services.NewIdleService(nil, nil)
	return q
}

// QueryHandler handles GET on the attribute data path, dispatching to the
// raw or the aggregated family from the parameter combination.
func (q *Querier) QueryHandler(w http.ResponseWriter, r *http.Request) {
	req, verr := api.ParseQueryRequest(r)
	if verr != nil {
		api.WriteValidationError(w, verr)
		return
	}

	ctx := r.Context()
	if q.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cfg.QueryTimeout)
		defer cancel()
	}

	tuple := namespace.Tuple{
		Service:     req.Service,
		ServicePath: req.ServicePath,
		EntityID:    req.EntityID,
		EntityType:  req.EntityType,
		AttrName:    req.AttrName,
	}

	switch req.Kind {
	case api.QueryKindRaw:
		metricQueries.WithLabelValues("raw").Inc()
		q.serveRaw(ctx, w, tuple, req)
	case api.QueryKindAggregate:
		metricQueries.WithLabelValues("aggregate").Inc()
		q.serveAggregate(ctx, w, tuple, req)
	}
}

func (q *Querier) serveRaw(ctx context.Context, w http.ResponseWriter, tuple namespace.Tuple, req *api.QueryRequest) {
	query := sthdb.RawQuery{From: req.DateFrom, To: req.DateTo}
	switch {
	case req.HasLastN:
		query.Mode = sthdb.RawModeLastN
		query.LastN = req.LastN
	case req.HasPage:
		query.Mode = sthdb.RawModeWindow
		query.HLimit = req.HLimit
		query.HOffset = req.HOffset
	default:
		query.Mode = sthdb.RawModeCSV
	}

	result, err := q.store.QueryRaw(ctx, tuple, query)
	if errors.Is(err, sthdb.ErrNotFound) {
		// an unknown series reads as an empty one
		result = &sthdb.RawResult{}
		err = nil
	}
	if err != nil {
		q.writeQueryError(w, err)
		return
	}

	if query.Mode == sthdb.RawModeCSV {
		q.serveCSV(w, tuple, result)
		return
	}
	api.WriteEnvelope(w, req.EntityID, req.EntityType, req.AttrName, api.RawValues(result.Events))
}

func (q *Querier) serveAggregate(ctx context.Context, w http.ResponseWriter, tuple namespace.Tuple, req *api.QueryRequest) {
	filterEmpty := q.cfg.FilterOutEmpty
	if req.HasFilterEmpty {
		filterEmpty = req.FilterEmpty
	}

	buckets, err := q.store.QueryAggregate(ctx, tuple, sthdb.AggregateQuery{
		Method:      req.AggrMethod,
		Resolution:  req.AggrPeriod,
		From:        req.DateFrom,
		To:          req.DateTo,
		FilterEmpty: filterEmpty,
	})
	if errors.Is(err, sthdb.ErrNotFound) {
		buckets = nil
		err = nil
	}
	if errors.Is(err, sthdb.ErrTypeMismatch) {
		api.WriteValidationError(w, &api.ValidationError{Source: "query", Keys: []string{"aggrMethod"}})
		return
	}
	if err != nil {
		q.writeQueryError(w, err)
		return
	}

	api.WriteEnvelope(w, req.EntityID, req.EntityType, req.AttrName, api.AggrValues(buckets, req.AggrMethod))
}

// serveCSV streams the materialised export and removes it once flushed. An
// unknown series produced no file; it exports as just the header row.
func (q *Querier) serveCSV(w http.ResponseWriter, tuple namespace.Tuple, result *sthdb.RawResult) {
	if result.FilePath == "" {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename=sth_"+uuid.New().String()+".csv")
		cw := csv.NewWriter(w)
		_ = cw.Write(sthdb.CSVHeader)
		cw.Flush()
		return
	}
	defer result.Cleanup()

	f, err := os.Open(result.FilePath)
	if err != nil {
		q.writeQueryError(w, errors.Wrap(err, "opening csv export"))
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename="+filepath.Base(result.FilePath))
	if _, err := io.Copy(w, f); err != nil {
		level.Error(q.logger).Log("msg", "streaming csv export", "attr", tuple.AttrName, "err", err)
	}
}

func (q *Querier) writeQueryError(w http.ResponseWriter, err error) {
	if errors.Is(err, namespace.ErrNameTooLong) {
		api.WriteError(w, http.StatusBadRequest, err)
		return
	}
	level.Error(q.logger).Log("msg", "query failed", "err", err)
	api.WriteError(w, http.StatusInternalServerError, err)
}
