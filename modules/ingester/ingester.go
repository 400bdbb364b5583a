package ingester

import (
	"context"
	"net/http"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fiware/sth/modules/storage"
	"github.com/fiware/sth/pkg/api"
	"github.com/fiware/sth/pkg/model"
	"github.com/fiware/sth/sthdb"
	"github.com/fiware/sth/sthdb/namespace"
	"github.com/fiware/sth/sthdb/pool"
)

var (
	metricNotifications = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sth",
		Name:      "ingester_notifications_total",
		Help:      "Total number of notifications received.",
	})
	metricObservations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sth",
		Name:      "ingester_observations_total",
		Help:      "Total number of aggregatable attribute values extracted from notifications.",
	})
	metricFailedWrites = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sth",
		Name:      "ingester_failed_writes_total",
		Help:      "Total number of store subtasks that returned an error.",
	})
)

// Ingester accepts context notifications and fans their attribute values
// out to the store as independent subtasks.
type Ingester struct {
	services.Service

	cfg    Config
	store  storage.Store
	pool   *pool.Pool
	logger kitlog.Logger
}

// New builds an ingester over the store.
func New(cfg Config, store storage.Store, logger kitlog.Logger) (*Ingester, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	i := &Ingester{
		cfg:    cfg,
		store:  store,
		pool:   pool.NewPool(&cfg.Pool),
		logger: logger,
	}
	i.Service = services.NewIdleService(nil, i.stopping)
	return i, nil
}

func (i *Ingester) stopping(_ error) error {
	i.pool.Shutdown()
	return nil
}

// writeTask is one (observation, family) pair bound for the store.
type writeTask struct {
	tuple namespace.Tuple
	event sthdb.Event
	aggr  bool
}

// NotifyHandler handles POST /notify. All subtasks of a notification are
// waited for and the reply carries the first error, if any; partial
// success is not rolled back.
func (i *Ingester) NotifyHandler(w http.ResponseWriter, r *http.Request) {
	metricNotifications.Inc()

	service := r.Header.Get(api.HeaderService)
	if service == "" {
		service = i.cfg.DefaultService
	}
	servicePath := r.Header.Get(api.HeaderServicePath)
	if servicePath == "" {
		servicePath = i.cfg.DefaultServicePath
	}

	n := &model.Notification{}
	if err := jsoniter.NewDecoder(r.Body).Decode(n); err != nil {
		api.WriteValidationError(w, &api.ValidationError{Source: "payload", Keys: []string{"contextResponses"}})
		return
	}

	recvTime := time.Now().UTC()
	observations := n.Flatten(i.cfg.IgnoreBlankSpaces)
	if len(observations) == 0 {
		api.WriteValidationError(w, &api.ValidationError{Source: "payload", Keys: []string{"attributes"}})
		return
	}
	metricObservations.Add(float64(len(observations)))

	tasks := i.buildTasks(service, servicePath, recvTime, observations)

	err := i.pool.RunJobs(r.Context(), tasks, func(ctx context.Context, payload interface{}) error {
		task := payload.(*writeTask)
		var err error
		if task.aggr {
			err = i.store.UpdateAggregates(ctx, task.tuple, task.event)
		} else {
			err = i.store.WriteEvent(ctx, task.tuple, task.event)
		}
		if err != nil {
			metricFailedWrites.Inc()
			level.Error(i.logger).Log(
				"msg", "store write failed",
				"entity", task.tuple.EntityID,
				"attr", task.tuple.AttrName,
				"aggregated", task.aggr,
				"err", err,
			)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, namespace.ErrNameTooLong) {
			api.WriteError(w, http.StatusBadRequest, err)
			return
		}
		if errors.Is(err, pool.ErrStopped) {
			api.WriteError(w, http.StatusServiceUnavailable, err)
			return
		}
		api.WriteError(w, http.StatusInternalServerError, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (i *Ingester) buildTasks(service, servicePath string, recvTime time.Time, observations []model.Observation) []interface{} {
	tasks := make([]interface{}, 0, 2*len(observations))
	for _, obs := range observations {
		tuple := namespace.Tuple{
			Service:     service,
			ServicePath: servicePath,
			EntityID:    obs.EntityID,
			EntityType:  obs.EntityType,
			AttrName:    obs.AttrName,
		}
		event := sthdb.Event{
			RecvTime:   recvTime,
			EntityID:   obs.EntityID,
			EntityType: obs.EntityType,
			AttrName:   obs.AttrName,
			AttrType:   obs.AttrType,
			AttrValue: sthdb.Value{
				Number:  obs.Number,
				String:  obs.String,
				Numeric: obs.Numeric,
			},
		}
		if obs.Time != nil {
			event.RecvTime = *obs.Time
		}

		if i.cfg.ShouldStore != StoreOnlyAggregated {
			t := &writeTask{tuple: tuple, event: event}
			tasks = append(tasks, t)
		}
		if i.cfg.ShouldStore != StoreOnlyRaw {
			t := &writeTask{tuple: tuple, event: event, aggr: true}
			tasks = append(tasks, t)
		}
	}
	return tasks
}
