// Package kpi keeps coarse service indicators: counters of attended
// requests since start and since the last flush, periodically written to
// the log so operators can graph activity without scraping metrics.
package kpi

import (
	"context"
	"flag"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/fiware/sth/pkg/util/log"
)

var metricAttendedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sth",
	Name:      "attended_requests_total",
	Help:      "Total number of HTTP requests attended, by kind.",
}, []string{"kind"})

const (
	KindNotification = "notification"
	KindQuery        = "query"
	KindOther        = "other"
)

// Config holds KPI reporting settings.
type Config struct {
	// FlushInterval is how often the counters are logged and the
	// since-last-flush window reset. Zero disables periodic flushing.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(string, *flag.FlagSet) {
	cfg.FlushInterval = time.Minute
}

// Counters tracks attended requests per kind, both lifetime and within the
// current flush window.
type Counters struct {
	services.Service

	cfg Config

	notifications atomic.Int64
	queries       atomic.Int64
	other         atomic.Int64

	windowNotifications atomic.Int64
	windowQueries       atomic.Int64
	windowOther         atomic.Int64
}

// New builds the counters. The returned value is a dskit service whose
// ticker flushes the window counters into the log.
func New(cfg Config) *Counters {
	c := &Counters{cfg: cfg}

	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = time.Hour * 24 * 365
	}
	c.Service = services.NewTimerService(interval, nil, c.flush, nil)
	return c
}

// Inc records one attended request of the given kind.
func (c *Counters) Inc(kind string) {
	metricAttendedRequests.WithLabelValues(kind).Inc()
	switch kind {
	case KindNotification:
		c.notifications.Inc()
		c.windowNotifications.Inc()
	case KindQuery:
		c.queries.Inc()
		c.windowQueries.Inc()
	default:
		c.other.Inc()
		c.windowOther.Inc()
	}
}

func (c *Counters) flush(context.Context) error {
	if c.cfg.FlushInterval <= 0 {
		return nil
	}
	level.Info(log.Logger).Log(
		"msg", "attended requests",
		"notifications", c.windowNotifications.Swap(0),
		"queries", c.windowQueries.Swap(0),
		"other", c.windowOther.Swap(0),
	)
	return nil
}

// Snapshot is the JSON shape served by the admin endpoint.
type Snapshot struct {
	Notifications int64 `json:"notifications"`
	Queries       int64 `json:"queries"`
	Other         int64 `json:"other"`
}

func (c *Counters) snapshot() Snapshot {
	return Snapshot{
		Notifications: c.notifications.Load(),
		Queries:       c.queries.Load(),
		Other:         c.other.Load(),
	}
}

// Reset zeroes the lifetime counters.
func (c *Counters) Reset() {
	c.notifications.Store(0)
	c.queries.Store(0)
	c.other.Store(0)
	c.windowNotifications.Store(0)
	c.windowQueries.Store(0)
	c.windowOther.Store(0)
}

// Handler serves the lifetime counters.
func (c *Counters) Handler(w http.ResponseWriter, _ *http.Request) {
	data, err := jsoniter.Marshal(c.snapshot())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// ResetHandler zeroes the counters.
func (c *Counters) ResetHandler(w http.ResponseWriter, _ *http.Request) {
	c.Reset()
	w.WriteHeader(http.StatusNoContent)
}

// Middleware counts every request routed through it, classifying by path.
func (c *Counters) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/notify":
			c.Inc(KindNotification)
		case strings.HasPrefix(r.URL.Path, "/STH/"):
			c.Inc(KindQuery)
		default:
			c.Inc(KindOther)
		}
		next.ServeHTTP(w, r)
	})
}
