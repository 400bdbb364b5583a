package app

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
	"gopkg.in/yaml.v2"

	"github.com/fiware/sth/modules/ingester"
	"github.com/fiware/sth/modules/querier"
	"github.com/fiware/sth/modules/storage"
	"github.com/fiware/sth/pkg/api"
	"github.com/fiware/sth/pkg/kpi"
	"github.com/fiware/sth/pkg/util/log"
)

// App wires the store, the ingester and the querier behind one HTTP server.
type App struct {
	cfg Config

	store    storage.Store
	ingester *ingester.Ingester
	querier  *querier.Querier
	kpis     *kpi.Counters

	server *http.Server
}

// New builds the full application from its configuration.
func New(cfg Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := storage.NewStore(cfg.Storage, log.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "initialising store")
	}

	ing, err := ingester.New(cfg.Ingester, store, log.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "initialising ingester")
	}

	a := &App{
		cfg:      cfg,
		store:    store,
		ingester: ing,
		querier:  querier.New(cfg.Querier, store, log.Logger),
		kpis:     kpi.New(cfg.KPI),
	}
	return a, nil
}

// Run starts every service and blocks until a stop signal arrives or a
// service fails, then shuts the pieces down in dependency order.
func (a *App) Run() error {
	// the ready handler reads the manager through this indirection because
	// the server service is itself part of the manager
	var sm *services.Manager
	ready := func() *services.Manager { return sm }

	sm, err := services.NewManager(a.ingester, a.querier, a.kpis, a.serverService(ready))
	if err != nil {
		return errors.Wrap(err, "building service manager")
	}

	healthy := func() { level.Info(log.Logger).Log("msg", "STH started") }
	stopped := func() { level.Info(log.Logger).Log("msg", "STH stopped") }
	serviceFailed := func(service services.Service) {
		sm.StopAsync()
		level.Error(log.Logger).Log("msg", "service failed", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	handler := signals.NewHandler(log.Logger)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	if err := sm.StartAsync(context.Background()); err != nil {
		return errors.Wrap(err, "starting service manager")
	}
	err = sm.AwaitStopped(context.Background())

	// the listener is down, in-flight writes have drained
	a.store.Shutdown()
	return err
}

// serverService runs the HTTP listener as a dskit service so the manager
// owns its lifecycle like every other piece.
func (a *App) serverService(ready func() *services.Manager) services.Service {
	var starting = func(_ context.Context) error {
		a.server = &http.Server{
			Addr:         a.cfg.Server.listenAddr(),
			Handler:      a.router(ready),
			ReadTimeout:  a.cfg.Server.ReadTimeout,
			WriteTimeout: a.cfg.Server.WriteTimeout,
		}
		return nil
	}

	var running = func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- a.server.ListenAndServe()
		}()

		level.Info(log.Logger).Log("msg", "server listening", "addr", a.server.Addr)

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return nil
		}
	}

	var stopping = func(_ error) error {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.GracefulShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(ctx)
	}

	return services.NewBasicService(starting, running, stopping)
}

func (a *App) router(ready func() *services.Manager) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc(api.PathNotify, a.ingester.NotifyHandler).Methods(http.MethodPost)
	r.HandleFunc(api.PathQuery, a.querier.QueryHandler).Methods(http.MethodGet)
	r.HandleFunc(api.PathVersion, a.versionHandler).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ready", a.readyHandler(ready)).Methods(http.MethodGet)
	r.HandleFunc("/config", a.configHandler).Methods(http.MethodGet)

	r.HandleFunc("/admin/kpis", a.kpis.Handler).Methods(http.MethodGet)
	r.HandleFunc("/admin/kpis/reset", a.kpis.ResetHandler).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, http.StatusNotFound, fmt.Errorf("no handler for %s %s", r.Method, r.URL.Path))
	})

	return a.kpis.Middleware(a.correlator(r))
}

// correlator echoes the configured correlator header on every response.
func (a *App) correlator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.EchoCorrelator(w, r, a.cfg.CorrelatorHeader)
		next.ServeHTTP(w, r)
	})
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set(api.HeaderContentType, api.HeaderAcceptJSON)
	fmt.Fprintf(w, `{"version":%q}`, version.Version)
}

func (a *App) configHandler(w http.ResponseWriter, _ *http.Request) {
	out, err := yaml.Marshal(a.cfg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/yaml")
	_, _ = w.Write(out)
}

func (a *App) readyHandler(ready func() *services.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		sm := ready()
		if sm == nil || !sm.IsHealthy() {
			msg := bytes.Buffer{}
			msg.WriteString("Some services are not Running:\n")
			if sm != nil {
				for st, ls := range sm.ServicesByState() {
					fmt.Fprintf(&msg, "%v: %d\n", st, len(ls))
				}
			}
			http.Error(w, msg.String(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready"))
	}
}
