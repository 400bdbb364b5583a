package app

import (
	"flag"
	"fmt"
	"time"

	dslog "github.com/grafana/dskit/log"

	"github.com/fiware/sth/modules/ingester"
	"github.com/fiware/sth/modules/querier"
	"github.com/fiware/sth/modules/storage"
	"github.com/fiware/sth/pkg/api"
	"github.com/fiware/sth/pkg/kpi"
)

// Config is the root configuration of the process.
type Config struct {
	Server           ServerConfig `yaml:"server"`
	CorrelatorHeader string       `yaml:"correlator_header"`

	LogLevel  dslog.Level `yaml:"log_level"`
	LogFormat string      `yaml:"log_format"`

	Storage  storage.Config  `yaml:"storage"`
	Ingester ingester.Config `yaml:"ingester"`
	Querier  querier.Config  `yaml:"querier"`
	KPI      kpi.Config      `yaml:"kpi"`
}

// ServerConfig is the HTTP listener configuration.
type ServerConfig struct {
	HTTPListenAddress       string        `yaml:"http_listen_address"`
	HTTPListenPort          int           `yaml:"http_listen_port"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
	ReadTimeout             time.Duration `yaml:"read_timeout"`
	WriteTimeout            time.Duration `yaml:"write_timeout"`
}

// RegisterFlagsAndApplyDefaults registers flags and sets defaults.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.LogLevel.RegisterFlags(f)
	f.StringVar(&c.LogFormat, "log.format", "logfmt", "Log format: logfmt or json.")
	f.StringVar(&c.CorrelatorHeader, "correlator-header", api.DefaultCorrelatorHeader, "Header echoed back verbatim when present on a request.")

	f.StringVar(&c.Server.HTTPListenAddress, "server.http-listen-address", "", "HTTP server listen address.")
	f.IntVar(&c.Server.HTTPListenPort, "server.http-listen-port", 8666, "HTTP server listen port.")
	f.DurationVar(&c.Server.GracefulShutdownTimeout, "server.graceful-shutdown-timeout", 30*time.Second, "How long to wait for in-flight requests on shutdown.")
	c.Server.ReadTimeout = 30 * time.Second
	c.Server.WriteTimeout = 5 * time.Minute

	c.Storage.RegisterFlagsAndApplyDefaults("storage", f)
	c.Ingester.RegisterFlagsAndApplyDefaults("ingester", f)
	c.Querier.RegisterFlagsAndApplyDefaults("querier", f)
	c.KPI.RegisterFlagsAndApplyDefaults("kpi", f)
}

func (c *Config) Validate() error {
	if c.Server.HTTPListenPort <= 0 || c.Server.HTTPListenPort > 65535 {
		return fmt.Errorf("invalid http listen port %d", c.Server.HTTPListenPort)
	}
	if err := c.Ingester.Validate(); err != nil {
		return err
	}
	return c.Storage.Historic.Validate()
}

func (c *ServerConfig) listenAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTPListenAddress, c.HTTPListenPort)
}
