package ingester

import (
	"flag"
	"fmt"
	"strings"

	"github.com/fiware/sth/sthdb/pool"
)

// ShouldStore selects which families a notification is written to.
const (
	StoreBoth           = "both"
	StoreOnlyRaw        = "only-raw"
	StoreOnlyAggregated = "only-aggregated"
)

// Config for an ingester.
type Config struct {
	DefaultService     string `yaml:"default_service"`
	DefaultServicePath string `yaml:"default_service_path"`

	ShouldStore       string `yaml:"should_store"`
	IgnoreBlankSpaces bool   `yaml:"ignore_blank_spaces"`

	Pool pool.Config `yaml:"pool"`
}

// RegisterFlagsAndApplyDefaults registers the flags.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.DefaultService, prefix+".default-service", "testservice", "Tenant assumed when a notification carries no service header.")
	f.StringVar(&cfg.DefaultServicePath, prefix+".default-service-path", "/testservicepath", "Service path assumed when a notification carries no service path header.")
	f.StringVar(&cfg.ShouldStore, prefix+".should-store", StoreBoth, "Families written on ingest: both, only-raw or only-aggregated.")
	f.BoolVar(&cfg.IgnoreBlankSpaces, prefix+".ignore-blank-spaces", true, "Drop attribute values that are blank once trimmed.")

	cfg.Pool.RegisterFlagsAndApplyDefaults(prefix+".pool", f)
}

func (cfg *Config) Validate() error {
	// accept the classic upper-snake spelling as well
	normalized := strings.ToLower(strings.ReplaceAll(cfg.ShouldStore, "_", "-"))
	switch normalized {
	case StoreBoth, StoreOnlyRaw, StoreOnlyAggregated:
		cfg.ShouldStore = normalized
		return nil
	}
	return fmt.Errorf("invalid should_store %q, want both, only-raw or only-aggregated", cfg.ShouldStore)
}
