package querier

import (
	"flag"
	"time"
)

// Config for a querier.
type Config struct {
	// QueryTimeout bounds a single data query.
	QueryTimeout time.Duration `yaml:"query_timeout"`
	// FilterOutEmpty drops zero-sample slots from aggregate responses when
	// the request does not say otherwise.
	FilterOutEmpty bool `yaml:"filter_out_empty"`
}

// RegisterFlagsAndApplyDefaults registers the flags.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.QueryTimeout, prefix+".query-timeout", 10*time.Second, "Timeout of a single data query.")
	f.BoolVar(&cfg.FilterOutEmpty, prefix+".filter-out-empty", true, "Drop zero-sample slots from aggregate responses unless the request overrides it.")
}
