package storage

import (
	"flag"

	"github.com/fiware/sth/sthdb"
)

// Config is the historic store configuration.
type Config struct {
	Historic sthdb.Config `yaml:"historic"`
}

// RegisterFlagsAndApplyDefaults registers the flags.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	p := "historic"
	if prefix != "" {
		p = prefix + ".historic"
	}
	cfg.Historic.RegisterFlagsAndApplyDefaults(p, f)
}
