package namespace

import (
	"encoding/hex"
	"flag"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// A Tuple identifies one time series: tenant headers plus the entity
// attribute being observed.
type Tuple struct {
	Service     string `json:"service"`
	ServicePath string `json:"servicePath"`
	EntityID    string `json:"entityId"`
	EntityType  string `json:"entityType"`
	AttrName    string `json:"attrName"`
}

// Family selects one of the two collections kept per tuple.
type Family int

const (
	FamilyRaw Family = iota
	FamilyAggregated
)

func (f Family) String() string {
	if f == FamilyAggregated {
		return "aggregated"
	}
	return "raw"
}

const (
	ModePath = "path"
	ModeHash = "hash"

	// AggregatedSuffix marks the aggregated collection of a tuple.
	AggregatedSuffix = ".aggr"

	separator = "_"

	// DefaultMaxNamespaceLen mirrors the classic document-store limit on
	// the combined "database.collection" identifier.
	DefaultMaxNamespaceLen = 120
)

// ErrNameTooLong is returned when path mode produces an identifier over the
// store limit. Callers either surface it or enable hash mode.
var ErrNameTooLong = errors.New("collection name exceeds the namespace length limit")

// Config drives collection-name resolution.
type Config struct {
	Mode            string `yaml:"mode"`
	Prefix          string `yaml:"prefix"`
	DatabasePrefix  string `yaml:"database_prefix"`
	MaxNamespaceLen int    `yaml:"max_namespace_length"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Mode, prefix+".mode", ModePath, "Collection naming mode: path or hash.")
	f.StringVar(&cfg.Prefix, prefix+".prefix", "sth_", "Prefix for every collection name.")
	f.StringVar(&cfg.DatabasePrefix, prefix+".database-prefix", "sth_", "Prefix for every database name.")
	f.IntVar(&cfg.MaxNamespaceLen, prefix+".max-namespace-length", DefaultMaxNamespaceLen, "Maximum length of database.collection identifiers.")
}

func (cfg *Config) Validate() error {
	if cfg.Mode != ModePath && cfg.Mode != ModeHash {
		return fmt.Errorf("unknown collection naming mode %q", cfg.Mode)
	}
	return nil
}

// Database maps a service to its logical database name.
func (cfg *Config) Database(service string) string {
	return cfg.DatabasePrefix + service
}

// Resolve maps a tuple and family to a collection identifier. It is a pure
// function of its inputs and the config. In path mode an identifier that
// would exceed the store limit fails with ErrNameTooLong.
func (cfg *Config) Resolve(t Tuple, family Family) (string, error) {
	var name string
	switch cfg.Mode {
	case ModeHash:
		name = cfg.Prefix + digest(t)
	default:
		name = cfg.Prefix + strings.Join([]string{t.ServicePath, t.EntityID, t.EntityType, t.AttrName}, separator)
	}
	if family == FamilyAggregated {
		name += AggregatedSuffix
	}

	if len(cfg.Database(t.Service))+1+len(name) > cfg.maxLen() {
		return "", errors.Wrapf(ErrNameTooLong, "resolving %s collection for %s%s%s", family, t.ServicePath, separator, t.EntityID)
	}
	return name, nil
}

func (cfg *Config) maxLen() int {
	if cfg.MaxNamespaceLen <= 0 {
		return DefaultMaxNamespaceLen
	}
	return cfg.MaxNamespaceLen
}

// digest returns a fixed-length hash of the tuple fields. xxhash keeps the
// identifier short; reversing it is the job of the hash-origin mapping.
func digest(t Tuple) string {
	h := xxhash.New()
	for _, s := range []string{t.Service, t.ServicePath, t.EntityID, t.EntityType, t.AttrName} {
		_, _ = h.WriteString(s)
		_, _ = h.Write(separatorByte)
	}
	var buf [8]byte
	sum := h.Sum64()
	for i := 0; i < 8; i++ {
		buf[i] = byte(sum >> (56 - 8*i))
	}
	return hex.EncodeToString(buf[:])
}

// separatorByte is a byte that cannot occur in valid UTF-8 sequences.
var separatorByte = []byte{255}

// Mapping is one record of the hash-origin side table kept when hash mode
// is active, so operators can reverse a hashed collection name.
type Mapping struct {
	Hash         string `json:"hash"`
	Origin       Tuple  `json:"origin"`
	IsAggregated bool   `json:"isAggregated"`
}
