package sthdb

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/fiware/sth/sthdb/namespace"
)

// Config configures the embedded document store. The uri keeps the classic
// connection-string surface: only the local scheme is backed today,
// authentication and replica-set options are recorded for a future
// server-backed store.
type Config struct {
	URI            string `yaml:"uri"`
	Authentication string `yaml:"authentication"`
	ReplicaSet     string `yaml:"replica_set"`

	Naming     namespace.Config `yaml:"naming"`
	Truncation TruncationConfig `yaml:"truncation"`

	Resolutions       []string      `yaml:"resolutions"`
	CSVExportDir      string        `yaml:"csv_export_dir"`
	RetentionInterval time.Duration `yaml:"retention_interval"`
}

// TruncationConfig caps collections by age and/or size. Zero disables a
// policy. Truncation drops whole documents, it never rewrites survivors.
type TruncationConfig struct {
	MaxAge       time.Duration `yaml:"max_age"`
	MaxDocuments int           `yaml:"max_documents"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.URI, prefix+".uri", "local:///var/lib/sth", "Store location. Only the local:// scheme is supported.")
	f.StringVar(&cfg.Authentication, prefix+".authentication", "", "Store credentials in user:password form. Unused by the local store.")
	f.StringVar(&cfg.ReplicaSet, prefix+".replica-set", "", "Store replica set name. Unused by the local store.")
	f.StringVar(&cfg.CSVExportDir, prefix+".csv-export-dir", os.TempDir(), "Directory where CSV exports are materialised.")
	f.DurationVar(&cfg.Truncation.MaxAge, prefix+".truncation.max-age", 0, "Drop documents older than this. 0 disables age truncation.")
	f.IntVar(&cfg.Truncation.MaxDocuments, prefix+".truncation.max-documents", 0, "Cap raw collections at this many documents. 0 disables the cap.")
	f.DurationVar(&cfg.RetentionInterval, prefix+".retention-interval", 5*time.Minute, "How often age truncation runs.")

	cfg.Naming.RegisterFlagsAndApplyDefaults(prefix+".naming", f)

	cfg.Resolutions = make([]string, 0, len(AllResolutions))
	for _, r := range AllResolutions {
		cfg.Resolutions = append(cfg.Resolutions, string(r))
	}
}

func (cfg *Config) Validate() error {
	if err := cfg.Naming.Validate(); err != nil {
		return err
	}
	if _, err := cfg.dataDir(); err != nil {
		return err
	}
	if _, err := cfg.resolutions(); err != nil {
		return err
	}
	return nil
}

func (cfg *Config) dataDir() (string, error) {
	u, err := url.Parse(cfg.URI)
	if err != nil {
		return "", fmt.Errorf("parsing store uri: %w", err)
	}
	if u.Scheme != "local" {
		return "", fmt.Errorf("unsupported store scheme %q, only local:// is backed", u.Scheme)
	}
	if u.Path == "" {
		return "", fmt.Errorf("store uri %q carries no path", cfg.URI)
	}
	return u.Path, nil
}

func (cfg *Config) resolutions() ([]Resolution, error) {
	rs := make([]Resolution, 0, len(cfg.Resolutions))
	for _, s := range cfg.Resolutions {
		r, err := ParseResolution(s)
		if err != nil {
			return nil, err
		}
		rs = append(rs, r)
	}
	return rs, nil
}
