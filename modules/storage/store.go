package storage

import (
	kitlog "github.com/go-kit/log"

	"github.com/fiware/sth/sthdb"
)

// Store is the historic store used to save raw events and aggregate
// buckets and to serve queries over them.
type Store interface {
	sthdb.Reader
	sthdb.Writer
}

type store struct {
	cfg Config

	sthdb.Reader
	sthdb.Writer
}

// NewStore creates a new historic Store using the configuration supplied.
func NewStore(cfg Config, logger kitlog.Logger) (Store, error) {
	r, w, err := sthdb.New(&cfg.Historic, logger)
	if err != nil {
		return nil, err
	}

	return &store{
		cfg:    cfg,
		Reader: r,
		Writer: w,
	}, nil
}
