package sthdb

import "github.com/pkg/errors"

var (
	// ErrNotFound signals an absent collection. On the query path this is
	// an expected branch: the planner rewrites it to an empty result.
	ErrNotFound = errors.New("collection not found")

	// ErrTypeMismatch signals an aggregation method incompatible with the
	// attribute type, e.g. occur over a numeric series.
	ErrTypeMismatch = errors.New("aggregation method incompatible with attribute type")
)
