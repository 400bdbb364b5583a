package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/fiware/sth/sthdb"
)

const (
	muxVarEntityType = "entityType"
	muxVarEntityID   = "entityId"
	muxVarAttrName   = "attrName"

	// query
	urlParamLastN       = "lastN"
	urlParamHLimit      = "hLimit"
	urlParamHOffset     = "hOffset"
	urlParamAggrMethod  = "aggrMethod"
	urlParamAggrPeriod  = "aggrPeriod"
	urlParamDateFrom    = "dateFrom"
	urlParamDateTo      = "dateTo"
	urlParamFileType    = "filetype"
	urlParamFilterEmpty = "filterEmpty"

	FileTypeCSV = "csv"

	HeaderService     = "fiware-service"
	HeaderServicePath = "fiware-servicepath"
	HeaderContentType = "Content-Type"
	HeaderAcceptJSON  = "application/json"

	// DefaultCorrelatorHeader is echoed back verbatim when present.
	DefaultCorrelatorHeader = "Unica-Correlator"

	PathQuery   = "/STH/v1/contextEntities/type/{" + muxVarEntityType + "}/id/{" + muxVarEntityID + "}/attributes/{" + muxVarAttrName + "}"
	PathNotify  = "/notify"
	PathVersion = "/version"
)

// ValidationError identifies the malformed part of a request: the source
// (headers, query or payload) and the offending keys.
type ValidationError struct {
	Source string   `json:"source"`
	Keys   []string `json:"keys"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Source, strings.Join(e.Keys, ", "))
}

// QueryKind is the path a query request dispatches to.
type QueryKind int

const (
	// QueryKindRaw serves lastN, hLimit/hOffset paging and CSV export.
	QueryKindRaw QueryKind = iota
	// QueryKindAggregate serves the pre-computed buckets.
	QueryKindAggregate
)

// QueryRequest is a decoded data query. Kind is derived from the parameter
// combination: any raw selector wins, then aggrMethod+aggrPeriod, and a
// request matching neither fails validation.
type QueryRequest struct {
	Service     string
	ServicePath string
	EntityID    string
	EntityType  string
	AttrName    string

	Kind QueryKind

	LastN    int
	HasLastN bool
	HLimit   int
	HOffset  int
	HasPage  bool
	FileType string

	AggrMethod sthdb.Method
	AggrPeriod sthdb.Resolution

	DateFrom time.Time
	DateTo   time.Time

	FilterEmpty    bool
	HasFilterEmpty bool
}

// allQueryKeys is reported when no recognised parameter combination matches.
var allQueryKeys = []string{
	urlParamLastN, urlParamHLimit, urlParamHOffset,
	urlParamFileType, urlParamAggrMethod, urlParamAggrPeriod,
}

// ParseQueryRequest decodes path variables, tenant headers and query
// parameters of a data query.
func ParseQueryRequest(r *http.Request) (*QueryRequest, *ValidationError) {
	req := &QueryRequest{}

	if verr := parseTenantHeaders(r, req); verr != nil {
		return nil, verr
	}

	vars := mux.Vars(r)
	req.EntityType = vars[muxVarEntityType]
	req.EntityID = vars[muxVarEntityID]
	req.AttrName = vars[muxVarAttrName]

	if s, ok := extractQueryParam(r, urlParamLastN); ok {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return nil, &ValidationError{Source: "query", Keys: []string{urlParamLastN}}
		}
		req.LastN = n
		req.HasLastN = true
	}

	hLimit, hasHLimit := extractQueryParam(r, urlParamHLimit)
	hOffset, hasHOffset := extractQueryParam(r, urlParamHOffset)
	if hasHLimit != hasHOffset {
		return nil, &ValidationError{Source: "query", Keys: []string{urlParamHLimit, urlParamHOffset}}
	}
	if hasHLimit {
		limit, err := strconv.Atoi(hLimit)
		if err != nil || limit < 0 {
			return nil, &ValidationError{Source: "query", Keys: []string{urlParamHLimit}}
		}
		offset, err := strconv.Atoi(hOffset)
		if err != nil || offset < 0 {
			return nil, &ValidationError{Source: "query", Keys: []string{urlParamHOffset}}
		}
		req.HLimit = limit
		req.HOffset = offset
		req.HasPage = true
	}

	if s, ok := extractQueryParam(r, urlParamFileType); ok {
		if !strings.EqualFold(s, FileTypeCSV) {
			return nil, &ValidationError{Source: "query", Keys: []string{urlParamFileType}}
		}
		req.FileType = FileTypeCSV
	}

	method, hasMethod := extractQueryParam(r, urlParamAggrMethod)
	period, hasPeriod := extractQueryParam(r, urlParamAggrPeriod)
	if hasMethod {
		m, err := sthdb.ParseMethod(method)
		if err != nil {
			return nil, &ValidationError{Source: "query", Keys: []string{urlParamAggrMethod}}
		}
		req.AggrMethod = m
	}
	if hasPeriod {
		p, err := sthdb.ParseResolution(period)
		if err != nil {
			return nil, &ValidationError{Source: "query", Keys: []string{urlParamAggrPeriod}}
		}
		req.AggrPeriod = p
	}

	if s, ok := extractQueryParam(r, urlParamDateFrom); ok {
		ts, err := parseTime(s)
		if err != nil {
			return nil, &ValidationError{Source: "query", Keys: []string{urlParamDateFrom}}
		}
		req.DateFrom = ts
	}
	if s, ok := extractQueryParam(r, urlParamDateTo); ok {
		ts, err := parseTime(s)
		if err != nil {
			return nil, &ValidationError{Source: "query", Keys: []string{urlParamDateTo}}
		}
		req.DateTo = ts
	}

	if s, ok := extractQueryParam(r, urlParamFilterEmpty); ok {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, &ValidationError{Source: "query", Keys: []string{urlParamFilterEmpty}}
		}
		req.FilterEmpty = b
		req.HasFilterEmpty = true
	}

	// dispatch: first match wins
	switch {
	case req.HasLastN || req.HasPage || req.FileType == FileTypeCSV:
		req.Kind = QueryKindRaw
	case hasMethod && hasPeriod:
		req.Kind = QueryKindAggregate
	default:
		return nil, &ValidationError{Source: "query", Keys: allQueryKeys}
	}

	return req, nil
}

func parseTenantHeaders(r *http.Request, req *QueryRequest) *ValidationError {
	var missing []string
	if req.Service = r.Header.Get(HeaderService); req.Service == "" {
		missing = append(missing, HeaderService)
	}
	if req.ServicePath = r.Header.Get(HeaderServicePath); req.ServicePath == "" {
		missing = append(missing, HeaderServicePath)
	}
	if len(missing) > 0 {
		return &ValidationError{Source: "headers", Keys: missing}
	}
	return nil
}

func extractQueryParam(r *http.Request, param string) (string, bool) {
	value := r.URL.Query().Get(param)
	return value, value != ""
}

// parseTime accepts the ISO-8601 shapes the upstream broker emits.
func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
