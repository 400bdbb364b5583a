package api

import (
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/fiware/sth/sthdb"
)

// Envelope is the fixed response shape of every data query, empty or not.
type Envelope struct {
	ContextResponses []EnvelopeContextResponse `json:"contextResponses"`
}

type EnvelopeContextResponse struct {
	ContextElement EnvelopeContextElement `json:"contextElement"`
	StatusCode     EnvelopeStatusCode     `json:"statusCode"`
}

type EnvelopeContextElement struct {
	ID         string              `json:"id"`
	Type       string              `json:"type"`
	IsPattern  bool                `json:"isPattern"`
	Attributes []EnvelopeAttribute `json:"attributes"`
}

type EnvelopeAttribute struct {
	Name   string      `json:"name"`
	Values interface{} `json:"values"`
}

type EnvelopeStatusCode struct {
	Code         string `json:"code"`
	ReasonPhrase string `json:"reasonPhrase"`
}

// RawValue is one raw event as rendered in the envelope.
type RawValue struct {
	RecvTime  string      `json:"recvTime"`
	AttrName  string      `json:"attrName"`
	AttrType  string      `json:"attrType"`
	AttrValue sthdb.Value `json:"attrValue"`
}

// AggrValue is one projected bucket as rendered in the envelope.
type AggrValue struct {
	ID     AggrValueID `json:"_id"`
	Points []AggrPoint `json:"points"`
}

type AggrValueID struct {
	AttrName   string `json:"attrName"`
	Origin     string `json:"origin"`
	Resolution string `json:"resolution"`
}

type AggrPoint struct {
	Offset  int            `json:"offset"`
	Samples int            `json:"samples"`
	Value   *float64       `json:"value,omitempty"`
	Occur   map[string]int `json:"occur,omitempty"`
}

// RawValues renders raw events for the envelope.
func RawValues(events []sthdb.Event) []RawValue {
	out := make([]RawValue, 0, len(events))
	for _, e := range events {
		out = append(out, RawValue{
			RecvTime:  e.RecvTime.UTC().Format(time.RFC3339Nano),
			AttrName:  e.AttrName,
			AttrType:  e.AttrType,
			AttrValue: e.AttrValue,
		})
	}
	return out
}

// AggrValues renders projected buckets for the envelope.
func AggrValues(buckets []*sthdb.AggregatedBucket, method sthdb.Method) []AggrValue {
	out := make([]AggrValue, 0, len(buckets))
	for _, b := range buckets {
		av := AggrValue{
			ID: AggrValueID{
				AttrName:   b.AttrName,
				Origin:     b.Origin.UTC().Format(time.RFC3339),
				Resolution: string(b.Resolution),
			},
			Points: make([]AggrPoint, 0, len(b.Points)),
		}
		for _, p := range b.Points {
			ap := AggrPoint{Offset: p.Offset, Samples: p.Samples}
			if method == sthdb.MethodOccur {
				ap.Occur = p.Occur
			} else {
				v := p.Value
				ap.Value = &v
			}
			av.Points = append(av.Points, ap)
		}
		out = append(out, av)
	}
	return out
}

// WriteEnvelope emits the fixed 200 envelope around values, which may be an
// empty slice: "no data" is not a 404.
func WriteEnvelope(w http.ResponseWriter, entityID, entityType, attrName string, values interface{}) {
	if values == nil {
		values = []interface{}{}
	}
	env := &Envelope{
		ContextResponses: []EnvelopeContextResponse{{
			ContextElement: EnvelopeContextElement{
				ID:         entityID,
				Type:       entityType,
				IsPattern:  false,
				Attributes: []EnvelopeAttribute{{Name: attrName, Values: values}},
			},
			StatusCode: EnvelopeStatusCode{Code: "200", ReasonPhrase: "OK"},
		}},
	}
	writeJSON(w, http.StatusOK, env)
}

// WriteValidationError emits the structured 400 body.
func WriteValidationError(w http.ResponseWriter, verr *ValidationError) {
	writeJSON(w, http.StatusBadRequest, map[string]*ValidationError{"validation": verr})
}

// WriteError emits a plain error body with the given status.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := jsoniter.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set(HeaderContentType, HeaderAcceptJSON)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// EchoCorrelator copies the correlator header from the request onto the
// response when the client sent one.
func EchoCorrelator(w http.ResponseWriter, r *http.Request, header string) {
	if header == "" {
		header = DefaultCorrelatorHeader
	}
	if c := r.Header.Get(header); c != "" {
		w.Header().Set(header, c)
	}
}
