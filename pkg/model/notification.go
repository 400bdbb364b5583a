package model

import (
	"strconv"
	"strings"
	"time"
)

// Notification is the NGSI v1 context-change payload pushed by the broker.
type Notification struct {
	SubscriptionID   string            `json:"subscriptionId"`
	Originator       string            `json:"originator"`
	ContextResponses []ContextResponse `json:"contextResponses"`
}

type ContextResponse struct {
	ContextElement ContextElement `json:"contextElement"`
	StatusCode     StatusCode     `json:"statusCode"`
}

type ContextElement struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	IsPattern  interface{} `json:"isPattern,omitempty"`
	Attributes []Attribute `json:"attributes"`
}

type Attribute struct {
	Name     string      `json:"name"`
	Type     string      `json:"type"`
	Value    interface{} `json:"value"`
	Metadata []Metadata  `json:"metadatas,omitempty"`
}

type Metadata struct {
	Name  string      `json:"name"`
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

type StatusCode struct {
	Code         string `json:"code"`
	ReasonPhrase string `json:"reasonPhrase"`
}

// TimeInstant is the metadata key whose value, when parseable, replaces the
// server receive time for that attribute's writes.
const TimeInstant = "TimeInstant"

// Observation is one flattened, aggregatable attribute of a notification.
type Observation struct {
	EntityID   string
	EntityType string
	AttrName   string
	AttrType   string

	Number  float64
	String  string
	Numeric bool

	// Time overrides recvTime when the attribute carried a TimeInstant.
	Time *time.Time
}

// Flatten walks the notification and keeps only aggregatable attributes:
// scalar string or number values, and, when ignoreBlanks is set, strings
// that are not blank once trimmed.
func (n *Notification) Flatten(ignoreBlanks bool) []Observation {
	var out []Observation
	for _, cr := range n.ContextResponses {
		ce := cr.ContextElement
		for _, attr := range ce.Attributes {
			obs := Observation{
				EntityID:   ce.ID,
				EntityType: ce.Type,
				AttrName:   attr.Name,
				AttrType:   attr.Type,
			}

			switch v := attr.Value.(type) {
			case float64:
				obs.Number = v
				obs.Numeric = true
			case string:
				// the broker serialises numbers as strings as well
				if f, ok := parseNumber(v); ok {
					obs.Number = f
					obs.Numeric = true
					break
				}
				if ignoreBlanks && strings.TrimSpace(v) == "" {
					continue
				}
				obs.String = v
			default:
				// arrays, objects and nulls are not aggregatable
				continue
			}

			if ts := attr.timeInstant(); ts != nil {
				obs.Time = ts
			}
			out = append(out, obs)
		}
	}
	return out
}

func (a *Attribute) timeInstant() *time.Time {
	for _, md := range a.Metadata {
		if md.Name != TimeInstant {
			continue
		}
		s, ok := md.Value.(string)
		if !ok {
			return nil
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z07:00"} {
			if ts, err := time.Parse(layout, s); err == nil {
				ts = ts.UTC()
				return &ts
			}
		}
		return nil
	}
	return nil
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
