package sthdb

import (
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// Value is a scalar attribute value: either a number or a string. It
// round-trips through JSON in its original form.
type Value struct {
	Number  float64
	String  string
	Numeric bool
}

// NumberValue builds a numeric Value.
func NumberValue(f float64) Value {
	return Value{Number: f, Numeric: true}
}

// StringValue builds a textual Value.
func StringValue(s string) Value {
	return Value{String: s}
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.Numeric {
		return []byte(strconv.FormatFloat(v.Number, 'f', -1, 64)), nil
	}
	return jsoniter.Marshal(v.String)
}

func (v *Value) UnmarshalJSON(b []byte) error {
	var decoded interface{}
	if err := jsoniter.Unmarshal(b, &decoded); err != nil {
		return err
	}
	switch x := decoded.(type) {
	case float64:
		*v = NumberValue(x)
	case string:
		*v = StringValue(x)
	default:
		*v = StringValue(string(b))
	}
	return nil
}

// Event is one observation as received. RecvTime is the server-side receive
// time of the notification, not the upstream timestamp. Events are immutable
// once written.
type Event struct {
	RecvTime   time.Time `json:"recvTime"`
	EntityID   string    `json:"entityId"`
	EntityType string    `json:"entityType"`
	AttrName   string    `json:"attrName"`
	AttrType   string    `json:"attrType"`
	AttrValue  Value     `json:"attrValue"`
}

// Point is one sub-unit cell of a bucket. Numeric attributes fill the
// statistical fields, string attributes fill Occur.
type Point struct {
	Samples int            `json:"samples"`
	Sum     float64        `json:"sum,omitempty"`
	Sum2    float64        `json:"sum2,omitempty"`
	Min     float64        `json:"min,omitempty"`
	Max     float64        `json:"max,omitempty"`
	Occur   map[string]int `json:"occur,omitempty"`
}

// Bucket holds all sub-unit aggregates of one resolution for one parent-unit
// origin. Points always has Resolution.Slots() entries; a slot with zero
// samples is equivalent to absent.
type Bucket struct {
	EntityID   string     `json:"entityId"`
	EntityType string     `json:"entityType"`
	AttrName   string     `json:"attrName"`
	Resolution Resolution `json:"resolution"`
	Origin     time.Time  `json:"origin"`
	Numeric    bool       `json:"numeric"`
	Points     []Point    `json:"points"`
}

func newBucket(e Event, r Resolution) *Bucket {
	return &Bucket{
		EntityID:   e.EntityID,
		EntityType: e.EntityType,
		AttrName:   e.AttrName,
		Resolution: r,
		Origin:     r.Origin(e.RecvTime),
		Numeric:    e.AttrValue.Numeric,
		Points:     make([]Point, r.Slots()),
	}
}

// apply folds one observation into its slot. Slot updates are commutative,
// so concurrent events on the same slot may land in either order.
func (b *Bucket) apply(e Event) {
	p := &b.Points[b.Resolution.Slot(e.RecvTime)]
	if b.Numeric {
		v := e.AttrValue.Number
		if p.Samples == 0 {
			p.Min = v
			p.Max = v
		} else {
			if v < p.Min {
				p.Min = v
			}
			if v > p.Max {
				p.Max = v
			}
		}
		p.Samples++
		p.Sum += v
		p.Sum2 += v * v
		return
	}

	if p.Occur == nil {
		p.Occur = make(map[string]int)
	}
	p.Samples++
	p.Occur[e.AttrValue.String]++
}
