package position

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
)

// Fix modes as reported by gpsd.
const (
	ModeUnknown = 0
	ModeNoFix   = 1
	Mode2D      = 2
	Mode3D      = 3
)

var ErrNotNumeric = errors.New("value is not numeric")

// Fix is the latest known position. Absent values are nil and encode as JSON null.
type Fix struct {
	Lat        *float64 `json:"lat"`
	Lon        *float64 `json:"lon"`
	Mode       int      `json:"mode"`
	Time       *string  `json:"time"`
	ReceivedAt *string  `json:"updated_at"`
}

// Valid reports whether the fix can be shown on a map.
func (f Fix) Valid() bool {
	return f.Mode >= Mode2D && f.Lat != nil && f.Lon != nil
}

func (f Fix) clone() Fix {
	out := Fix{Mode: f.Mode}
	if f.Lat != nil {
		v := *f.Lat
		out.Lat = &v
	}
	if f.Lon != nil {
		v := *f.Lon
		out.Lon = &v
	}
	if f.Time != nil {
		v := *f.Time
		out.Time = &v
	}
	if f.ReceivedAt != nil {
		v := *f.ReceivedAt
		out.ReceivedAt = &v
	}
	return out
}

// Store holds exactly one Fix. Set swaps the whole record so readers never see
// a mix of two fixes, and Get never waits on a writer.
type Store struct {
	cur atomic.Pointer[Fix]
}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) Set(f Fix) {
	c := f.clone()
	s.cur.Store(&c)
}

// Get returns a copy of the held fix, or the zero Fix before the first Set.
func (s *Store) Get() Fix {
	p := s.cur.Load()
	if p == nil {
		return Fix{}
	}
	return p.clone()
}

// Float coerces a decoded JSON value (number, json.Number or numeric string)
// to a finite float64.
func Float(v interface{}) (float64, error) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		p, err := strconv.ParseFloat(string(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrNotNumeric, string(x))
		}
		f = p
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrNotNumeric, x)
		}
		f = p
	default:
		return 0, fmt.Errorf("%w: %T", ErrNotNumeric, v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %v is not finite", ErrNotNumeric, f)
	}
	return f, nil
}

// Int coerces a decoded JSON value to an int. Floats are truncated.
func Int(v interface{}) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return int(i), nil
		}
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(x)); err == nil {
			return i, nil
		}
	}
	f, err := Float(v)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// FloatPtr and StringPtr are small helpers for building fixes.
func FloatPtr(v float64) *float64 { return &v }

func StringPtr(v string) *string { return &v }
