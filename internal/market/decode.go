package market

import (
	"context"
	"errors"
	"time"

	"github.com/tidwall/gjson"
)

var (
	ErrInvalidPayload = errors.New("invalid json payload")
	ErrMissingStocks  = errors.New("payload has no stocks array")
)

// Decode parses a feed payload of the form {"stocks":[{...}]}.
//
// Fields are read one by one: a missing or wrongly typed field keeps its
// zero value, and entries without a string code are skipped. Only a broken
// outer document fails the whole payload.
func Decode(payload []byte, now time.Time) (*Snapshot, error) {
	if !gjson.ValidBytes(payload) {
		return nil, ErrInvalidPayload
	}
	stocks := gjson.GetBytes(payload, "stocks")
	if !stocks.IsArray() {
		return nil, ErrMissingStocks
	}

	snap := NewSnapshot(now)
	stocks.ForEach(func(_, entry gjson.Result) bool {
		if !entry.IsObject() {
			return true
		}
		code := str(entry.Get("code"))
		if code == "" {
			return true
		}
		inst := NewInstrument(code, str(entry.Get("name")))
		inst.UpdatedAt = now
		inst.Quote = Quote{
			Current:   num(entry.Get("current")),
			Open:      num(entry.Get("open")),
			High:      num(entry.Get("high")),
			Low:       num(entry.Get("low")),
			PrevClose: num(entry.Get("previous")),
			Volume:    integer(entry.Get("volume")),
			Amount:    num(entry.Get("amount")),
			UpdatedAt: now,
		}
		snap.Put(inst)
		return true
	})
	return snap, nil
}

func str(r gjson.Result) string {
	if r.Type != gjson.String {
		return ""
	}
	return r.Str
}

func num(r gjson.Result) float64 {
	if r.Type != gjson.Number {
		return 0
	}
	return r.Num
}

func integer(r gjson.Result) int64 {
	if r.Type != gjson.Number {
		return 0
	}
	return r.Int()
}

// PayloadFunc loads one raw feed document.
type PayloadFunc func(ctx context.Context) ([]byte, error)

// DecodedSource turns raw payloads into snapshots.
type DecodedSource struct {
	name string
	load PayloadFunc
	now  func() time.Time
}

func NewDecodedSource(name string, load PayloadFunc) *DecodedSource {
	if name == "" {
		name = "decoded"
	}
	return &DecodedSource{name: name, load: load, now: time.Now}
}

func (s *DecodedSource) Name() string {
	return s.name
}

func (s *DecodedSource) Fetch(ctx context.Context) (*Snapshot, error) {
	if s.load == nil {
		return nil, sourceErr(s.name, "payload loader not configured")
	}
	payload, err := s.load(ctx)
	if err != nil {
		var se *SourceError
		if errors.As(err, &se) {
			return nil, se
		}
		return nil, &SourceError{Source: s.name, Err: err}
	}
	snap, err := Decode(payload, s.now())
	if err != nil {
		return nil, &SourceError{Source: s.name, Err: err}
	}
	return snap, nil
}
