package market

import (
	"fmt"
	"strings"
	"time"
)

type Segment int

const (
	SegmentUnknown Segment = iota
	SegmentShanghaiMain
	SegmentShenzhenMain
	SegmentChiNext
	SegmentSTAR
)

var segmentNames = map[Segment]string{
	SegmentUnknown:      "unknown",
	SegmentShanghaiMain: "sh_main",
	SegmentShenzhenMain: "sz_main",
	SegmentChiNext:      "chinext",
	SegmentSTAR:         "star",
}

func (s Segment) String() string {
	if name, ok := segmentNames[s]; ok {
		return name
	}
	return segmentNames[SegmentUnknown]
}

// MarshalText lets segments be used as yaml/json map keys and values.
func (s Segment) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Segment) UnmarshalText(b []byte) error {
	seg, ok := ParseSegment(string(b))
	if !ok {
		return fmt.Errorf("unknown segment %q", string(b))
	}
	*s = seg
	return nil
}

// ParseSegment maps a segment name back to its value. Unknown names yield
// SegmentUnknown and false.
func ParseSegment(name string) (Segment, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for seg, n := range segmentNames {
		if n == name {
			return seg, true
		}
	}
	return SegmentUnknown, false
}

// Segments lists every known segment in declaration order.
func Segments() []Segment {
	return []Segment{SegmentUnknown, SegmentShanghaiMain, SegmentShenzhenMain, SegmentChiNext, SegmentSTAR}
}

var segmentPrefixes = []struct {
	prefix  string
	segment Segment
}{
	{"60", SegmentShanghaiMain},
	{"00", SegmentShenzhenMain},
	{"30", SegmentChiNext},
	{"68", SegmentSTAR},
}

// Classify derives the market segment from the code prefix. First match wins.
func Classify(code string) Segment {
	for _, p := range segmentPrefixes {
		if strings.HasPrefix(code, p.prefix) {
			return p.segment
		}
	}
	return SegmentUnknown
}

type Quote struct {
	Current   float64   `json:"current"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	PrevClose float64   `json:"prev_close"`
	Volume    int64     `json:"volume"`
	Amount    float64   `json:"amount"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (q Quote) Change() float64 {
	return q.Current - q.PrevClose
}

func (q Quote) ChangePercent() float64 {
	if q.PrevClose <= 0 {
		return 0
	}
	return (q.Current - q.PrevClose) / q.PrevClose * 100
}

// Candle is one historical period.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
	Amount float64   `json:"amount"`
}

// Valid reports whether the high/low bounds enclose open and close.
func (c Candle) Valid() bool {
	return c.High >= max(c.Open, c.Close) && c.Low <= min(c.Open, c.Close) && c.Volume >= 0
}

// Tick is one intraday sample.
type Tick struct {
	Time   time.Time `json:"time"`
	Price  float64   `json:"price"`
	Volume int64     `json:"volume"`
}

type Instrument struct {
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Segment   Segment   `json:"segment"`
	Quote     Quote     `json:"quote"`
	Candles   []Candle  `json:"candles,omitempty"`
	Ticks     []Tick    `json:"ticks,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewInstrument builds a record with its segment derived from code.
func NewInstrument(code, name string) Instrument {
	return Instrument{Code: code, Name: name, Segment: Classify(code)}
}

func (i Instrument) Clone() Instrument {
	out := i
	if i.Candles != nil {
		out.Candles = append([]Candle(nil), i.Candles...)
	}
	if i.Ticks != nil {
		out.Ticks = append([]Tick(nil), i.Ticks...)
	}
	return out
}
