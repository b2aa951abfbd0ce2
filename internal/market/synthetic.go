package market

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Seed is one instrument the synthetic feed generates data for.
type Seed struct {
	Code string `yaml:"code" json:"code"`
	Name string `yaml:"name" json:"name"`
}

// PriceRange bounds the base price drawn for a segment.
type PriceRange struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

func DefaultSeeds() []Seed {
	return []Seed{
		{Code: "000001", Name: "平安银行"},
		{Code: "000333", Name: "美的集团"},
		{Code: "000651", Name: "格力电器"},
		{Code: "000858", Name: "五粮液"},
		{Code: "300059", Name: "东方财富"},
		{Code: "300122", Name: "智飞生物"},
		{Code: "600000", Name: "浦发银行"},
		{Code: "600036", Name: "招商银行"},
		{Code: "600519", Name: "贵州茅台"},
		{Code: "600887", Name: "伊利股份"},
		{Code: "601398", Name: "工商银行"},
		{Code: "601988", Name: "中国银行"},
		{Code: "688111", Name: "金山办公"},
		{Code: "688981", Name: "中芯国际"},
	}
}

func DefaultRanges() map[Segment]PriceRange {
	return map[Segment]PriceRange{
		SegmentUnknown:      {Min: 10, Max: 50},
		SegmentShanghaiMain: {Min: 10, Max: 50},
		SegmentShenzhenMain: {Min: 8, Max: 40},
		SegmentChiNext:      {Min: 30, Max: 80},
		SegmentSTAR:         {Min: 50, Max: 150},
	}
}

const maxSessionMinutes = 210

type SyntheticConfig struct {
	Seeds          []Seed
	Ranges         map[Segment]PriceRange
	CandleMargin   float64
	CandleCount    int
	SessionMinutes int
}

func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Seeds:          DefaultSeeds(),
		Ranges:         DefaultRanges(),
		CandleMargin:   0.03,
		CandleCount:    30,
		SessionMinutes: 120,
	}
}

type SyntheticOption func(*SyntheticSource)

// WithRand replaces the random source, mainly so tests can seed it.
func WithRand(r *rand.Rand) SyntheticOption {
	return func(s *SyntheticSource) {
		if r != nil {
			s.rng = r
		}
	}
}

func WithClock(now func() time.Time) SyntheticOption {
	return func(s *SyntheticSource) {
		if now != nil {
			s.now = now
		}
	}
}

// SyntheticSource regenerates a full trading session for every seed on each
// Fetch. Nothing carries over between calls.
type SyntheticSource struct {
	cfg SyntheticConfig
	now func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSyntheticSource(cfg SyntheticConfig, opts ...SyntheticOption) *SyntheticSource {
	def := DefaultSyntheticConfig()
	if cfg.Seeds == nil {
		cfg.Seeds = def.Seeds
	}
	ranges := def.Ranges
	for seg, r := range cfg.Ranges {
		if r.Min > 0 && r.Max >= r.Min {
			ranges[seg] = r
		}
	}
	cfg.Ranges = ranges
	if cfg.CandleMargin <= 0 {
		cfg.CandleMargin = def.CandleMargin
	}
	if cfg.CandleCount <= 0 {
		cfg.CandleCount = def.CandleCount
	}
	if cfg.SessionMinutes <= 0 {
		cfg.SessionMinutes = def.SessionMinutes
	}
	// the morning window must end before 13:00
	if cfg.SessionMinutes > maxSessionMinutes {
		cfg.SessionMinutes = maxSessionMinutes
	}
	s := &SyntheticSource{
		cfg: cfg,
		now: time.Now,
		rng: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SyntheticSource) Name() string {
	return "synthetic"
}

func (s *SyntheticSource) Fetch(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SourceError{Source: s.Name(), Err: err}
	}
	now := s.now()
	snap := NewSnapshot(now)
	snap.MarkRegenerated()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seed := range s.cfg.Seeds {
		if seed.Code == "" {
			continue
		}
		snap.Put(s.generate(seed, now))
	}
	return snap, nil
}

func (s *SyntheticSource) generate(seed Seed, now time.Time) Instrument {
	inst := NewInstrument(seed.Code, seed.Name)
	inst.UpdatedAt = now

	r := s.cfg.Ranges[inst.Segment]
	base := s.uniform(r.Min, r.Max)

	prevClose := base * (1 + s.uniform(-0.02, 0.02))
	current := prevClose * (1 + s.uniform(-0.10, 0.10))
	open := prevClose * (1 + s.uniform(-0.03, 0.03))
	high := max(current, open) * (1 + s.uniform(0, 0.05))
	low := min(current, open) * (1 - s.uniform(0, 0.05))
	volume := s.uniformInt(100_000, 10_000_000)

	inst.Quote = Quote{
		Current:   current,
		Open:      open,
		High:      high,
		Low:       low,
		PrevClose: prevClose,
		Volume:    volume,
		Amount:    float64(volume) * current,
		UpdatedAt: now,
	}
	inst.Candles = s.candles(prevClose, now)
	inst.Ticks = s.ticks(open, now)
	return inst
}

func (s *SyntheticSource) candles(prevClose float64, now time.Time) []Candle {
	n := s.cfg.CandleCount
	margin := s.cfg.CandleMargin
	start := now.AddDate(0, 0, -n)
	lastClose := prevClose * 0.9

	out := make([]Candle, 0, n)
	for i := 0; i < n; i++ {
		c := Candle{Time: start.AddDate(0, 0, i)}
		c.Open = lastClose * (1 + s.uniform(-0.01, 0.01))
		c.Close = lastClose * (1 + s.uniform(-0.05, 0.05))
		c.High = max(c.Open, c.Close) * (1 + s.uniform(0, margin))
		c.Low = min(c.Open, c.Close) * (1 - s.uniform(0, margin))
		c.Volume = s.uniformInt(500_000, 5_000_000)
		c.Amount = float64(c.Volume) * (c.High + c.Low) / 2
		out = append(out, c)
		lastClose = c.Close
	}
	return out
}

// ticks walks the price from open through the morning (09:30) and afternoon
// (13:00) windows of the session day.
func (s *SyntheticSource) ticks(open float64, now time.Time) []Tick {
	y, m, d := now.Date()
	windows := []time.Time{
		time.Date(y, m, d, 9, 30, 0, 0, now.Location()),
		time.Date(y, m, d, 13, 0, 0, 0, now.Location()),
	}
	n := s.cfg.SessionMinutes

	out := make([]Tick, 0, len(windows)*n)
	last := open
	for _, start := range windows {
		for i := 0; i < n; i++ {
			last = last * (1 + s.uniform(-0.005, 0.005))
			out = append(out, Tick{
				Time:   start.Add(time.Duration(i) * time.Minute),
				Price:  last,
				Volume: s.uniformInt(10_000, 100_000),
			})
		}
	}
	return out
}

func (s *SyntheticSource) uniform(lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + s.rng.Float64()*(hi-lo)
}

func (s *SyntheticSource) uniformInt(lo, hi int64) int64 {
	if hi <= lo {
		return lo
	}
	return lo + s.rng.Int64N(hi-lo)
}
