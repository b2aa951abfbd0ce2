package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"quotedesk/internal/alert"
	"quotedesk/internal/market"
	"quotedesk/internal/notify"
	"quotedesk/internal/store"
)

const (
	RuleBreadth      = "BREADTH"
	RulePriceLimit   = "PRICE_LIMIT"
	RuleSharpMove    = "SHARP_MOVE"
	RulePanicDrop    = "PANIC_DROP"
	RuleVolumeSpike  = "VOLUME_SPIKE"
	RuleKeyBreakDown = "KEY_BREAK_DOWN"

	marketCode = "market"
)

type Config struct {
	Breadth       BreadthConfig
	PriceLimit    PriceLimitConfig
	SharpMove     SharpMoveConfig
	PanicDrop     PanicDropConfig
	VolumeSpike   VolumeSpikeConfig
	KeyBreakDown  KeyBreakDownConfig
	WindowMaxKeep int
	CooldownSec   CooldownConfig
}

// BreadthConfig thresholds are the share of decliners, in percent.
type BreadthConfig struct {
	MinInstruments int
	MedPct         float64
	HighPct        float64
}

// PriceLimitConfig holds the daily limits per board. A move within
// TolerancePct of the limit counts as touching it.
type PriceLimitConfig struct {
	MainPct      float64
	GrowthPct    float64
	TolerancePct float64
}

type SharpMoveConfig struct {
	MedPct  float64
	HighPct float64
}

type PanicDropConfig struct {
	WindowSec int
	MedPct    float64
	HighPct   float64
}

type VolumeSpikeConfig struct {
	MaPoints int
	Ratio    float64
}

type KeyBreakDownConfig struct {
	Levels   map[string]float64
	Priority string // med/high
}

type CooldownConfig struct {
	Breadth      int
	PriceLimit   int
	SharpMove    int
	PanicDrop    int
	VolumeSpike  int
	KeyBreakDown int
}

type point struct {
	TS     int64
	Price  float64
	Volume float64
}

// Engine evaluates every published snapshot against the alert rules. Each
// rule fires at most once per cooldown for a code and severity; cooldowns
// run on snapshot time.
type Engine struct {
	cfg     Config
	store   *store.Store
	alerter alert.Handler
	logger  *slog.Logger
	timeout time.Duration

	mu       sync.Mutex
	windows  map[string][]point
	cooldown map[string]int64
}

func New(cfg Config, st *store.Store, alerter alert.Handler, logger *slog.Logger) *Engine {
	if cfg.Breadth.MinInstruments <= 0 {
		cfg.Breadth.MinInstruments = 5
	}
	if cfg.PriceLimit.MainPct <= 0 {
		cfg.PriceLimit.MainPct = 10
	}
	if cfg.PriceLimit.GrowthPct <= 0 {
		cfg.PriceLimit.GrowthPct = 20
	}
	if cfg.PanicDrop.WindowSec <= 0 {
		cfg.PanicDrop.WindowSec = 300
	}
	if cfg.VolumeSpike.MaPoints <= 1 {
		cfg.VolumeSpike.MaPoints = 5
	}
	if cfg.VolumeSpike.Ratio <= 0 {
		cfg.VolumeSpike.Ratio = 3.0
	}
	if cfg.KeyBreakDown.Priority == "" {
		cfg.KeyBreakDown.Priority = "med"
	}
	if cfg.WindowMaxKeep <= 0 {
		cfg.WindowMaxKeep = 200
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		cfg:      cfg,
		store:    st,
		alerter:  alerter,
		logger:   logger.With(slog.String("component", "engine")),
		timeout:  5 * time.Second,
		windows:  make(map[string][]point),
		cooldown: make(map[string]int64),
	}
}

func (e *Engine) Attach(bus *notify.Bus) func() {
	return bus.Subscribe("engine", e.OnRefresh)
}

func (e *Engine) OnRefresh(evt notify.Event) {
	if evt.Snapshot == nil {
		return
	}
	ts := evt.Timestamp.Unix()
	insts := evt.Snapshot.Instruments()

	// a regenerated session has no continuity with the last one, so it
	// neither feeds nor triggers the rolling-window rules
	windowed := !evt.Snapshot.Regenerated()

	e.ruleBreadth(ts, insts)
	for _, inst := range insts {
		if inst.Quote.Current <= 0 {
			continue
		}
		if !e.rulePriceLimit(ts, inst) {
			e.ruleSharpMove(ts, inst)
		}
		if windowed {
			window := e.push(inst.Code, point{TS: ts, Price: inst.Quote.Current, Volume: float64(inst.Quote.Volume)})
			e.rulePanicDrop(ts, inst, window)
			e.ruleVolumeSpike(ts, inst, window)
		}
		e.ruleKeyBreakDown(ts, inst)
	}
}

func (e *Engine) push(code string, p point) []point {
	e.mu.Lock()
	defer e.mu.Unlock()
	window := append(e.windows[code], p)
	if len(window) > e.cfg.WindowMaxKeep {
		window = window[len(window)-e.cfg.WindowMaxKeep:]
	}
	e.windows[code] = window
	out := make([]point, len(window))
	copy(out, window)
	return out
}

func (e *Engine) ruleBreadth(ts int64, insts []market.Instrument) {
	var total, down int
	for _, inst := range insts {
		if inst.Quote.PrevClose <= 0 {
			continue
		}
		total++
		if inst.Quote.Current < inst.Quote.PrevClose {
			down++
		}
	}
	if total < e.cfg.Breadth.MinInstruments {
		return
	}
	share := float64(down) / float64(total) * 100
	severity, threshold := grade(share, e.cfg.Breadth.MedPct, e.cfg.Breadth.HighPct)
	if severity == "" || !e.checkCooldown(RuleBreadth, marketCode, severity, ts, e.cfg.CooldownSec.Breadth) {
		return
	}
	e.emit(RuleBreadth, severity, ts, market.Instrument{Code: marketCode}, map[string]any{
		"decliners":   down,
		"instruments": total,
		"decline_pct": round2(share),
		"threshold":   threshold,
	})
}

// limitPct returns the daily limit for the board the instrument trades on.
func (e *Engine) limitPct(seg market.Segment) float64 {
	switch seg {
	case market.SegmentChiNext, market.SegmentSTAR:
		return e.cfg.PriceLimit.GrowthPct
	default:
		return e.cfg.PriceLimit.MainPct
	}
}

// rulePriceLimit reports whether the instrument is at its limit, whether or
// not the alert was still cooling down.
func (e *Engine) rulePriceLimit(ts int64, inst market.Instrument) bool {
	if inst.Quote.PrevClose <= 0 {
		return false
	}
	limit := e.limitPct(inst.Segment)
	edge := limit - e.cfg.PriceLimit.TolerancePct
	cp := inst.Quote.ChangePercent()
	var direction string
	switch {
	case cp >= edge:
		direction = "up"
	case cp <= -edge:
		direction = "down"
	default:
		return false
	}
	if e.checkCooldown(RulePriceLimit+":"+direction, inst.Code, "high", ts, e.cfg.CooldownSec.PriceLimit) {
		e.emit(RulePriceLimit, "high", ts, inst, map[string]any{
			"direction":  direction,
			"change_pct": round2(cp),
			"limit_pct":  limit,
		})
	}
	return true
}

func (e *Engine) ruleSharpMove(ts int64, inst market.Instrument) {
	if inst.Quote.PrevClose <= 0 {
		return
	}
	cp := inst.Quote.ChangePercent()
	severity, threshold := grade(math.Abs(cp), e.cfg.SharpMove.MedPct, e.cfg.SharpMove.HighPct)
	if severity == "" || !e.checkCooldown(RuleSharpMove, inst.Code, severity, ts, e.cfg.CooldownSec.SharpMove) {
		return
	}
	direction := "up"
	if cp < 0 {
		direction = "down"
	}
	e.emit(RuleSharpMove, severity, ts, inst, map[string]any{
		"direction":  direction,
		"change_pct": round2(cp),
		"threshold":  threshold,
	})
}

func (e *Engine) rulePanicDrop(ts int64, inst market.Instrument, window []point) {
	if len(window) < 2 {
		return
	}
	cutoff := ts - int64(e.cfg.PanicDrop.WindowSec)
	maxPrice := 0.0
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].TS < cutoff {
			break
		}
		maxPrice = max(maxPrice, window[i].Price)
	}
	if maxPrice <= 0 {
		return
	}
	drawdown := (inst.Quote.Current - maxPrice) / maxPrice * 100
	severity, threshold := grade(-drawdown, e.cfg.PanicDrop.MedPct, e.cfg.PanicDrop.HighPct)
	if severity == "" || !e.checkCooldown(RulePanicDrop, inst.Code, severity, ts, e.cfg.CooldownSec.PanicDrop) {
		return
	}
	e.emit(RulePanicDrop, severity, ts, inst, map[string]any{
		"drawdown_pct": round2(drawdown),
		"window_sec":   e.cfg.PanicDrop.WindowSec,
		"threshold":    threshold,
	})
}

func (e *Engine) ruleVolumeSpike(ts int64, inst market.Instrument, window []point) {
	if len(window) < e.cfg.VolumeSpike.MaPoints {
		return
	}
	var sum float64
	var count int
	for _, p := range window[len(window)-e.cfg.VolumeSpike.MaPoints : len(window)-1] { // exclude current
		if p.Volume > 0 {
			sum += p.Volume
			count++
		}
	}
	if count == 0 {
		return
	}
	avg := sum / float64(count)
	ratio := float64(inst.Quote.Volume) / avg
	if ratio < e.cfg.VolumeSpike.Ratio || !e.checkCooldown(RuleVolumeSpike, inst.Code, "med", ts, e.cfg.CooldownSec.VolumeSpike) {
		return
	}
	e.emit(RuleVolumeSpike, "med", ts, inst, map[string]any{"ratio": round2(ratio), "avg": math.Round(avg)})
}

func (e *Engine) ruleKeyBreakDown(ts int64, inst market.Instrument) {
	level, ok := e.cfg.KeyBreakDown.Levels[inst.Code]
	if !ok || inst.Quote.Current >= level {
		return
	}
	severity := strings.ToLower(e.cfg.KeyBreakDown.Priority)
	if severity != "high" {
		severity = "med"
	}
	if !e.checkCooldown(RuleKeyBreakDown, inst.Code, severity, ts, e.cfg.CooldownSec.KeyBreakDown) {
		return
	}
	e.emit(RuleKeyBreakDown, severity, ts, inst, map[string]any{"level": level})
}

// grade maps a magnitude onto med/high. A zero threshold disables that
// severity.
func grade(v, med, high float64) (string, float64) {
	switch {
	case high > 0 && v >= high:
		return "high", high
	case med > 0 && v >= med:
		return "med", med
	default:
		return "", 0
	}
}

func (e *Engine) emit(rule, severity string, ts int64, inst market.Instrument, evidence map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	dedupKey := fmt.Sprintf("%s:%s:%s:%s", rule, inst.Code, evidenceTag(evidence), severity)
	mergeKey := "quote:" + inst.Code
	title := buildEventTitle(rule, inst, evidence)
	evidenceJSON, _ := json.Marshal(evidence)

	rec := store.EventRecord{
		TS:           ts,
		Type:         rule,
		Severity:     severity,
		Code:         inst.Code,
		GroupName:    groupFor(rule),
		Title:        title,
		DedupKey:     dedupKey,
		MergeKey:     mergeKey,
		EvidenceJSON: string(evidenceJSON),
	}
	if _, err := e.store.InsertEvent(ctx, rec); err != nil {
		e.logger.Error("insert event failed", slog.String("rule", rule), slog.Any("error", err))
	}
	e.logger.Info("rule fired",
		slog.String("rule", rule),
		slog.String("code", inst.Code),
		slog.String("severity", severity),
	)

	if e.alerter == nil {
		return
	}
	res := e.alerter.Handle(ctx, alert.AlertRequest{
		Priority: alert.Priority(severity),
		Group:    rec.GroupName,
		Title:    title,
		Markdown: buildMarkdown(rule, inst, evidence),
		DedupKey: dedupKey,
		MergeKey: mergeKey,
	})
	if res.Error != nil {
		e.logger.Warn("alert handle failed", slog.String("rule", rule), slog.Any("error", res.Error))
	}
}

func groupFor(rule string) string {
	if rule == RuleBreadth {
		return "breadth"
	}
	return "quote"
}

func evidenceTag(evidence map[string]any) string {
	if v, ok := evidence["direction"]; ok {
		return fmt.Sprintf("%v", v)
	}
	if v, ok := evidence["window_sec"]; ok {
		return fmt.Sprintf("w%v", v)
	}
	if v, ok := evidence["level"]; ok {
		return fmt.Sprintf("lvl%v", v)
	}
	if v, ok := evidence["threshold"]; ok {
		return fmt.Sprintf("thr%v", v)
	}
	return "base"
}

func buildMarkdown(rule string, inst market.Instrument, evidence map[string]any) string {
	lines := []string{fmt.Sprintf("**%s**", rule)}
	if inst.Code != marketCode {
		lines = append(lines,
			fmt.Sprintf("- code: %s %s", inst.Code, inst.Name),
			fmt.Sprintf("- segment: %s", inst.Segment),
			fmt.Sprintf("- price: %.2f", inst.Quote.Current),
			fmt.Sprintf("- change_pct: %.2f", inst.Quote.ChangePercent()),
			fmt.Sprintf("- volume: %d", inst.Quote.Volume),
		)
	}
	keys := make([]string, 0, len(evidence))
	for k := range evidence {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("- %s: %v", k, evidence[k]))
	}
	return strings.Join(lines, "\n")
}

func buildEventTitle(rule string, inst market.Instrument, evidence map[string]any) string {
	switch rule {
	case RuleBreadth:
		return fmt.Sprintf("Market breadth weak: %v%% decliners", evidence["decline_pct"])
	case RulePriceLimit:
		return fmt.Sprintf("%s %s limit %s (%+.2f%%)", inst.Code, inst.Name, evidence["direction"], inst.Quote.ChangePercent())
	case RuleSharpMove:
		return fmt.Sprintf("%s %s sharp move %+.2f%%", inst.Code, inst.Name, inst.Quote.ChangePercent())
	case RulePanicDrop:
		return fmt.Sprintf("%s %s PANIC_DROP drawdown=%v window_sec=%v", inst.Code, inst.Name, evidence["drawdown_pct"], evidence["window_sec"])
	}
	return fmt.Sprintf("%s %s %s", inst.Code, inst.Name, rule)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func (e *Engine) checkCooldown(rule, code, severity string, now int64, cooldownSec int) bool {
	if cooldownSec <= 0 {
		return true
	}
	key := fmt.Sprintf("%s:%s:%s", rule, code, severity)
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.cooldown[key]; ok && now-last < int64(cooldownSec) {
		return false
	}
	e.cooldown[key] = now
	return true
}
