package briefagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"quotedesk/internal/market"
)

const (
	BiasBullish = "bullish"
	BiasBearish = "bearish"
	BiasNeutral = "neutral"

	ModeLLM      = "llm"
	ModeFallback = "fallback"
)

type Config struct {
	Enabled    bool
	Model      string
	APIKey     string
	BaseURL    string
	ByAzure    bool
	APIVersion string
	TimeoutMs  int
	TopN       int
}

// Generator is the part of an eino chat model the agent uses.
//
//go:generate mockgen -package=briefagent_test -destination=mock_generator_test.go -source=agent.go Generator
type Generator interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

type Mover struct {
	Code      string  `json:"code"`
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	ChangePct float64 `json:"change_pct"`
}

// Brief summarizes one snapshot of the market.
type Brief struct {
	Mode        string    `json:"mode"`
	Model       string    `json:"model,omitempty"`
	AsOf        time.Time `json:"as_of"`
	Instruments int       `json:"instruments"`
	Advancers   int       `json:"advancers"`
	Decliners   int       `json:"decliners"`
	Unchanged   int       `json:"unchanged"`
	Bias        string    `json:"bias"`
	TopGainers  []Mover   `json:"top_gainers"`
	TopLosers   []Mover   `json:"top_losers"`
	Summary     string    `json:"summary"`
	Highlights  []string  `json:"highlights"`
}

type Agent struct {
	model          Generator
	modelName      string
	topN           int
	disabledReason string
	logger         *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "briefagent"))
	a := &Agent{topN: cfg.TopN, logger: logger}
	if a.topN <= 0 {
		a.topN = 3
	}
	if !cfg.Enabled {
		a.disabledReason = "disabled by config"
		return a
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Model == "" {
		cfg.Model = os.Getenv("OPENAI_MODEL")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if cfg.APIKey == "" || cfg.Model == "" {
		logger.Warn("brief agent disabled: missing api key or model")
		a.disabledReason = "api_key or model missing"
		return a
	}

	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cm, err := openai.NewChatModel(context.Background(), &openai.ChatModelConfig{
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		BaseURL:    cfg.BaseURL,
		ByAzure:    cfg.ByAzure,
		APIVersion: cfg.APIVersion,
		Timeout:    timeout,
	})
	if err != nil {
		logger.Error("brief agent init failed", slog.Any("error", err))
		a.disabledReason = "init failed"
		return a
	}
	a.model = cm
	a.modelName = cfg.Model
	return a
}

// NewWithModel builds an agent around an existing chat model.
func NewWithModel(gen Generator, modelName string, topN int, logger *slog.Logger) *Agent {
	a := New(Config{TopN: topN}, logger)
	a.model = gen
	a.modelName = modelName
	a.disabledReason = ""
	return a
}

func (a *Agent) Enabled() bool {
	return a != nil && a.model != nil
}

func (a *Agent) Ping(ctx context.Context) (map[string]any, error) {
	if !a.Enabled() {
		reason := "not configured"
		if a != nil && a.disabledReason != "" {
			reason = a.disabledReason
		}
		return map[string]any{"ok": true, "mode": ModeFallback, "reason": reason}, nil
	}
	start := time.Now()
	_, err := a.model.Generate(ctx, []*schema.Message{
		schema.SystemMessage("Return ONLY valid JSON: {\"ok\":true}. No other text."),
		schema.UserMessage("ping"),
	})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		a.logLLMError(err)
		return map[string]any{"ok": true, "mode": ModeFallback, "reason": "llm error"}, err
	}
	return map[string]any{"ok": true, "mode": ModeLLM, "model": a.modelName, "latency_ms": latency}, nil
}

// Brief describes snap. When the model fails the deterministic brief is
// returned together with the error.
func (a *Agent) Brief(ctx context.Context, snap *market.Snapshot) (Brief, error) {
	topN := 3
	if a != nil {
		topN = a.topN
	}
	fb := Fallback(snap, topN)
	if !a.Enabled() || fb.Instruments == 0 {
		return fb, nil
	}

	payload, _ := json.Marshal(fb)
	system := `You are BriefAgent for the China A-share market. Output ONLY valid JSON.
Keys: summary (one or two sentences), bias (bullish|bearish|neutral), highlights (1-3 short strings).
Describe only what the data shows. No buy/sell advice, no forecasts.`
	resp, err := a.model.Generate(ctx, []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(fmt.Sprintf("Snapshot: %s", payload)),
	})
	if err != nil {
		a.logLLMError(err)
		return fb, err
	}

	out, err := parseReply(strings.TrimSpace(resp.Content))
	if err != nil {
		return fb, err
	}
	brief := fb
	brief.Mode = ModeLLM
	brief.Model = a.modelName
	if out.Summary != "" {
		brief.Summary = out.Summary
	}
	if b := strings.ToLower(out.Bias); b == BiasBullish || b == BiasBearish || b == BiasNeutral {
		brief.Bias = b
	}
	if len(out.Highlights) > 0 {
		brief.Highlights = trimList(out.Highlights, 3)
	}
	return brief, nil
}

// Fallback builds a brief from breadth and the largest movers alone.
func Fallback(snap *market.Snapshot, topN int) Brief {
	brief := Brief{
		Mode:       ModeFallback,
		Bias:       BiasNeutral,
		TopGainers: []Mover{},
		TopLosers:  []Mover{},
		Highlights: []string{},
	}
	if snap == nil || snap.Len() == 0 {
		brief.Summary = "No quotes available yet."
		return brief
	}
	brief.AsOf = snap.UpdatedAt()

	var movers []Mover
	for _, inst := range snap.Instruments() {
		if inst.Quote.PrevClose <= 0 {
			continue
		}
		cp := inst.Quote.ChangePercent()
		switch {
		case cp > 0:
			brief.Advancers++
		case cp < 0:
			brief.Decliners++
		default:
			brief.Unchanged++
		}
		movers = append(movers, Mover{Code: inst.Code, Name: inst.Name, Price: inst.Quote.Current, ChangePct: round2(cp)})
	}
	brief.Instruments = len(movers)
	brief.Bias = bias(brief.Advancers, brief.Decliners)

	sort.SliceStable(movers, func(i, j int) bool { return movers[i].ChangePct > movers[j].ChangePct })
	for _, m := range movers {
		if len(brief.TopGainers) == topN || m.ChangePct <= 0 {
			break
		}
		brief.TopGainers = append(brief.TopGainers, m)
	}
	for i := len(movers) - 1; i >= 0; i-- {
		m := movers[i]
		if len(brief.TopLosers) == topN || m.ChangePct >= 0 {
			break
		}
		brief.TopLosers = append(brief.TopLosers, m)
	}

	brief.Summary = fmt.Sprintf("%d advancers, %d decliners, %d unchanged across %d instruments; market bias %s.",
		brief.Advancers, brief.Decliners, brief.Unchanged, brief.Instruments, brief.Bias)
	if len(brief.TopGainers) > 0 {
		g := brief.TopGainers[0]
		brief.Highlights = append(brief.Highlights, fmt.Sprintf("top gainer %s %s %+.2f%%", g.Code, g.Name, g.ChangePct))
	}
	if len(brief.TopLosers) > 0 {
		l := brief.TopLosers[0]
		brief.Highlights = append(brief.Highlights, fmt.Sprintf("top loser %s %s %+.2f%%", l.Code, l.Name, l.ChangePct))
	}
	return brief
}

// bias leans one way when that side holds at least 60% of the movers.
func bias(up, down int) string {
	total := up + down
	if total == 0 {
		return BiasNeutral
	}
	switch {
	case float64(up) >= 0.6*float64(total):
		return BiasBullish
	case float64(down) >= 0.6*float64(total):
		return BiasBearish
	default:
		return BiasNeutral
	}
}

type reply struct {
	Summary    string   `json:"summary"`
	Bias       string   `json:"bias"`
	Highlights []string `json:"highlights"`
}

func parseReply(text string) (reply, error) {
	var out reply
	if err := json.Unmarshal([]byte(text), &out); err == nil {
		return out, nil
	}
	jsonStr := extractFirstJSONObject(text)
	if jsonStr == "" {
		return reply{}, errors.New("no json object found")
	}
	if err := json.Unmarshal([]byte(jsonStr), &out); err != nil {
		return reply{}, fmt.Errorf("parse brief: %w", err)
	}
	return out, nil
}

func extractFirstJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func trimList(in []string, n int) []string {
	if len(in) > n {
		return in[:n]
	}
	return in
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func (a *Agent) logLLMError(err error) {
	apiErr := &openai.APIError{}
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if len(msg) > 300 {
			msg = msg[:300] + "..."
		}
		a.logger.Warn("llm api error", slog.Int("status", apiErr.HTTPStatusCode), slog.String("message", msg))
		return
	}
	a.logger.Warn("llm error", slog.Any("error", err))
}
