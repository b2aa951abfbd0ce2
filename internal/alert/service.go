package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"quotedesk/internal/push/dingtalk"
	"quotedesk/internal/store"
)

type Priority string

const (
	PriorityHigh Priority = "high"
	PriorityMed  Priority = "med"
	PriorityLow  Priority = "low"
)

type AlertRequest struct {
	Priority Priority `json:"priority"`
	Group    string   `json:"group"`
	Title    string   `json:"title"`
	Markdown string   `json:"markdown"`
	DedupKey string   `json:"dedup_key"`
	MergeKey string   `json:"merge_key"`
	Silent   bool     `json:"silent"`
}

type Status string

const (
	StatusSent          Status = "sent"
	StatusSuppressed    Status = "suppressed"
	StatusQueuedDigest  Status = "queued_digest"
	StatusMergedPending Status = "merged_pending"
)

type Result struct {
	Status          Status
	Error           error
	DingTalkErrCode int
	DingTalkErrMsg  string
}

// Sender delivers a rendered alert.
//
//go:generate mockgen -package=alert_test -destination=mock_sender_test.go -source=service.go Sender
type Sender interface {
	SendMarkdown(ctx context.Context, title, markdown string) (*dingtalk.Response, error)
}

type Config struct {
	RateLimit         RateLimitConfig
	DedupWindow       time.Duration
	MergeWindow       time.Duration
	LowDigestInterval time.Duration
	// HighPriorityWait bounds how long a high alert waits for the limiter
	// before it falls back to the digest.
	HighPriorityWait time.Duration
}

type RateLimitConfig struct {
	PerMinute int
	Burst     int
}

// Service sits between alert producers and the push channel: it drops
// duplicates, merges bursts per key, rate limits and batches low priority
// alerts into a periodic digest.
type Service struct {
	sender  Sender
	cfg     Config
	limiter *rate.Limiter
	store   *store.Store
	logger  *slog.Logger
	now     func() time.Time
	observe func(Status)

	dedupMu sync.Mutex
	dedup   map[string]time.Time

	mergeMu sync.Mutex
	merge   map[string]*mergeState

	digestMu sync.Mutex
	digest   map[string][]AlertRequest

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type mergeState struct {
	alerts []AlertRequest
	timer  *time.Timer
}

func NewService(sender Sender, st *store.Store, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HighPriorityWait <= 0 {
		cfg.HighPriorityWait = 2 * time.Second
	}
	s := &Service{
		sender:  sender,
		cfg:     cfg,
		limiter: newLimiter(cfg.RateLimit),
		store:   st,
		logger:  logger.With(slog.String("component", "alert")),
		now:     time.Now,
		dedup:   make(map[string]time.Time),
		merge:   make(map[string]*mergeState),
		digest:  make(map[string][]AlertRequest),
		stopCh:  make(chan struct{}),
	}
	if cfg.LowDigestInterval > 0 {
		s.wg.Add(1)
		go s.runDigestLoop()
	}
	return s
}

// newLimiter returns nil, meaning unlimited, when no rate is configured.
func newLimiter(cfg RateLimitConfig) *rate.Limiter {
	if cfg.PerMinute <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.PerMinute
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.PerMinute)), burst)
}

// SetObserver registers fn to be told the outcome of every request.
func (s *Service) SetObserver(fn func(Status)) {
	s.observe = fn
}

// Close stops the digest loop, flushing what is queued, and drops pending
// merges.
func (s *Service) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.mergeMu.Lock()
		for key, state := range s.merge {
			state.timer.Stop()
			delete(s.merge, key)
		}
		s.mergeMu.Unlock()
	})
}

func (s *Service) Handle(ctx context.Context, req AlertRequest) Result {
	req = normalize(req)
	if req.Silent || s.isDeduped(req) {
		res := Result{Status: StatusSuppressed}
		s.recordAlert(ctx, req, res, "")
		return res
	}

	if req.MergeKey != "" && s.cfg.MergeWindow > 0 {
		s.enqueueMerge(req)
		res := Result{Status: StatusMergedPending}
		s.recordAlert(ctx, req, res, "")
		return res
	}

	res, payload := s.handleSendOrDigest(ctx, req)
	s.recordAlert(ctx, req, res, payload)
	return res
}

func (s *Service) handleSendOrDigest(ctx context.Context, req AlertRequest) (Result, string) {
	if req.Priority == PriorityLow && s.cfg.LowDigestInterval > 0 {
		s.addDigest(req)
		return Result{Status: StatusQueuedDigest}, ""
	}

	if s.limiter == nil || s.limiter.Allow() {
		return s.sendNow(ctx, req), req.Markdown
	}

	if req.Priority == PriorityHigh {
		waitCtx, cancel := context.WithTimeout(ctx, s.cfg.HighPriorityWait)
		err := s.limiter.Wait(waitCtx)
		cancel()
		if err == nil {
			return s.sendNow(ctx, req), req.Markdown
		}
	}

	s.addDigest(req)
	return Result{Status: StatusQueuedDigest}, ""
}

func (s *Service) sendNow(ctx context.Context, req AlertRequest) Result {
	if s.sender == nil {
		return Result{Status: StatusSent, Error: fmt.Errorf("alert sender not configured")}
	}
	resp, err := s.sender.SendMarkdown(ctx, req.Title, req.Markdown)
	if err != nil {
		return Result{Status: StatusSent, Error: err}
	}
	if resp.ErrCode != 0 {
		return Result{
			Status:          StatusSent,
			DingTalkErrCode: resp.ErrCode,
			DingTalkErrMsg:  resp.ErrMsg,
			Error:           fmt.Errorf("dingtalk errcode=%d errmsg=%s", resp.ErrCode, resp.ErrMsg),
		}
	}
	return Result{Status: StatusSent, DingTalkErrCode: resp.ErrCode, DingTalkErrMsg: resp.ErrMsg}
}

func (s *Service) isDeduped(req AlertRequest) bool {
	if req.DedupKey == "" || s.cfg.DedupWindow <= 0 {
		return false
	}
	now := s.now()
	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()
	if last, ok := s.dedup[req.DedupKey]; ok && now.Sub(last) <= s.cfg.DedupWindow {
		return true
	}
	s.dedup[req.DedupKey] = now
	// entries older than the window can never suppress again
	for key, last := range s.dedup {
		if now.Sub(last) > s.cfg.DedupWindow {
			delete(s.dedup, key)
		}
	}
	return false
}

func (s *Service) enqueueMerge(req AlertRequest) {
	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()
	state, ok := s.merge[req.MergeKey]
	if !ok {
		state = &mergeState{}
		s.merge[req.MergeKey] = state
		key := req.MergeKey
		state.timer = time.AfterFunc(s.cfg.MergeWindow, func() {
			s.flushMerge(key)
		})
	}
	state.alerts = append(state.alerts, req)
}

func (s *Service) flushMerge(key string) {
	s.mergeMu.Lock()
	state, ok := s.merge[key]
	if ok {
		delete(s.merge, key)
	}
	s.mergeMu.Unlock()
	if !ok || len(state.alerts) == 0 {
		return
	}

	merged := buildMerged(state.alerts)
	if merged.Silent {
		return
	}
	_ = s.Handle(context.Background(), merged)
}

func (s *Service) addDigest(req AlertRequest) {
	if s.cfg.LowDigestInterval <= 0 {
		s.logger.Warn("alert dropped, no digest configured", slog.String("title", req.Title))
		return
	}
	s.digestMu.Lock()
	defer s.digestMu.Unlock()
	s.digest[req.Group] = append(s.digest[req.Group], req)
}

func (s *Service) runDigestLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.LowDigestInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.FlushDigest(context.Background())
		case <-s.stopCh:
			s.FlushDigest(context.Background())
			return
		}
	}
}

// FlushDigest sends every queued digest alert as one message.
func (s *Service) FlushDigest(ctx context.Context) {
	groups := s.swapDigest()
	if len(groups) == 0 {
		return
	}
	if s.sender == nil {
		s.logger.Warn("digest send skipped, sender not configured")
		return
	}

	resp, err := s.sender.SendMarkdown(ctx, "Quote Alert Digest", buildDigestMarkdown(groups))
	if err != nil {
		s.logger.Error("digest send failed", slog.Any("error", err))
		return
	}
	if resp.ErrCode != 0 {
		s.logger.Error("digest rejected", slog.Int("errcode", resp.ErrCode), slog.String("errmsg", resp.ErrMsg))
	}
}

func (s *Service) recordAlert(ctx context.Context, req AlertRequest, res Result, payload string) {
	if s.observe != nil {
		s.observe(res.Status)
	}
	if res.Error != nil {
		s.logger.Warn("alert delivery failed", slog.String("title", req.Title), slog.Any("error", res.Error))
	}
	if s.store == nil {
		return
	}
	rec := store.AlertRecord{
		TS:              s.now().Unix(),
		Priority:        string(req.Priority),
		GroupName:       req.Group,
		Title:           req.Title,
		DedupKey:        req.DedupKey,
		MergeKey:        req.MergeKey,
		Status:          string(res.Status),
		Channel:         "dingtalk",
		DingTalkErrCode: res.DingTalkErrCode,
		DingTalkErrMsg:  res.DingTalkErrMsg,
		PayloadMD:       payload,
	}
	if err := s.store.InsertAlert(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Error("insert alert record failed", slog.Any("error", err))
	}
}

func (s *Service) swapDigest() map[string][]AlertRequest {
	s.digestMu.Lock()
	defer s.digestMu.Unlock()
	if len(s.digest) == 0 {
		return nil
	}
	out := s.digest
	s.digest = make(map[string][]AlertRequest)
	return out
}

// buildMerged folds a merge window into one request carrying the highest
// priority seen. It stays silent only if every part was silent.
func buildMerged(alerts []AlertRequest) AlertRequest {
	merged := alerts[0]
	merged.MergeKey, merged.DedupKey = "", ""
	merged.Title = mergedTitle(alerts)
	merged.Markdown = bulletList(alerts)
	for _, a := range alerts[1:] {
		if a.Priority.weight() > merged.Priority.weight() {
			merged.Priority = a.Priority
		}
		merged.Silent = merged.Silent && a.Silent
	}
	return merged
}

func (p Priority) weight() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMed:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

func mergedTitle(alerts []AlertRequest) string {
	base := alerts[0].Title
	if len(alerts) == 1 {
		return base
	}
	if base == "" {
		base = "Merged Alerts"
	}
	return fmt.Sprintf("%s (+%d)", base, len(alerts)-1)
}

func bulletList(alerts []AlertRequest) string {
	var b strings.Builder
	for _, a := range alerts {
		title := a.Title
		if title == "" {
			title = "(no title)"
		}
		fmt.Fprintf(&b, "- **%s**", title)
		if a.Markdown != "" {
			b.WriteString("\n  ")
			b.WriteString(strings.ReplaceAll(a.Markdown, "\n", "\n  "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func buildDigestMarkdown(groups map[string][]AlertRequest) string {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, g := range keys {
		fmt.Fprintf(&b, "### %s\n", g)
		b.WriteString(bulletList(groups[g]))
		b.WriteString("\n")
	}
	return b.String()
}

func normalize(req AlertRequest) AlertRequest {
	if req.Priority == "" {
		req.Priority = PriorityMed
	}
	if req.Group == "" {
		req.Group = "default"
	}
	return req
}
