package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/adaptor"

	"quotedesk/internal/alert"
	"quotedesk/internal/briefagent"
	"quotedesk/internal/market"
	"quotedesk/internal/metrics"
	"quotedesk/internal/publish/redisquote"
	"quotedesk/internal/push/dingtalk"
	"quotedesk/internal/scheduler"
	"quotedesk/internal/store"
)

// Deps are the components the routes read from. Only Quotes and Scheduler
// are required; routes backed by a nil component answer 503.
type Deps struct {
	Quotes    *market.Store
	Scheduler *scheduler.Scheduler
	Journal   *store.Store
	Alerts    *alert.Service
	DingTalk  *dingtalk.Client
	Brief     *briefagent.Agent
	Metrics   *metrics.Metrics
	Mirror    *redisquote.Publisher
	Logger    *slog.Logger
}

type TestPushRequest struct {
	Title    string `json:"title"`
	Markdown string `json:"markdown"`
}

type IntervalRequest struct {
	IntervalMs int64 `json:"interval_ms"`
}

type AlertResponse struct {
	OK              bool   `json:"ok"`
	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
	DingTalkErrCode int    `json:"dingtalk_errcode,omitempty"`
	DingTalkErrMsg  string `json:"dingtalk_errmsg,omitempty"`
}

// QuoteView is an instrument without its history plus the derived change.
type QuoteView struct {
	market.Instrument
	Change    float64 `json:"change"`
	ChangePct float64 `json:"change_pct"`
}

func quoteView(inst market.Instrument) QuoteView {
	inst.Candles = nil
	inst.Ticks = nil
	return QuoteView{Instrument: inst, Change: inst.Quote.Change(), ChangePct: inst.Quote.ChangePercent()}
}

func RegisterRoutes(h *server.Hertz, d Deps) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "api"))

	h.GET("/healthz", func(_ context.Context, c *app.RequestContext) {
		snap := d.Quotes.Snapshot()
		c.JSON(http.StatusOK, map[string]any{
			"ok":          true,
			"running":     d.Scheduler.Running(),
			"interval_ms": d.Scheduler.Interval().Milliseconds(),
			"instruments": snap.Len(),
			"updated_at":  snap.UpdatedAt(),
			"stats":       d.Scheduler.Stats(),
		})
	})

	if d.Metrics != nil {
		h.GET("/metrics", adaptor.HertzHandler(d.Metrics.Handler()))
	}

	h.GET("/api/v1/quotes", func(_ context.Context, c *app.RequestContext) {
		snap := d.Quotes.Snapshot()
		var codes []string
		if raw := strings.TrimSpace(c.Query("segment")); raw != "" {
			seg, ok := market.ParseSegment(raw)
			if !ok {
				fail(c, http.StatusBadRequest, fmt.Errorf("unknown segment %q", raw))
				return
			}
			codes = snap.BySegment(seg)
		} else {
			codes = snap.Codes()
		}
		items := make([]QuoteView, 0, len(codes))
		for _, code := range codes {
			if inst, ok := snap.Get(code); ok {
				items = append(items, quoteView(inst))
			}
		}
		c.JSON(http.StatusOK, map[string]any{
			"ok":         true,
			"updated_at": snap.UpdatedAt(),
			"count":      len(items),
			"items":      items,
		})
	})

	h.GET("/api/v1/segments", func(_ context.Context, c *app.RequestContext) {
		snap := d.Quotes.Snapshot()
		out := make(map[string][]string)
		for _, seg := range market.Segments() {
			out[seg.String()] = snap.BySegment(seg)
		}
		c.JSON(http.StatusOK, map[string]any{"ok": true, "segments": out})
	})

	h.GET("/api/v1/quotes/:code", func(_ context.Context, c *app.RequestContext) {
		inst, ok := lookup(c, d.Quotes)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, map[string]any{"ok": true, "item": quoteView(inst)})
	})

	h.GET("/api/v1/quotes/:code/candles", func(_ context.Context, c *app.RequestContext) {
		inst, ok := lookup(c, d.Quotes)
		if !ok {
			return
		}
		candles := inst.Candles
		if candles == nil {
			candles = []market.Candle{}
		}
		c.JSON(http.StatusOK, map[string]any{"ok": true, "code": inst.Code, "items": candles})
	})

	h.GET("/api/v1/quotes/:code/ticks", func(_ context.Context, c *app.RequestContext) {
		inst, ok := lookup(c, d.Quotes)
		if !ok {
			return
		}
		ticks := inst.Ticks
		if ticks == nil {
			ticks = []market.Tick{}
		}
		c.JSON(http.StatusOK, map[string]any{"ok": true, "code": inst.Code, "items": ticks})
	})

	h.POST("/api/v1/refresh", func(ctx context.Context, c *app.RequestContext) {
		triggered := d.Scheduler.TriggerRefresh(context.WithoutCancel(ctx))
		c.JSON(http.StatusAccepted, map[string]any{
			"ok":        true,
			"triggered": triggered,
			"stats":     d.Scheduler.Stats(),
		})
	})

	h.GET("/api/v1/refresh/interval", func(_ context.Context, c *app.RequestContext) {
		c.JSON(http.StatusOK, map[string]any{"ok": true, "interval_ms": d.Scheduler.Interval().Milliseconds()})
	})

	h.PUT("/api/v1/refresh/interval", func(_ context.Context, c *app.RequestContext) {
		var req IntervalRequest
		if err := c.BindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, errors.New("invalid json body"))
			return
		}
		if err := d.Scheduler.SetInterval(time.Duration(req.IntervalMs) * time.Millisecond); err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}
		c.JSON(http.StatusOK, map[string]any{"ok": true, "interval_ms": d.Scheduler.Interval().Milliseconds()})
	})

	h.GET("/api/v1/journal", func(ctx context.Context, c *app.RequestContext) {
		if !journalReady(c, d.Journal) {
			return
		}
		limit, offset, ok := paging(c)
		if !ok {
			return
		}
		items, err := d.Journal.QueryQuotes(ctx, strings.TrimSpace(c.Query("code")), limit, offset)
		if err != nil {
			fail(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusOK, map[string]any{"ok": true, "items": items})
	})

	h.GET("/api/v1/refreshes", func(ctx context.Context, c *app.RequestContext) {
		if !journalReady(c, d.Journal) {
			return
		}
		limit, offset, ok := paging(c)
		if !ok {
			return
		}
		failedOnly := c.Query("failed") == "true"
		items, err := d.Journal.QueryRefreshes(ctx, failedOnly, limit, offset)
		if err != nil {
			fail(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusOK, map[string]any{"ok": true, "items": items})
	})

	h.GET("/api/v1/events", func(ctx context.Context, c *app.RequestContext) {
		if !journalReady(c, d.Journal) {
			return
		}
		date := c.Query("date")
		if date == "" {
			date = chinaToday()
		}
		limit, offset, ok := paging(c)
		if !ok {
			return
		}
		items, err := d.Journal.QueryEventsByDate(ctx, date, c.Query("type"), limit, offset)
		if err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}
		c.JSON(http.StatusOK, map[string]any{"ok": true, "items": items})
	})

	h.GET("/api/v1/alerts", func(ctx context.Context, c *app.RequestContext) {
		if !journalReady(c, d.Journal) {
			return
		}
		limit, offset, ok := paging(c)
		if !ok {
			return
		}
		items, err := d.Journal.QueryAlerts(ctx, c.Query("status"), limit, offset)
		if err != nil {
			fail(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusOK, map[string]any{"ok": true, "items": items})
	})

	h.POST("/api/v1/alerts/test", func(ctx context.Context, c *app.RequestContext) {
		if d.Alerts == nil {
			fail(c, http.StatusServiceUnavailable, errors.New("alert service not configured"))
			return
		}
		var req alert.AlertRequest
		if err := c.BindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, errors.New("invalid json body"))
			return
		}
		res := d.Alerts.Handle(ctx, req)
		resp := AlertResponse{
			OK:              res.Error == nil,
			Status:          string(res.Status),
			DingTalkErrCode: res.DingTalkErrCode,
			DingTalkErrMsg:  res.DingTalkErrMsg,
		}
		if res.Error != nil {
			resp.Error = res.Error.Error()
		}
		c.JSON(http.StatusOK, resp)
	})

	h.POST("/api/v1/push/test", func(ctx context.Context, c *app.RequestContext) {
		if d.DingTalk == nil || !d.DingTalk.Configured() {
			fail(c, http.StatusServiceUnavailable, errors.New("dingtalk client not configured"))
			return
		}
		var req TestPushRequest
		if err := c.BindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, errors.New("invalid json body"))
			return
		}
		resp, err := d.DingTalk.SendMarkdown(ctx, req.Title, req.Markdown)
		if err != nil {
			logger.Warn("dingtalk send failed", slog.Any("error", err))
			fail(c, http.StatusBadGateway, err)
			return
		}
		if resp.ErrCode != 0 {
			c.JSON(http.StatusBadGateway, map[string]any{
				"ok":               false,
				"error":            "dingtalk returned error",
				"dingtalk_errcode": resp.ErrCode,
				"dingtalk_errmsg":  resp.ErrMsg,
			})
			return
		}
		c.JSON(http.StatusOK, map[string]any{"ok": true})
	})

	h.GET("/api/v1/brief", func(ctx context.Context, c *app.RequestContext) {
		brief, err := d.Brief.Brief(ctx, d.Quotes.Snapshot())
		resp := map[string]any{"ok": true, "brief": brief}
		if err != nil {
			logger.Warn("brief fell back", slog.Any("error", err))
			resp["warning"] = err.Error()
		}
		c.JSON(http.StatusOK, resp)
	})

	h.POST("/api/v1/brief/ping", func(ctx context.Context, c *app.RequestContext) {
		status, err := d.Brief.Ping(ctx)
		if err != nil {
			status["error"] = err.Error()
		}
		c.JSON(http.StatusOK, status)
	})

	h.GET("/api/v1/mirror/:code", func(ctx context.Context, c *app.RequestContext) {
		if d.Mirror == nil {
			fail(c, http.StatusServiceUnavailable, errors.New("redis mirror not configured"))
			return
		}
		inst, err := d.Mirror.Get(ctx, c.Param("code"))
		if errors.Is(err, redisquote.ErrNotFound) {
			fail(c, http.StatusNotFound, err)
			return
		}
		if err != nil {
			fail(c, http.StatusBadGateway, err)
			return
		}
		c.JSON(http.StatusOK, map[string]any{"ok": true, "item": quoteView(inst)})
	})
}

func fail(c *app.RequestContext, status int, err error) {
	c.JSON(status, map[string]any{"ok": false, "error": err.Error()})
}

func lookup(c *app.RequestContext, quotes *market.Store) (market.Instrument, bool) {
	code := c.Param("code")
	inst, ok := quotes.Get(code)
	if !ok {
		fail(c, http.StatusNotFound, fmt.Errorf("instrument %s not found", code))
		return market.Instrument{}, false
	}
	return inst, true
}

func journalReady(c *app.RequestContext, st *store.Store) bool {
	if st == nil {
		fail(c, http.StatusServiceUnavailable, errors.New("store not configured"))
		return false
	}
	return true
}

func paging(c *app.RequestContext) (limit, offset int, ok bool) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return 0, 0, false
	}
	offset, err = parseOffset(c.Query("offset"))
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return 0, 0, false
	}
	return limit, offset, true
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 200, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	if v > 1000 {
		return 1000, nil
	}
	return v, nil
}

func parseOffset(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid offset")
	}
	return v, nil
}

func chinaToday() string {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.Now().Format(time.DateOnly)
	}
	return time.Now().In(loc).Format(time.DateOnly)
}
