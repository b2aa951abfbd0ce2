package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"quotedesk/internal/notify"
)

// Handler accepts alert requests. *Service implements it.
//
//go:generate mockgen -package=engine_test -destination=../engine/mock_handler_test.go -source=relay.go Handler
type Handler interface {
	Handle(ctx context.Context, req AlertRequest) Result
}

// FailureRelay raises an alert once the feed has failed Threshold times in a
// row, and a follow-up when the next refresh succeeds.
type FailureRelay struct {
	handler   Handler
	threshold int
	logger    *slog.Logger
	timeout   time.Duration

	mu      sync.Mutex
	alerted bool
}

func NewFailureRelay(h Handler, threshold int, logger *slog.Logger) *FailureRelay {
	if threshold <= 0 {
		threshold = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FailureRelay{
		handler:   h,
		threshold: threshold,
		logger:    logger.With(slog.String("component", "failure_relay")),
		timeout:   5 * time.Second,
	}
}

func (r *FailureRelay) Attach(bus *notify.Bus) func() {
	return bus.SubscribeAll("failure_relay", r.OnRefresh, r.OnError)
}

func (r *FailureRelay) OnError(evt notify.ErrorEvent) {
	if evt.ConsecutiveFailures < r.threshold {
		return
	}
	r.mu.Lock()
	already := r.alerted
	r.alerted = true
	r.mu.Unlock()
	if already {
		return
	}

	msg := "unknown error"
	if evt.Err != nil {
		msg = evt.Err.Error()
	}
	r.send(AlertRequest{
		Priority: PriorityHigh,
		Group:    "feed",
		Title:    fmt.Sprintf("Quote feed failing (%d in a row)", evt.ConsecutiveFailures),
		Markdown: fmt.Sprintf("- source: %s\n- refresh: %s\n- error: %s\n- at: %s\n",
			evt.Source, evt.RefreshID, msg, evt.Timestamp.Format(time.DateTime)),
		DedupKey: "feed:failing:" + evt.Source,
	})
}

func (r *FailureRelay) OnRefresh(evt notify.Event) {
	r.mu.Lock()
	was := r.alerted
	r.alerted = false
	r.mu.Unlock()
	if !was {
		return
	}
	r.send(AlertRequest{
		Priority: PriorityMed,
		Group:    "feed",
		Title:    "Quote feed recovered",
		Markdown: fmt.Sprintf("- source: %s\n- refresh: %s\n- at: %s\n",
			evt.Source, evt.RefreshID, evt.Timestamp.Format(time.DateTime)),
	})
}

func (r *FailureRelay) send(req AlertRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	res := r.handler.Handle(ctx, req)
	if res.Error != nil {
		r.logger.Warn("feed alert not delivered", slog.String("title", req.Title), slog.Any("error", res.Error))
	}
}
