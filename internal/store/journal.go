package store

import (
	"context"
	"log/slog"
	"time"

	"quotedesk/internal/notify"
)

// Journal writes every published refresh and every refresh failure into
// the store.
type Journal struct {
	store   *Store
	logger  *slog.Logger
	timeout time.Duration
}

func NewJournal(st *Store, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		store:   st,
		logger:  logger.With(slog.String("component", "journal")),
		timeout: 5 * time.Second,
	}
}

// Attach subscribes the journal to bus and returns a function detaching it.
func (j *Journal) Attach(bus *notify.Bus) func() {
	return bus.SubscribeAll("journal", j.OnRefresh, j.OnError)
}

func (j *Journal) OnRefresh(evt notify.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	insts := evt.Snapshot.Instruments()
	if err := j.store.InsertQuotes(ctx, evt.RefreshID, evt.Timestamp, insts); err != nil {
		j.logger.Error("journal quotes failed", slog.String("refresh_id", evt.RefreshID), slog.Any("error", err))
	}
	rec := RefreshRecord{
		RefreshID:   evt.RefreshID,
		TS:          evt.Timestamp.Unix(),
		Source:      evt.Source,
		OK:          true,
		Instruments: len(insts),
	}
	if err := j.store.InsertRefresh(ctx, rec); err != nil {
		j.logger.Error("journal refresh failed", slog.String("refresh_id", evt.RefreshID), slog.Any("error", err))
	}
}

func (j *Journal) OnError(evt notify.ErrorEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	rec := RefreshRecord{
		RefreshID:           evt.RefreshID,
		TS:                  evt.Timestamp.Unix(),
		Source:              evt.Source,
		ConsecutiveFailures: evt.ConsecutiveFailures,
	}
	if evt.Err != nil {
		rec.Error = evt.Err.Error()
	}
	if err := j.store.InsertRefresh(ctx, rec); err != nil {
		j.logger.Error("journal refresh failed", slog.String("refresh_id", evt.RefreshID), slog.Any("error", err))
	}
}
