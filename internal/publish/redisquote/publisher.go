package redisquote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"quotedesk/internal/market"
	"quotedesk/internal/notify"
)

var ErrNotFound = errors.New("quote not mirrored")

// Publisher mirrors the latest quote of every instrument into Redis, one key
// per code, so other processes can read prices without calling the API.
type Publisher struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	logger  *slog.Logger
	timeout time.Duration
}

// Meta is stored under <prefix>meta after every mirrored refresh.
type Meta struct {
	RefreshID string    `json:"refresh_id"`
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updated_at"`
	Codes     []string  `json:"codes"`
}

func New(client redis.UniversalClient, prefix string, ttl time.Duration, logger *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = "quotedesk:quote:"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		client:  client,
		prefix:  prefix,
		ttl:     ttl,
		logger:  logger.With(slog.String("component", "redisquote")),
		timeout: 3 * time.Second,
	}
}

func (p *Publisher) Attach(bus *notify.Bus) func() {
	return bus.Subscribe("redisquote", p.OnRefresh)
}

func (p *Publisher) OnRefresh(evt notify.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.Publish(ctx, evt); err != nil {
		p.logger.Warn("mirror refresh failed", slog.String("refresh_id", evt.RefreshID), slog.Any("error", err))
	}
}

// Publish writes every instrument of the event's snapshot in one pipeline.
// Candles and ticks are left out of the mirror.
func (p *Publisher) Publish(ctx context.Context, evt notify.Event) error {
	if evt.Snapshot == nil {
		return nil
	}
	insts := evt.Snapshot.Instruments()
	meta := Meta{RefreshID: evt.RefreshID, Source: evt.Source, UpdatedAt: evt.Timestamp, Codes: make([]string, 0, len(insts))}

	_, err := p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, inst := range insts {
			inst.Candles = nil
			inst.Ticks = nil
			data, err := json.Marshal(inst)
			if err != nil {
				return fmt.Errorf("marshal %s: %w", inst.Code, err)
			}
			pipe.Set(ctx, p.Key(inst.Code), data, p.ttl)
			meta.Codes = append(meta.Codes, inst.Code)
		}
		data, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal meta: %w", err)
		}
		pipe.Set(ctx, p.prefix+"meta", data, p.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Get reads one mirrored instrument back.
func (p *Publisher) Get(ctx context.Context, code string) (market.Instrument, error) {
	data, err := p.client.Get(ctx, p.Key(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return market.Instrument{}, ErrNotFound
	}
	if err != nil {
		return market.Instrument{}, fmt.Errorf("redis get %s: %w", code, err)
	}
	var inst market.Instrument
	if err := json.Unmarshal(data, &inst); err != nil {
		return market.Instrument{}, fmt.Errorf("decode %s: %w", code, err)
	}
	return inst, nil
}

func (p *Publisher) Key(code string) string {
	return p.prefix + code
}
