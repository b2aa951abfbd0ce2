package kafkaquote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkaGo "github.com/segmentio/kafka-go"

	"quotedesk/internal/notify"
)

// Writer is the subset of *kafkaGo.Writer the publisher needs.
//
//go:generate mockgen -package=kafkaquote_test -destination=mock_writer_test.go -source=publisher.go Writer
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkaGo.Message) error
	Close() error
}

func NewWriter(brokers []string, topic string, batchTimeout time.Duration) *kafkaGo.Writer {
	if batchTimeout <= 0 {
		batchTimeout = 100 * time.Millisecond
	}
	return &kafkaGo.Writer{
		Addr:                   kafkaGo.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkaGo.Hash{},
		BatchTimeout:           batchTimeout,
		RequiredAcks:           kafkaGo.RequireOne,
		AllowAutoTopicCreation: true,
	}
}

type QuoteRow struct {
	Code      string  `json:"code"`
	Name      string  `json:"name"`
	Segment   string  `json:"segment"`
	Current   float64 `json:"current"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	PrevClose float64 `json:"prev_close"`
	ChangePct float64 `json:"change_pct"`
	Volume    int64   `json:"volume"`
	Amount    float64 `json:"amount"`
}

// Message is the value of one record; the record key is the refresh id.
type Message struct {
	RefreshID string     `json:"refresh_id"`
	Source    string     `json:"source"`
	Timestamp time.Time  `json:"timestamp"`
	Quotes    []QuoteRow `json:"quotes"`
}

type Publisher struct {
	writer  Writer
	logger  *slog.Logger
	timeout time.Duration
}

func New(w Writer, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		writer:  w,
		logger:  logger.With(slog.String("component", "kafkaquote")),
		timeout: 5 * time.Second,
	}
}

func (p *Publisher) Attach(bus *notify.Bus) func() {
	return bus.Subscribe("kafkaquote", p.OnRefresh)
}

func (p *Publisher) OnRefresh(evt notify.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.Publish(ctx, evt); err != nil {
		p.logger.Warn("publish refresh failed", slog.String("refresh_id", evt.RefreshID), slog.Any("error", err))
	}
}

func (p *Publisher) Publish(ctx context.Context, evt notify.Event) error {
	if evt.Snapshot == nil {
		return nil
	}
	msg := Message{RefreshID: evt.RefreshID, Source: evt.Source, Timestamp: evt.Timestamp}
	for _, inst := range evt.Snapshot.Instruments() {
		q := inst.Quote
		msg.Quotes = append(msg.Quotes, QuoteRow{
			Code:      inst.Code,
			Name:      inst.Name,
			Segment:   inst.Segment.String(),
			Current:   q.Current,
			Open:      q.Open,
			High:      q.High,
			Low:       q.Low,
			PrevClose: q.PrevClose,
			ChangePct: q.ChangePercent(),
			Volume:    q.Volume,
			Amount:    q.Amount,
		})
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal refresh %s: %w", evt.RefreshID, err)
	}
	err = p.writer.WriteMessages(ctx, kafkaGo.Message{
		Key:     []byte(evt.RefreshID),
		Value:   value,
		Time:    evt.Timestamp,
		Headers: []kafkaGo.Header{{Key: "source", Value: []byte(evt.Source)}},
	})
	if err != nil {
		return fmt.Errorf("write refresh %s: %w", evt.RefreshID, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
