// Package notify fans negotiation events out to best-effort sinks. Delivery
// failures are logged and never reach the caller.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"pricelane/pkg/logger"
	"pricelane/services/nyp/internal/negotiation"

	"github.com/shopspring/decimal"
	"golang.org/x/exp/slog"
)

type EventType string

const (
	EventOfferSent   EventType = "NYP_OFFER_SENT"
	EventCounterSent EventType = "NYP_COUNTER_SENT"
	EventAccepted    EventType = "NYP_ACCEPTED"
	EventClosed      EventType = "NYP_CLOSED"
)

var templates = map[EventType]string{
	EventOfferSent:   "Offer sent for {product_title}.",
	EventCounterSent: "New counter offer on {product_title}.",
	EventAccepted:    "Your offer on {product_title} was accepted.",
	EventClosed:      "Negotiation closed for {product_title}.",
}

type Event struct {
	Type          EventType        `json:"type"`
	NegotiationID string           `json:"negotiation_id"`
	UserID        string           `json:"user_id"`
	UserEmail     string           `json:"user_email,omitempty"`
	ProductID     string           `json:"product_id"`
	ProductTitle  string           `json:"product_title"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Message       string           `json:"message"`
	At            time.Time        `json:"at"`
}

func Render(t EventType, productTitle string) string {
	tpl, ok := templates[t]
	if !ok {
		return string(t)
	}
	return strings.ReplaceAll(tpl, "{product_title}", productTitle)
}

// NewEvent builds an event for a thread; amount is the amount carried by the
// triggering message, if any.
func NewEvent(t EventType, th negotiation.Thread, amount *decimal.Decimal, at time.Time) Event {
	return Event{
		Type:          t,
		NegotiationID: th.NegotiationID,
		UserID:        th.UserID,
		UserEmail:     th.UserEmail,
		ProductID:     th.ProductID,
		ProductTitle:  th.ProductTitle,
		Amount:        amount,
		Message:       Render(t, th.ProductTitle),
		At:            at,
	}
}

type Sink interface {
	Name() string
	Send(ctx context.Context, e Event) error
}

type Dispatcher struct {
	sinks   []Sink
	log     *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewDispatcher(log *slog.Logger, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{sinks: sinks, log: log, timeout: timeout}
}

// Notify hands e to every sink in the background and returns immediately.
func (d *Dispatcher) Notify(e Event) {
	for _, s := range d.sinks {
		d.wg.Add(1)
		go d.deliver(s, e)
	}
}

func (d *Dispatcher) deliver(s Sink, e Event) {
	const op = "notify.Dispatcher.deliver"
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("notification sink panicked",
				slog.String("op", op),
				slog.String("sink", s.Name()),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := s.Send(ctx, e); err != nil {
		d.log.Warn("failed to send notification",
			slog.String("op", op),
			slog.String("sink", s.Name()),
			slog.String("event", string(e.Type)),
			slog.String("negotiation_id", e.NegotiationID),
			logger.Err(err))
	}
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// LogSink records every event in the service log.
type LogSink struct {
	Log *slog.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Send(ctx context.Context, e Event) error {
	s.Log.Info("negotiation event",
		slog.String("event", string(e.Type)),
		slog.String("negotiation_id", e.NegotiationID),
		slog.String("user_id", e.UserID),
		slog.String("message", e.Message))
	return nil
}
