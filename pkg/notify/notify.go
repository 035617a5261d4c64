// Package notify delivers notifications to users without blocking the
// operation that raised them.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/sinkfund/pkg/metrics"
	"github.com/mcclellann/sinkfund/pkg/models"
)

// Notifier accepts a notification and returns immediately. Delivery failures
// are never reported to the caller.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification)
}

// Sink is one delivery channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n *models.Notification) error
}

// DefaultTimeout bounds a single delivery across all sinks.
const DefaultTimeout = 15 * time.Second

// Dispatcher fans each notification out to its sinks on a background goroutine.
type Dispatcher struct {
	sinks   []Sink
	metrics *metrics.Metrics
	timeout time.Duration
	wg      sync.WaitGroup
}

var _ Notifier = (*Dispatcher)(nil)

func NewDispatcher(m *metrics.Metrics, sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks, metrics: m, timeout: DefaultTimeout}
}

// Notify fills in the ID and creation time when missing and delivers in the
// background. The request context only contributes its values; its
// cancellation does not abort delivery.
func (d *Dispatcher) Notify(ctx context.Context, n models.Notification) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		d.deliver(dctx, &n)
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, n *models.Notification) {
	for _, s := range d.sinks {
		err := s.Deliver(ctx, n)
		d.metrics.NotificationDelivered(s.Name(), err)
		if err != nil {
			slog.Warn("Failed to deliver notification",
				"channel", s.Name(),
				"type", n.Type,
				"recipient", n.RecipientUserID,
				"error", err)
		}
	}
}

// Wait blocks until every pending delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// NotificationWriter persists notifications for in-app display.
type NotificationWriter interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
}

// StoreSink records notifications in storage.
type StoreSink struct {
	store NotificationWriter
}

func NewStoreSink(store NotificationWriter) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Deliver(ctx context.Context, n *models.Notification) error {
	if n.RecipientUserID == "" {
		return errors.New("notification has no recipient")
	}
	return s.store.CreateNotification(ctx, n)
}
