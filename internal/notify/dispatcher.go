package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"telemetry-hub/internal/logging"
	"telemetry-hub/internal/types"
)

// Store is the persistence the dispatcher needs
type Store interface {
	PendingAlerts(ctx context.Context, limit int) ([]*types.Alert, error)
	GetNotificationPreferences(ctx context.Context, tenantID string) ([]types.Recipient, error)
	InsertNotificationLog(ctx context.Context, entry *types.NotificationLogEntry) error
	MarkAlertsNotified(ctx context.Context, alertIDs []string, at time.Time) error
}

// CycleReport summarises one dispatch cycle
type CycleReport struct {
	Alerts  int `json:"alerts"`
	Tenants int `json:"tenants"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	// Deferred alerts belong to tenants that could not be processed this
	// cycle; they stay pending for the next one.
	Deferred int `json:"deferred"`
}

// Dispatcher batches pending alerts into one message per tenant per cycle,
// plus one operator summary, and logs every delivery attempt
type Dispatcher struct {
	mu                 sync.RWMutex
	store              Store
	senders            map[string]Sender
	renderer           *Renderer
	operatorRecipients []types.Recipient
	batchLimit         int
	interval           time.Duration
	logger             *logrus.Logger
	now                func() time.Time

	isRunning bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// DispatcherOption is a functional option for configuring the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger for the dispatcher
func WithLogger(logger *logrus.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithOperatorRecipients sets who receives the cross-tenant summary
func WithOperatorRecipients(recipients []types.Recipient) DispatcherOption {
	return func(d *Dispatcher) {
		d.operatorRecipients = recipients
	}
}

// WithInterval sets the batching window
func WithInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.interval = interval
	}
}

// WithBatchLimit caps the alerts handled per cycle
func WithBatchLimit(limit int) DispatcherOption {
	return func(d *Dispatcher) {
		d.batchLimit = limit
	}
}

// NewDispatcher creates a new notification dispatcher
func NewDispatcher(store Store, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		senders:    make(map[string]Sender),
		renderer:   NewRenderer("[telemetry-hub]"),
		batchLimit: 500,
		interval:   time.Minute,
		logger:     logrus.New(),
		now:        func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// RegisterSender sets the sender for a channel
func (d *Dispatcher) RegisterSender(channel string, sender Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[channel] = sender
}

func (d *Dispatcher) sender(channel string) (Sender, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.senders[channel]
	return s, ok
}

// RunOnce runs one dispatch cycle. Alerts are marked notified once handed to
// the senders, whatever the outcome; failures stay visible in the notification log.
// A tenant whose preferences or message cannot be prepared is skipped and its
// alerts stay pending, so tenants already served are never notified twice.
func (d *Dispatcher) RunOnce(ctx context.Context) (*CycleReport, error) {
	alerts, err := d.store.PendingAlerts(ctx, d.batchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending alerts: %w", err)
	}

	report := &CycleReport{Alerts: len(alerts)}
	if len(alerts) == 0 {
		return report, nil
	}

	batches := GroupByTenant(alerts)
	report.Tenants = len(batches)

	ids := make([]string, 0, len(alerts))
	done := make([]TenantBatch, 0, len(batches))
	for _, batch := range batches {
		if err := d.dispatchTenant(ctx, batch, report); err != nil {
			d.logger.WithError(err).WithField("tenant_id", batch.TenantID).Error("Tenant notification deferred to next cycle")
			report.Deferred += len(batch.Alerts)
			continue
		}
		done = append(done, batch)
		for _, a := range batch.Alerts {
			ids = append(ids, a.ID)
		}
	}

	if len(d.operatorRecipients) > 0 && len(done) > 0 {
		summary, err := d.renderer.Summary(done)
		if err != nil {
			d.logger.WithError(err).Error("Failed to render operator summary")
		} else {
			for _, recipient := range d.operatorRecipients {
				d.deliver(ctx, recipient, summary, report)
			}
		}
	}

	if len(ids) > 0 {
		if err := d.store.MarkAlertsNotified(ctx, ids, d.now()); err != nil {
			return report, fmt.Errorf("failed to mark alerts notified: %w", err)
		}
	}

	d.logger.WithFields(logrus.Fields{
		"alerts":   report.Alerts,
		"tenants":  report.Tenants,
		"sent":     report.Sent,
		"failed":   report.Failed,
		"deferred": report.Deferred,
	}).Info("Notification cycle complete")

	return report, nil
}

// dispatchTenant sends one consolidated message to every recipient of the tenant
func (d *Dispatcher) dispatchTenant(ctx context.Context, batch TenantBatch, report *CycleReport) error {
	recipients, err := d.store.GetNotificationPreferences(ctx, batch.TenantID)
	if err != nil {
		return fmt.Errorf("failed to load preferences: %w", err)
	}
	if len(recipients) == 0 {
		d.logger.WithField("tenant_id", batch.TenantID).Debug("Tenant has no notification recipients")
		return nil
	}

	msg, err := d.renderer.Tenant(batch)
	if err != nil {
		return fmt.Errorf("failed to render message: %w", err)
	}
	for _, recipient := range recipients {
		d.deliver(ctx, recipient, msg, report)
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, recipient types.Recipient, msg *Message, report *CycleReport) {
	var sendErr error
	if sender, ok := d.sender(recipient.Channel); ok {
		sendErr = sender.Send(ctx, recipient, msg)
	} else {
		sendErr = fmt.Errorf("no sender registered for channel %s", recipient.Channel)
	}

	entry := &types.NotificationLogEntry{
		ID:         uuid.NewString(),
		TenantID:   msg.TenantID,
		Recipient:  recipient.Address,
		Channel:    recipient.Channel,
		Subject:    msg.Subject,
		Status:     types.NotificationSent,
		AlertCount: len(msg.Alerts),
		CreatedAt:  d.now(),
	}
	if sendErr != nil {
		entry.Status = types.NotificationFailed
		entry.Error = sendErr.Error()
		report.Failed++
		logging.LogDeliveryError(d.logger, sendErr, recipient.Channel, recipient.Address, 0)
	} else {
		report.Sent++
	}

	if err := d.store.InsertNotificationLog(ctx, entry); err != nil {
		d.logger.WithError(err).WithField("recipient", recipient.Address).Error("Failed to record notification attempt")
	}
}

// Start runs a dispatch cycle every interval until Stop
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isRunning {
		return fmt.Errorf("dispatcher is already running")
	}

	d.logger.WithField("interval", d.interval).Info("Starting notification dispatcher")
	d.isRunning = true
	d.stopChan = make(chan struct{})

	d.wg.Add(1)
	go d.loop(ctx)
	return nil
}

// Stop halts the ticker loop and waits for an in-flight cycle
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.isRunning {
		d.mu.Unlock()
		return nil
	}
	d.isRunning = false
	close(d.stopChan)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("Notification dispatcher stopped")
	return nil
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopChan:
			return
		case <-ticker.C:
			if _, err := d.RunOnce(ctx); err != nil {
				d.logger.WithError(err).Error("Notification cycle failed")
			}
		}
	}
}
