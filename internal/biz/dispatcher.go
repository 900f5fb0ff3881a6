package biz

import (
	"context"
	"sync"
	"time"

	"OpsMender/internal/data"
	"OpsMender/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// MessageRepo defines the notification message repository interface.
// Implementation is in data layer (data.MessageRepo).
type MessageRepo interface {
	CreateMessages(ctx context.Context, msgs []*data.NotificationMessage) error
	ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]*data.NotificationMessage, error)
	MarkSent(ctx context.Context, id string, attempts int32) error
	MarkRetry(ctx context.Context, id string, attempts int32, nextAttempt time.Time, lastError string) error
	MarkFailedPermanent(ctx context.Context, id string, attempts int32, lastError string) error
	QueueStats(ctx context.Context) (*data.QueueStats, error)
	ListFailedPermanent(ctx context.Context, limit int) ([]*data.NotificationMessage, error)
}

// Notice is a notification to deliver about a remediation plan.
type Notice struct {
	PlanID   string
	Severity string
	Subject  string
	Body     string
}

// DispatcherConfig tunes the delivery worker.
type DispatcherConfig struct {
	MaxAttempts  int32
	BackoffBase  time.Duration
	PollInterval time.Duration
	BatchSize    int
	WorkerCount  int
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	return c
}

// Dispatcher delivers notifications at least once. Enqueue persists
// messages before returning; background workers claim due messages and
// push them through the gateway so channel sends get the same breaker
// and fallback treatment as backend calls. A message that exhausts its
// attempts is kept as failed_permanent and surfaced on the status page.
type Dispatcher struct {
	repo    MessageRepo
	gateway *Gateway
	roster  []data.ChannelInfo
	audit   AuditLogger
	cfg     DispatcherConfig
	logger  *log.Helper

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a notification dispatcher.
func NewDispatcher(repo MessageRepo, gateway *Gateway, roster []data.ChannelInfo, audit AuditLogger, cfg DispatcherConfig, logger log.Logger) *Dispatcher {
	return &Dispatcher{
		repo:    repo,
		gateway: gateway,
		roster:  roster,
		audit:   audit,
		cfg:     cfg.withDefaults(),
		logger:  log.NewHelper(logger),
	}
}

// routeChannels picks delivery channels by severity: critical notices go
// to every channel, warnings to chat channels, info to webhooks.
func (d *Dispatcher) routeChannels(severity string) []string {
	var names []string
	for _, ch := range d.roster {
		switch model.Severity(severity) {
		case model.SeverityCritical:
			names = append(names, ch.Name)
		case model.SeverityWarning:
			if ch.Kind == data.ChannelKindTelegram || ch.Kind == data.ChannelKindSlack {
				names = append(names, ch.Name)
			}
		default:
			if ch.Kind == data.ChannelKindWebhook {
				names = append(names, ch.Name)
			}
		}
	}
	return names
}

// Enqueue persists one message per routed channel. Delivery happens
// asynchronously; a notice routed to no channel is dropped with a log.
func (d *Dispatcher) Enqueue(ctx context.Context, notice *Notice) error {
	channels := d.routeChannels(notice.Severity)
	if len(channels) == 0 {
		d.logger.Debugw("notice routed to no channel",
			"plan_id", notice.PlanID,
			"severity", notice.Severity)
		return nil
	}

	msgs := make([]*data.NotificationMessage, 0, len(channels))
	for _, ch := range channels {
		msgs = append(msgs, &data.NotificationMessage{
			PlanID:      notice.PlanID,
			Channel:     ch,
			Severity:    notice.Severity,
			Subject:     notice.Subject,
			Body:        notice.Body,
			MaxAttempts: d.cfg.MaxAttempts,
		})
	}
	if err := d.repo.CreateMessages(ctx, msgs); err != nil {
		return err
	}
	d.logger.Infow("notice enqueued",
		"plan_id", notice.PlanID,
		"severity", notice.Severity,
		"channels", len(channels))
	return nil
}

// Start launches the delivery workers. Implements kratos transport.Server
// so the dispatcher participates in application lifecycle.
func (d *Dispatcher) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	for i := 0; i < d.cfg.WorkerCount; i++ {
		d.wg.Add(1)
		go d.worker(runCtx)
	}
	d.logger.Infow("dispatcher started",
		"workers", d.cfg.WorkerCount,
		"poll_interval", d.cfg.PollInterval,
		"max_attempts", d.cfg.MaxAttempts)
	return nil
}

// Stop shuts the workers down and waits for in-flight deliveries.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	d.logger.Info("dispatcher stopped")
	return nil
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drain(ctx)
		}
	}
}

// drain claims and delivers due messages until the queue is empty.
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		// Lease long enough to cover the remaining attempts' backoff.
		lease := d.cfg.BackoffBase * time.Duration(d.cfg.MaxAttempts)
		msgs, err := d.repo.ClaimDue(ctx, d.cfg.BatchSize, lease)
		if err != nil {
			d.logger.Errorw("failed to claim messages", "error", err)
			return
		}
		if len(msgs) == 0 {
			return
		}
		for _, msg := range msgs {
			if ctx.Err() != nil {
				return
			}
			d.deliver(ctx, msg)
		}
	}
}

// deliver attempts one send and books the outcome.
func (d *Dispatcher) deliver(ctx context.Context, msg *data.NotificationMessage) {
	attempt := msg.Attempts + 1
	input := map[string]interface{}{
		"subject":  msg.Subject,
		"body":     msg.Body,
		"severity": msg.Severity,
		"plan_id":  msg.PlanID,
	}

	_, err := d.gateway.Call(ctx, model.NotifyOp(msg.Channel), input)
	if err == nil {
		if markErr := d.repo.MarkSent(ctx, msg.ID, attempt); markErr != nil {
			// The send succeeded but the bookkeeping failed; the message
			// will be retried, which at-least-once delivery permits.
			d.logger.Warnw("sent message not marked, will redeliver",
				"message_id", msg.ID, "error", markErr)
			return
		}
		d.logger.Infow("message delivered",
			"message_id", msg.ID,
			"channel", msg.Channel,
			"attempt", attempt)
		return
	}

	if attempt >= msg.MaxAttempts {
		if markErr := d.repo.MarkFailedPermanent(ctx, msg.ID, attempt, err.Error()); markErr != nil {
			d.logger.Errorw("failed to mark message exhausted",
				"message_id", msg.ID, "error", markErr)
			return
		}
		d.audit.LogDeliveryExhausted(ctx, &model.DeliveryExhaustedEvent{
			MessageID: msg.ID,
			PlanID:    msg.PlanID,
			Channel:   msg.Channel,
			Attempts:  attempt,
			LastError: err.Error(),
		})
		d.logger.Errorw("message delivery exhausted",
			"message_id", msg.ID,
			"plan_id", msg.PlanID,
			"error", NewDeliveryExhausted(msg.ID, msg.Channel, attempt).WithCause(err))
		return
	}

	backoff := d.cfg.BackoffBase
	for i := int32(1); i < attempt; i++ {
		backoff *= 2
	}
	next := time.Now().Add(backoff)
	if markErr := d.repo.MarkRetry(ctx, msg.ID, attempt, next, err.Error()); markErr != nil {
		d.logger.Errorw("failed to schedule retry",
			"message_id", msg.ID, "error", markErr)
		return
	}
	d.logger.Warnw("delivery failed, retry scheduled",
		"message_id", msg.ID,
		"channel", msg.Channel,
		"attempt", attempt,
		"next_attempt_in", backoff,
		"error", err)
}

// Stats returns delivery queue counters.
func (d *Dispatcher) Stats(ctx context.Context) (*data.QueueStats, error) {
	return d.repo.QueueStats(ctx)
}

// RecentFailures returns recently exhausted messages.
func (d *Dispatcher) RecentFailures(ctx context.Context, limit int) ([]*data.NotificationMessage, error) {
	return d.repo.ListFailedPermanent(ctx, limit)
}
