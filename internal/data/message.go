package data

import (
	"context"
	"database/sql/driver"
	"fmt"
	"time"

	pkgerrors "OpsMender/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageStatus represents the database ENUM type for delivery status.
type MessageStatus string

// Delivery status constants.
const (
	MessageStatusPending         MessageStatus = "pending"
	MessageStatusSent            MessageStatus = "sent"
	MessageStatusFailedPermanent MessageStatus = "failed_permanent"
)

// Scan implements sql.Scanner interface for MessageStatus.
func (s *MessageStatus) Scan(value interface{}) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*s = MessageStatus(v)
	case string:
		*s = MessageStatus(v)
	default:
		return fmt.Errorf("cannot scan type %T into MessageStatus", value)
	}
	return nil
}

// Value implements driver.Valuer interface for MessageStatus.
func (s MessageStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// NotificationMessage is the GORM model for notification_messages table.
// A row is the unit of guaranteed delivery: it stays pending until a
// dispatcher worker marks it sent or exhausts its attempts.
type NotificationMessage struct {
	ID            string        `gorm:"primaryKey;column:id;size:36"`
	PlanID        string        `gorm:"column:plan_id;size:36;index:idx_messages_plan"`
	Channel       string        `gorm:"column:channel;size:100;not null"`
	Severity      string        `gorm:"column:severity;size:16;not null"`
	Subject       string        `gorm:"column:subject;size:255"`
	Body          string        `gorm:"column:body;type:text;not null"`
	Status        MessageStatus `gorm:"column:status;type:enum('pending','sent','failed_permanent');default:'pending';not null;index:idx_messages_due,priority:1"`
	Attempts      int32         `gorm:"column:attempts;default:0;not null"`
	MaxAttempts   int32         `gorm:"column:max_attempts;default:5;not null"`
	NextAttemptAt time.Time     `gorm:"column:next_attempt_at;not null;index:idx_messages_due,priority:2"`
	LastError     *string       `gorm:"column:last_error;type:text"`
	SentAt        *time.Time    `gorm:"column:sent_at"`
	CreatedAt     time.Time     `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time     `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (NotificationMessage) TableName() string {
	return "notification_messages"
}

// QueueStats summarizes the delivery queue for the status surface.
type QueueStats struct {
	Pending         int64 `json:"pending"`
	Sent            int64 `json:"sent"`
	FailedPermanent int64 `json:"failed_permanent"`
}

// MessageRepo implements biz.MessageRepo interface.
type MessageRepo struct {
	data   *Data
	db     *gorm.DB
	logger *log.Helper
}

// NewMessageRepo creates a new notification message repository.
func NewMessageRepo(data *Data, db *gorm.DB, logger log.Logger) *MessageRepo {
	return &MessageRepo{
		data:   data,
		db:     db,
		logger: log.NewHelper(logger),
	}
}

// CreateMessages persists a batch of messages in one transaction. The
// messages become visible to dispatcher workers as soon as the
// transaction commits.
func (r *MessageRepo) CreateMessages(ctx context.Context, msgs []*NotificationMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	now := time.Now()
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.Status == "" {
			m.Status = MessageStatusPending
		}
		if m.NextAttemptAt.IsZero() {
			m.NextAttemptAt = now
		}
	}
	if err := r.db.WithContext(ctx).Create(msgs).Error; err != nil {
		dbErr := pkgerrors.ClassifyDBError(err)
		r.logger.Errorw("failed to enqueue messages",
			"count", len(msgs),
			"error", dbErr.Error())
		return dbErr
	}
	r.logger.Debugw("messages enqueued", "count", len(msgs))
	return nil
}

// ClaimDue leases up to limit pending messages that are due for delivery.
// Claimed rows have their next_attempt_at pushed out by lease so that other
// workers skip them; a crashed worker's claim simply expires.
func (r *MessageRepo) ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]*NotificationMessage, error) {
	if limit <= 0 {
		limit = 10
	}

	var claimed []*NotificationMessage
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var due []*NotificationMessage
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND next_attempt_at <= ?", MessageStatusPending, time.Now()).
			Order("next_attempt_at ASC").
			Limit(limit).
			Find(&due).Error
		if err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}

		ids := make([]string, 0, len(due))
		leaseUntil := time.Now().Add(lease)
		for _, m := range due {
			ids = append(ids, m.ID)
			m.NextAttemptAt = leaseUntil
		}
		if err := tx.Model(&NotificationMessage{}).
			Where("id IN ?", ids).
			Update("next_attempt_at", leaseUntil).Error; err != nil {
			return err
		}
		claimed = due
		return nil
	})
	if err != nil {
		r.logger.Errorf("failed to claim due messages: %v", err)
		return nil, fmt.Errorf("failed to claim due messages: %w", err)
	}
	return claimed, nil
}

// MarkSent records a successful delivery.
func (r *MessageRepo) MarkSent(ctx context.Context, id string, attempts int32) error {
	now := time.Now()
	err := r.db.WithContext(ctx).Model(&NotificationMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     MessageStatusSent,
			"attempts":   attempts,
			"sent_at":    now,
			"updated_at": now,
		}).Error
	if err != nil {
		r.logger.Errorf("failed to mark message %s sent: %v", id, err)
		return fmt.Errorf("failed to mark message sent: %w", err)
	}
	return nil
}

// MarkRetry records a failed attempt and schedules the next one.
func (r *MessageRepo) MarkRetry(ctx context.Context, id string, attempts int32, nextAttempt time.Time, lastError string) error {
	err := r.db.WithContext(ctx).Model(&NotificationMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":        attempts,
			"next_attempt_at": nextAttempt,
			"last_error":      lastError,
			"updated_at":      time.Now(),
		}).Error
	if err != nil {
		r.logger.Errorf("failed to mark message %s for retry: %v", id, err)
		return fmt.Errorf("failed to mark message for retry: %w", err)
	}
	return nil
}

// MarkFailedPermanent records delivery exhaustion. The row is kept for the
// status surface rather than deleted.
func (r *MessageRepo) MarkFailedPermanent(ctx context.Context, id string, attempts int32, lastError string) error {
	err := r.db.WithContext(ctx).Model(&NotificationMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     MessageStatusFailedPermanent,
			"attempts":   attempts,
			"last_error": lastError,
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		r.logger.Errorf("failed to mark message %s failed: %v", id, err)
		return fmt.Errorf("failed to mark message failed: %w", err)
	}
	return nil
}

// QueueStats counts messages by status.
func (r *MessageRepo) QueueStats(ctx context.Context) (*QueueStats, error) {
	type row struct {
		Status MessageStatus
		N      int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&NotificationMessage{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		r.logger.Errorf("failed to compute queue stats: %v", err)
		return nil, fmt.Errorf("failed to compute queue stats: %w", err)
	}

	stats := &QueueStats{}
	for _, r := range rows {
		switch r.Status {
		case MessageStatusPending:
			stats.Pending = r.N
		case MessageStatusSent:
			stats.Sent = r.N
		case MessageStatusFailedPermanent:
			stats.FailedPermanent = r.N
		}
	}
	return stats, nil
}

// ListFailedPermanent returns recently exhausted messages for the status
// surface.
func (r *MessageRepo) ListFailedPermanent(ctx context.Context, limit int) ([]*NotificationMessage, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var msgs []*NotificationMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", MessageStatusFailedPermanent).
		Order("updated_at DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		r.logger.Errorf("failed to list failed messages: %v", err)
		return nil, fmt.Errorf("failed to list failed messages: %w", err)
	}
	return msgs, nil
}
