// internal/notification/notification.go
package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"cuhkszlibrary/internal/circulation"
)

const inboxLimit = 100

// Notification is one message in a patron's inbox.
type Notification struct {
	ID        int64     `json:"notification_id" db:"notification_id"`
	UserID    int64     `json:"user_id" db:"user_id"`
	Message   string    `json:"message" db:"message"`
	IsRead    bool      `json:"is_read" db:"is_read"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Draft is a notification waiting to be written. SourceEventID is zero for
// messages sent by hand.
type Draft struct {
	UserID        int64
	Message       string
	SourceEventID int64
}

// Repository persists inbox messages.
type Repository interface {
	InsertNotification(ctx context.Context, d Draft) (int64, error)
	Inbox(ctx context.Context, userID int64, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, userID, notificationID int64) (bool, error)
}

// Service defines the interface for the notification service.
type Service interface {
	Send(ctx context.Context, userID int64, message string) (int64, error)
	Inbox(ctx context.Context, userID int64) ([]Notification, error)
	MarkRead(ctx context.Context, userID, notificationID int64) error
}

var (
	errMissingFields = circulation.NewError(circulation.KindInvalidInput, "Please provide user_id and message.")
	errNotFound      = circulation.NewError(circulation.KindNotFound, "Notification not found.")
)

type service struct {
	repo   Repository
	logger *zap.Logger
}

// NewService creates a new notification service instance.
func NewService(repo Repository, logger *zap.Logger) Service {
	return &service{repo: repo, logger: logger.Named("notification")}
}

// Send writes a free-text message to a user's inbox.
func (s *service) Send(ctx context.Context, userID int64, message string) (int64, error) {
	message = strings.TrimSpace(message)
	if userID <= 0 || message == "" {
		return 0, errMissingFields
	}

	id, err := s.repo.InsertNotification(ctx, Draft{UserID: userID, Message: message})
	if err != nil {
		s.logger.Error("send notification failed", zap.Int64("user_id", userID), zap.Error(err))
		return 0, circulation.StorageFailure(fmt.Errorf("insert notification: %w", err))
	}

	s.logger.Info("notification sent", zap.Int64("notification_id", id), zap.Int64("user_id", userID))
	return id, nil
}

// Inbox lists the user's most recent messages, newest first.
func (s *service) Inbox(ctx context.Context, userID int64) ([]Notification, error) {
	items, err := s.repo.Inbox(ctx, userID, inboxLimit)
	if err != nil {
		return nil, circulation.StorageFailure(fmt.Errorf("inbox: %w", err))
	}
	return items, nil
}

// MarkRead marks one of the user's own messages as read.
func (s *service) MarkRead(ctx context.Context, userID, notificationID int64) error {
	ok, err := s.repo.MarkRead(ctx, userID, notificationID)
	if err != nil {
		return circulation.StorageFailure(fmt.Errorf("mark read: %w", err))
	}
	if !ok {
		return errNotFound
	}
	return nil
}
