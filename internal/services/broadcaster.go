package services

import (
	"errors"

	"numbers-betting-backend/internal/models"
)

// ErrNotifyQueueFull is returned when a subscriber queue cannot take another
// message. The message is dropped.
var ErrNotifyQueueFull = errors.New("notification queue full")

// Notifier fans settlement messages out to connected clients. Publishes
// enqueue and return without waiting for delivery.
type Notifier interface {
	Broadcast(msg *models.Notification) error
	PublishToAdmins(msg *models.Notification) error
	PublishToUser(userID int64, msg *models.Notification) error
}

// EventPublisher receives one event per committed settlement.
type EventPublisher interface {
	PublishSettlement(event *models.SessionSettledEvent) error
}
