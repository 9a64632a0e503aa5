package domain

import (
	"time"

	"github.com/google/uuid"
)

// PresenceStatus is a user's derived online state
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

// PresenceRecord is one status transition
type PresenceRecord struct {
	UserID         uuid.UUID      `json:"userId"`
	Status         PresenceStatus `json:"status"`
	LastTransition time.Time      `json:"lastTransition"`
}
