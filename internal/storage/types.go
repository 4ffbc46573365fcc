package storage

import (
	"errors"
	"time"
)

var (
	// ErrDisabled is returned by a store that has been closed.
	ErrDisabled = errors.New("storage disabled")
	// ErrInvalidSubscription is returned when a tag or registration id is empty.
	ErrInvalidSubscription = errors.New("storage: tag and registration id are required")
)

// Config configures storage.
//
// Driver values:
//   - "" or "memory": in-process maps (lost on restart)
//   - "file": <path-prefix>.subs.{snapshot.json,journal.jsonl} + <path-prefix>.deliveries.jsonl
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Retention   time.Duration // delivery records older than this are pruned; 0 means 30 days
}

// Subscription binds one device to one tag.
type Subscription struct {
	Tag            string    `json:"tag"`
	RegistrationID string    `json:"registration_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// DeliveryRecord is one audit row per finished gateway attempt.
// Keep it compact and schema-stable.
type DeliveryRecord struct {
	At        time.Time `json:"at"`
	AttemptID string    `json:"attempt_id"`
	Tag       string    `json:"tag"`
	IDs       int       `json:"ids"`
	Status    int       `json:"status"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	DelayMS   int64     `json:"delay_ms"`
	TookMS    int64     `json:"took_ms"`
}

const defaultRetention = 30 * 24 * time.Hour
