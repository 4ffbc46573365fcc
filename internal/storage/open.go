package storage

import (
	"context"
	"fmt"
	"strings"

	"tagsync/internal/dispatch"
	logx "tagsync/pkg/logx"
)

// Store is the persistence API used by the dispatch registry, the intake API
// and the response handler. Implementations are safe for concurrent use.
type Store interface {
	// SubscribedRegistrationIDs returns the ids subscribed to tag in subscription order.
	SubscribedRegistrationIDs(ctx context.Context, tag dispatch.Tag) ([]string, error)
	// Subscribe is idempotent; an existing subscription keeps its position.
	Subscribe(ctx context.Context, tag dispatch.Tag, registrationID string) error
	Unsubscribe(ctx context.Context, tag dispatch.Tag, registrationID string) error
	AppendDelivery(ctx context.Context, rec DeliveryRecord) error
	Close() error
}

var _ dispatch.Registry = Store(nil)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("driver", driverName(driver)))

	switch driver {
	case "", "memory", "mem":
		return newMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

func driverName(d string) string {
	if d == "" {
		return "memory"
	}
	return d
}

func validSubscription(tag dispatch.Tag, id string) (string, string, error) {
	t := strings.TrimSpace(tag.Name())
	id = strings.TrimSpace(id)
	if t == "" || id == "" {
		return "", "", ErrInvalidSubscription
	}
	return t, id, nil
}
