// Package incident persists incidents logged by the emergency assistant.
package incident

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/beacon/pkg/errorsx"
)

// Incident is one logged crisis event.
type Incident struct {
	ID        string         `json:"id" bson:"_id"`
	Type      string         `json:"incident_type" bson:"incident_type"`
	Severity  string         `json:"severity" bson:"severity"`
	SessionID string         `json:"session_id,omitempty" bson:"session_id,omitempty"`
	LoggedAt  time.Time      `json:"logged_at" bson:"logged_at"`
	Details   map[string]any `json:"details,omitempty" bson:"details,omitempty"`
}

// Store records incidents.
type Store interface {
	Log(ctx context.Context, in Incident) (Incident, error)
	// List returns the newest incidents first. limit <= 0 means no limit.
	List(ctx context.Context, limit int) ([]Incident, error)
	Close(ctx context.Context) error
}

// Config selects and configures a store.
type Config struct {
	Driver     string
	DSN        string
	Database   string
	Collection string
}

// Open builds the store named by cfg.Driver ("memory", "postgres", "mongo").
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres", "postgresql", "pgx":
		return NewPostgresStore(ctx, cfg.DSN, cfg.Collection)
	case "mongo", "mongodb":
		return NewMongoStore(ctx, cfg.DSN, cfg.Database, cfg.Collection)
	default:
		return nil, errorsx.Wrap(fmt.Errorf("unknown incident driver %q", cfg.Driver), errorsx.ReasonStore)
	}
}

// prepare fills the id and timestamp of a new incident.
func prepare(in Incident) Incident {
	if in.ID == "" {
		in.ID = "INC-" + uuid.NewString()
	}
	if in.LoggedAt.IsZero() {
		in.LoggedAt = time.Now().UTC()
	}
	if in.Severity == "" {
		in.Severity = "medium"
	}
	if in.Type == "" {
		in.Type = "unknown"
	}
	return in
}

func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	return errorsx.Wrap(fmt.Errorf("incident %s: %w", op, err), errorsx.ReasonStore)
}
