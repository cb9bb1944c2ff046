// Package audit implements the audit logging service.
//
// Audit logs are append-only records of every command attempt. Hard-delete is
// NOT allowed.
//
// Import Path: keel.dev/keel/internal/governance/audit
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"keel.dev/keel/internal/pkg/logger"
	"keel.dev/keel/internal/transaction"
)

// Record is one audit entry.
type Record struct {
	ID           string                 `json:"id"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	Actor        string                 `json:"actor"`
	Details      map[string]interface{} `json:"details,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Logger writes audit records to the audit_logs table.
type Logger struct {
	db transaction.Querier
}

// NewLogger creates a new audit Logger.
func NewLogger(db transaction.Querier) *Logger {
	return &Logger{db: db}
}

// LogAction records an auditable action. A transaction carried by ctx is
// joined, so the record commits or rolls back with it.
func (l *Logger) LogAction(ctx context.Context, action, resourceType, resourceID, actor string, details map[string]interface{}) error {
	var raw []byte
	if len(details) > 0 {
		var err error
		if raw, err = json.Marshal(details); err != nil {
			return fmt.Errorf("encode audit details: %w", err)
		}
	}

	_, err := transaction.QuerierFrom(ctx, l.db).Exec(ctx,
		`INSERT INTO audit_logs (id, action, resource_type, resource_id, actor, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		generateAuditID(), action, resourceType, resourceID, actor, raw, time.Now().UTC(),
	)
	if err != nil {
		logger.Error("Failed to write audit log",
			zap.String("action", action),
			zap.String("resource_type", resourceType),
			zap.String("resource_id", resourceID),
			zap.Error(err),
		)
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

// List returns the audit trail of one resource, oldest first.
func (l *Logger) List(ctx context.Context, resourceType, resourceID string) ([]Record, error) {
	rows, err := transaction.QuerierFrom(ctx, l.db).Query(ctx,
		`SELECT id, action, resource_type, resource_id, actor, details, created_at
		   FROM audit_logs
		  WHERE resource_type = $1 AND resource_id = $2
		  ORDER BY created_at, id`,
		resourceType, resourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var (
			r   Record
			raw []byte
		)
		if err := row.Scan(&r.ID, &r.Action, &r.ResourceType, &r.ResourceID, &r.Actor, &raw, &r.CreatedAt); err != nil {
			return Record{}, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &r.Details); err != nil {
				return Record{}, fmt.Errorf("decode audit details %s: %w", r.ID, err)
			}
		}
		return r, nil
	})
}

// MemoryLogger keeps audit records in memory.
type MemoryLogger struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryLogger creates an empty MemoryLogger.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

// LogAction records an auditable action.
func (m *MemoryLogger) LogAction(_ context.Context, action, resourceType, resourceID, actor string, details map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, Record{
		ID:           generateAuditID(),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Actor:        actor,
		Details:      details,
		CreatedAt:    time.Now().UTC(),
	})
	return nil
}

// List returns the audit trail of one resource, oldest first.
func (m *MemoryLogger) List(_ context.Context, resourceType, resourceID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.ResourceType == resourceType && r.ResourceID == resourceID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Records returns a copy of every record.
func (m *MemoryLogger) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

func generateAuditID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return fmt.Sprintf("audit-%s", id.String())
}
