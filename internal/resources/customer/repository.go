package customer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	apperrors "keel.dev/keel/internal/pkg/errors"
)

// Record is the customer read model maintained by the actions.
type Record struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Email         string          `json:"email"`
	Status        string          `json:"status"`
	Balance       decimal.Decimal `json:"balance"`
	RegisteredAt  time.Time       `json:"registered_at"`
	DeactivatedAt *time.Time      `json:"deactivated_at,omitempty"`
}

// Repository stores customer records. Implementations join a transaction
// carried by ctx.
type Repository interface {
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	// EmailOwner returns the id of the customer using email, or "".
	EmailOwner(ctx context.Context, email string) (string, error)
	UpdateEmail(ctx context.Context, id, email string) error
	// AddToBalance adds amount and returns the new balance.
	AddToBalance(ctx context.Context, id string, amount decimal.Decimal) (decimal.Decimal, error)
	Deactivate(ctx context.Context, id string, at time.Time) error
	List(ctx context.Context) ([]Record, error)
}

func errNotFound(id string) error {
	return apperrors.NotFound(apperrors.CodeNotFound, fmt.Sprintf("customer %s not found", id))
}

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]Record)}
}

// Create implements Repository.
func (r *MemoryRepository) Create(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.ID]; ok {
		return apperrors.Conflict(apperrors.CodeVersionConflict, fmt.Sprintf("customer %s already exists", rec.ID))
	}
	r.records[rec.ID] = rec
	return nil
}

// Get implements Repository.
func (r *MemoryRepository) Get(_ context.Context, id string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, errNotFound(id)
	}
	return rec, nil
}

// EmailOwner implements Repository.
func (r *MemoryRepository) EmailOwner(_ context.Context, email string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, rec := range r.records {
		if rec.Email == email {
			return id, nil
		}
	}
	return "", nil
}

// UpdateEmail implements Repository.
func (r *MemoryRepository) UpdateEmail(_ context.Context, id, email string) error {
	return r.update(id, func(rec *Record) { rec.Email = email })
}

// AddToBalance implements Repository.
func (r *MemoryRepository) AddToBalance(_ context.Context, id string, amount decimal.Decimal) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := r.update(id, func(rec *Record) {
		rec.Balance = rec.Balance.Add(amount)
		out = rec.Balance
	})
	return out, err
}

// Deactivate implements Repository.
func (r *MemoryRepository) Deactivate(_ context.Context, id string, at time.Time) error {
	return r.update(id, func(rec *Record) {
		rec.Status = StatusInactive
		rec.DeactivatedAt = &at
	})
}

// List implements Repository, ordered by id.
func (r *MemoryRepository) List(_ context.Context) ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) update(id string, fn func(*Record)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return errNotFound(id)
	}
	fn(&rec)
	r.records[id] = rec
	return nil
}
