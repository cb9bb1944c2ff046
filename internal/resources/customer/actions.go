package customer

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	"keel.dev/keel/internal/action"
	"keel.dev/keel/internal/domain"
	apperrors "keel.dev/keel/internal/pkg/errors"
)

// Actions implements the customer commands against a Repository.
type Actions struct {
	repo Repository
}

// NewActions creates Actions.
func NewActions(repo Repository) *Actions {
	return &Actions{repo: repo}
}

// Register adds every customer action to reg.
func (a *Actions) Register(reg *action.Registry) {
	reg.Register(Type, "register_customer", a.registerCustomer)
	reg.Register(Type, "change_email", a.changeEmail)
	reg.Register(Type, "record_purchase", a.recordPurchase)
	reg.Register(Type, "deactivate_customer", a.deactivateCustomer)
}

func (a *Actions) registerCustomer(ctx context.Context, p domain.Params, _ domain.Params) (interface{}, error) {
	email := cast.ToString(p.Value("email"))
	if err := a.ensureEmailFree(ctx, email, ""); err != nil {
		return nil, err
	}

	balance, err := domain.ToDecimal(p.Value("balance"))
	if err != nil {
		balance = decimal.Zero
	}
	registeredAt, _ := p.Value("registered_at").(time.Time)

	return nil, a.repo.Create(ctx, Record{
		ID:           cast.ToString(p.Value("id")),
		Name:         cast.ToString(p.Value("name")),
		Email:        email,
		Status:       cast.ToString(p.Value("status")),
		Balance:      balance,
		RegisteredAt: registeredAt,
	})
}

func (a *Actions) changeEmail(ctx context.Context, p domain.Params, _ domain.Params) (interface{}, error) {
	id := cast.ToString(p.Value("id"))
	email := cast.ToString(p.Value("email"))
	if err := a.ensureEmailFree(ctx, email, id); err != nil {
		return nil, err
	}
	return nil, a.repo.UpdateEmail(ctx, id, email)
}

// recordPurchase returns the new balance, which becomes event data.
func (a *Actions) recordPurchase(ctx context.Context, p domain.Params, actx domain.Params) (interface{}, error) {
	state, _ := actx.Value("aggregate").(domain.State)
	if status := cast.ToString(state.Get("status")); status != StatusActive {
		return nil, apperrors.Aggregate("customer is not active", map[string]interface{}{
			"customer_id": state.Get("id"),
			"status":      status,
		})
	}

	amount, err := domain.ToDecimal(p.Value("amount"))
	if err != nil {
		return nil, apperrors.Validation("amount", err.Error(), p.Value("amount"))
	}
	balance, err := a.repo.AddToBalance(ctx, cast.ToString(p.Value("id")), amount)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"balance": balance}, nil
}

func (a *Actions) deactivateCustomer(ctx context.Context, p domain.Params, actx domain.Params) (interface{}, error) {
	state, _ := actx.Value("aggregate").(domain.State)
	if cast.ToString(state.Get("status")) == StatusInactive {
		return nil, apperrors.Aggregate("customer is already inactive", map[string]interface{}{
			"customer_id": state.Get("id"),
		})
	}
	at, _ := p.Value("deactivated_at").(time.Time)
	return nil, a.repo.Deactivate(ctx, cast.ToString(p.Value("id")), at)
}

func (a *Actions) ensureEmailFree(ctx context.Context, email, self string) error {
	owner, err := a.repo.EmailOwner(ctx, email)
	if err != nil {
		return fmt.Errorf("check email: %w", err)
	}
	if owner != "" && owner != self {
		return apperrors.Validation("email", "is already taken", email)
	}
	return nil
}
