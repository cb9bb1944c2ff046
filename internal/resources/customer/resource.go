// Package customer is the sample aggregate shipped with the engine: a
// customer account with registration, contact changes, purchases and
// deactivation.
//
// Import Path: keel.dev/keel/internal/resources/customer
package customer

import (
	"fmt"
	"strings"
	"time"

	"keel.dev/keel/internal/chain"
	"keel.dev/keel/internal/domain"
	"keel.dev/keel/internal/params"
)

// Type is the aggregate type name.
const Type = "customer"

// Customer statuses.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Permissions checked when authorization is enabled.
const (
	PermissionWrite = "customer:write"
	PermissionAdmin = "customer:admin"
)

// Options selects the resource-level middleware.
type Options struct {
	// Auditor, when set, records every command attempt.
	Auditor chain.Auditor
	// Authorize requires an actor holding PermissionWrite; deactivation also
	// requires PermissionAdmin.
	Authorize bool
	// Repo names the transaction binding used by transactional commands.
	Repo string
}

// Schema returns the customer aggregate schema.
func Schema(opts Options) domain.Schema {
	resourceMW := []domain.MiddlewareSpec{
		chain.Use(chain.Tracing(), nil),
		chain.Use(chain.Logging(), nil),
	}
	if opts.Auditor != nil {
		resourceMW = append(resourceMW, chain.Use(chain.Audit(opts.Auditor), nil))
	}
	var adminMW []domain.MiddlewareSpec
	if opts.Authorize {
		resourceMW = append(resourceMW, chain.Use(chain.Authorize{Permission: PermissionWrite}, nil))
		adminMW = append(adminMW, chain.Use(chain.Authorize{}, map[string]interface{}{"permission": PermissionAdmin}))
	}

	return domain.Schema{
		Type:          Type,
		Repo:          opts.Repo,
		IdentityField: "id",
		Middleware:    resourceMW,
		Attributes: []domain.Attribute{
			{Name: "id", Type: domain.TypeString},
			{Name: "name", Type: domain.TypeString},
			{Name: "email", Type: domain.TypeString},
			{Name: "status", Type: domain.TypeString},
			{Name: "balance", Type: domain.TypeDecimal},
			{Name: "registered_at", Type: domain.TypeTime},
			{Name: "deactivated_at", Type: domain.TypeTime},
		},
		Commands: []domain.CommandDef{
			{
				Name:       "register_customer",
				Fields:     []string{"id", "name", "email", "status", "balance", "registered_at"},
				ActionType: domain.ActionCreate,
				Transforms: []domain.Transform{
					params.ComputeIfBlank("id", params.NewUUID()),
					params.TransformField("name", trimString),
					params.TransformField("email", normalizeEmail),
					params.Compute("status", constant(StatusActive)),
					params.Compute("balance", constant("0")),
					params.Cast("balance", domain.TypeDecimal),
					params.Compute("registered_at", params.Now()),
				},
				Validations: []domain.Rule{
					params.Present("name"),
					params.Present("email"),
					params.Tag("email", "email"),
				},
			},
			{
				Name:       "change_email",
				Fields:     []string{"id", "email"},
				Transforms: []domain.Transform{params.TransformField("email", normalizeEmail)},
				Validations: []domain.Rule{
					params.Present("id"),
					params.Present("email"),
					params.Tag("email", "email"),
				},
			},
			{
				Name:   "record_purchase",
				Fields: []string{"id", "amount", "reference"},
				Transforms: []domain.Transform{
					params.Map("total", "amount"),
					params.Cast("amount", domain.TypeDecimal),
				},
				Validations: []domain.Rule{
					params.Present("id"),
					params.Present("amount"),
					params.GreaterThan("amount", 0),
					params.Format("reference", `^[A-Z0-9-]{1,32}$`),
				},
				IncludeAggregate: true,
				IncludeMetadata:  true,
				InTransaction:    true,
				TransactionOpts:  domain.TransactionOpts{Timeout: 5 * time.Second, IsolationLevel: "serializable"},
			},
			{
				Name:       "deactivate_customer",
				Fields:     []string{"id", "status", "deactivated_at", "reason"},
				ActionType: domain.ActionDestroy,
				Middleware: adminMW,
				Transforms: []domain.Transform{
					params.Compute("status", constant(StatusInactive)),
					params.Compute("deactivated_at", params.Now()),
				},
				Validations: []domain.Rule{
					params.Present("id"),
					params.OneOf("reason", "requested", "fraud", "dormant"),
				},
				IncludeAggregate: true,
			},
			{
				// No event claims merge_customer; executing it reports NOT_IMPLEMENTED.
				Name:   "merge_customer",
				Fields: []string{"id", "into"},
			},
		},
		Events: []domain.EventDef{
			{Name: "customer_registered", Fields: []string{"id", "name", "email", "status", "balance", "registered_at"}},
			{Name: "email_changed", Fields: []string{"email"}},
			{Name: "purchase_recorded", Fields: []string{"balance"}},
			{Name: "customer_deactivated", Fields: []string{"status", "deactivated_at"}},
		},
	}
}

// NewDescriptor builds the customer descriptor.
func NewDescriptor(opts Options) (*domain.Descriptor, error) {
	return domain.NewDescriptor(Schema(opts))
}

func constant(v interface{}) params.ComputeFunc {
	return func(domain.Params) (interface{}, error) { return v, nil }
}

func trimString(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("must be a string")
	}
	return strings.TrimSpace(s), nil
}

func normalizeEmail(v interface{}) (interface{}, error) {
	s, err := trimString(v)
	if err != nil || s == nil {
		return s, err
	}
	return strings.ToLower(s.(string)), nil
}
