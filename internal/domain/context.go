package domain

// ExecutionContext is built once per execute call and threaded through the
// middleware chain into the action executor.
type ExecutionContext struct {
	Aggregate        State
	Command          Command
	IdentityField    string
	ActionName       string
	ActionType       ActionType
	ParamMapping     map[string]string
	Metadata         map[string]interface{}
	Resource         string
	MiddlewareConfig map[string]interface{}
}

// Map returns the context as an ordered field map.
func (ec ExecutionContext) Map() Params {
	return Pairs(
		"aggregate", ec.Aggregate,
		"command", ec.Command,
		"identity_field", ec.IdentityField,
		"action_name", ec.ActionName,
		"action_type", ec.ActionType,
		"param_mapping", ec.ParamMapping,
		"metadata", ec.Metadata,
		"resource", ec.Resource,
		"middleware_config", ec.MiddlewareConfig,
	)
}

// WithMetadata returns a copy of ec with key set in its metadata.
func (ec ExecutionContext) WithMetadata(key string, value interface{}) ExecutionContext {
	md := make(map[string]interface{}, len(ec.Metadata)+1)
	for k, v := range ec.Metadata {
		md[k] = v
	}
	md[key] = value
	ec.Metadata = md
	return ec
}
