package params

import (
	"keel.dev/keel/internal/domain"
	apperrors "keel.dev/keel/internal/pkg/errors"
)

// Run applies the command's transforms in order, then its validations in
// order, returning the transformed params. It stops at the first failing
// rule and returns that single validation error. values is not modified.
func Run(def *domain.CommandDef, values domain.Params) (domain.Params, error) {
	p := values.Clone()

	var err error
	for _, t := range def.Transforms {
		p, err = t.Apply(p)
		if err != nil {
			return domain.Params{}, asValidation(err)
		}
	}

	for _, r := range def.Validations {
		if err := r.Check(p); err != nil {
			return domain.Params{}, asValidation(err)
		}
	}

	return p, nil
}

func asValidation(err error) error {
	if _, ok := apperrors.IsAppError(err); ok {
		return err
	}
	return apperrors.Validation("", err.Error(), nil)
}
