package core

import (
	"errors"

	"github.com/go-playground/validator/v10"

	"subsync/internal/types"
)

// Validator wraps go-playground/validator and translates validation
// failures into the 400-class AppError the response layer expects.
type Validator struct {
	v *validator.Validate
}

// NewValidator creates a Validator with struct-tag validation enabled.
func NewValidator() *Validator {
	return &Validator{v: validator.New()}
}

// ValidateStruct validates dst's `validate` tags. On failure it returns an
// AppError whose details name the first offending field and rule.
func (val *Validator) ValidateStruct(dst interface{}) error {
	err := val.v.Struct(dst)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationMissingField,
			"invalid request: field '"+fe.Field()+"' failed rule '"+fe.Tag()+"'",
			err,
			map[string]any{
				"field": fe.Field(),
				"rule":  fe.Tag(),
			},
		)
	}

	return types.NewAppError(
		types.ErrCodeValidationMissingField,
		"invalid request body",
		err,
	)
}
