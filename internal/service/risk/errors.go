package risk

import (
	"errors"
	"fmt"

	"github.com/krobus00/execution-engine/internal/service/strategy"
)

var (
	ErrValidation = errors.New("order request validation failed")
	ErrKillSwitch = errors.New("trading halted by kill switch")
)

// ValidationError names the offending request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrValidation.Error(), e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, reason string, args ...any) error {
	if len(args) > 0 {
		reason = fmt.Sprintf(reason, args...)
	}
	return &ValidationError{Field: field, Reason: reason}
}

func fromParamError(err error) error {
	var paramErr *strategy.ParamError
	if errors.As(err, &paramErr) {
		return &ValidationError{Field: paramErr.Field, Reason: paramErr.Reason}
	}
	return err
}
