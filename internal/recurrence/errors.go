package recurrence

import (
	"errors"
	"fmt"
)

// ErrInvalidExpression is matched by every parse failure.
var ErrInvalidExpression = errors.New("invalid recurrence expression")

// ExpressionError describes why an expression was rejected.
type ExpressionError struct {
	Expr   string
	Field  string
	Reason string
}

func (e *ExpressionError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid expression %q: %s", e.Expr, e.Reason)
	}
	return fmt.Sprintf("invalid expression %q: %s field: %s", e.Expr, e.Field, e.Reason)
}

func (e *ExpressionError) Unwrap() error { return ErrInvalidExpression }

func invalid(expr, field, format string, args ...any) error {
	return &ExpressionError{Expr: expr, Field: field, Reason: fmt.Sprintf(format, args...)}
}
