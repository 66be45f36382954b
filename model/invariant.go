package model

import "fmt"

// InvariantViolation is the panic value raised when the host store breaks
// the snapshot contract, e.g. a version moving backwards or a chunk growing
// past its capacity. It is never returned as an error.
type InvariantViolation struct {
	Component string
	Detail    string
}

func (v *InvariantViolation) Error() string {
	return fmt.Sprintf("%s: invariant violated: %s", v.Component, v.Detail)
}

// Violate panics with an InvariantViolation.
func Violate(component, format string, args ...any) {
	panic(&InvariantViolation{Component: component, Detail: fmt.Sprintf(format, args...)})
}
