package orbfit

import "fmt"

// ConfigError reports an estimator configuration conflict, typically two
// distinct parameter drivers sharing one name that cannot be reconciled.
type ConfigError struct {
	// Name is the conflicting parameter name
	Name string
	// Cause is the underlying reconciliation failure
	Cause error
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	return fmt.Sprintf("duplicated parameter name %q: %v", e.Name, e.Cause)
}

// Unwrap returns the underlying cause
func (e *ConfigError) Unwrap() error { return e.Cause }

// EstimationError reports a failed estimation: propagation failure,
// singular Jacobian or solver non-convergence within the configured limits.
// Partial diagnostics from before the failing step remain available
// through the estimator accessors.
type EstimationError struct {
	// Cause is the originating failure
	Cause error
}

// Error implements the error interface
func (e *EstimationError) Error() string {
	return fmt.Sprintf("orbit estimation failed: %v", e.Cause)
}

// Unwrap returns the underlying cause
func (e *EstimationError) Unwrap() error { return e.Cause }

// ValidationError reports a candidate parameter vector mapping to an
// invalid orbit. The solver rejects such steps internally instead of
// aborting the whole estimation.
type ValidationError struct {
	// Reason describes the defect
	Reason string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid candidate parameters: %s", e.Reason)
}
