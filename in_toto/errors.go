package in_toto

import (
	"fmt"
)

/*
SignatureVerificationError is returned when a verification key supplied to
the driver failed to check a signature on the layout.
*/
type SignatureVerificationError struct {
	KeyID string
	Err   error
}

func (e *SignatureVerificationError) Error() string {
	return fmt.Sprintf("signature verification failed for key '%s': %s", e.KeyID, e.Err)
}

func (e *SignatureVerificationError) Unwrap() error {
	return e.Err
}

// LayoutExpiredError is returned when a layout's `expires` is in the past.
type LayoutExpiredError struct {
	Expires string
}

func (e *LayoutExpiredError) Error() string {
	return fmt.Sprintf("layout expired on '%s'", e.Expires)
}

// LinkNotFoundError is returned when too few link files were found to even
// attempt threshold verification for a step.
type LinkNotFoundError struct {
	StepName  string
	Threshold int
	Found     int
}

func (e *LinkNotFoundError) Error() string {
	return fmt.Sprintf("step '%s' requires %d link metadata file(s), found %d",
		e.StepName, e.Threshold, e.Found)
}

// ThresholdVerificationError is returned when too few validly signed
// authorized links were found for a step, or when retained links for a
// threshold>1 step disagree on materials/products.
type ThresholdVerificationError struct {
	StepName  string
	Threshold int
	Found     int
	// Diverging holds the two keyids whose artifacts disagreed, set only for
	// the threshold-equality variant of this error.
	Diverging []string
	Diff      string
}

func (e *ThresholdVerificationError) Error() string {
	if len(e.Diverging) > 0 {
		return fmt.Sprintf("step '%s': links signed by %v report different artifacts:\n%s",
			e.StepName, e.Diverging, e.Diff)
	}
	return fmt.Sprintf("step '%s' requires %d validly signed authorized link(s), found %d",
		e.StepName, e.Threshold, e.Found)
}

// RuleTraceEntry records the state of the artifact queue after applying one
// rule, so a RuleVerificationError can be reported with a full trace.
type RuleTraceEntry struct {
	Rule            []string
	QueueAfter      []string
	Materials       []string
	Products        []string
}

// RuleVerificationError is returned when a DISALLOW rule matched a queued
// artifact, or a REQUIRE rule's filename was absent from the queue.
type RuleVerificationError struct {
	ItemName string
	SrcType  string // "materials" or "products"
	Rule     []string
	Reason   string
	Trace    []RuleTraceEntry
}

func (e *RuleVerificationError) Error() string {
	return fmt.Sprintf("artifact rule verification failed for '%s' (%s), rule %v: %s",
		e.ItemName, e.SrcType, e.Rule, e.Reason)
}

// BadReturnValueError is returned when an inspection's command exited
// non-zero (or produced a non-integer return value).
type BadReturnValueError struct {
	InspectionName string
	ReturnValue    interface{}
}

func (e *BadReturnValueError) Error() string {
	return fmt.Sprintf("inspection '%s' returned a bad value: %v", e.InspectionName, e.ReturnValue)
}

// KeyExpirationError is returned when a PGP key needed for a verification is
// expired. Distinguished from a failed cryptographic check so callers can
// apply their own policy (e.g. warn instead of fail).
type KeyExpirationError struct {
	KeyID string
}

func (e *KeyExpirationError) Error() string {
	return fmt.Sprintf("key '%s' is expired", e.KeyID)
}

// ParameterError is returned by SubstituteParameters when a caller-supplied
// parameter name is malformed; Name holds that name. A `{name}` marker in the
// layout whose name is absent from the parameter map is not reported and
// stays in the layout as written.
type ParameterError struct {
	Name string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("parameter '%s' has no substitution value", e.Name)
}

// PrefixError is returned when lstrip_paths collapses artifacts of two
// different URIs to the same recorded key. Files of a single URI that
// collapse onto one key are reported by the resolver as a plain error.
type PrefixError struct {
	Key   string
	PathA string
	PathB string
}

func (e *PrefixError) Error() string {
	return fmt.Sprintf("lstrip_paths collapses '%s' and '%s' to the same key '%s'",
		e.PathA, e.PathB, e.Key)
}

// FormatError is returned when metadata fails schema validation on load or
// at an API boundary.
type FormatError struct {
	Context string
	Err     error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format error in %s: %s", e.Context, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned when a subprocess exceeded its configured
// timeout.
type TimeoutError struct {
	Command []string
	Timeout string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %v exceeded timeout %s", e.Command, e.Timeout)
}
