package core

import (
	"errors"
	"fmt"
)

// Sentinel errors raised while building or mutating a rule forest.
var (
	// ErrNilRule is returned when a nil rule is handed to the forest
	ErrNilRule = errors.New("nil rule")
	// ErrSigIDNotFound is returned when an if_sid target does not exist
	ErrSigIDNotFound = errors.New("signature id not found")
	// ErrInvalidSigID is returned when an if_sid list holds a non-integer token
	ErrInvalidSigID = errors.New("signature id must be an integer")
	// ErrInvalidLevel is returned when if_level is not a positive integer
	ErrInvalidLevel = errors.New("invalid level")
	// ErrLevelNotFound is returned when no rule satisfies an if_level threshold
	ErrLevelNotFound = errors.New("no rule matches level")
	// ErrGroupNotFound is returned when no rule group matches an if_group pattern
	ErrGroupNotFound = errors.New("group not found")
	// ErrCategoryNotFound is returned when a rule's category has no root yet
	ErrCategoryNotFound = errors.New("category not found")
	// ErrInvalidHandle is returned for node handles the forest never issued
	ErrInvalidHandle = errors.New("invalid node handle")
	// ErrNotChild is returned when a relocation names the wrong old parent
	ErrNotChild = errors.New("node is not a child of the given parent")
	// ErrRelocateCycle is returned when a node would be moved beneath itself
	ErrRelocateCycle = errors.New("relocation would create a cycle")
)

// RuleError carries the context of a failed forest operation.
type RuleError struct {
	// Op is the forest operation that failed: add, update, relocate or mark
	Op string
	// SigID is the rule being processed
	SigID int
	// Directive is the correlation directive being resolved, if any
	Directive string
	// Value is the offending directive value
	Value string
	// Err is the underlying sentinel
	Err error
}

// Error implements the error interface.
func (e *RuleError) Error() string {
	if e.Directive != "" {
		return fmt.Sprintf("forest: %s rule %d: %s '%s': %v", e.Op, e.SigID, e.Directive, e.Value, e.Err)
	}
	return fmt.Sprintf("forest: %s rule %d: %v", e.Op, e.SigID, e.Err)
}

// Unwrap returns the underlying sentinel error.
func (e *RuleError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether the error describes a malformed rule configuration.
// Loading must stop on a fatal error: rules loaded later may depend on the
// target that could not be resolved. A malformed if_level only costs the rule
// that carries it.
func (e *RuleError) IsFatal() bool {
	switch {
	case errors.Is(e.Err, ErrSigIDNotFound),
		errors.Is(e.Err, ErrInvalidSigID),
		errors.Is(e.Err, ErrLevelNotFound),
		errors.Is(e.Err, ErrGroupNotFound),
		errors.Is(e.Err, ErrCategoryNotFound):
		return true
	}
	return false
}

// IsFatal reports whether err wraps a fatal configuration RuleError.
func IsFatal(err error) bool {
	var re *RuleError
	if errors.As(err, &re) {
		return re.IsFatal()
	}
	return false
}
