package register

import "errors"

// Kind classifies a rejection for transport mapping. Everything else maps to
// an internal error with no detail leaked.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
)

// Stable machine-readable rejection codes. Callers key messaging off these,
// never off the free-text message.
const (
	CodeMissingField           = "MISSING_FIELD"
	CodeInvalidQuantity        = "INVALID_QUANTITY"
	CodeInvalidDateRange       = "INVALID_DATE_RANGE"
	CodeInvalidReason          = "INVALID_REASON"
	CodeNotControlledSubstance = "NOT_CONTROLLED_SUBSTANCE"
	CodeIncompleteWitness      = "INCOMPLETE_WITNESS"
	CodeDuplicateWitness       = "DUPLICATE_WITNESS"
	CodeStaleVerification      = "STALE_VERIFICATION"
	CodeSupervisorRequired     = "SUPERVISOR_REQUIRED"
	CodeSamePerson             = "SAME_PERSON"
	CodeInsufficientStock      = "INSUFFICIENT_STOCK"
	CodeDiscrepancyBlock       = "DISCREPANCY_BLOCK"
	CodeMedicationMismatch     = "MEDICATION_MISMATCH"
	CodeEntryInactive          = "ENTRY_INACTIVE"
	CodeAlreadyResolved        = "ALREADY_RESOLVED"
	CodeNotFound               = "NOT_FOUND"
	CodeConflict               = "CONFLICT"
)

// Error is a classified domain rejection. Retryable is only set for
// concurrent-mutation losses, where reloading current state and resubmitting
// may succeed.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Kind      Kind   `json:"-"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func validationError(code, message string) *Error {
	return &Error{Code: code, Message: message, Kind: KindValidation}
}

func conflictError(code, message string) *Error {
	return &Error{Code: code, Message: message, Kind: KindConflict}
}

func notFoundError(message string) *Error {
	return &Error{Code: CodeNotFound, Message: message, Kind: KindNotFound}
}

// retryableConflict marks a concurrent-mutation loss. The caller should
// reload the entry and resubmit.
func retryableConflict(message string) *Error {
	return &Error{Code: CodeConflict, Message: message, Kind: KindConflict, Retryable: true}
}

// AsError unwraps a domain Error from an error chain.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// ErrStaleEntry is returned by the repository when an optimistic-concurrency
// update finds the entry version already advanced by a concurrent writer.
var ErrStaleEntry = errors.New("register entry version is stale")
