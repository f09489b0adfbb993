package services

import (
	"errors"
	"fmt"
)

// Error kinds. Handlers map these onto HTTP status codes with errors.Is.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
)

// CodedError is a domain error with a stable machine readable code. It unwraps to one
// of the error kinds above.
type CodedError struct {
	Code string
	Kind error
	Msg  string
}

func (e *CodedError) Error() string { return e.Msg }

func (e *CodedError) Unwrap() error { return e.Kind }

var (
	ErrApprovalNotFound       = &CodedError{Code: "APPROVAL_NOT_FOUND", Kind: ErrNotFound, Msg: "approval not found"}
	ErrProposalNotFound       = &CodedError{Code: "PROPOSAL_NOT_FOUND", Kind: ErrNotFound, Msg: "proposal not found"}
	ErrTicketNotFound         = &CodedError{Code: "TICKET_NOT_FOUND", Kind: ErrNotFound, Msg: "ticket not found"}
	ErrInvoiceNotFound        = &CodedError{Code: "INVOICE_NOT_FOUND", Kind: ErrNotFound, Msg: "invoice not found"}
	ErrOutboxMessageNotFound  = &CodedError{Code: "OUTBOX_MESSAGE_NOT_FOUND", Kind: ErrNotFound, Msg: "outbox message not found"}
	ErrProposalAlreadyDecided = &CodedError{Code: "PROPOSAL_ALREADY_DECIDED", Kind: ErrConflict, Msg: "proposal already decided"}
	ErrApprovalNotApproved    = &CodedError{Code: "APPROVAL_NOT_APPROVED", Kind: ErrConflict, Msg: "approval decision is not APPROVED"}
	ErrSnapshotTampered       = &CodedError{Code: "PROPOSAL_SNAPSHOT_MISMATCH", Kind: ErrConflict, Msg: "proposal snapshot does not match its hash"}
	ErrIdempotencyKeyMismatch = &CodedError{Code: "IDEMPOTENCY_KEY_MISMATCH", Kind: ErrConflict, Msg: "idempotency key reused with a different request"}
	ErrIdempotencyInProgress  = &CodedError{Code: "IDEMPOTENCY_IN_PROGRESS", Kind: ErrConflict, Msg: "a request with this idempotency key is still in progress"}
	ErrTicketClosed           = &CodedError{Code: "TICKET_CLOSED", Kind: ErrConflict, Msg: "ticket is closed"}
)

// ValidationError reports malformed input. It is never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// ErrorCode returns the stable code for err, or "" when err carries none.
func ErrorCode(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return "VALIDATION_ERROR"
	}
	return ""
}
