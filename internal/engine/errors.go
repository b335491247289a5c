package engine

import (
	"errors"
	"fmt"

	"ballotline/internal/engine/auth"
)

// Kind classifies engine failures for callers that map them to transport
// status codes.
type Kind int

const (
	KindInfrastructure Kind = iota
	KindNotFound
	KindValidation
	KindPhaseRule
	KindConflict
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation_error"
	case KindPhaseRule:
		return "phase_rule_violation"
	case KindConflict:
		return "concurrency_conflict"
	case KindForbidden:
		return "forbidden"
	default:
		return "infrastructure_failure"
	}
}

const (
	CodeTemplateNotFound            = "template_not_found"
	CodeInstanceNotFound            = "instance_not_found"
	CodeProposalNotFound            = "proposal_not_found"
	CodeInviteNotFound              = "invite_not_found"
	CodeBallotNotFound              = "ballot_not_found"
	CodeInvalidTemplate             = "invalid_template"
	CodeInvalidRequest              = "invalid_request"
	CodeInvalidSchedule             = "invalid_schedule"
	CodeInvalidBudget               = "invalid_budget"
	CodeBudgetExceedsCap            = "budget_exceeds_cap"
	CodeUnknownCategory             = "unknown_category"
	CodeUnknownRole                 = "unknown_role"
	CodeTooManySelections           = "too_many_selections"
	CodeUnknownProposal             = "unknown_proposal"
	CodeMissingRequiredField        = "missing_required_field"
	CodePhaseDoesNotAllowSubmission = "phase_does_not_allow_submission"
	CodePhaseDoesNotAllowVoting     = "phase_does_not_allow_voting"
	CodePhaseDoesNotAllowReview     = "phase_does_not_allow_review"
	CodeInstanceCompleted           = "instance_completed"
	CodeConcurrencyConflict         = "concurrency_conflict"
	CodeInviteExists                = "invite_exists"
	CodeForbidden                   = "forbidden"
	CodeInfrastructureFailure       = "infrastructure_failure"
)

// Error is the typed failure returned by engine operations.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind, and by code when the sentinel carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Kind sentinels for errors.Is.
var (
	ErrNotFound       = &Error{Kind: KindNotFound, Message: "not found"}
	ErrValidation     = &Error{Kind: KindValidation, Message: "validation error"}
	ErrPhaseRule      = &Error{Kind: KindPhaseRule, Message: "phase rule violation"}
	ErrConflict       = &Error{Kind: KindConflict, Message: "concurrency conflict"}
	ErrForbidden      = &Error{Kind: KindForbidden, Message: "forbidden"}
	ErrInfrastructure = &Error{Kind: KindInfrastructure, Message: "infrastructure failure"}
)

// Code sentinels used by tests and the HTTP layer.
var (
	ErrTemplateNotFound            = &Error{Kind: KindNotFound, Code: CodeTemplateNotFound}
	ErrInstanceNotFound            = &Error{Kind: KindNotFound, Code: CodeInstanceNotFound}
	ErrInvalidTemplate             = &Error{Kind: KindValidation, Code: CodeInvalidTemplate}
	ErrBudgetExceedsCap            = &Error{Kind: KindValidation, Code: CodeBudgetExceedsCap}
	ErrUnknownCategory             = &Error{Kind: KindValidation, Code: CodeUnknownCategory}
	ErrTooManySelections           = &Error{Kind: KindValidation, Code: CodeTooManySelections}
	ErrUnknownProposal             = &Error{Kind: KindValidation, Code: CodeUnknownProposal}
	ErrPhaseDoesNotAllowSubmission = &Error{Kind: KindPhaseRule, Code: CodePhaseDoesNotAllowSubmission}
	ErrPhaseDoesNotAllowVoting     = &Error{Kind: KindPhaseRule, Code: CodePhaseDoesNotAllowVoting}
)

// KindOf returns the kind of err. Untyped errors are infrastructure failures;
// auth.ForbiddenError is always forbidden.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return KindForbidden
	}
	return KindInfrastructure
}

func notFound(code, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: fmt.Sprintf(format, args...)}
}

func validation(code string, details map[string]any, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...), Details: details}
}

func phaseRule(code, phaseID, format string, args ...any) *Error {
	return &Error{Kind: KindPhaseRule, Code: code, Message: fmt.Sprintf(format, args...), Details: map[string]any{"phase_id": phaseID}}
}

func conflict(code, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: fmt.Sprintf(format, args...)}
}

func forbidden(err auth.ForbiddenError) *Error {
	return &Error{Kind: KindForbidden, Code: CodeForbidden, Message: err.Error(), Details: map[string]any{"permission": err.Permission}, Err: err}
}

func infra(err error, format string, args ...any) *Error {
	return &Error{Kind: KindInfrastructure, Code: CodeInfrastructureFailure, Message: fmt.Sprintf(format, args...), Err: err}
}
