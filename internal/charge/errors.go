package charge

import "errors"

// Kind classifies a charge failure so callers can map it to a transport
// status without parsing messages.
type Kind string

const (
	// KindConfigurationMissing: a required setting is unset. Server fault.
	KindConfigurationMissing Kind = "CONFIGURATION_MISSING"
	// KindValidationFailed: the request is malformed or out of policy.
	KindValidationFailed Kind = "VALIDATION_FAILED"
	// KindInsufficientAuthorization: on-chain allowance or balance is below
	// the requested amount. May be transient.
	KindInsufficientAuthorization Kind = "INSUFFICIENT_AUTHORIZATION"
	// KindChargePending: a prior attempt for this ref persisted intent but
	// never recorded a hash; manual reconciliation is required.
	KindChargePending Kind = "CHARGE_PENDING"
	// KindSubmissionFailed: the chain write failed after intent was
	// persisted. The SUBMITTED row without a hash is the audit trail.
	KindSubmissionFailed Kind = "SUBMISSION_FAILED"
)

// Error is a classified charge failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind carried by err, or "" for unclassified errors.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

func validationErr(message string) error {
	return &Error{Kind: KindValidationFailed, Message: message}
}

func configErr(message string, err error) error {
	return &Error{Kind: KindConfigurationMissing, Message: message, Err: err}
}
