package errors

import "errors"

type Category string

const (
	CategoryInvalidInput    Category = "invalid_input"
	CategoryStaging         Category = "staging_failed"
	CategoryPolicyViolation Category = "policy_violation"
	CategoryFormat          Category = "format_error"
	CategoryCrypto          Category = "crypto_error"
	CategoryVerification    Category = "verification_failed"
	CategoryIOFailure       Category = "io_failure"
	CategoryInternalFailure Category = "internal_failure"
)

type classifiedError struct {
	category  Category
	code      string
	hint      string
	retryable bool
	cause     error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

func (e *classifiedError) Category() Category {
	return e.category
}

func (e *classifiedError) Code() string {
	return e.code
}

func (e *classifiedError) Hint() string {
	return e.hint
}

func (e *classifiedError) Retryable() bool {
	return e.retryable
}

func Wrap(cause error, category Category, code, hint string, retryable bool) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category:  category,
		code:      code,
		hint:      hint,
		retryable: retryable,
		cause:     cause,
	}
}

// Configuration classifies a malformed policy or an impossible step
// declaration. It aborts a run before the offending step executes.
func Configuration(cause error, code string) error {
	return Wrap(cause, CategoryInvalidInput, code, "fix the command policy and rerun", false)
}

// Format classifies key or signature material that is not validly encoded.
func Format(cause error, code string) error {
	return Wrap(cause, CategoryFormat, code, "the document's signed/signatures fields are malformed", false)
}

// Crypto classifies well-formed key or signature material that cannot be
// used for verification.
func Crypto(cause error, code string) error {
	return Wrap(cause, CategoryCrypto, code, "the document's key material is inconsistent", false)
}

func IO(cause error, code string) error {
	return Wrap(cause, CategoryIOFailure, code, "check file paths and permissions", false)
}

func CategoryOf(err error) Category {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.category
	}
	return ""
}

func CodeOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.code
	}
	return ""
}

func HintOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.hint
	}
	return ""
}

func RetryableOf(err error) bool {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.retryable
	}
	return false
}
