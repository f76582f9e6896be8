// Package trusterr defines the error taxonomy shared by every trustsync component.
//
// Errors carry a Code so callers can branch on category without string
// matching. Transport codes are retryable; every other code describes a
// condition that retrying cannot change without an external signal.
package trusterr

import (
	"errors"
	"fmt"
)

// Code categorizes trust engine errors.
type Code string

const (
	// Account-state errors.
	CodeNoPrimaryAccount    Code = "NO_PRIMARY_ACCOUNT"
	CodeAccountStateUnknown Code = "ACCOUNT_STATE_UNKNOWN"
	CodeNoAccount           Code = "NO_ACCOUNT"

	// Trust errors.
	CodeNotSignedIn   Code = "NOT_SIGNED_IN"
	CodeNotCDPCapable Code = "NOT_CDP_CAPABLE"
	CodeCDPNotEnabled Code = "CDP_NOT_ENABLED"
	CodeNotTrusted    Code = "NOT_TRUSTED"
	CodeInvalidState  Code = "INVALID_STATE"

	// Cache errors.
	CodeNoEscrowCache  Code = "NO_ESCROW_CACHE"
	CodeRecordNotFound Code = "RECORD_NOT_FOUND"

	// Transport errors. Always retryable.
	CodeNetworkUnreachable Code = "NETWORK_UNREACHABLE"
	CodeXPCSession         Code = "XPC_SESSION"

	// Recovery errors.
	CodeNoRecovery Code = "NO_RECOVERY"

	// Infrastructure.
	CodeTimeout              Code = "TIMEOUT"
	CodeHalted               Code = "HALTED"
	CodeKeysNotFound         Code = "KEYS_NOT_FOUND"
	CodeKeychainLocked       Code = "KEYCHAIN_LOCKED"
	CodeKeychainClassCLocked Code = "KEYCHAIN_CLASS_C_LOCKED"
	CodeUnknownSetting       Code = "UNKNOWN_SETTING"
	CodePublishRejected      Code = "PUBLISH_REJECTED"
)

// Error is a categorized trust engine error.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an existing error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the code of the outermost Error in err's chain,
// or "" if there is none.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	for err != nil {
		var te *Error
		if !errors.As(err, &te) {
			return false
		}
		if te.Code == code {
			return true
		}
		err = te.Err
	}
	return false
}

// temporary is implemented by transport errors that know they are transient.
type temporary interface {
	Temporary() bool
}

// Retryable reports whether err is a transient transport failure.
// State, cache and recovery errors are never retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeNetworkUnreachable, CodeXPCSession:
		return true
	case "":
		var t temporary
		if errors.As(err, &t) {
			return t.Temporary()
		}
	}
	return false
}
