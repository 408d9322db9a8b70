package spec

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	NotFound      ErrorCode = "not-found"      // Store must return this when a record is not found
	AlreadyExists ErrorCode = "already-exists" // Store must return this when a record already exists
	DBConflict    ErrorCode = "db-conflict"    // Store must return this when a DB Txn Conflict occurs (caller must retry Txn)
	DBProblem     ErrorCode = "db-problem"     // Store must return this when the DB returns unexpected errors

	// registry message-processing rejections
	NotSynced            ErrorCode = "not-synced"
	DuplicateOutpoint    ErrorCode = "duplicate-outpoint"
	DuplicateAddr        ErrorCode = "duplicate-addr"
	UnknownOutpoint      ErrorCode = "unknown-outpoint"
	InvalidSignature     ErrorCode = "invalid-signature"
	StaleHeight          ErrorCode = "stale-height"
	BlockHashUnavailable ErrorCode = "block-hash-unavailable"
	NonceMismatch        ErrorCode = "nonce-mismatch"
	HeightMismatch       ErrorCode = "height-mismatch"
	RankTooLow           ErrorCode = "rank-too-low"
	AlreadyVerified      ErrorCode = "already-verified"
	SelfVerify           ErrorCode = "self-verify"
	Timeout              ErrorCode = "timeout"
)

type ErrorInfo struct {
	Code    ErrorCode // machine-readble ErrorCode enumeration
	Message string    // human-readable debug message (in production, logged on the server only)
	DoS     int       // peer misbehavior score earned by sending us this (0 = drop silently)
	Wrapped error
}

func (e *ErrorInfo) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Wrapped)
	} else {
		return e.Message
	}
}

func (e *ErrorInfo) Is(target error) bool {
	if err, ok := target.(*ErrorInfo); ok {
		return e.Code == err.Code
	}
	return false
}

func (e *ErrorInfo) Unwrap() error {
	return e.Wrapped
}

var NotFoundError = NewErr(NotFound, "not-found")
var AlreadyExistsError = NewErr(AlreadyExists, "already-exists")
var DBConflictError = NewErr(DBConflict, "db-conflict")
var DBProblemError = NewErr(DBProblem, "db-problem")

func NewErr(code ErrorCode, format string, args ...any) error {
	return &ErrorInfo{Code: code, Message: fmt.Sprintf(format, args...)}
}

// DoSErr is a rejection that also punishes the sending peer.
func DoSErr(code ErrorCode, dos int, format string, args ...any) error {
	return &ErrorInfo{Code: code, Message: fmt.Sprintf(format, args...), DoS: dos}
}

func WrapErr(code ErrorCode, msg string, err error) error {
	return &ErrorInfo{Code: code, Message: msg, Wrapped: err}
}

// DoSScore extracts the misbehavior score carried by a rejection (0 if none).
func DoSScore(err error) int {
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info.DoS
	}
	return 0
}

func IsNotFoundError(err error) bool {
	return errors.Is(err, NotFoundError)
}

func IsAlreadyExistsError(err error) bool {
	return errors.Is(err, AlreadyExistsError)
}

func IsDBConflictError(err error) bool {
	return errors.Is(err, DBConflictError)
}

func IsDBProblemError(err error) bool {
	return errors.Is(err, DBProblemError)
}
