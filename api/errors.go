package api

import "errors"

// Code classifies an error for transport mapping and retry decisions.
type Code string

const (
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeNotFound         Code = "NOT_FOUND"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeTransient        Code = "TRANSIENT"
)

// An Error is a classified, user-presentable failure. Transient errors are
// retryable; every other code is terminal for the requesting operation.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"error"`
}

func (e *Error) Error() string { return e.Message }

func InvalidArg(msg string) error {
	return &Error{Code: CodeInvalidArgument, Message: msg}
}

func NotFound(msg string) error {
	return &Error{Code: CodeNotFound, Message: msg}
}

func Forbidden(msg string) error {
	return &Error{Code: CodePermissionDenied, Message: msg}
}

func Transient(msg string) error {
	return &Error{Code: CodeTransient, Message: msg}
}

// CodeOf returns the classification of err, or "" for unclassified errors.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

func IsInvalidArg(err error) bool { return CodeOf(err) == CodeInvalidArgument }
func IsNotFound(err error) bool   { return CodeOf(err) == CodeNotFound }
func IsForbidden(err error) bool  { return CodeOf(err) == CodePermissionDenied }
func IsTransient(err error) bool  { return CodeOf(err) == CodeTransient }
