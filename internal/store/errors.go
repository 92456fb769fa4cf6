package store

import (
	"errors"
	"fmt"
)

// Stable machine-readable error codes surfaced to the boundary layer.
const (
	CodeBookNotFound        = "BOOK_NOT_FOUND"
	CodeAuthorNotFound      = "AUTHOR_NOT_FOUND"
	CodeUserNotFound        = "USER_NOT_FOUND"
	CodeOrderNotFound       = "ORDER_NOT_FOUND"
	CodeBookAlreadyExists   = "BOOK_ALREADY_EXISTS"
	CodeAuthorAlreadyExists = "AUTHOR_ALREADY_EXISTS"
	CodeUserAlreadyExists   = "USER_ALREADY_EXISTS"
	CodeOutOfStock          = "OUT_OF_STOCK"
	CodeInvalidOrderState   = "INVALID_ORDER_STATE"
	CodeImmutableField      = "IMMUTABLE_FIELD_ERROR"
	CodeAccessDenied        = "ACCESS_DENIED"
)

// Error is a business-rule failure with a stable code, a human-readable
// message, and an optional field->reason map for per-field validation
// failures such as duplicate registration fields.
type Error struct {
	Code    string
	Message string
	Fields  map[string]string
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches two store errors by code, so sentinel comparisons like
// errors.Is(err, store.ErrOrderNotFound()) work regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// CodeOf returns the error code if err is a store error, or "" otherwise.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

func ErrBookNotFound(bookID int64) *Error {
	return &Error{
		Code:    CodeBookNotFound,
		Message: fmt.Sprintf("book %d not found", bookID),
	}
}

func ErrAuthorNotFound() *Error {
	return &Error{
		Code:    CodeAuthorNotFound,
		Message: "one or more authors not found",
	}
}

func ErrUserNotFound() *Error {
	return &Error{
		Code:    CodeUserNotFound,
		Message: "user not found",
	}
}

// ErrOrderNotFound is returned both for orders that do not exist and for
// orders the caller is not allowed to see. The two cases are deliberately
// indistinguishable so that order ids cannot be probed by unauthorized users.
func ErrOrderNotFound() *Error {
	return &Error{
		Code:    CodeOrderNotFound,
		Message: "order not found",
	}
}

func ErrBookAlreadyExists(message string) *Error {
	return &Error{
		Code:    CodeBookAlreadyExists,
		Message: message,
	}
}

func ErrAuthorAlreadyExists() *Error {
	return &Error{
		Code:    CodeAuthorAlreadyExists,
		Message: "author already exists",
	}
}

func ErrUserAlreadyExists(fields map[string]string) *Error {
	return &Error{
		Code:    CodeUserAlreadyExists,
		Message: "user registration failed due to duplicate entries",
		Fields:  fields,
	}
}

func ErrOutOfStock(title string) *Error {
	return &Error{
		Code:    CodeOutOfStock,
		Message: fmt.Sprintf("not enough stock for book: %s", title),
	}
}

func ErrInvalidOrderState(message string) *Error {
	return &Error{
		Code:    CodeInvalidOrderState,
		Message: message,
	}
}

func ErrImmutableField(field string) *Error {
	return &Error{
		Code:    CodeImmutableField,
		Message: fmt.Sprintf("%s cannot be updated", field),
	}
}

func ErrAccessDenied(message string) *Error {
	return &Error{
		Code:    CodeAccessDenied,
		Message: message,
	}
}
