package reservation

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures. Every kind is recoverable by the caller.
type Kind string

const (
	KindBadRequest           Kind = "BAD_REQUEST"
	KindNotFound             Kind = "NOT_FOUND"
	KindAlreadyReserved      Kind = "ALREADY_RESERVED"
	KindInsufficientStock    Kind = "INSUFFICIENT_STOCK"
	KindPrescriptionRequired Kind = "PRESCRIPTION_REQUIRED"
	KindNoReservation        Kind = "NO_RESERVATION"
)

// Subject names what a NotFound (or NoReservation) refers to.
type Subject string

const (
	SubjectUser        Subject = "user"
	SubjectMedication  Subject = "medication"
	SubjectInventory   Subject = "inventory"
	SubjectReservation Subject = "reservation"
)

// Error is the typed failure returned by Engine operations.
type Error struct {
	Kind    Kind
	Subject Subject
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Subject != "" {
		msg += "(" + string(e.Subject) + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind so errors.Is(err, ErrNotFound) works for any subject.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Subject == "" || t.Subject == e.Subject)
}

var (
	ErrBadRequest           = &Error{Kind: KindBadRequest}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrAlreadyReserved      = &Error{Kind: KindAlreadyReserved}
	ErrInsufficientStock    = &Error{Kind: KindInsufficientStock}
	ErrPrescriptionRequired = &Error{Kind: KindPrescriptionRequired}
	ErrNoReservation        = &Error{Kind: KindNoReservation}
)

// KindOf extracts the Kind of an engine error, or "" for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// SubjectOf extracts the Subject of an engine error.
func SubjectOf(err error) Subject {
	var e *Error
	if errors.As(err, &e) {
		return e.Subject
	}
	return ""
}

func newError(kind Kind, subject Subject, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Subject: subject,
		Message: fmt.Sprintf(format, args...),
		Err:     cause,
	}
}
