package errs

import "errors"

// CodeOf returns the machine code of err, or "" when err is not an *Error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HasCode reports whether err is an *Error of the given kind and code.
func HasCode(err error, kind Kind, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind && e.Code == code
	}
	return false
}
