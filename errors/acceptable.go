package errors

// AcceptableError describes a recording failure that the session may be able
// to carry on from, depending on the type of underlying error
type AcceptableError interface {
	error

	// Acceptable returns whether the session can continue past the error
	Acceptable() bool
}

type acceptableError struct {
	err        error
	acceptable bool
}

func NewAcceptableError(err error, acceptable bool) *acceptableError {
	return &acceptableError{
		err:        err,
		acceptable: acceptable,
	}
}

// Error returns the underlying error as a string
func (re *acceptableError) Error() string {
	return re.err.Error()
}

// Acceptable returns whether the session can continue past the error
func (re *acceptableError) Acceptable() bool {
	return re.acceptable
}

// Unwrap exposes the underlying error to errors.Is / errors.As
func (re *acceptableError) Unwrap() error {
	return re.err
}

// IsAcceptable reports whether err carries an acceptable classification.
// Errors without a classification are treated as not acceptable.
func IsAcceptable(err error) bool {
	if ae, ok := err.(AcceptableError); ok {
		return ae.Acceptable()
	}
	return false
}
