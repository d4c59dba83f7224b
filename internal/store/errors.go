package store

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
)

// Error kinds surfaced by storage operations. Match them with errors.Is.
var (
	ErrConnection          = errors.New("cannot reach storage engine")
	ErrConstraintViolation = errors.New("uniqueness constraint violated")
	ErrNotFound            = errors.New("collection not found")
	ErrPermission          = errors.New("insufficient privileges")
	ErrIndexConflict       = errors.New("conflicting index definition")
)

// MongoDB server error codes used for classification.
const (
	codeUnauthorized         = 13
	codeAuthenticationFailed = 18
	codeNamespaceNotFound    = 26
	codeIndexOptionsConflict = 85
	codeIndexKeySpecConflict = 86
	codeDuplicateKey         = 11000
	codeDuplicateKeyLegacy   = 11001
)

// Error carries the kind of a failed storage operation next to the cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Classify wraps a driver error with its kind. Errors that fit no kind are
// returned wrapped with the operation name only.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	if kind := kindOf(err); kind != nil {
		return &Error{Kind: kind, Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func kindOf(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return ErrConstraintViolation
	}
	if errors.Is(err, mongo.ErrClientDisconnected) || mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return ErrConnection
	}
	var srvErr mongo.ServerError
	if errors.As(err, &srvErr) {
		switch {
		case srvErr.HasErrorCode(codeDuplicateKey), srvErr.HasErrorCode(codeDuplicateKeyLegacy):
			return ErrConstraintViolation
		case srvErr.HasErrorCode(codeUnauthorized), srvErr.HasErrorCode(codeAuthenticationFailed):
			return ErrPermission
		case srvErr.HasErrorCode(codeNamespaceNotFound):
			return ErrNotFound
		case srvErr.HasErrorCode(codeIndexOptionsConflict), srvErr.HasErrorCode(codeIndexKeySpecConflict):
			return ErrIndexConflict
		}
	}
	return nil
}
