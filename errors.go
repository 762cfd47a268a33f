package idb

import (
	"errors"
	"fmt"

	"github.com/mereville/idb/internal/key"
	"github.com/mereville/idb/internal/keypath"
	"github.com/mereville/idb/internal/vclone"
)

// Error is the DOMException-shaped error every public operation reports.
// The Name is the stable, spec-defined discriminator; Message is for humans.
//
// Synchronous misuse (bad arguments, wrong transaction state) returns an
// *Error directly from the method. Asynchronous failures surface as the
// request's error plus a bubbling "error" event, and abort the transaction
// unless a listener prevents the default.
type Error struct {
	Name    string
	Message string
}

// Error taxonomy names.
const (
	ErrNameVersion             = "VersionError"
	ErrNameInvalidState        = "InvalidStateError"
	ErrNameTransactionInactive = "TransactionInactiveError"
	ErrNameReadOnly            = "ReadOnlyError"
	ErrNameConstraint          = "ConstraintError"
	ErrNameData                = "DataError"
	ErrNameDataClone           = "DataCloneError"
	ErrNameNotFound            = "NotFoundError"
	ErrNameInvalidAccess       = "InvalidAccessError"
	ErrNameAbort               = "AbortError"
	ErrNameSyntax              = "SyntaxError"
	ErrNameType                = "TypeError"
	ErrNameUnknown             = "UnknownError"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

func newError(name, format string, args ...any) *Error {
	return &Error{Name: name, Message: fmt.Sprintf(format, args...)}
}

// hasName reports whether err is (or wraps) an *Error with the given name.
func hasName(err error, name string) bool {
	var e *Error
	return errors.As(err, &e) && e.Name == name
}

// IsVersionError reports an open with a version below the stored one.
func IsVersionError(err error) bool { return hasName(err, ErrNameVersion) }

// IsInvalidStateError reports use of a closed or deleted handle.
func IsInvalidStateError(err error) bool { return hasName(err, ErrNameInvalidState) }

// IsTransactionInactiveError reports a data operation outside the active
// window.
func IsTransactionInactiveError(err error) bool { return hasName(err, ErrNameTransactionInactive) }

// IsReadOnlyError reports a mutation in a read-only transaction.
func IsReadOnlyError(err error) bool { return hasName(err, ErrNameReadOnly) }

// IsConstraintError reports a duplicate key, duplicate unique-index key, or
// a name clash.
func IsConstraintError(err error) bool { return hasName(err, ErrNameConstraint) }

// IsDataError reports an invalid key, query, or cursor seek target.
func IsDataError(err error) bool { return hasName(err, ErrNameData) }

// IsDataCloneError reports a value outside the cloneable domain.
func IsDataCloneError(err error) bool { return hasName(err, ErrNameDataClone) }

// IsNotFoundError reports an unknown store or index name.
func IsNotFoundError(err error) bool { return hasName(err, ErrNameNotFound) }

// IsInvalidAccessError reports a structurally illegal option combination.
func IsInvalidAccessError(err error) bool { return hasName(err, ErrNameInvalidAccess) }

// IsAbortError reports a transaction abort.
func IsAbortError(err error) bool { return hasName(err, ErrNameAbort) }

// IsSyntaxError reports an invalid key path.
func IsSyntaxError(err error) bool { return hasName(err, ErrNameSyntax) }

// asError maps internal sentinel errors onto the public taxonomy. Anything
// unrecognised becomes UnknownError, which is how storage-level failures
// surface.
func asError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, key.ErrInvalid):
		return newError(ErrNameData, "%v", err)
	case errors.Is(err, keypath.ErrSyntax):
		return newError(ErrNameSyntax, "%v", err)
	case errors.Is(err, keypath.ErrInject):
		return newError(ErrNameData, "%v", err)
	case errors.Is(err, vclone.ErrNotCloneable):
		return newError(ErrNameDataClone, "%v", err)
	}
	return newError(ErrNameUnknown, "%v", err)
}
