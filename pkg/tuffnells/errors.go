package tuffnells

import (
	"errors"
	"fmt"
)

// PortalError represents an unexpected response shape from the Tuffnells
// portal: a wrong status code, a missing redirect, or an expected field that
// never arrived.
type PortalError struct {
	Op         string
	Code       string
	Message    string
	StatusCode int
	Cause      error
}

// Error implements the error interface.
func (e *PortalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tuffnells %s (%s): %s: %v", e.Op, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("tuffnells %s (%s): %s", e.Op, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *PortalError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for PortalError.
func (e *PortalError) Is(target error) bool {
	t, ok := target.(*PortalError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewPortalError creates a new PortalError.
func NewPortalError(op, code, message string) *PortalError {
	return &PortalError{
		Op:      op,
		Code:    code,
		Message: message,
	}
}

// WithCause adds a cause to the error.
func (e *PortalError) WithCause(err error) *PortalError {
	e.Cause = err
	return e
}

// WithStatusCode adds the portal's HTTP status code to the error.
func (e *PortalError) WithStatusCode(code int) *PortalError {
	e.StatusCode = code
	return e
}

// Sentinel errors for the portal protocol and the local domain model.
var (
	// ErrAccountDetailsInvalid indicates the portal rejected the login
	// credentials. This is fatal and never retried.
	ErrAccountDetailsInvalid = errors.New("account details invalid")

	// ErrEndpoint indicates the portal responded in an unexpected shape.
	ErrEndpoint = errors.New("endpoint error")

	// ErrPostcodeNotValid indicates the postcode search produced no usable
	// redirect.
	ErrPostcodeNotValid = errors.New("postcode not valid")

	// ErrConsignmentNotFound indicates the view page lacked the expected
	// consignment number field.
	ErrConsignmentNotFound = errors.New("consignment not found")

	// ErrInvalidURN indicates an empty URN was supplied by the caller.
	ErrInvalidURN = errors.New("invalid URN")

	// ErrInvalidConsignment indicates a local validation failure on the
	// consignment or an access to state it does not hold yet.
	ErrInvalidConsignment = errors.New("invalid consignment")

	// ErrInvalidDispatchDate indicates the dispatch date precondition failed.
	ErrInvalidDispatchDate = errors.New("invalid dispatch date")

	// ErrInvalidPackageQuantity indicates a package quantity below one.
	ErrInvalidPackageQuantity = errors.New("invalid package quantity")

	// ErrInvalidPackageType indicates a package type outside the known set.
	ErrInvalidPackageType = errors.New("invalid package type")

	// ErrViewStateNotFound indicates a fetched page carried no __VIEWSTATE
	// field; the portal layout changed or the URL is wrong.
	ErrViewStateNotFound = errors.New("view-state not found")

	// ErrInvalidCache indicates a bad cache configuration.
	ErrInvalidCache = errors.New("invalid cache")

	// ErrRendering indicates the label rendering service failed.
	ErrRendering = errors.New("label rendering failed")
)

// IsFatal reports whether the error indicates caller misuse or a broken
// portal assumption that a retry cannot fix.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAccountDetailsInvalid) ||
		errors.Is(err, ErrInvalidConsignment) ||
		errors.Is(err, ErrInvalidDispatchDate) ||
		errors.Is(err, ErrInvalidURN) ||
		errors.Is(err, ErrViewStateNotFound)
}
