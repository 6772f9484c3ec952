// Package rpcerr defines the error taxonomy for controller/agent RPC.
//
// Transport failures are retriable and feed the per-channel failure counter.
// Structured conflicts carry a machine-readable reason so the one call site
// that knows the remedy can match on it. Not-found, forbidden and bad-request
// map one-to-one onto controller-facing errors and are never retried.
package rpcerr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/wirelab/wirelab/pkg/api"
)

// TransportError indicates the agent could not be reached or did not produce
// a well-formed response: connection refused, timeout, malformed body.
type TransportError struct {
	Op  string // operation that failed, e.g. "GET /v3/capabilities"
	Err error  // underlying cause
}

// Error implements the error interface
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure on %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause
func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError checks if an error is a TransportError
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ConflictError is a structured 409. Reason is machine-readable; a reason of
// api.ReasonMissingImage additionally names the image the agent lacks.
type ConflictError struct {
	Resource string // resource in conflict, e.g. "node:router-1"
	Reason   string // machine-readable reason code, may be empty
	Image    string // image name when Reason is missing_image
	Message  string
}

// Error implements the error interface
func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("conflict on %s (%s): %s", e.Resource, e.Reason, e.Message)
	}
	return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Message)
}

// IsConflictError checks if an error is a ConflictError
func IsConflictError(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// MissingImage extracts the image name from a missing-image conflict.
// Returns "", false for any other error.
func MissingImage(err error) (string, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) && ce.Reason == api.ReasonMissingImage {
		return ce.Image, true
	}
	return "", false
}

// NotFoundError indicates the remote resource does not exist.
type NotFoundError struct {
	Resource string
}

// Error implements the error interface
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("resource not found: %s", e.Resource)
}

// IsNotFoundError checks if an error is a NotFoundError
func IsNotFoundError(err error) bool {
	var nfe *NotFoundError
	return errors.As(err, &nfe)
}

// ForbiddenError indicates the request was understood and refused. It is
// distinct from NotFoundError so "disallowed" never masquerades as "absent".
type ForbiddenError struct {
	Resource string
	Message  string
}

// Error implements the error interface
func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: %s: %s", e.Resource, e.Message)
}

// IsForbiddenError checks if an error is a ForbiddenError
func IsForbiddenError(err error) bool {
	var fe *ForbiddenError
	return errors.As(err, &fe)
}

// BadRequestError indicates the agent rejected the request as malformed.
type BadRequestError struct {
	Message string
}

// Error implements the error interface
func (e *BadRequestError) Error() string {
	return fmt.Sprintf("bad request: %s", e.Message)
}

// IsBadRequestError checks if an error is a BadRequestError
func IsBadRequestError(err error) bool {
	var bre *BadRequestError
	return errors.As(err, &bre)
}

// VersionMismatchError is raised by the handshake when the agent's version
// fails the compatibility gate. The connection stays down until an operator
// intervenes.
type VersionMismatchError struct {
	Controller string
	Agent      string
}

// Error implements the error interface
func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("agent version %s is not compatible with controller version %s", e.Agent, e.Controller)
}

// IsVersionMismatchError checks if an error is a VersionMismatchError
func IsVersionMismatchError(err error) bool {
	var vme *VersionMismatchError
	return errors.As(err, &vme)
}

// PathTraversalError is raised before any filesystem access when a requested
// file path escapes its project directory.
type PathTraversalError struct {
	Path string
}

// Error implements the error interface
func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("path %q escapes the project directory", e.Path)
}

// IsPathTraversalError checks if an error is a PathTraversalError
func IsPathTraversalError(err error) bool {
	var pte *PathTraversalError
	return errors.As(err, &pte)
}

// Common errors
var (
	ErrNotAnAgent    = errors.New("remote endpoint is not a compute agent (no version reported)")
	ErrChannelClosed = errors.New("agent channel is closed")
)

// FromResponse maps an HTTP status and decoded error body onto the taxonomy.
// 2xx statuses return nil.
func FromResponse(op string, status int, body *api.ErrorBody) error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := http.StatusText(status)
	if body != nil && body.Message != "" {
		msg = body.Message
	}
	switch status {
	case http.StatusConflict:
		ce := &ConflictError{Resource: op, Message: msg}
		if body != nil {
			ce.Reason = body.Reason
			ce.Image = body.Image
		}
		return ce
	case http.StatusNotFound:
		return &NotFoundError{Resource: op}
	case http.StatusForbidden:
		return &ForbiddenError{Resource: op, Message: msg}
	case http.StatusBadRequest:
		return &BadRequestError{Message: msg}
	default:
		return &TransportError{Op: op, Err: fmt.Errorf("unexpected status %d: %s", status, msg)}
	}
}

// StatusOf maps an error from the taxonomy back onto an HTTP status for the
// serving side. Unknown errors map to 500.
func StatusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsConflictError(err):
		return http.StatusConflict
	case IsNotFoundError(err):
		return http.StatusNotFound
	case IsForbiddenError(err), IsPathTraversalError(err):
		return http.StatusForbidden
	case IsBadRequestError(err):
		return http.StatusBadRequest
	case IsVersionMismatchError(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Body renders an error as the structured wire payload.
func Body(err error) *api.ErrorBody {
	b := &api.ErrorBody{
		Message: err.Error(),
		Status:  StatusOf(err),
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		b.Reason = ce.Reason
		b.Image = ce.Image
	}
	return b
}
