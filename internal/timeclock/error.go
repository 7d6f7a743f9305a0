package timeclock

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeNotAuthenticated Code = "NOT_AUTHENTICATED"
	CodeSiteNotFound     Code = "SITE_NOT_FOUND"
	CodeSiteInactive     Code = "SITE_INACTIVE"
	CodeNoActiveSession  Code = "NO_ACTIVE_SESSION"
	CodeEntryNotFound    Code = "ENTRY_NOT_FOUND"
	CodeEntryCompleted   Code = "ENTRY_COMPLETED"
	CodeStoreWriteFailed Code = "STORE_WRITE_FAILED"
	CodeInternal         Code = "INTERNAL"
)

type APIError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func ErrInvalid(msg string) *APIError { return &APIError{Code: CodeInvalidArgument, Message: msg} }
func ErrNotAuthenticated() *APIError {
	return &APIError{Code: CodeNotAuthenticated, Message: "not authenticated"}
}
func ErrSiteNotFound(siteID string) *APIError {
	return &APIError{Code: CodeSiteNotFound, Message: "site not found: " + siteID}
}
func ErrSiteInactive(siteID string) *APIError {
	return &APIError{Code: CodeSiteInactive, Message: "site is inactive: " + siteID}
}
func ErrNoActiveSession() *APIError {
	return &APIError{Code: CodeNoActiveSession, Message: "no active session"}
}
func ErrEntryNotFound(msg string) *APIError {
	return &APIError{Code: CodeEntryNotFound, Message: msg}
}
func ErrEntryCompleted() *APIError {
	return &APIError{Code: CodeEntryCompleted, Message: "entry already completed"}
}
func ErrStoreWriteFailed(err error) *APIError {
	return &APIError{Code: CodeStoreWriteFailed, Message: "store write failed: " + err.Error()}
}
func ErrInternal(msg string) *APIError { return &APIError{Code: CodeInternal, Message: msg} }

func toHTTPStatus(err error) int {
	var api *APIError
	if errors.As(err, &api) {
		switch api.Code {
		case CodeInvalidArgument:
			return 400
		case CodeNotAuthenticated:
			return 401
		case CodeSiteNotFound, CodeEntryNotFound:
			return 404
		case CodeSiteInactive, CodeNoActiveSession, CodeEntryCompleted:
			return 409
		default:
			return 500
		}
	}
	return 500
}
