package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// badUpload reports content validation failures with per-field errors.
func badUpload(fieldErrors map[string][]string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "BAD_UPLOAD", "Validation failed",
		map[string]any{"errors": fieldErrors})
}

func forbiddenErr() *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func conflictErr(message string) *DomainError {
	return domainError(http.StatusConflict, "CONFLICT", message, nil)
}

// notPendingErr reports a status precondition failure: the change
// request already left the pending state.
func notPendingErr() *DomainError {
	return domainError(http.StatusConflict, "NOT_PENDING", "Change request is no longer pending", nil)
}
