package permission

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrRequestNotFound is returned when replying to an unknown request.
	ErrRequestNotFound = errors.New("permission request not found")

	// ErrSessionClosed resolves requests whose session was torn down.
	ErrSessionClosed = errors.New("permission request cancelled: session closed")
)

// DeniedError is raised when a rule denies the request outright.
type DeniedError struct {
	Rules Ruleset
}

func (e *DeniedError) Error() string {
	data, err := json.Marshal(e.Rules)
	if err != nil {
		data = []byte("[]")
	}
	return fmt.Sprintf("The user has specified a rule which prevents you from using this specific tool call. Here are some of the relevant rules %s", data)
}

// RejectedError is raised when the user rejects a request without feedback.
type RejectedError struct{}

func (e *RejectedError) Error() string {
	return "The user rejected permission to use this specific tool call."
}

// CorrectedError is raised when the user rejects a request and explains what
// to do instead.
type CorrectedError struct {
	Feedback string
}

func (e *CorrectedError) Error() string {
	return fmt.Sprintf("The user rejected permission to use this specific tool call with the following feedback: %s", e.Feedback)
}

// IsDenied reports whether err is a DeniedError.
func IsDenied(err error) bool {
	var denied *DeniedError
	return errors.As(err, &denied)
}

// IsRejected reports whether err is a RejectedError.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

// IsCorrected reports whether err carries user feedback.
func IsCorrected(err error) bool {
	var corrected *CorrectedError
	return errors.As(err, &corrected)
}

// IsPermissionError reports whether err blocks the call for a permission
// reason.
func IsPermissionError(err error) bool {
	return IsDenied(err) || IsRejected(err) || IsCorrected(err)
}
