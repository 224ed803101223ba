package guestbook

import (
	"errors"
	"fmt"
	"strings"
)

// GenericSubmissionMessage is the only failure text guests ever see.
const GenericSubmissionMessage = "We couldn't send your message. Please try again."

// ValidationError reports a missing required field. It is raised before any I/O.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "name and message required"
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// UploadError reports a rejected or unreachable blob store during a direct upload.
// The photo bytes are kept for a server-mediated upload.
type UploadError struct {
	Key string
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Key, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// InsertError reports a failed persistence strategy.
type InsertError struct {
	Strategy string
	Err      error
}

func (e *InsertError) Error() string {
	return fmt.Sprintf("%s insert: %v", e.Strategy, e.Err)
}

func (e *InsertError) Unwrap() error {
	return e.Err
}

// ReconciliationWarning reports a failed best-effort photo attach after a successful insert.
type ReconciliationWarning struct {
	Err error
}

func (e *ReconciliationWarning) Error() string {
	return fmt.Sprintf("photo attach: %v", e.Err)
}

func (e *ReconciliationWarning) Unwrap() error {
	return e.Err
}

// SubmissionError is returned when every persistence strategy failed. Error always yields
// GenericSubmissionMessage; the causes are only meant for logs.
type SubmissionError struct {
	Causes []error
}

func (e *SubmissionError) Error() string {
	return GenericSubmissionMessage
}

func (e *SubmissionError) Unwrap() []error {
	return e.Causes
}

// Detail joins the causes for logging.
func (e *SubmissionError) Detail() string {
	parts := make([]string, 0, len(e.Causes))
	for _, cause := range e.Causes {
		parts = append(parts, cause.Error())
	}
	return strings.Join(parts, "; ")
}

// FetchError reports a failed bulk fetch. The display list keeps its last state.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("fetch messages: %v", e.Err)
	}
	return fmt.Sprintf("fetch messages from %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// UserMessage maps any Submit error to text that is safe to show.
func UserMessage(err error) string {
	var validation *ValidationError
	if errors.As(err, &validation) {
		return "Please enter your name and a message."
	}
	return GenericSubmissionMessage
}
