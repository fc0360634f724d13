package gptcord

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptySession is returned when regenerating a session that has no
	// responses left in its chain.
	ErrEmptySession = errors.New("no response to regenerate")

	// ErrSessionGone is returned when writing to a session that was
	// stopped or cleared after the caller obtained it.
	ErrSessionGone = errors.New("conversation already ended")

	// ErrSessionNotFound is returned when no session exists for the given
	// key or ID, and none was ended recently either.
	ErrSessionNotFound = errors.New("no active conversation found")

	// ErrSessionExists is returned when starting a conversation in a channel
	// where the user already has one.
	ErrSessionExists = errors.New("conversation already active")

	// ErrTimeoutExpired is returned by the video poller when a job exceeds
	// its wall-clock budget. The provider job is left running.
	ErrTimeoutExpired = errors.New("job exceeded its time budget")

	// ErrJobFailed is returned when the provider reports a job as failed.
	ErrJobFailed = errors.New("job failed")

	// ErrSessionPaused is returned when continuing a paused conversation.
	ErrSessionPaused = errors.New("conversation is paused")

	// ErrNotOwner is returned when someone other than the conversation
	// owner presses a conversation control.
	ErrNotOwner = errors.New("not the conversation owner")
)

// ValidationError reports a bad command option. Option names the offending
// option, or is empty when the failure isn't tied to a single option.
type ValidationError struct {
	Command string
	Option  string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Option == "" {
		return fmt.Sprintf("%s: %s", e.Command, e.Reason)
	}
	return fmt.Sprintf("%s: option %q: %s", e.Command, e.Option, e.Reason)
}

// UserMessage is the text shown in Discord for this error.
func (e *ValidationError) UserMessage() string {
	if e.Option == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s (option `%s`)", e.Reason, e.Option)
}

// ProviderErrorDetail holds what the AI provider told us about a failed
// request.
type ProviderErrorDetail struct {
	Op         string `json:"op"`
	StatusCode int    `json:"status_code,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Type       string `json:"type,omitempty"`
	Code       string `json:"code,omitempty"`
	Param      string `json:"param,omitempty"`
	Message    string `json:"message,omitempty"`
}

func (d ProviderErrorDetail) String() string {
	var b strings.Builder
	b.WriteString(d.Op)
	if d.StatusCode > 0 {
		fmt.Fprintf(&b, " (status %d)", d.StatusCode)
	}
	if d.Message != "" {
		b.WriteString(": ")
		b.WriteString(d.Message)
	}
	return b.String()
}

// TransientProviderError is a retryable provider failure: network errors,
// rate limits and server-side errors.
type TransientProviderError struct {
	ProviderErrorDetail
	Err error
}

func (e *TransientProviderError) Error() string {
	return "transient provider error: " + e.ProviderErrorDetail.String()
}

func (e *TransientProviderError) Unwrap() error {
	return e.Err
}

// FatalProviderError is a provider rejection that must not be retried,
// such as a content policy violation or a malformed request.
type FatalProviderError struct {
	ProviderErrorDetail
	Err error
}

func (e *FatalProviderError) Error() string {
	return "provider error: " + e.ProviderErrorDetail.String()
}

func (e *FatalProviderError) Unwrap() error {
	return e.Err
}

// providerErrorDetail extracts the provider details from err, if it wraps
// a TransientProviderError or FatalProviderError.
func providerErrorDetail(err error) (ProviderErrorDetail, bool) {
	var transient *TransientProviderError
	if errors.As(err, &transient) {
		return transient.ProviderErrorDetail, true
	}
	var fatal *FatalProviderError
	if errors.As(err, &fatal) {
		return fatal.ProviderErrorDetail, true
	}
	return ProviderErrorDetail{}, false
}

func isTransient(err error) bool {
	var transient *TransientProviderError
	return errors.As(err, &transient)
}

// formatProviderError renders a provider error for display: the provider's
// message, a blank line, then whichever of status/error/type/code/param
// are known.
func formatProviderError(err error) string {
	detail, ok := providerErrorDetail(err)
	if !ok {
		return err.Error()
	}
	message := detail.Message
	if message == "" {
		message = err.Error()
	}
	lines := []string{message, ""}
	if detail.StatusCode > 0 {
		lines = append(lines, fmt.Sprintf("Status: %d", detail.StatusCode))
	}
	if detail.Kind != "" {
		lines = append(lines, "Error: "+detail.Kind)
	}
	if detail.Type != "" {
		lines = append(lines, "Type: "+detail.Type)
	}
	if detail.Code != "" {
		lines = append(lines, "Code: "+detail.Code)
	}
	if detail.Param != "" {
		lines = append(lines, "Param: "+detail.Param)
	}
	return strings.Join(lines, "\n")
}

// reportedError wraps an error the command has already shown to the
// user, so it's recorded without replacing the reply.
type reportedError struct {
	error
}

func (e reportedError) Unwrap() error {
	return e.error
}

// userErrorMessage converts any error reaching a command boundary into
// the text shown to the user.
func userErrorMessage(err error) string {
	var validationErr *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validationErr):
		return validationErr.UserMessage()
	case errors.Is(err, ErrSessionExists):
		return "You already have an active conversation in this channel. " +
			"Please finish it before starting a new one."
	case errors.Is(err, ErrEmptySession):
		return "There is nothing to regenerate."
	case errors.Is(err, ErrSessionGone):
		return "This conversation has already ended."
	case errors.Is(err, ErrSessionNotFound):
		return "No active conversation found."
	case errors.Is(err, ErrTimeoutExpired):
		return "The video job did not finish within the time limit. " +
			"It may still complete on the provider's side, but it will not be delivered here."
	}
	if _, ok := providerErrorDetail(err); ok {
		return formatProviderError(err)
	}
	return DefaultDiscordErrorMessage
}
