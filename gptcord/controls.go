package gptcord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ControlAction is a conversation button.
type ControlAction string

const (
	ControlRegenerate ControlAction = "regenerate"
	ControlPause      ControlAction = "pause"
	ControlResume     ControlAction = "resume"
	ControlStop       ControlAction = "stop"
)

const controlCustomIDPrefix = "gptcord"

var controlDenied = map[ControlAction]string{
	ControlRegenerate: "You are not allowed to regenerate the response.",
	ControlPause:      "You are not allowed to pause the conversation.",
	ControlResume:     "You are not allowed to resume the conversation.",
	ControlStop:       "You are not allowed to end this conversation.",
}

const (
	controlMessageRegenerated  = "Response regenerated."
	controlMessagePaused       = "Conversation paused."
	controlMessageResumed      = "Conversation resumed."
	controlMessageAlreadyPause = "Conversation already paused."
	controlMessageNotPaused    = "Conversation is not paused."
	controlMessageEnded        = "Conversation ended."
	controlMessageAlreadyEnded = "This conversation has already ended."
	controlMessageNotFound     = "No active conversation found."
)

// controlCustomID builds the button custom ID for action on a session.
func controlCustomID(action ControlAction, sessionID string) string {
	return fmt.Sprintf("%s:%s:%s", controlCustomIDPrefix, action, sessionID)
}

func parseControlCustomID(customID string) (ControlAction, string, error) {
	parts := strings.SplitN(customID, ":", 3)
	if len(parts) != 3 || parts[0] != controlCustomIDPrefix || parts[2] == "" {
		return "", "", fmt.Errorf("invalid control custom id: %q", customID)
	}
	action := ControlAction(parts[1])
	if _, ok := controlDenied[action]; !ok {
		return "", "", fmt.Errorf("unknown control action: %q", parts[1])
	}
	return action, parts[2], nil
}

// ControlOutcome is the result of pressing a control. Message is always
// set and is shown to the user. Response is set when a new response was
// generated.
type ControlOutcome struct {
	Action   ControlAction
	Message  string
	Session  Session
	Response *TextResult
	Changed  bool
}

// Controls applies conversation button presses to the SessionStore.
type Controls struct {
	conversations *Conversations
	logger        *slog.Logger
}

func NewControls(conversations *Conversations, logger *slog.Logger) *Controls {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controls{conversations: conversations, logger: logger}
}

// Press applies action to the session with sessionID on behalf of userID.
//
// Presses on an ended session report that it ended without changing
// anything. Presses by anyone other than the session's owner fail with
// ErrNotOwner. Pause and resume are idempotent, reporting the current
// state when it's already what was asked for.
func (c *Controls) Press(
	ctx context.Context,
	action ControlAction,
	sessionID string,
	userID string,
) (ControlOutcome, error) {
	outcome := ControlOutcome{Action: action}
	store := c.conversations.Store()

	sess, err := store.Lookup(sessionID)
	if err != nil {
		return withControlError(outcome, err)
	}
	outcome.Session = sess
	if sess.Key.UserID != userID {
		outcome.Message = controlDenied[action]
		return outcome, ErrNotOwner
	}

	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = c.logger
	}
	logger = logger.With("session_id", sessionID, "action", action)

	switch action {
	case ControlPause, ControlResume:
		paused := action == ControlPause
		changed, setErr := store.SetPaused(sess, paused)
		if setErr != nil {
			return withControlError(outcome, setErr)
		}
		outcome.Changed = changed
		outcome.Session.Paused = paused
		switch {
		case changed && paused:
			outcome.Message = controlMessagePaused
		case changed:
			outcome.Message = controlMessageResumed
		case paused:
			outcome.Message = controlMessageAlreadyPause
		default:
			outcome.Message = controlMessageNotPaused
		}
		logger.InfoContext(ctx, "conversation control applied", "changed", changed)
		return outcome, nil
	case ControlStop:
		if endErr := store.End(sess); endErr != nil {
			return withControlError(outcome, endErr)
		}
		outcome.Changed = true
		outcome.Message = controlMessageEnded
		logger.InfoContext(ctx, "conversation ended")
		return outcome, nil
	case ControlRegenerate:
		return c.regenerate(ctx, logger, outcome)
	default:
		return outcome, fmt.Errorf("unknown control action: %q", action)
	}
}

// regenerate waits for the session's turn, so it never races a follow-up
// that is already in flight.
func (c *Controls) regenerate(
	ctx context.Context,
	logger *slog.Logger,
	outcome ControlOutcome,
) (ControlOutcome, error) {
	store := c.conversations.Store()
	release, err := store.Acquire(ctx, outcome.Session.Key)
	if err != nil {
		outcome.Message = DefaultDiscordErrorMessage
		return outcome, err
	}
	defer release()

	sess, err := store.Lookup(outcome.Session.ID)
	if err != nil {
		return withControlError(outcome, err)
	}

	updated, result, err := c.conversations.regenerate(WithLogger(ctx, logger), sess)
	if err != nil {
		return withControlError(outcome, err)
	}
	outcome.Session = updated
	outcome.Response = &result
	outcome.Changed = true
	outcome.Message = controlMessageRegenerated
	logger.InfoContext(ctx, "regenerated response", "response_id", result.ResponseID)
	return outcome, nil
}

func withControlError(outcome ControlOutcome, err error) (ControlOutcome, error) {
	switch {
	case errors.Is(err, ErrSessionGone):
		outcome.Message = controlMessageAlreadyEnded
	case errors.Is(err, ErrSessionNotFound):
		outcome.Message = controlMessageNotFound
	default:
		outcome.Message = userErrorMessage(err)
	}
	return outcome, err
}
