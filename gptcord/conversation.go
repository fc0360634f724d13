package gptcord

import (
	"context"
	"errors"
	"log/slog"

	"github.com/lmittmann/tint"
)

// Conversations runs conversation turns against the Gateway, keeping the
// SessionStore in step with the provider's response chain.
type Conversations struct {
	store   *SessionStore
	gateway Gateway
	logger  *slog.Logger
}

func NewConversations(store *SessionStore, gateway Gateway, logger *slog.Logger) *Conversations {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conversations{store: store, gateway: gateway, logger: logger}
}

func (c *Conversations) Store() *SessionStore {
	return c.store
}

// Start begins a new conversation for key with params.Prompt as its first
// turn. It returns ErrSessionExists if key already has a conversation. If
// the first turn fails, the new session is discarded.
func (c *Conversations) Start(ctx context.Context, key SessionKey, params ConverseParams) (
	Session,
	TextResult,
	error,
) {
	sess, ticket, err := c.store.Begin(key, params)
	if err != nil {
		return sess, TextResult{}, err
	}
	defer ticket.Release()

	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = c.logger
	}
	logger.InfoContext(ctx, "started conversation", "session_id", sess.ID, "key", key)

	// the ticket may still be behind turns queued for an earlier session
	// on the same key
	current, err := ticket.Wait(ctx)
	if err != nil {
		_ = c.store.End(sess)
		return sess, TextResult{}, err
	}
	sess = current

	var images []string
	if params.Attachment != nil {
		images = append(images, params.Attachment.URL)
	}
	updated, result, err := c.turn(ctx, sess, params.Prompt, images)
	if err != nil {
		if endErr := c.store.End(sess); endErr == nil {
			logger.InfoContext(
				ctx,
				"discarded conversation after failed first turn",
				"session_id", sess.ID,
			)
		}
		return sess, result, err
	}
	return updated, result, nil
}

// Continue sends prompt as the next turn of key's conversation. Turns for
// the same key run one at a time, in the order they arrived.
func (c *Conversations) Continue(
	ctx context.Context,
	key SessionKey,
	prompt string,
	imageURLs []string,
) (Session, TextResult, error) {
	sess, ok := c.store.Get(key)
	if !ok {
		return Session{}, TextResult{}, ErrSessionNotFound
	}
	ticket := c.store.Enqueue(sess)
	defer ticket.Release()
	return c.ContinueQueued(ctx, ticket, prompt, imageURLs)
}

// ContinueQueued is Continue for a turn whose place in line was already
// taken with SessionStore.Enqueue. The turn is held until the caller
// releases ticket, so the reply can be delivered before the next turn
// starts.
func (c *Conversations) ContinueQueued(
	ctx context.Context,
	ticket *TurnTicket,
	prompt string,
	imageURLs []string,
) (Session, TextResult, error) {
	// the session may have been stopped or paused while we waited
	sess, err := ticket.Wait(ctx)
	if err != nil {
		return Session{}, TextResult{}, err
	}
	if sess.Paused {
		return sess, TextResult{}, ErrSessionPaused
	}
	return c.turn(ctx, sess, prompt, imageURLs)
}

// turn sends prompt chained onto the session's most recent response, and
// appends the result. The caller must hold the key's turn.
func (c *Conversations) turn(
	ctx context.Context,
	sess Session,
	prompt string,
	imageURLs []string,
) (Session, TextResult, error) {
	result, err := c.gateway.GenerateText(
		ctx, TextRequest{
			Params:             sess.Params,
			Prompt:             prompt,
			ImageURLs:          imageURLs,
			PreviousResponseID: sess.Tail(),
		},
	)
	if err != nil {
		return sess, result, err
	}
	updated, err := c.store.AppendResponse(
		sess, Turn{
			ResponseID: result.ResponseID,
			Prompt:     prompt,
			ImageURLs:  imageURLs,
		},
	)
	if err != nil {
		if errors.Is(err, ErrSessionGone) {
			c.logger.InfoContext(
				ctx,
				"discarding response for ended conversation",
				"session_id", sess.ID,
				"response_id", result.ResponseID,
			)
		}
		return sess, result, err
	}
	return updated, result, nil
}

// regenerate replaces the session's most recent response with a new one
// for the same prompt. The removed turn is restored if the new request
// fails.
func (c *Conversations) regenerate(ctx context.Context, sess Session) (
	Session,
	TextResult,
	error,
) {
	popped, err := c.store.Regenerate(sess)
	if err != nil {
		return sess, TextResult{}, err
	}
	sess.Chain = sess.Chain[:max(len(sess.Chain)-1, 0)]

	updated, result, err := c.turn(ctx, sess, popped.Prompt, popped.ImageURLs)
	if err != nil && !errors.Is(err, ErrSessionGone) {
		if _, restoreErr := c.store.AppendResponse(sess, popped); restoreErr != nil {
			c.logger.WarnContext(
				ctx,
				"unable to restore response after failed regenerate",
				"session_id", sess.ID,
				tint.Err(restoreErr),
			)
		}
	}
	return updated, result, err
}
