package gptcord

import (
	"context"
	"errors"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const pausedReaction = "⏸️"

// runConverse starts a conversation for the user in the interaction's
// channel and replies with the first response and the control buttons.
func (b *Bot) runConverse(
	ctx context.Context,
	handler InteractionHandler,
	user *discordgo.User,
	params ConverseParams,
	record *CommandLog,
) (string, error) {
	i := handler.GetInteraction()
	key := SessionKey{UserID: user.ID, ChannelID: i.ChannelID}

	sess, result, err := b.conversations.Start(ctx, key, params)
	b.metrics.setActiveSessions(b.conversations.Store().Len())
	if err != nil {
		return "", err
	}
	record.SessionID = sess.ID

	embeds := []*discordgo.MessageEmbed{conversationStartedEmbed(params)}
	if params.Attachment != nil {
		embeds = append(embeds, attachmentEmbed(*params.Attachment))
	}
	embeds = append(embeds, responseEmbeds(result.Text)...)
	return result.Text, b.sendEmbeds(ctx, handler, embeds, controlButtons(sess.ID), nil)
}

// queueDiscordMessage takes the message's turn in its author's
// conversation in that channel as the event arrives, so follow-ups are
// answered in the order they were sent. It returns the func that handles
// the message, or nil if there's no conversation to continue. Messages to a
// paused conversation get a reaction and are otherwise ignored.
func (b *Bot) queueDiscordMessage(m *discordgo.MessageCreate) func(ctx context.Context) {
	if m.Author == nil || m.Author.Bot {
		return nil
	}
	key := SessionKey{UserID: m.Author.ID, ChannelID: m.ChannelID}
	sess, ok := b.conversations.Store().Get(key)
	if !ok {
		return nil
	}
	var ticket *TurnTicket
	if !sess.Paused {
		ticket = b.conversations.Store().Enqueue(sess)
	}
	return func(ctx context.Context) {
		b.handleDiscordMessage(ctx, m, sess, ticket)
	}
}

// handleDiscordMessage continues sess with m. ticket is m's place in the
// session's turn queue, and is nil if sess was paused when m arrived.
func (b *Bot) handleDiscordMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
	sess Session,
	ticket *TurnTicket,
) {
	logger := b.logger.With(
		slog.String("message_id", m.ID),
		slog.String("session_id", sess.ID),
	)
	ctx = WithLogger(ctx, logger)

	dm := NewDiscordMessage(m.Message)
	dm.SessionID = sess.ID
	dm.Paused = ticket == nil
	b.db.writeAsync(
		ctx, "discord_message", func(ctx context.Context) error {
			_, err := b.db.Create(ctx, &dm)
			return err
		},
	)

	if ticket == nil {
		logger.InfoContext(ctx, "conversation paused, ignoring message")
		if err := b.discord.session.MessageReactionAdd(m.ChannelID, m.ID, pausedReaction); err != nil {
			logger.WarnContext(ctx, "error adding paused reaction", tint.Err(err))
		}
		return
	}
	defer ticket.Release()

	var imageURLs []string
	for _, a := range m.Attachments {
		if a != nil && newAttachment(a).IsImage() {
			imageURLs = append(imageURLs, a.URL)
		}
	}

	record := newCommandLog(commandFollowup, m.Author, nil)
	record.MessageID = m.ID
	record.ChannelID = m.ChannelID
	record.GuildID = m.GuildID
	record.SessionID = sess.ID
	record.setParams(map[string]any{"prompt": m.Content, "image_urls": imageURLs})
	if _, err := b.db.Create(ctx, record); err != nil {
		logger.ErrorContext(ctx, "error saving command log", tint.Err(err))
	}

	stopTyping := b.startTyping(ctx, m.ChannelID)
	_, result, err := b.conversations.ContinueQueued(ctx, ticket, m.Content, imageURLs)
	stopTyping()

	status := commandStatus(err)
	reference := m.Reference()
	switch {
	case errors.Is(err, ErrSessionPaused):
		// paused while the message waited its turn
		status = InteractionStatusRefused
		if reactErr := b.discord.session.MessageReactionAdd(m.ChannelID, m.ID, pausedReaction); reactErr != nil {
			logger.WarnContext(ctx, "error adding paused reaction", tint.Err(reactErr))
		}
	case errors.Is(err, ErrSessionGone), errors.Is(err, ErrSessionNotFound):
		// stopped while the message waited, or while the response was
		// generated
		logger.InfoContext(ctx, "conversation ended before reply", tint.Err(err))
	case err != nil:
		logger.ErrorContext(ctx, "error continuing conversation", tint.Err(err))
		if sendErr := b.sendChannelEmbeds(
			m.ChannelID,
			reference,
			[]*discordgo.MessageEmbed{errorEmbed(err)},
			nil,
		); sendErr != nil {
			logger.ErrorContext(ctx, "error sending error reply", tint.Err(sendErr))
		}
	default:
		if sendErr := b.sendChannelEmbeds(
			m.ChannelID,
			reference,
			responseEmbeds(result.Text),
			controlButtons(sess.ID),
		); sendErr != nil {
			logger.ErrorContext(ctx, "error sending reply", tint.Err(sendErr))
			err = sendErr
			status = InteractionStatusFailed
		}
	}

	record.finish(status, result.Text, err)
	b.updateCommandLog(ctx, record)
	b.metrics.observeInteraction(commandFollowup, status)
}

// handleControl applies a conversation button press. Regenerate is
// acknowledged first, and its new response posted to the channel.
func (b *Bot) handleControl(ctx context.Context, handler InteractionHandler, user *discordgo.User) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	data := i.MessageComponentData()

	action, sessionID, err := parseControlCustomID(data.CustomID)
	if err != nil {
		logger.WarnContext(ctx, "unrecognized component", tint.Err(err))
		_ = handler.Respond(ctx, ephemeralResponse(controlMessageNotFound))
		return
	}
	command := string(action)
	record := newCommandLog(command, user, i)
	record.SessionID = sessionID
	if i.Message != nil {
		record.MessageID = i.Message.ID
	}

	if action != ControlRegenerate {
		outcome, pressErr := b.controls.Press(ctx, action, sessionID, user.ID)
		status := controlStatus(pressErr)
		record.finish(status, outcome.Message, pressErr)
		b.saveCommandLog(ctx, record)
		b.metrics.observeInteraction(command, status)
		b.metrics.setActiveSessions(b.conversations.Store().Len())
		_ = handler.Respond(ctx, ephemeralResponse(outcome.Message))
		return
	}

	if ackErr := handler.Respond(ctx, deferredResponse(discordgo.MessageFlagsEphemeral)); ackErr != nil {
		record.finish(InteractionStatusFailed, "", ackErr)
		b.saveCommandLog(ctx, record)
		b.metrics.observeInteraction(command, InteractionStatusFailed)
		return
	}

	b.goTracked(
		ctx, func(ctx context.Context) {
			if _, err := b.db.Create(ctx, record); err != nil {
				logger.ErrorContext(ctx, "error saving command log", tint.Err(err))
			}

			outcome, pressErr := b.controls.Press(ctx, action, sessionID, user.ID)
			status := controlStatus(pressErr)
			message := outcome.Message
			_, _ = handler.Edit(ctx, &discordgo.WebhookEdit{Content: &message})

			var response string
			if outcome.Response != nil {
				response = outcome.Response.Text
				if sendErr := b.sendChannelEmbeds(
					i.ChannelID,
					nil,
					responseEmbeds(response),
					controlButtons(outcome.Session.ID),
				); sendErr != nil {
					logger.ErrorContext(ctx, "error sending regenerated response", tint.Err(sendErr))
					pressErr = sendErr
					status = InteractionStatusFailed
				}
			}
			record.finish(status, response, pressErr)
			b.updateCommandLog(ctx, record)
			b.metrics.observeInteraction(command, status)
		},
	)
}

func controlStatus(err error) InteractionStatus {
	switch {
	case err == nil:
		return InteractionStatusCompleted
	case errors.Is(err, ErrNotOwner):
		return InteractionStatusRefused
	case errors.Is(err, ErrSessionGone), errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrEmptySession):
		return InteractionStatusInvalid
	default:
		return InteractionStatusFailed
	}
}
