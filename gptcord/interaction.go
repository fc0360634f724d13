package gptcord

import (
	"context"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

type DiscordInteractionReceiveMethod string

const (
	discordInteractionReceiveMethodGateway DiscordInteractionReceiveMethod = "gateway"
	discordInteractionReceiveMethodWebhook DiscordInteractionReceiveMethod = "webhook"
)

// InteractionStatus is the outcome recorded for a command.
type InteractionStatus string

const (
	InteractionStatusReceived  InteractionStatus = "received"
	InteractionStatusCompleted InteractionStatus = "completed"
	InteractionStatusInvalid   InteractionStatus = "invalid"
	InteractionStatusRefused   InteractionStatus = "refused"
	InteractionStatusFailed    InteractionStatus = "failed"
	InteractionStatusExpired   InteractionStatus = "expired"
)

// InteractionHandler responds to a single interaction, however it was
// received.
type InteractionHandler interface {
	// Respond sends the initial response to the interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// GetResponse retrieves the current response for the interaction.
	GetResponse(ctx context.Context) (*discordgo.Message, error)

	// Edit modifies the initial response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// Followup sends an additional message after the initial response.
	Followup(
		ctx context.Context,
		params *discordgo.WebhookParams,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// Delete removes the initial response.
	Delete(ctx context.Context, opts ...discordgo.RequestOption)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// InteractionReceiveMethod returns the method used to receive the
	// interaction (webhook or gateway).
	InteractionReceiveMethod() DiscordInteractionReceiveMethod

	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] for interactions
// received via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func newGatewayHandler(
	session DiscordSessionHandler,
	i *discordgo.InteractionCreate,
	logger *slog.Logger,
) GatewayHandler {
	return GatewayHandler{session: session, interaction: i, logger: logger}
}

func (GatewayHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetResponse(ctx context.Context) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponse(w.interaction.Interaction)
	if err != nil {
		w.logger.ErrorContext(ctx, "error getting interaction response", tint.Err(err))
	}
	return msg, err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(w.interaction.Interaction, wh, opts...)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "edited interaction")
	}
	return msg, err
}

func (w GatewayHandler) Followup(
	ctx context.Context,
	params *discordgo.WebhookParams,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.FollowupMessageCreate(w.interaction.Interaction, true, params, opts...)
	if err != nil {
		w.logger.ErrorContext(ctx, "error sending followup message", tint.Err(err))
	}
	return msg, err
}

func (w GatewayHandler) Delete(ctx context.Context, opts ...discordgo.RequestOption) {
	err := w.session.InteractionResponseDelete(w.interaction.Interaction, opts...)
	if err != nil {
		w.logger.ErrorContext(ctx, "error deleting interaction response", tint.Err(err))
	}
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Guild interactions carry it on Member, DMs on User.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

func deferredResponse(flags discordgo.MessageFlags) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: flags},
	}
}
