package gptcord

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Discord manages the bot's discord session: gateway event handlers,
// command registration and the webhook public key.
type Discord struct {
	session   DiscordSessionHandler
	config    *DiscordConfig
	logger    *slog.Logger
	publicKey ed25519.PublicKey
	metrics   *Metrics
	connected atomic.Bool

	discordgoRemoveHandlerFuncs []func()
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig, metrics *Metrics) (*Discord, error) {
	d := &Discord{
		config:                      config,
		metrics:                     metrics,
		logger:                      newLogger("discord", config.LogLevel),
		discordgoRemoveHandlerFuncs: []func(){},
	}

	if config.WebhookServer.PublicKey != "" {
		publicKey, err := hex.DecodeString(config.WebhookServer.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("error decoding public key: %w", err)
		}
		if len(publicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid public key length: %d", len(publicKey))
		}
		d.publicKey = ed25519.PublicKey(publicKey)
	}

	return d, nil
}

// newSession initializes a new Discord session for the Discord struct.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	session.SetLogLevel(d.config.DiscordGoLogLevel.Level())
	return session, nil
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		attrs := []any{"session_id", r.SessionID, "guilds", len(r.Guilds)}
		if r.User != nil {
			attrs = append(attrs, "user_id", r.User.ID, "username", r.User.Username)
		}
		d.logger.Info("Ready", attrs...)
		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Error("error setting custom status", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, r *discordgo.Connect) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metrics.observeDiscordConnect()
		d.connected.Store(true)
		d.logger.Info("Connected")
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, r *discordgo.Disconnect) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.logger.Info("disconnected")
	}
}

// registerCommands sends commands to the discord bulk overwrite endpoint,
// once per allowed guild, or globally when no guilds are configured.
func (d *Discord) registerCommands(
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	guildIDs := d.config.GuildIDs
	if len(guildIDs) == 0 {
		guildIDs = []string{""}
	}

	var registered []*discordgo.ApplicationCommand
	var errs []error
	for _, guildID := range guildIDs {
		created, err := d.session.ApplicationCommandBulkOverwrite(
			d.config.ApplicationID,
			guildID,
			commands,
			options...,
		)
		if err != nil {
			d.logger.Error(
				"error overwriting discord commands",
				"guild_id", guildID,
				tint.Err(err),
			)
			errs = append(errs, fmt.Errorf("guild %q: %w", guildID, err))
			continue
		}
		d.logger.Info("registered commands", "guild_id", guildID, "count", len(created))
		registered = append(registered, created...)
	}
	return registered, errors.Join(errs...)
}

// guildAllowed reports whether interactions from guildID are served.
// DMs (no guild) are only served when no allow-list is set.
func (d *Discord) guildAllowed(guildID string) bool {
	if len(d.config.GuildIDs) == 0 {
		return true
	}
	for _, id := range d.config.GuildIDs {
		if id == guildID {
			return true
		}
	}
	return false
}

// DiscordSessionHandler is the subset of [discordgo.Session] used by the
// bot, so it can be swapped out in tests.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	UpdateCustomStatus(status string) error

	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	InteractionResponse(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	InteractionResponseDelete(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) error

	FollowupMessageCreate(
		interaction *discordgo.Interaction,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a message with embeds, files or
	// components to the given channel
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelTyping shows the typing indicator in the channel for up to
	// ten seconds
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error

	MessageReactionAdd(
		channelID string,
		messageID string,
		emojiID string,
		options ...discordgo.RequestOption,
	) error

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) {
	d.session.LogLevel = discordgoLogLevel(lvl)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponse(
	interaction *discordgo.Interaction,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponse(interaction, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) InteractionResponseDelete(
	interaction *discordgo.Interaction,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionResponseDelete(interaction, options...)
}

func (d DiscordSession) FollowupMessageCreate(
	interaction *discordgo.Interaction,
	wait bool,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.FollowupMessageCreate(interaction, wait, data, options...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error("error sending message", "channel_id", channelID, tint.Err(err))
	}
	return msg, err
}

func (d DiscordSession) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	return d.session.ChannelTyping(channelID, options...)
}

func (d DiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionAdd(channelID, messageID, emojiID, options...)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(appID, guildID, commands, options...)
	if err != nil {
		return created, err
	}
	for _, c := range created {
		d.logger.Debug("Created command", "command", c.Name, "guild_id", guildID)
	}
	return created, nil
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}
