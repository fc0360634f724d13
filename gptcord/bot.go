package gptcord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-resty/resty/v2"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

const commandFollowup = "converse_followup"

// Set at build time with -ldflags
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Bot relays discord slash commands, conversation follow-ups and button
// presses to OpenAI.
type Bot struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	db            *database
	discord       *Discord
	openai        *OpenAI
	gateway       Gateway
	dispatcher    *Dispatcher
	conversations *Conversations
	controls      *Controls
	poller        *VideoPoller
	metrics       *Metrics

	// downloader fetches discord attachments and provider image URLs. It
	// carries no credentials.
	downloader *resty.Client

	api           *API
	webhookServer *DiscordWebhookServer

	// getInteractionHandlerFunc returns the InteractionHandler used for
	// interactions received over the gateway
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	// signalReady has a value sent on it once Run has connected to
	// discord and started every server
	signalReady chan struct{}

	// signalStop stops Run, the same as cancelling its context
	signalStop chan struct{}

	runMu     sync.Mutex
	runtimeWG *sync.WaitGroup
	startedAt time.Time
}

// New builds a Bot from config. Config errors are aggregated.
func New(config *Config) (*Bot, error) {
	var errs []error

	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:      config,
		dispatcher:  NewDispatcher(),
		metrics:     NewMetrics(),
		signalReady: make(chan struct{}, 1),
		signalStop:  make(chan struct{}, 1),
		runtimeWG:   &sync.WaitGroup{},
	}

	b.logHandler = newLogHandler(config.LogLevel)
	b.logger = slog.New(b.logHandler).With(loggerNameKey, "gptcord")
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel),
	)

	config.Discord.httpClient = config.HTTPClient
	disc, err := newDiscord(config.Discord, b.metrics)
	if err != nil {
		errs = append(errs, err)
	}
	b.discord = disc

	b.openai = newOpenAI(config.OpenAI, config.HTTPClient, b.metrics)
	b.gateway = b.openai
	b.downloader = resty.NewWithClient(config.HTTPClient).SetTimeout(config.OpenAI.RequestTimeout)

	b.conversations = NewConversations(
		NewSessionStore(config.Session.Tombstones),
		b.gateway,
		b.logger.With(loggerNameKey, "conversations"),
	)
	b.controls = NewControls(b.conversations, b.logger.With(loggerNameKey, "controls"))
	b.poller = NewVideoPoller(
		b.gateway,
		config.OpenAI.PollInterval,
		config.OpenAI.VideoTimeout,
		b.openai.logger,
	)

	if config.API.Enabled {
		api, apiErr := newAPI(b, config.API)
		errs = append(errs, apiErr)
		b.api = api
	}

	if config.Discord.WebhookServer.Enabled && disc != nil {
		webhookServer, webhookErr := newWebhookServer(b, config.Discord.WebhookServer)
		errs = append(errs, webhookErr)
		b.webhookServer = webhookServer
	}

	return b, errors.Join(errs...)
}

// RegisterCommands overwrites the bot's slash commands without starting
// it, per guild when an allow-list is configured.
func RegisterCommands(config *DiscordConfig, options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	disc, err := newDiscord(config, nil)
	if err != nil {
		return nil, err
	}
	session, err := disc.newSession()
	if err != nil {
		return nil, err
	}
	disc.session = session
	return disc.registerCommands(NewDispatcher().ApplicationCommands(), options...)
}

// Stop signals Run to shut down.
func (b *Bot) Stop() {
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

// Run opens the database and discord gateway, starts the API and webhook
// servers, and blocks until ctx is cancelled or Stop is called.
func (b *Bot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if err := b.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}

	if err := b.initDiscordSession(ctx); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}

	if b.api != nil {
		b.startServer(ctx, "api", b.api.Serve)
	}
	if b.webhookServer != nil {
		b.startServer(ctx, "discord_webhook", b.webhookServer.Serve)
	}

	logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		cancel()
		return errors.Join(fmt.Errorf("error connecting to discord: %w", err), b.shutdown(ctx))
	}

	if _, err := b.discord.registerCommands(
		b.dispatcher.ApplicationCommands(),
		discordgo.WithContext(startCtx),
	); err != nil {
		logger.ErrorContext(ctx, "error registering commands", tint.Err(err))
	}

	select {
	case b.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "ready")

	<-ctx.Done()
	return b.shutdown(ctx)
}

func (b *Bot) startServer(ctx context.Context, name string, serve func(ctx context.Context) error) {
	b.runtimeWG.Add(1)
	go func() {
		defer b.runtimeWG.Done()
		if err := serve(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.ErrorContext(ctx, "error serving HTTP", "server", name, tint.Err(err))
		}
	}()
}

func (b *Bot) initDB(ctx context.Context) error {
	if b.config.DatabaseType == dbTypeNone {
		b.logger.WarnContext(ctx, "database disabled, audit records will not be kept")
		return nil
	}
	db, err := CreateDB(
		ctx,
		b.config.DatabaseType,
		b.config.Database,
		newLogHandler(b.config.DatabaseLogLevel),
		b.config.DatabaseSlowThreshold,
	)
	if err != nil {
		return err
	}
	b.db = newDatabase(db, b.logger)
	return nil
}

func (b *Bot) initDiscordSession(ctx context.Context) error {
	if b.discord.session == nil {
		session, err := b.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		b.discord.session = session
	}

	for _, remove := range b.discord.discordgoRemoveHandlerFuncs {
		remove()
	}

	if b.getInteractionHandlerFunc == nil {
		b.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return newGatewayHandler(
				b.discord.session,
				i,
				b.discord.logger.With(slog.Group("interaction", interactionLogAttrs(*i)...)),
			)
		}
	}

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := b.getInteractionHandlerFunc(ctx, i)
				b.goTracked(
					ctx, func(ctx context.Context) {
						b.handleInteraction(ctx, handler)
					},
				)
			},
		),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				if handle := b.queueDiscordMessage(m); handle != nil {
					b.goTracked(ctx, handle)
				}
			},
		),
	}
	return nil
}

// goTracked runs fn in a goroutine counted by the runtime WaitGroup, so
// shutdown waits on it. Panics are recovered and logged.
func (b *Bot) goTracked(ctx context.Context, fn func(ctx context.Context)) {
	b.runtimeWG.Add(1)
	go func() {
		defer b.runtimeWG.Done()
		defer func() {
			if rc := recover(); rc != nil {
				b.handleRecover(ctx, rc)
			}
		}()
		fn(ctx)
	}()
}

// shutdown waits up to the shutdown timeout for in-flight work, then
// closes the discord session and the HTTP servers.
func (b *Bot) shutdown(ctx context.Context) error {
	b.logger.WarnContext(ctx, "shutting down", "shutdown_timeout", b.config.ShutdownTimeout)
	shutdownStart := time.Now()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), b.config.ShutdownTimeout)
	defer closeCancel()

	var g errgroup.Group
	if b.api != nil {
		g.Go(func() error { return b.api.Shutdown(closeCtx) })
	}
	if b.webhookServer != nil {
		g.Go(func() error { return b.webhookServer.Shutdown(closeCtx) })
	}
	serverErr := g.Wait()

	done := make(chan struct{})
	go func() {
		b.runtimeWG.Wait()
		close(done)
	}()

	var errs []error
	if serverErr != nil {
		errs = append(errs, serverErr)
	}
	select {
	case <-done:
		b.logger.InfoContext(ctx, "in-flight work finished", "duration", time.Since(shutdownStart))
	case <-closeCtx.Done():
		b.logger.ErrorContext(ctx, "shutdown timed out waiting on in-flight work")
		errs = append(errs, errors.New("in-flight work did not finish in time"))
	}

	if b.discord.session != nil {
		for _, remove := range b.discord.discordgoRemoveHandlerFuncs {
			remove()
		}
		if err := b.discord.session.Close(); err != nil {
			b.logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
			errs = append(errs, err)
		}
	}

	if db := b.db.DB(); db != nil {
		if sqlDB, err := db.DB(); err == nil {
			if closeErr := sqlDB.Close(); closeErr != nil {
				errs = append(errs, closeErr)
			}
		}
	}
	b.logger.InfoContext(ctx, "shutdown complete", "duration", time.Since(shutdownStart))
	return errors.Join(errs...)
}

// handleRecover logs a recovered panic with its stack trace.
func (b *Bot) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = b.logger
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(errors.New(v)), "stack_trace", stackTrace)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}

// handleInteraction routes an interaction, however it was received.
// Work past the initial response runs in a tracked goroutine, so this
// returns as soon as discord has been answered.
func (b *Bot) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	if i.Type == discordgo.InteractionPing {
		_ = handler.Respond(ctx, &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})
		return
	}

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(ctx, "no user found in interaction")
		return
	}

	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction", "user_id", discordUser.ID)

	if interactionLog, err := newInteractionLog(i, discordUser, handler.InteractionReceiveMethod()); err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	} else {
		b.db.writeAsync(
			ctx, "interaction_log", func(ctx context.Context) error {
				_, err := b.db.Create(ctx, interactionLog)
				return err
			},
		)
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	if !b.discord.guildAllowed(i.GuildID) {
		logger.WarnContext(ctx, "interaction from guild not in allow-list", "guild_id", i.GuildID)
		b.metrics.observeInteraction(interactionCommandName(i), InteractionStatusRefused)
		_ = handler.Respond(ctx, ephemeralResponse("This bot is not enabled in this server."))
		return
	}

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		b.handleCommand(ctx, handler, discordUser)
	case discordgo.InteractionMessageComponent:
		b.handleControl(ctx, handler, discordUser)
	default:
		logger.WarnContext(ctx, "unhandled interaction type", "type", i.Type.String())
	}
}

func interactionCommandName(i *discordgo.InteractionCreate) string {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		return i.ApplicationCommandData().Name
	case discordgo.InteractionMessageComponent:
		if action, _, err := parseControlCustomID(i.MessageComponentData().CustomID); err == nil {
			return string(action)
		}
	}
	return i.Type.String()
}

// handleCommand validates a slash command, acknowledges it, and runs it.
func (b *Bot) handleCommand(ctx context.Context, handler InteractionHandler, user *discordgo.User) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	data := i.ApplicationCommandData()

	record := newCommandLog(data.Name, user, i)
	params, err := b.dispatcher.Validate(data.Name, commandOptions(data))
	if err != nil {
		logger.WarnContext(ctx, "invalid command options", tint.Err(err))
		record.finish(InteractionStatusInvalid, "", err)
		b.saveCommandLog(ctx, record)
		b.metrics.observeInteraction(data.Name, InteractionStatusInvalid)
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Embeds: []*discordgo.MessageEmbed{errorEmbed(err)},
					Flags:  discordgo.MessageFlagsEphemeral,
				},
			},
		)
		return
	}
	record.setParams(params)
	logger = logger.With("command", data.Name)
	ctx = WithLogger(ctx, logger)

	if p, ok := params.(PermissionsParams); ok {
		content := b.checkPermissions(i, p)
		record.finish(InteractionStatusCompleted, content, nil)
		b.saveCommandLog(ctx, record)
		b.metrics.observeInteraction(data.Name, InteractionStatusCompleted)
		_ = handler.Respond(ctx, ephemeralResponse(content))
		return
	}

	if ackErr := handler.Respond(ctx, deferredResponse(0)); ackErr != nil {
		record.finish(InteractionStatusFailed, "", ackErr)
		b.saveCommandLog(ctx, record)
		b.metrics.observeInteraction(data.Name, InteractionStatusFailed)
		return
	}

	b.goTracked(
		ctx, func(ctx context.Context) {
			if _, err := b.db.Create(ctx, record); err != nil {
				logger.ErrorContext(ctx, "error saving command log", tint.Err(err))
			}
			response, runErr := b.runCommand(ctx, handler, user, params, record)
			status := commandStatus(runErr)
			var reported reportedError
			if runErr != nil {
				logger.ErrorContext(ctx, "command failed", tint.Err(runErr))
				if !errors.As(runErr, &reported) {
					b.respondWithError(ctx, handler, runErr)
				}
			}
			record.finish(status, response, runErr)
			b.updateCommandLog(ctx, record)
			b.metrics.observeInteraction(data.Name, status)
		},
	)
}

func (b *Bot) runCommand(
	ctx context.Context,
	handler InteractionHandler,
	user *discordgo.User,
	params CommandParameters,
	record *CommandLog,
) (string, error) {
	switch p := params.(type) {
	case ConverseParams:
		return b.runConverse(ctx, handler, user, p, record)
	case ImageParams:
		return b.runImage(ctx, handler, p)
	case VideoParams:
		return b.runVideo(ctx, handler, p, record)
	case SpeechParams:
		return b.runSpeech(ctx, handler, p)
	case TranscriptionParams:
		return b.runTranscription(ctx, handler, p)
	default:
		return "", fmt.Errorf("no handler for command %q", params.CommandName())
	}
}

func commandStatus(err error) InteractionStatus {
	var validationErr *ValidationError
	switch {
	case err == nil:
		return InteractionStatusCompleted
	case errors.Is(err, ErrTimeoutExpired):
		return InteractionStatusExpired
	case errors.As(err, &validationErr), errors.Is(err, ErrSessionExists):
		return InteractionStatusInvalid
	default:
		return InteractionStatusFailed
	}
}

// respondWithError replaces the deferred response with a red error embed.
func (b *Bot) respondWithError(ctx context.Context, handler InteractionHandler, err error) {
	embeds := []*discordgo.MessageEmbed{errorEmbed(err)}
	_, _ = handler.Edit(ctx, &discordgo.WebhookEdit{Embeds: &embeds})
}

// sendEmbeds delivers embeds as the deferred response, continuing in
// follow-up messages when they don't fit in one. components and files
// go on the last message.
func (b *Bot) sendEmbeds(
	ctx context.Context,
	handler InteractionHandler,
	embeds []*discordgo.MessageEmbed,
	components []discordgo.MessageComponent,
	files []*discordgo.File,
) error {
	batches := batchEmbeds(embeds)
	for n, batch := range batches {
		last := n == len(batches)-1
		var lastComponents []discordgo.MessageComponent
		var lastFiles []*discordgo.File
		if last {
			lastComponents = components
			lastFiles = files
		}
		if n == 0 {
			edit := &discordgo.WebhookEdit{Embeds: &batch, Files: lastFiles}
			if lastComponents != nil {
				edit.Components = &lastComponents
			}
			if _, err := handler.Edit(ctx, edit); err != nil {
				return err
			}
			continue
		}
		if _, err := handler.Followup(
			ctx, &discordgo.WebhookParams{
				Embeds:     batch,
				Components: lastComponents,
				Files:      lastFiles,
			},
		); err != nil {
			return err
		}
	}
	return nil
}

// sendChannelEmbeds posts embeds to a channel, optionally as a reply.
// components go on the last message.
func (b *Bot) sendChannelEmbeds(
	channelID string,
	reference *discordgo.MessageReference,
	embeds []*discordgo.MessageEmbed,
	components []discordgo.MessageComponent,
) error {
	batches := batchEmbeds(embeds)
	for n, batch := range batches {
		msg := &discordgo.MessageSend{Embeds: batch}
		if n == 0 {
			msg.Reference = reference
		}
		if n == len(batches)-1 {
			msg.Components = components
		}
		if _, err := b.discord.session.ChannelMessageSendComplex(channelID, msg); err != nil {
			return err
		}
	}
	return nil
}

// download fetches url with the credential-free downloader.
func (b *Bot) download(ctx context.Context, url string) ([]byte, error) {
	resp, err := b.downloader.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("error downloading %s: %w", truncateText(url, 80, "..."), err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("error downloading %s: %s", truncateText(url, 80, "..."), resp.Status())
	}
	return resp.Body(), nil
}

// startTyping refreshes the typing indicator in channelID until the
// returned func is called.
func (b *Bot) startTyping(ctx context.Context, channelID string) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			if err := b.discord.session.ChannelTyping(channelID); err != nil {
				b.logger.DebugContext(ctx, "error sending typing indicator", tint.Err(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// errgroupDownloads downloads urls concurrently, preserving order.
func (b *Bot) errgroupDownloads(ctx context.Context, urls []string) ([][]byte, error) {
	results := make([][]byte, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for n, url := range urls {
		g.Go(
			func() error {
				data, err := b.download(gctx, url)
				results[n] = data
				return err
			},
		)
	}
	return results, g.Wait()
}

// saveCommandLog writes a command that finished without running, in the
// background.
func (b *Bot) saveCommandLog(ctx context.Context, record *CommandLog) {
	saved := *record
	b.db.writeAsync(
		ctx, "command_log", func(ctx context.Context) error {
			_, err := b.db.Create(ctx, &saved)
			return err
		},
	)
}

// updateCommandLog writes a finished command's outcome.
func (b *Bot) updateCommandLog(ctx context.Context, record *CommandLog) {
	if _, err := b.db.Updates(context.WithoutCancel(ctx), &CommandLog{ID: record.ID}, record.outcome()); err != nil {
		b.logger.ErrorContext(ctx, "error updating command log", "command_log", record, tint.Err(err))
	}
}
