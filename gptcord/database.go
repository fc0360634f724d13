package gptcord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/oklog/ulid/v2"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	columnCommandLogStatus     = "status"
	columnCommandLogError      = "error"
	columnCommandLogResponse   = "response"
	columnCommandLogSessionID  = "session_id"
	columnCommandLogFinishedAt = "finished_at"
	columnVideoJobStatus       = "status"
	columnVideoJobProgress     = "progress"
	columnVideoJobPolls        = "polls"
	columnVideoJobError        = "error"
	columnVideoJobFinishedAt   = "finished_at"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

const commandLogResponseMaxLength = 8000

// ModelUnixTime is an embeddable model with millisecond creation and
// update timestamps.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// auditModels are migrated by CreateDB.
var auditModels = []any{
	&InteractionLog{},
	&CommandLog{},
	&VideoJobLog{},
	&DiscordMessage{},
}

// InteractionLog records every interaction received, as-is.
//
//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	Method        DiscordInteractionReceiveMethod `json:"method" gorm:"type:string"`
	InteractionID string                          `json:"interaction_id" gorm:"not null;index"`
	Type          string                          `json:"type" gorm:"type:string"`
	UserID        string                          `json:"user_id" gorm:"not null"`
	Username      string                          `json:"username" gorm:"type:string"`
	GuildID       string                          `json:"guild_id" gorm:"type:string"`
	ChannelID     string                          `json:"channel_id" gorm:"type:string"`
	Context       string                          `json:"context" gorm:"type:string"`
	Payload       string                          `json:"payload" gorm:"type:string"`
	CreatedAt     int64                           `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	method DiscordInteractionReceiveMethod,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}
	return &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Context:       i.Context.String(),
		Payload:       string(p),
		Method:        method,
	}, nil
}

// CommandLog is the outcome of a single slash command, button press or
// conversation follow-up.
//
//nolint:lll // struct tags can't be split
type CommandLog struct {
	ID string `gorm:"primaryKey" json:"id"`
	ModelUnixTime
	InteractionID string            `json:"interaction_id" gorm:"index"`
	MessageID     string            `json:"message_id"`
	Command       string            `json:"command" gorm:"not null;index"`
	UserID        string            `json:"user_id" gorm:"not null;index"`
	ChannelID     string            `json:"channel_id"`
	GuildID       string            `json:"guild_id"`
	SessionID     string            `json:"session_id" gorm:"index"`
	Params        string            `json:"params"`
	Status        InteractionStatus `json:"status" gorm:"type:string"`
	Response      string            `json:"response"`
	Error         string            `json:"error"`
	StartedAt     int64             `json:"started_at"`
	FinishedAt    *int64            `json:"finished_at"`
}

func (c CommandLog) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", c.ID),
		slog.String("command", c.Command),
		slog.String("user_id", c.UserID),
		slog.String("channel_id", c.ChannelID),
		slog.String("session_id", c.SessionID),
		slog.String("status", string(c.Status)),
	)
}

func newCommandLog(command string, user *discordgo.User, i *discordgo.InteractionCreate) *CommandLog {
	record := &CommandLog{
		ID:        ulid.Make().String(),
		Command:   command,
		UserID:    user.ID,
		Status:    InteractionStatusReceived,
		StartedAt: time.Now().UnixMilli(),
	}
	if i != nil {
		record.InteractionID = i.ID
		record.ChannelID = i.ChannelID
		record.GuildID = i.GuildID
	}
	return record
}

func (c *CommandLog) setParams(params any) {
	data, err := json.Marshal(params)
	if err != nil {
		c.Params = fmt.Sprintf("%+v", params)
		return
	}
	c.Params = string(data)
}

// finish records the command's outcome. The response is truncated, since
// it's already been delivered to discord.
func (c *CommandLog) finish(status InteractionStatus, response string, err error) {
	now := time.Now().UnixMilli()
	c.Status = status
	c.Response = truncate(response, commandLogResponseMaxLength)
	if err != nil {
		c.Error = err.Error()
	}
	c.FinishedAt = &now
}

// outcome is the set of columns written when a command finishes.
func (c *CommandLog) outcome() map[string]any {
	return map[string]any{
		columnCommandLogStatus:     c.Status,
		columnCommandLogResponse:   c.Response,
		columnCommandLogError:      c.Error,
		columnCommandLogSessionID:  c.SessionID,
		columnCommandLogFinishedAt: c.FinishedAt,
	}
}

// VideoJobLog follows a video job from submission to its terminal state.
type VideoJobLog struct {
	ModelUintID
	ModelUnixTime
	JobID        string    `json:"job_id" gorm:"not null;uniqueIndex"`
	CommandLogID string    `json:"command_log_id" gorm:"index"`
	UserID       string    `json:"user_id"`
	Model        string    `json:"model"`
	Status       JobStatus `json:"status" gorm:"type:string"`
	Progress     int       `json:"progress"`
	Polls        int       `json:"polls"`
	Error        string    `json:"error"`
	SubmittedAt  int64     `json:"submitted_at"`
	FinishedAt   *int64    `json:"finished_at"`
}

func newVideoJobLog(job AsyncJob, record *CommandLog, model string) *VideoJobLog {
	return &VideoJobLog{
		JobID:        job.ID,
		CommandLogID: record.ID,
		UserID:       record.UserID,
		Model:        model,
		Status:       job.Status,
		SubmittedAt:  job.SubmittedAt.UnixMilli(),
	}
}

// videoJobUpdate is the set of columns written after each poll.
func videoJobUpdate(job AsyncJob) map[string]any {
	values := map[string]any{
		columnVideoJobStatus:   job.Status,
		columnVideoJobProgress: job.Progress,
		columnVideoJobPolls:    job.Polls,
	}
	if job.Error != nil {
		values[columnVideoJobError] = job.Error.String()
	}
	if job.Status.Terminal() {
		values[columnVideoJobFinishedAt] = time.Now().UnixMilli()
	}
	return values
}

// DiscordMessage logs an inbound channel message that was routed to a
// conversation.
type DiscordMessage struct {
	ModelUintID
	ModelUnixTime
	MessageID  string `json:"message_id"`
	Content    string `json:"content"`
	ChannelID  string `json:"channel_id"`
	GuildID    string `json:"guild_id"`
	UserID     string `json:"user_id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	SessionID  string `json:"session_id"`
	Paused     bool   `json:"paused"`
	Payload    string `json:"payload"`
}

func NewDiscordMessage(m *discordgo.Message) DiscordMessage {
	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	dm := DiscordMessage{
		MessageID: m.ID,
		Content:   m.Content,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
	}
	if user != nil {
		dm.UserID = user.ID
		dm.Username = user.Username
		dm.GlobalName = user.GlobalName
	}
	data, err := json.Marshal(m)
	if err != nil {
		slog.Default().Error("failed to marshal discord message", tint.Err(err))
	}
	dm.Payload = string(data)
	return dm
}

func (m DiscordMessage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("message_id", m.MessageID),
		slog.String("channel_id", m.ChannelID),
		slog.String("guild_id", m.GuildID),
		slog.String("user_id", m.UserID),
		slog.String("username", m.Username),
		slog.String("session_id", m.SessionID),
	)
}

// database writes audit records. A nil *database discards everything,
// which is what database_type=none gives you.
type database struct {
	db     *gorm.DB
	logger *slog.Logger
}

func newDatabase(db *gorm.DB, logger *slog.Logger) *database {
	if db == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &database{db: db, logger: logger.With(loggerNameKey, "database")}
}

func (d *database) DB() *gorm.DB {
	if d == nil {
		return nil
	}
	return d.db
}

func (d *database) Create(ctx context.Context, value any) (rowsAffected int64, err error) {
	if d == nil {
		return 0, nil
	}
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()
	rv := d.db.WithContext(ctx).Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (rowsAffected int64, err error) {
	if d == nil {
		return 0, nil
	}
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()
	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

// RecentCommands returns up to limit command logs, newest first,
// optionally filtered by user.
func (d *database) RecentCommands(ctx context.Context, userID string, limit int) ([]CommandLog, error) {
	if d == nil {
		return nil, nil
	}
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()
	q := d.db.WithContext(ctx).Order("created_at desc").Limit(limit)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	var logs []CommandLog
	err := q.Find(&logs).Error
	return logs, err
}

// VideoJob returns the log for the given provider job ID.
func (d *database) VideoJob(ctx context.Context, jobID string) (*VideoJobLog, error) {
	if d == nil {
		return nil, gorm.ErrRecordNotFound
	}
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()
	var job VideoJobLog
	if err := d.db.WithContext(ctx).Where("job_id = ?", jobID).Take(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// writeAsync runs fn in the background, logging any error. Audit writes
// never block or fail the user-facing path.
func (d *database) writeAsync(ctx context.Context, what string, fn func(ctx context.Context) error) {
	if d == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := fn(ctx); err != nil {
			d.logger.ErrorContext(ctx, "error writing audit record", "record", what, tint.Err(err))
		}
	}()
}

func withDBTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func isRecordNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// CreateDB opens the database and migrates the audit models.
//
// databaseType must be 'sqlite' or 'postgres'. database is the postgres
// connection string, or the sqlite file path.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	handler slog.Handler,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	if handler == nil {
		handler = newLogHandler(slog.LevelWarn)
	}
	gormLogger := newGORMLogger(handler, slowThreshold)
	dbLogger := slog.New(handler).With(loggerNameKey, "database")

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	if databaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return db, err
		}
	}

	if err = db.WithContext(ctx).AutoMigrate(auditModels...); err != nil {
		return db, fmt.Errorf("error migrating database: %w", err)
	}
	return db, nil
}

func configureSQLite(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
	for _, pragma := range sqliteExecPragma {
		if err = db.WithContext(ctx).Exec(pragma).Error; err != nil {
			return fmt.Errorf("error executing %q: %w", pragma, err)
		}
	}
	return nil
}

// getDB opens a gorm connection for databaseType.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
