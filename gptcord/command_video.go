package gptcord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const videoFilename = "video.mp4"

// runVideo submits a video job, shows its progress while the poller waits
// on it, and attaches the result when it succeeds.
func (b *Bot) runVideo(
	ctx context.Context,
	handler InteractionHandler,
	params VideoParams,
	record *CommandLog,
) (string, error) {
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = b.logger
	}

	jobID, err := b.gateway.SubmitVideo(ctx, params)
	if err != nil {
		return "", err
	}
	job := NewAsyncJob(jobID, time.Now()).Accepted()
	logger = logger.With("job_id", jobID)
	logger.InfoContext(ctx, "submitted video job")

	jobLog := newVideoJobLog(job, record, params.Model)
	if _, createErr := b.db.Create(ctx, jobLog); createErr != nil {
		logger.ErrorContext(ctx, "error saving video job", tint.Err(createErr))
	}
	b.editVideoEmbed(ctx, handler, params, job, "")

	lastStatus, lastProgress := job.Status, job.Progress
	job, err = b.poller.Wait(
		ctx, job, func(job AsyncJob) {
			if _, updateErr := b.db.Updates(ctx, jobLog, videoJobUpdate(job)); updateErr != nil {
				logger.ErrorContext(ctx, "error updating video job", tint.Err(updateErr))
			}
			if job.Status.Terminal() || (job.Status == lastStatus && job.Progress == lastProgress) {
				return
			}
			lastStatus, lastProgress = job.Status, job.Progress
			b.editVideoEmbed(ctx, handler, params, job, "")
		},
	)
	b.metrics.observeVideoJob(job.Status)

	switch {
	case errors.Is(err, ErrTimeoutExpired):
		logger.WarnContext(ctx, "video job expired, abandoning", "job", job)
		b.editVideoEmbed(
			ctx, handler, params, job, fmt.Sprintf(
				"The video job exceeded %s. It may still finish on the provider's side, "+
					"but it will not be delivered here.",
				formatBudget(b.poller.budget),
			),
		)
		return "", reportedError{err}
	case err != nil:
		return "", err
	}

	video, err := b.gateway.DownloadVideo(ctx, job.ID)
	if err != nil {
		return "", err
	}

	embeds := []*discordgo.MessageEmbed{videoEmbed(params, job, "")}
	_, err = handler.Edit(
		ctx, &discordgo.WebhookEdit{
			Embeds: &embeds,
			Files: []*discordgo.File{
				{Name: videoFilename, ContentType: "video/mp4", Reader: bytes.NewReader(video)},
			},
		},
	)
	return videoFilename, err
}

func (b *Bot) editVideoEmbed(
	ctx context.Context,
	handler InteractionHandler,
	params VideoParams,
	job AsyncJob,
	notice string,
) {
	embeds := []*discordgo.MessageEmbed{videoEmbed(params, job, notice)}
	_, _ = handler.Edit(ctx, &discordgo.WebhookEdit{Embeds: &embeds})
}

func videoEmbed(params VideoParams, job AsyncJob, notice string) *discordgo.MessageEmbed {
	color := embedColorBlue
	switch job.Status {
	case JobSucceeded:
		color = embedColorGreen
	case JobFailed, JobExpired:
		color = embedColorRed
	}
	description := optionSummary(
		"Prompt", truncateText(params.Prompt, promptDisplayMaxLength, "..."),
		"Model", params.Model,
		"Size", params.Size,
		"Seconds", params.Seconds,
	)
	if notice != "" {
		description += "\n\n" + notice
	}
	return &discordgo.MessageEmbed{
		Title:       "Video Generation",
		Description: description,
		Color:       color,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Status", Value: string(job.Status), Inline: true},
			{Name: "Progress", Value: fmt.Sprintf("%d%%", job.Progress), Inline: true},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: job.ID},
	}
}

// formatBudget renders whole minutes as "10 minutes", and anything else
// as a Go duration.
func formatBudget(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		minutes := int(d / time.Minute)
		if minutes == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", minutes)
	}
	return d.String()
}
