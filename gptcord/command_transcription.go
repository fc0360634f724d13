package gptcord

import (
	"bytes"
	"context"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

const transcriptFilename = "transcript.txt"

// runTranscription downloads the attached audio, transcribes or
// translates it, and replies with the text. Text longer than the embed
// allows is attached in full as transcript.txt.
func (b *Bot) runTranscription(
	ctx context.Context,
	handler InteractionHandler,
	params TranscriptionParams,
) (string, error) {
	data, err := b.download(ctx, params.Attachment.URL)
	if err != nil {
		return "", err
	}

	// a bytes.Reader can be replayed, so the request may be retried
	text, err := b.gateway.Transcribe(
		ctx,
		Audio{Filename: params.Attachment.Filename, Reader: bytes.NewReader(data)},
		params,
	)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)

	output := text
	if output == "" {
		output = "No speech detected."
	}
	embed := &discordgo.MessageEmbed{
		Title: "Speech-to-Text",
		Description: optionSummary(
			"File", params.Attachment.Filename,
			"Model", params.Model,
			"Action", params.Action,
		) + "\n\n**Output:**\n" + truncateText(output, transcriptMaxLength, "..."),
		Color: embedColorGreen,
	}

	var files []*discordgo.File
	if utf8.RuneCountInString(text) > transcriptMaxLength {
		files = append(
			files, &discordgo.File{
				Name:        transcriptFilename,
				ContentType: "text/plain",
				Reader:      strings.NewReader(text),
			},
		)
	}
	return text, b.sendEmbeds(ctx, handler, []*discordgo.MessageEmbed{embed}, nil, files)
}
