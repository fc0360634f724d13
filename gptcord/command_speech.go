package gptcord

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"strconv"

	"github.com/bwmarrin/discordgo"
)

func (b *Bot) runSpeech(ctx context.Context, handler InteractionHandler, params SpeechParams) (string, error) {
	audio, err := b.gateway.SynthesizeSpeech(ctx, params)
	if err != nil {
		return "", err
	}

	filename := fmt.Sprintf("%s_speech.%s", params.Voice, params.ResponseFormat)
	contentType := mime.TypeByExtension("." + params.ResponseFormat)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	embed := &discordgo.MessageEmbed{
		Title: "Text-to-Speech",
		Description: optionSummary(
			"Input", truncateText(params.Input, promptDisplayMaxLength, "..."),
			"Model", params.Model,
			"Voice", params.Voice,
			"Format", params.ResponseFormat,
			"Speed", strconv.FormatFloat(params.Speed, 'f', -1, 64),
			"Instructions", truncateText(params.Instructions, embedFieldMaxLength, "..."),
		),
		Color: embedColorGreen,
	}
	return filename, b.sendEmbeds(
		ctx,
		handler,
		[]*discordgo.MessageEmbed{embed},
		nil,
		[]*discordgo.File{{Name: filename, ContentType: contentType, Reader: bytes.NewReader(audio)}},
	)
}
