package gptcord

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/bwmarrin/discordgo"
)

// runImage generates images and attaches them as image{N}.png. DALL-E
// returns URLs, which are downloaded concurrently.
func (b *Bot) runImage(ctx context.Context, handler InteractionHandler, params ImageParams) (string, error) {
	images, err := b.gateway.GenerateImage(ctx, params)
	if err != nil {
		return "", err
	}
	if len(images) == 0 {
		return "", &FatalProviderError{
			ProviderErrorDetail: ProviderErrorDetail{
				Op:      "generate_image",
				Message: "no images returned",
			},
		}
	}

	var urls []string
	var urlIndexes []int
	for n, img := range images {
		if img.Data == nil && img.URL != "" {
			urls = append(urls, img.URL)
			urlIndexes = append(urlIndexes, n)
		}
	}
	if len(urls) > 0 {
		downloaded, downloadErr := b.errgroupDownloads(ctx, urls)
		if downloadErr != nil {
			return "", downloadErr
		}
		for n, idx := range urlIndexes {
			images[idx].Data = downloaded[n]
		}
	}

	files := make([]*discordgo.File, 0, len(images))
	for n, img := range images {
		if len(img.Data) == 0 {
			return "", &FatalProviderError{
				ProviderErrorDetail: ProviderErrorDetail{
					Op:      "generate_image",
					Message: fmt.Sprintf("no image data returned for image %d", n+1),
				},
			}
		}
		files = append(
			files, &discordgo.File{
				Name:        fmt.Sprintf("image%d.png", n+1),
				ContentType: "image/png",
				Reader:      bytes.NewReader(img.Data),
			},
		)
	}

	embed := &discordgo.MessageEmbed{
		Title: "Image Generation",
		Description: optionSummary(
			"Prompt", truncateText(params.Prompt, promptDisplayMaxLength, "..."),
			"Model", params.Model,
			"Size", params.Size,
			"Quality", params.Quality,
			"Style", params.Style,
			"Count", strconv.Itoa(len(images)),
		),
		Color: embedColorGreen,
	}
	if len(images) == 1 && images[0].RevisedPrompt != "" {
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:  "Revised Prompt",
				Value: truncateText(images[0].RevisedPrompt, embedFieldMaxLength-3, "..."),
			},
		)
	}

	return fmt.Sprintf("%d image(s)", len(images)), b.sendEmbeds(
		ctx,
		handler,
		[]*discordgo.MessageEmbed{embed},
		nil,
		files,
	)
}
