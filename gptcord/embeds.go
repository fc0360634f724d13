package gptcord

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

const (
	embedColorGreen = 0x2ecc71
	embedColorRed   = 0xe74c3c
	embedColorBlue  = 0x3498db

	// discord limits
	embedDescriptionMaxLength = 4096
	embedFieldMaxLength       = 1024
	messageMaxEmbeds          = 10
	messageMaxEmbedLength     = 6000

	promptDisplayMaxLength = 2000
	transcriptMaxLength    = 3500

	typingInterval = 5 * time.Second
)

func errorEmbed(err error) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Error",
		Description: truncateText(userErrorMessage(err), embedDescriptionMaxLength-3, "..."),
		Color:       embedColorRed,
	}
}

// responseEmbeds renders text as one or more blue embeds. Long text is
// split into "Response (Part N)" embeds.
func responseEmbeds(text string) []*discordgo.MessageEmbed {
	chunks := chunkText(text, embedDescriptionMaxLength)
	if len(chunks) == 0 {
		chunks = []string{"No response."}
	}
	embeds := make([]*discordgo.MessageEmbed, 0, len(chunks))
	for i, chunk := range chunks {
		title := "Response"
		if len(chunks) > 1 {
			title = fmt.Sprintf("Response (Part %d)", i+1)
		}
		embeds = append(
			embeds, &discordgo.MessageEmbed{
				Title:       title,
				Description: chunk,
				Color:       embedColorBlue,
			},
		)
	}
	return embeds
}

// embedLength counts the characters discord applies to its per-message
// embed limit.
func embedLength(e *discordgo.MessageEmbed) int {
	n := utf8.RuneCountInString(e.Title) + utf8.RuneCountInString(e.Description)
	for _, f := range e.Fields {
		n += utf8.RuneCountInString(f.Name) + utf8.RuneCountInString(f.Value)
	}
	if e.Footer != nil {
		n += utf8.RuneCountInString(e.Footer.Text)
	}
	if e.Author != nil {
		n += utf8.RuneCountInString(e.Author.Name)
	}
	return n
}

// batchEmbeds groups embeds into messages of at most 10 embeds and 6000
// characters each, preserving order.
func batchEmbeds(embeds []*discordgo.MessageEmbed) [][]*discordgo.MessageEmbed {
	var batches [][]*discordgo.MessageEmbed
	var current []*discordgo.MessageEmbed
	size := 0
	for _, e := range embeds {
		n := embedLength(e)
		if len(current) > 0 && (len(current) == messageMaxEmbeds || size+n > messageMaxEmbedLength) {
			batches = append(batches, current)
			current = nil
			size = 0
		}
		current = append(current, e)
		size += n
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

func conversationStartedEmbed(params ConverseParams) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Model", Value: params.Model, Inline: true},
	}
	if params.Temperature != nil {
		fields = append(
			fields,
			&discordgo.MessageEmbedField{
				Name:   "Temperature",
				Value:  strconv.FormatFloat(*params.Temperature, 'f', -1, 64),
				Inline: true,
			},
		)
	}
	if params.TopP != nil {
		fields = append(
			fields,
			&discordgo.MessageEmbedField{
				Name:   "Nucleus Sampling",
				Value:  strconv.FormatFloat(*params.TopP, 'f', -1, 64),
				Inline: true,
			},
		)
	}
	if params.ReasoningEffort != "" {
		fields = append(
			fields,
			&discordgo.MessageEmbedField{Name: "Reasoning Effort", Value: params.ReasoningEffort, Inline: true},
		)
	}
	fields = append(
		fields,
		&discordgo.MessageEmbedField{
			Name:  "Persona",
			Value: truncateText(params.Persona, embedFieldMaxLength-3, "..."),
		},
	)
	return &discordgo.MessageEmbed{
		Title:       "Conversation Started",
		Description: "**Prompt:** " + truncateText(params.Prompt, promptDisplayMaxLength, "..."),
		Color:       embedColorGreen,
		Fields:      fields,
	}
}

func attachmentEmbed(a Attachment) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Attachment",
		Description: a.Filename,
		Color:       embedColorGreen,
		Image:       &discordgo.MessageEmbedImage{URL: a.URL},
	}
}

// controlButtons returns the conversation control row.
func controlButtons(sessionID string) []discordgo.MessageComponent {
	button := func(action ControlAction, label, emoji string, style discordgo.ButtonStyle) discordgo.Button {
		return discordgo.Button{
			Label:    label,
			Style:    style,
			Emoji:    &discordgo.ComponentEmoji{Name: emoji},
			CustomID: controlCustomID(action, sessionID),
		}
	}
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				button(ControlRegenerate, "Regenerate", "🔄", discordgo.SuccessButton),
				button(ControlPause, "Pause", "⏸️", discordgo.SecondaryButton),
				button(ControlResume, "Resume", "▶️", discordgo.SecondaryButton),
				button(ControlStop, "Stop", "⏹️", discordgo.PrimaryButton),
			},
		},
	}
}

// optionSummary renders a command's options as "**name:** value" lines,
// for the embeds of one-shot commands.
func optionSummary(pairs ...string) string {
	var b strings.Builder
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "**%s:** %s", pairs[i], pairs[i+1])
	}
	return b.String()
}
