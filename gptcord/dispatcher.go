package gptcord

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

// optionSpec declares a single slash command option: how it's presented
// to Discord, how its value is checked, and how it's applied to the
// command's parameters.
type optionSpec[P any] struct {
	name        string
	description string
	kind        discordgo.ApplicationCommandOptionType
	required    bool

	// choices restricts string options to a fixed set
	choices []string

	minValue  *float64
	maxValue  *float64
	maxLength int

	// allowed returns a reason when the value can't be used given the
	// parameters parsed so far. Options are parsed in declaration order,
	// so an option may depend on any option declared before it.
	allowed func(p *P, value any) string

	set func(p *P, value any)
}

// commandSpec declares a slash command and its options.
type commandSpec[P CommandParameters] struct {
	name        string
	description string
	defaults    func() P
	options     []optionSpec[P]

	// finalize fills in defaults that depend on other options, after
	// every option has been applied
	finalize func(p *P) error
}

// commandValidator is the type-erased form of a commandSpec.
type commandValidator interface {
	commandName() string
	validate(options map[string]any) (CommandParameters, error)
	definition() *discordgo.ApplicationCommand
}

func (c commandSpec[P]) commandName() string {
	return c.name
}

func (c commandSpec[P]) invalid(option, format string, args ...any) *ValidationError {
	return &ValidationError{
		Command: c.name,
		Option:  option,
		Reason:  fmt.Sprintf(format, args...),
	}
}

func (c commandSpec[P]) validate(options map[string]any) (CommandParameters, error) {
	known := make(map[string]struct{}, len(c.options))
	for _, opt := range c.options {
		known[opt.name] = struct{}{}
	}
	unknown := make([]string, 0)
	for name := range options {
		if _, ok := known[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, c.invalid(unknown[0], "unknown option")
	}

	params := c.defaults()
	for _, opt := range c.options {
		raw, present := options[opt.name]
		if !present || raw == nil {
			if opt.required {
				return nil, c.invalid(opt.name, "option is required")
			}
			continue
		}
		value, err := coerceOption(opt.kind, raw)
		if err != nil {
			return nil, c.invalid(opt.name, "%s", err.Error())
		}
		if reason := opt.check(value); reason != "" {
			return nil, c.invalid(opt.name, "%s", reason)
		}
		if opt.allowed != nil {
			if reason := opt.allowed(&params, value); reason != "" {
				return nil, c.invalid(opt.name, "%s", reason)
			}
		}
		opt.set(&params, value)
	}
	if c.finalize != nil {
		if err := c.finalize(&params); err != nil {
			return nil, err
		}
	}
	return params, nil
}

// check applies the option's static constraints: choices, numeric range
// and length.
func (o optionSpec[P]) check(value any) string {
	switch v := value.(type) {
	case string:
		if len(o.choices) > 0 && !slices.Contains(o.choices, v) {
			return fmt.Sprintf(
				"must be one of: %s",
				strings.Join(o.choices, ", "),
			)
		}
		if o.maxLength > 0 && utf8.RuneCountInString(v) > o.maxLength {
			return fmt.Sprintf("must be at most %d characters", o.maxLength)
		}
		if o.required && strings.TrimSpace(v) == "" {
			return "must not be empty"
		}
	case float64:
		return o.checkRange(v)
	case int:
		return o.checkRange(float64(v))
	}
	return ""
}

func (o optionSpec[P]) checkRange(v float64) string {
	if o.minValue != nil && v < *o.minValue {
		return fmt.Sprintf("must be at least %s", formatNumber(*o.minValue))
	}
	if o.maxValue != nil && v > *o.maxValue {
		return fmt.Sprintf("must be at most %s", formatNumber(*o.maxValue))
	}
	return ""
}

func formatNumber(f float64) string {
	return fmt.Sprintf("%g", f)
}

// coerceOption converts a raw option value to the Go type used for the
// option's kind: string, float64, int, bool or Attachment. Values decoded
// from JSON arrive as float64 regardless of kind.
func coerceOption(kind discordgo.ApplicationCommandOptionType, raw any) (any, error) {
	switch kind {
	case discordgo.ApplicationCommandOptionString:
		if s, ok := raw.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("expected a string, got %T", raw)
	case discordgo.ApplicationCommandOptionNumber:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case json.Number:
			f, err := v.Float64()
			if err != nil {
				return nil, fmt.Errorf("expected a number, got %q", v.String())
			}
			return f, nil
		}
		return nil, fmt.Errorf("expected a number, got %T", raw)
	case discordgo.ApplicationCommandOptionInteger:
		switch v := raw.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("expected a whole number, got %g", v)
			}
			return int(v), nil
		case json.Number:
			i, err := v.Int64()
			if err != nil {
				return nil, fmt.Errorf("expected a whole number, got %q", v.String())
			}
			return int(i), nil
		}
		return nil, fmt.Errorf("expected a whole number, got %T", raw)
	case discordgo.ApplicationCommandOptionBoolean:
		if b, ok := raw.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("expected a boolean, got %T", raw)
	case discordgo.ApplicationCommandOptionAttachment:
		switch v := raw.(type) {
		case Attachment:
			return v, nil
		case *Attachment:
			if v != nil {
				return *v, nil
			}
		}
		return nil, fmt.Errorf("expected an attachment, got %T", raw)
	default:
		return nil, fmt.Errorf("unsupported option type %v", kind)
	}
}

func (c commandSpec[P]) definition() *discordgo.ApplicationCommand {
	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
		discordgo.InteractionContextPrivateChannel,
		discordgo.InteractionContextBotDM,
	}
	integrationTypes := []discordgo.ApplicationIntegrationType{
		discordgo.ApplicationIntegrationGuildInstall,
		discordgo.ApplicationIntegrationUserInstall,
	}

	cmd := &discordgo.ApplicationCommand{
		Name:             c.name,
		Description:      c.description,
		Type:             discordgo.ChatApplicationCommand,
		Contexts:         &contexts,
		IntegrationTypes: &integrationTypes,
	}

	// Discord requires required options to be listed first
	for _, required := range []bool{true, false} {
		for _, opt := range c.options {
			if opt.required != required {
				continue
			}
			cmd.Options = append(cmd.Options, opt.definition())
		}
	}
	return cmd
}

func (o optionSpec[P]) definition() *discordgo.ApplicationCommandOption {
	def := &discordgo.ApplicationCommandOption{
		Type:        o.kind,
		Name:        o.name,
		Description: o.description,
		Required:    o.required,
		MinValue:    o.minValue,
		MaxLength:   o.maxLength,
	}
	if o.maxValue != nil {
		def.MaxValue = *o.maxValue
	}
	for _, choice := range o.choices {
		def.Choices = append(
			def.Choices,
			&discordgo.ApplicationCommandOptionChoice{Name: choice, Value: choice},
		)
	}
	return def
}

// Dispatcher validates slash command options against the declared
// commands and produces their typed parameters.
type Dispatcher struct {
	commands map[string]commandValidator
	order    []string
}

// NewDispatcher returns a Dispatcher for every supported command.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{commands: map[string]commandValidator{}}
	for _, cmd := range []commandValidator{
		converseCommand(),
		imageCommand(),
		videoCommand(),
		speechCommand(),
		transcriptionCommand(),
		permissionsCommand(),
	} {
		d.commands[cmd.commandName()] = cmd
		d.order = append(d.order, cmd.commandName())
	}
	return d
}

// Validate checks options against command's declaration and returns its
// typed parameters. Any failure is a *ValidationError.
func (d *Dispatcher) Validate(command string, options map[string]any) (
	CommandParameters,
	error,
) {
	cmd, ok := d.commands[command]
	if !ok {
		return nil, &ValidationError{Command: command, Reason: "unknown command"}
	}
	return cmd.validate(options)
}

// ApplicationCommands returns the Discord definitions of every command.
func (d *Dispatcher) ApplicationCommands() []*discordgo.ApplicationCommand {
	cmds := make([]*discordgo.ApplicationCommand, 0, len(d.order))
	for _, name := range d.order {
		cmds = append(cmds, d.commands[name].definition())
	}
	return cmds
}

func floatPtr(f float64) *float64 {
	return &f
}

func onlyFor(option string, models ...string) string {
	return fmt.Sprintf(
		"%s is only supported by %s",
		option,
		strings.Join(models, ", "),
	)
}

var converseModels = []string{
	"gpt-4.1",
	"gpt-4.1-mini",
	"gpt-4.1-nano",
	"o4-mini",
	"o3",
	"o3-mini",
	"o1",
	"o1-mini",
	"gpt-4o",
	"gpt-4o-mini",
	"gpt-4",
	"gpt-4-turbo",
	"gpt-3.5-turbo",
}

var reasoningEfforts = []string{"low", "medium", "high"}

func samplingOption(name, description string, lo, hi float64, set func(p *ConverseParams, v float64)) optionSpec[ConverseParams] {
	return optionSpec[ConverseParams]{
		name:        name,
		description: description,
		kind:        discordgo.ApplicationCommandOptionNumber,
		minValue:    floatPtr(lo),
		maxValue:    floatPtr(hi),
		allowed: func(p *ConverseParams, _ any) string {
			if isReasoningModel(p.Model) {
				return fmt.Sprintf("%s is not supported by reasoning model %s", name, p.Model)
			}
			return ""
		},
		set: func(p *ConverseParams, v any) { set(p, v.(float64)) },
	}
}

func converseCommand() commandSpec[ConverseParams] {
	return commandSpec[ConverseParams]{
		name:        CommandConverse,
		description: "Start a conversation with the assistant",
		defaults: func() ConverseParams {
			return ConverseParams{
				Persona: DefaultPersona,
				Model:   DefaultConverseModel,
			}
		},
		options: []optionSpec[ConverseParams]{
			{
				name:        "model",
				description: "Model to use",
				kind:        discordgo.ApplicationCommandOptionString,
				choices:     converseModels,
				set:         func(p *ConverseParams, v any) { p.Model = v.(string) },
			},
			{
				name:        "prompt",
				description: "Prompt",
				kind:        discordgo.ApplicationCommandOptionString,
				required:    true,
				maxLength:   6000,
				set:         func(p *ConverseParams, v any) { p.Prompt = v.(string) },
			},
			{
				name:        "persona",
				description: "Persona (system instructions)",
				kind:        discordgo.ApplicationCommandOptionString,
				maxLength:   6000,
				set:         func(p *ConverseParams, v any) { p.Persona = v.(string) },
			},
			{
				name:        "attachment",
				description: "Image to include with the prompt",
				kind:        discordgo.ApplicationCommandOptionAttachment,
				allowed: func(_ *ConverseParams, v any) string {
					if !v.(Attachment).IsImage() {
						return "attachment must be an image"
					}
					return ""
				},
				set: func(p *ConverseParams, v any) {
					a := v.(Attachment)
					p.Attachment = &a
				},
			},
			samplingOption(
				"temperature",
				"Sampling temperature (0.0 to 2.0)",
				0, 2,
				func(p *ConverseParams, v float64) { p.Temperature = &v },
			),
			samplingOption(
				"top_p",
				"Nucleus sampling (0.0 to 1.0)",
				0, 1,
				func(p *ConverseParams, v float64) { p.TopP = &v },
			),
			{
				name:        "reasoning_effort",
				description: "Reasoning effort (reasoning models only)",
				kind:        discordgo.ApplicationCommandOptionString,
				choices:     reasoningEfforts,
				allowed: func(p *ConverseParams, _ any) string {
					if !isReasoningModel(p.Model) {
						return "reasoning_effort is only supported by reasoning models"
					}
					return ""
				},
				set: func(p *ConverseParams, v any) { p.ReasoningEffort = v.(string) },
			},
		},
		finalize: func(p *ConverseParams) error {
			if isReasoningModel(p.Model) && p.ReasoningEffort == "" {
				p.ReasoningEffort = DefaultReasoningEffort
			}
			return nil
		},
	}
}

var (
	imageModels = []string{ImageModelGPTImage1, ImageModelDallE3, ImageModelDallE2}

	gptImageQualities = []string{"low", "medium", "high", "auto"}
	dallEQualities    = []string{"standard", "hd"}

	imageSizes = map[string][]string{
		ImageModelDallE2:    {"256x256", "512x512", "1024x1024"},
		ImageModelDallE3:    {"1024x1024", "1792x1024", "1024x1792"},
		ImageModelGPTImage1: {"1024x1024", "1536x1024", "1024x1536", "auto"},
	}
)

func allImageSizes() []string {
	var sizes []string
	for _, model := range imageModels {
		for _, size := range imageSizes[model] {
			if !slices.Contains(sizes, size) {
				sizes = append(sizes, size)
			}
		}
	}
	return sizes
}

func imageCommand() commandSpec[ImageParams] {
	return commandSpec[ImageParams]{
		name:        CommandGenerateImage,
		description: "Generate an image from a prompt",
		defaults: func() ImageParams {
			return ImageParams{
				Model: DefaultImageModel,
				N:     1,
				Size:  DefaultImageSize,
			}
		},
		options: []optionSpec[ImageParams]{
			{
				name:        "model",
				description: "Image model",
				kind:        discordgo.ApplicationCommandOptionString,
				choices:     imageModels,
				set:         func(p *ImageParams, v any) { p.Model = v.(string) },
			},
			{
				name:        "prompt",
				description: "Description of the image",
				kind:        discordgo.ApplicationCommandOptionString,
				required:    true,
				maxLength:   4000,
				set:         func(p *ImageParams, v any) { p.Prompt = v.(string) },
			},
			{
				name:        "n",
				description: "Number of images",
				kind:        discordgo.ApplicationCommandOptionInteger,
				minValue:    floatPtr(1),
				maxValue:    floatPtr(10),
				allowed: func(p *ImageParams, v any) string {
					if p.Model == ImageModelDallE3 && v.(int) != 1 {
						return "dall-e-3 only supports n=1"
					}
					return ""
				},
				set: func(p *ImageParams, v any) { p.N = v.(int) },
			},
			{
				name:        "quality",
				description: "Image quality",
				kind:        discordgo.ApplicationCommandOptionString,
				choices:     append(slices.Clone(gptImageQualities), dallEQualities...),
				allowed: func(p *ImageParams, v any) string {
					quality := v.(string)
					switch {
					case p.IsDallE() && !slices.Contains(dallEQualities, quality):
						return fmt.Sprintf(
							"%s supports quality: %s",
							p.Model,
							strings.Join(dallEQualities, ", "),
						)
					case !p.IsDallE() && !slices.Contains(gptImageQualities, quality):
						return fmt.Sprintf(
							"%s supports quality: %s",
							p.Model,
							strings.Join(gptImageQualities, ", "),
						)
					case quality == "hd" && p.Model != ImageModelDallE3:
						return onlyFor("hd quality", ImageModelDallE3)
					}
					return ""
				},
				set: func(p *ImageParams, v any) { p.Quality = v.(string) },
			},
			{
				name:        "size",
				description: "Image size",
				kind:        discordgo.ApplicationCommandOptionString,
				choices:     allImageSizes(),
				allowed: func(p *ImageParams, v any) string {
					sizes := imageSizes[p.Model]
					if !slices.Contains(sizes, v.(string)) {
						return fmt.Sprintf(
							"%s supports sizes: %s",
							p.Model,
							strings.Join(sizes, ", "),
						)
					}
					return ""
				},
				set: func(p *ImageParams, v any) { p.Size = v.(string) },
			},
			{
				name:        "style",
				description: "Image style (dall-e-3 only)",
				kind:        discordgo.ApplicationCommandOptionString,
				choices:     []string{"vivid", "natural"},
				allowed: func(p *ImageParams, _ any) string {
					if p.Model != ImageModelDallE3 {
						return onlyFor("style", ImageModelDallE3)
					}
					return ""
				},
				set: func(p *ImageParams, v any) { p.Style = v.(string) },
			},
		},
		finalize: func(p *ImageParams) error {
			if p.Quality == "" {
				if p.IsDallE() {
					p.Quality = DefaultDallEQuality
				} else {
					p.Quality = DefaultImageQuality
				}
			}
			if p.Model == ImageModelDallE3 && p.Style == "" {
				p.Style = DefaultDallE3Style
			}
			return nil
		},
	}
}

var (
	videoModels    = []string{VideoModelSora2, VideoModelSora2Pro}
	videoSizes     = []string{"1280x720", "720x1280", "1792x1024", "1024x1792"}
	videoProSizes  = []string{"1792x1024", "1024x1792"}
	videoDurations = []string{"4", "8", "12"}
)

func videoCommand() commandSpec[VideoParams] {
	return commandSpec[VideoParams]{
		name:        CommandGenerateVideo,
		description: "Generate a short video from a prompt",
		defaults: func() VideoParams {
			return VideoParams{
				Model:   DefaultVideoModel,
				Size:    DefaultVideoSize,
				Seconds: DefaultVideoLength,
			}
		},
		options: []optionSpec[VideoParams]{
			{
				name:        "model",
				description: "Video model",
				kind:        discordgo.ApplicationCommandOptionString,
				choices:     videoModels,
				set:         func(p *VideoParams, v any) { p.Model = v.(string) },
			},
			{
				name:        "prompt",
				description: "Description of the video",
				kind:        discordgo.ApplicationCommandOptionString,
				required:    true,
				set:         func(p *VideoParams, v any) { p.Prompt = v.(string) },
			},
			{
				name:        "size",
				description: "Resolution",
				kind:        discordgo.ApplicationCommandOptionString,
				choices:     videoSizes,
				allowed: func(p *VideoParams, v any) string {
					if slices.Contains(videoProSizes, v.(string)) && p.Model != VideoModelSora2Pro {
						return onlyFor("size "+v.(string), VideoModelSora2Pro)
					}
					return ""
				},
				set: func(p *VideoParams, v any) { p.Size = v.(string) },
			},
			{
				name:        "seconds",
				description: "Length in seconds",
				kind:        discordgo.ApplicationCommandOptionString,
				choices:     videoDurations,
				set:         func(p *VideoParams, v any) { p.Seconds = v.(string) },
			},
		},
	}
}

var (
	speechModels   = []string{SpeechModelGPT4oMiniTTS, "tts-1", "tts-1-hd"}
	speechVoices   = []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"}
	extendedVoices = []string{"ash", "ballad", "coral", "sage", "verse"}
	speechFormats  = []string{"mp3", "wav", "opus", "aac", "flac", "pcm"}
)

func speechCommand() commandSpec[SpeechParams] {
	return commandSpec[SpeechParams]{
		name:        CommandTextToSpeech,
		description: "Convert text to speech",
		defaults: func() SpeechParams {
			return SpeechParams{
				Model:          DefaultSpeechModel,
				Voice:          DefaultSpeechVoice,
				ResponseFormat: DefaultSpeechFormat,
				Speed:          DefaultSpeechSpeed,
			}
		},
		options: []optionSpec[SpeechParams]{
			{
				name:        "model",
				description: "Speech model",
				kind:        discordgo.ApplicationCommandOptionString,
				choices:     speechModels,
				set:         func(p *SpeechParams, v any) { p.Model = v.(string) },
			},
			{
				name:        "input",
				description: "Text to speak",
				kind:        discordgo.ApplicationCommandOptionString,
				required:    true,
				maxLength:   4096,
				set:         func(p *SpeechParams, v any) { p.Input = v.(string) },
			},
			{
				name:        "voice",
				description: "Voice",
				kind:        discordgo.ApplicationCommandOptionString,
				choices:     append(slices.Clone(speechVoices), extendedVoices...),
				allowed: func(p *SpeechParams, v any) string {
					voice := v.(string)
					if slices.Contains(extendedVoices, voice) && p.Model != SpeechModelGPT4oMiniTTS {
						return onlyFor("voice "+voice, SpeechModelGPT4oMiniTTS)
					}
					return ""
				},
				set: func(p *SpeechParams, v any) { p.Voice = v.(string) },
			},
			{
				name:        "instructions",
				description: "Voice instructions (gpt-4o-mini-tts only)",
				kind:        discordgo.ApplicationCommandOptionString,
				maxLength:   4096,
				allowed: func(p *SpeechParams, _ any) string {
					if p.Model != SpeechModelGPT4oMiniTTS {
						return onlyFor("instructions", SpeechModelGPT4oMiniTTS)
					}
					return ""
				},
				set: func(p *SpeechParams, v any) { p.Instructions = v.(string) },
			},
			{
				name:        "response_format",
				description: "Audio format",
				kind:        discordgo.ApplicationCommandOptionString,
				choices:     speechFormats,
				set:         func(p *SpeechParams, v any) { p.ResponseFormat = v.(string) },
			},
			{
				name:        "speed",
				description: "Playback speed (0.25 to 4.0)",
				kind:        discordgo.ApplicationCommandOptionNumber,
				minValue:    floatPtr(0.25),
				maxValue:    floatPtr(4.0),
				set:         func(p *SpeechParams, v any) { p.Speed = v.(float64) },
			},
		},
	}
}

const maxTranscriptionFileSize = 25 * 1024 * 1024

var (
	transcriptionModels  = []string{DefaultTranscriptionModel, "gpt-4o-mini-transcribe", TranscriptionModelWhisper}
	transcriptionActions = []string{TranscriptionActionDefault, TranscriptionActionTranslate}
	audioExtensions      = []string{".mp3", ".mp4", ".mpeg", ".mpga", ".m4a", ".wav", ".webm"}
)

func transcriptionCommand() commandSpec[TranscriptionParams] {
	return commandSpec[TranscriptionParams]{
		name:        CommandSpeechToText,
		description: "Transcribe or translate an audio file",
		defaults: func() TranscriptionParams {
			return TranscriptionParams{
				Model:  DefaultTranscriptionModel,
				Action: TranscriptionActionDefault,
			}
		},
		options: []optionSpec[TranscriptionParams]{
			{
				name:        "model",
				description: "Transcription model",
				kind:        discordgo.ApplicationCommandOptionString,
				choices:     transcriptionModels,
				set:         func(p *TranscriptionParams, v any) { p.Model = v.(string) },
			},
			{
				name:        "attachment",
				description: "Audio file",
				kind:        discordgo.ApplicationCommandOptionAttachment,
				required:    true,
				allowed: func(_ *TranscriptionParams, v any) string {
					a := v.(Attachment)
					name := strings.ToLower(a.Filename)
					if !slices.ContainsFunc(
						audioExtensions,
						func(ext string) bool { return strings.HasSuffix(name, ext) },
					) {
						return fmt.Sprintf(
							"unsupported audio format, expected one of: %s",
							strings.Join(audioExtensions, ", "),
						)
					}
					if a.Size > maxTranscriptionFileSize {
						return "audio file must be 25MB or smaller"
					}
					return ""
				},
				set: func(p *TranscriptionParams, v any) { p.Attachment = v.(Attachment) },
			},
			{
				name:        "action",
				description: "Transcribe, or translate to English",
				kind:        discordgo.ApplicationCommandOptionString,
				choices:     transcriptionActions,
				allowed: func(p *TranscriptionParams, v any) string {
					if v.(string) == TranscriptionActionTranslate && p.Model != TranscriptionModelWhisper {
						return onlyFor("translation", TranscriptionModelWhisper)
					}
					return ""
				},
				set: func(p *TranscriptionParams, v any) { p.Action = v.(string) },
			},
		},
	}
}

func permissionsCommand() commandSpec[PermissionsParams] {
	return commandSpec[PermissionsParams]{
		name:        CommandCheckPermissions,
		description: "Check whether the bot can read this channel",
		defaults:    func() PermissionsParams { return PermissionsParams{} },
	}
}
