package gptcord

import (
	"log/slog"
	"strings"
)

const (
	CommandConverse         = "converse"
	CommandGenerateImage    = "generate_image"
	CommandGenerateVideo    = "generate_video"
	CommandTextToSpeech     = "text_to_speech"
	CommandSpeechToText     = "speech_to_text"
	CommandCheckPermissions = "check_permissions"
)

const (
	DefaultPersona         = "You are a helpful assistant."
	DefaultConverseModel   = "gpt-4.1"
	DefaultReasoningEffort = "medium"

	ImageModelGPTImage1 = "gpt-image-1"
	ImageModelDallE2    = "dall-e-2"
	ImageModelDallE3    = "dall-e-3"

	DefaultImageModel   = ImageModelGPTImage1
	DefaultImageSize    = "1024x1024"
	DefaultImageQuality = "medium"
	DefaultDallEQuality = "standard"
	DefaultDallE3Style  = "natural"

	SpeechModelGPT4oMiniTTS = "gpt-4o-mini-tts"
	DefaultSpeechModel      = SpeechModelGPT4oMiniTTS
	DefaultSpeechVoice      = "alloy"
	DefaultSpeechFormat     = "mp3"
	DefaultSpeechSpeed      = 1.0

	TranscriptionModelWhisper    = "whisper-1"
	DefaultTranscriptionModel    = "gpt-4o-transcribe"
	TranscriptionActionDefault   = "transcription"
	TranscriptionActionTranslate = "translation"

	VideoModelSora2    = "sora-2"
	VideoModelSora2Pro = "sora-2-pro"
	DefaultVideoModel  = VideoModelSora2
	DefaultVideoSize   = "1280x720"
	DefaultVideoLength = "8"
)

// CommandParameters is the validated, typed form of a slash command's
// options. Each command has its own variant.
type CommandParameters interface {
	CommandName() string
}

// Attachment is a file a user attached to a command or message.
type Attachment struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

// IsImage reports whether the attachment looks like an image.
func (a Attachment) IsImage() bool {
	if strings.HasPrefix(a.ContentType, "image/") {
		return true
	}
	name := strings.ToLower(a.Filename)
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".gif", ".webp"} {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// ConverseParams configures a multi-turn conversation. Optional sampling
// fields are nil when unset so they're omitted from requests.
type ConverseParams struct {
	Prompt          string      `json:"prompt"`
	Persona         string      `json:"persona"`
	Model           string      `json:"model"`
	Attachment      *Attachment `json:"attachment,omitempty"`
	Temperature     *float64    `json:"temperature,omitempty"`
	TopP            *float64    `json:"top_p,omitempty"`
	ReasoningEffort string      `json:"reasoning_effort,omitempty"`
}

func (ConverseParams) CommandName() string { return CommandConverse }

func (p ConverseParams) LogValue() slog.Value {
	return structToSlogValue(p)
}

type ImageParams struct {
	Prompt  string `json:"prompt"`
	Model   string `json:"model"`
	N       int    `json:"n"`
	Quality string `json:"quality"`
	Size    string `json:"size"`
	Style   string `json:"style,omitempty"`
}

func (ImageParams) CommandName() string { return CommandGenerateImage }

// IsDallE reports whether the image model is one of the DALL-E models.
func (p ImageParams) IsDallE() bool {
	return p.Model == ImageModelDallE2 || p.Model == ImageModelDallE3
}

type VideoParams struct {
	Prompt  string `json:"prompt"`
	Model   string `json:"model"`
	Size    string `json:"size"`
	Seconds string `json:"seconds"`
}

func (VideoParams) CommandName() string { return CommandGenerateVideo }

type SpeechParams struct {
	Input          string  `json:"input"`
	Model          string  `json:"model"`
	Voice          string  `json:"voice"`
	Instructions   string  `json:"instructions,omitempty"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed"`
}

func (SpeechParams) CommandName() string { return CommandTextToSpeech }

type TranscriptionParams struct {
	Attachment Attachment `json:"attachment"`
	Model      string     `json:"model"`
	Action     string     `json:"action"`
}

func (TranscriptionParams) CommandName() string { return CommandSpeechToText }

// PermissionsParams is the empty parameter set of the permission check.
type PermissionsParams struct{}

func (PermissionsParams) CommandName() string { return CommandCheckPermissions }

var reasoningModelPrefixes = []string{"o1", "o3", "o4"}

// isReasoningModel reports whether model is an o-series reasoning model,
// which takes a reasoning effort instead of sampling parameters.
func isReasoningModel(model string) bool {
	for _, prefix := range reasoningModelPrefixes {
		if model == prefix || strings.HasPrefix(model, prefix+"-") {
			return true
		}
	}
	return false
}
