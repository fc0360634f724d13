package gptcord

import (
	"context"
	"io"
)

// TextRequest is a single turn sent to the text generation API.
// PreviousResponseID chains the request onto an earlier response.
type TextRequest struct {
	Params             ConverseParams
	Prompt             string
	ImageURLs          []string
	PreviousResponseID string
}

type TextResult struct {
	ResponseID string
	Text       string
}

// Image is a generated image. Exactly one of Data and URL is set.
type Image struct {
	Data          []byte
	URL           string
	RevisedPrompt string
}

// Audio is an audio file to transcribe.
type Audio struct {
	Filename string
	Reader   io.Reader
}

// ProviderJobStatus is the status of an async job as reported by the
// provider.
type ProviderJobStatus string

const (
	ProviderJobQueued     ProviderJobStatus = "queued"
	ProviderJobInProgress ProviderJobStatus = "in_progress"
	ProviderJobCompleted  ProviderJobStatus = "completed"
	ProviderJobFailed     ProviderJobStatus = "failed"

	// ProviderJobUnknown is used when a poll didn't return a status
	ProviderJobUnknown ProviderJobStatus = ""
)

// JobObservation is the result of polling an async job once.
type JobObservation struct {
	Status   ProviderJobStatus
	Progress int
	Error    *ProviderErrorDetail
}

// Gateway is the single outbound surface to the AI provider. Errors are
// either *TransientProviderError or *FatalProviderError.
type Gateway interface {
	GenerateText(ctx context.Context, req TextRequest) (TextResult, error)
	GenerateImage(ctx context.Context, params ImageParams) ([]Image, error)
	SynthesizeSpeech(ctx context.Context, params SpeechParams) ([]byte, error)
	Transcribe(ctx context.Context, audio Audio, params TranscriptionParams) (string, error)

	// SubmitVideo starts a video generation job, returning its ID
	SubmitVideo(ctx context.Context, params VideoParams) (string, error)

	// PollVideo fetches the current status of a video job
	PollVideo(ctx context.Context, jobID string) (JobObservation, error)

	// DownloadVideo fetches the content of a completed video job
	DownloadVideo(ctx context.Context, jobID string) ([]byte, error)
}
