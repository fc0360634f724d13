package gptcord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
)

const (
	openaiResponsesPath    = "/responses"
	openaiSpeechPath       = "/audio/speech"
	openaiVideosPath       = "/videos"
	openaiVideoPath        = "/videos/{video_id}"
	openaiVideoContentPath = "/videos/{video_id}/content"
)

func newRESTClient(config *OpenAIConfig, httpClient *http.Client) *resty.Client {
	var client *resty.Client
	if httpClient != nil {
		client = resty.NewWithClient(httpClient)
	} else {
		client = resty.New()
	}
	return client.
		SetBaseURL(strings.TrimSuffix(config.BaseURL, "/")).
		SetAuthToken(config.Token).
		SetTimeout(config.RequestTimeout).
		SetHeader("Accept", "application/json")
}

// openaiErrorBody is the error envelope returned by the OpenAI API.
type openaiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Param   string `json:"param"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// restError converts a failed resty response into a provider error.
func restError(op string, resp *resty.Response, errBody *openaiErrorBody) error {
	detail := ProviderErrorDetail{
		Op:         op,
		StatusCode: resp.StatusCode(),
		Kind:       "APIError",
		Message:    resp.Status(),
	}
	if errBody != nil && errBody.Error.Message != "" {
		detail.Message = errBody.Error.Message
		detail.Type = errBody.Error.Type
		detail.Param = errBody.Error.Param
		if errBody.Error.Code != nil {
			detail.Code = fmt.Sprint(errBody.Error.Code)
		}
	}
	err := fmt.Errorf("%s: %s", op, resp.Status())
	if retryableStatus(detail.StatusCode) {
		return &TransientProviderError{ProviderErrorDetail: detail, Err: err}
	}
	return &FatalProviderError{ProviderErrorDetail: detail, Err: err}
}

type responseInputContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type responseInput struct {
	Role    string                 `json:"role"`
	Content []responseInputContent `json:"content"`
}

type responseReasoning struct {
	Effort string `json:"effort,omitempty"`
}

type createResponseRequest struct {
	Model              string             `json:"model"`
	Input              []responseInput    `json:"input"`
	Instructions       string             `json:"instructions,omitempty"`
	PreviousResponseID string             `json:"previous_response_id,omitempty"`
	Temperature        *float64           `json:"temperature,omitempty"`
	TopP               *float64           `json:"top_p,omitempty"`
	Reasoning          *responseReasoning `json:"reasoning,omitempty"`
	Store              bool               `json:"store"`
}

type responseOutputContent struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Refusal string `json:"refusal"`
}

type responseOutput struct {
	Type    string                  `json:"type"`
	Content []responseOutputContent `json:"content"`
}

type responseObject struct {
	ID     string           `json:"id"`
	Status string           `json:"status"`
	Output []responseOutput `json:"output"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// text concatenates the response's output text.
func (r responseObject) text() string {
	var parts []string
	for _, out := range r.Output {
		if out.Type != "message" {
			continue
		}
		for _, c := range out.Content {
			switch c.Type {
			case "output_text":
				parts = append(parts, c.Text)
			case "refusal":
				parts = append(parts, c.Refusal)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func newCreateResponseRequest(req TextRequest) createResponseRequest {
	content := []responseInputContent{{Type: "input_text", Text: req.Prompt}}
	for _, u := range req.ImageURLs {
		content = append(content, responseInputContent{Type: "input_image", ImageURL: u})
	}
	body := createResponseRequest{
		Model:              req.Params.Model,
		Input:              []responseInput{{Role: "user", Content: content}},
		Instructions:       req.Params.Persona,
		PreviousResponseID: req.PreviousResponseID,
		Temperature:        req.Params.Temperature,
		TopP:               req.Params.TopP,
		Store:              true,
	}
	if req.Params.ReasoningEffort != "" {
		body.Reasoning = &responseReasoning{Effort: req.Params.ReasoningEffort}
	}
	return body
}

// GenerateText sends a turn to the Responses API, chained to
// req.PreviousResponseID when set.
func (o *OpenAI) GenerateText(ctx context.Context, req TextRequest) (TextResult, error) {
	body := newCreateResponseRequest(req)
	return do(
		ctx, o, "generate_text", func(ctx context.Context) (TextResult, error) {
			var result responseObject
			var errBody openaiErrorBody
			resp, err := o.rest.R().
				SetContext(ctx).
				SetBody(body).
				SetResult(&result).
				SetError(&errBody).
				Post(openaiResponsesPath)
			if err != nil {
				return TextResult{}, err
			}
			if resp.IsError() {
				return TextResult{}, restError("generate_text", resp, &errBody)
			}
			if result.Status == "failed" && result.Error != nil {
				return TextResult{}, &FatalProviderError{
					ProviderErrorDetail: ProviderErrorDetail{
						Op:         "generate_text",
						StatusCode: resp.StatusCode(),
						Code:       result.Error.Code,
						Message:    result.Error.Message,
					},
					Err: fmt.Errorf("response %s failed", result.ID),
				}
			}
			text := result.text()
			if text == "" {
				text = "No response."
			}
			return TextResult{ResponseID: result.ID, Text: text}, nil
		},
	)
}

type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	Instructions   string  `json:"instructions,omitempty"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
}

// SynthesizeSpeech returns the audio for params.Input, encoded in
// params.ResponseFormat.
func (o *OpenAI) SynthesizeSpeech(ctx context.Context, params SpeechParams) ([]byte, error) {
	body := speechRequest{
		Model:          params.Model,
		Input:          params.Input,
		Voice:          params.Voice,
		Instructions:   params.Instructions,
		ResponseFormat: params.ResponseFormat,
		Speed:          params.Speed,
	}
	return do(
		ctx, o, "synthesize_speech", func(ctx context.Context) ([]byte, error) {
			var errBody openaiErrorBody
			resp, err := o.rest.R().
				SetContext(ctx).
				SetHeader("Accept", "*/*").
				SetBody(body).
				SetError(&errBody).
				Post(openaiSpeechPath)
			if err != nil {
				return nil, err
			}
			if resp.IsError() {
				return nil, restError("synthesize_speech", resp, &errBody)
			}
			return resp.Body(), nil
		},
	)
}

type videoObject struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Error    *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// rejectedUnprocessed reports whether err is a transient error the
// provider returns before starting any work, so sending the request again
// can't create a second job.
func rejectedUnprocessed(err error) bool {
	var transient *TransientProviderError
	if !errors.As(err, &transient) {
		return false
	}
	switch transient.StatusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	default:
		return false
	}
}

// SubmitVideo creates a video generation job. Submission isn't
// idempotent, so it is only retried when the provider rejected it
// unprocessed.
func (o *OpenAI) SubmitVideo(ctx context.Context, params VideoParams) (string, error) {
	return doRetrying(
		ctx, o, "submit_video", rejectedUnprocessed, func(ctx context.Context) (string, error) {
			var result videoObject
			var errBody openaiErrorBody
			resp, err := o.rest.R().
				SetContext(ctx).
				SetMultipartFormData(
					map[string]string{
						"model":   params.Model,
						"prompt":  params.Prompt,
						"size":    params.Size,
						"seconds": params.Seconds,
					},
				).
				SetResult(&result).
				SetError(&errBody).
				Post(openaiVideosPath)
			if err != nil {
				return "", err
			}
			if resp.IsError() {
				return "", restError("submit_video", resp, &errBody)
			}
			return result.ID, nil
		},
	)
}

// PollVideo retrieves the current state of a video job. Polls aren't
// retried here, the poller keeps polling on transient errors.
func (o *OpenAI) PollVideo(ctx context.Context, jobID string) (JobObservation, error) {
	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return JobObservation{}, err
	}
	var result videoObject
	var errBody openaiErrorBody
	resp, err := o.rest.R().
		SetContext(ctx).
		SetPathParam("video_id", jobID).
		SetResult(&result).
		SetError(&errBody).
		Get(openaiVideoPath)
	if err != nil {
		return JobObservation{}, classifyProviderError("poll_video", err)
	}
	if resp.IsError() {
		return JobObservation{}, restError("poll_video", resp, &errBody)
	}

	observed := JobObservation{
		Status:   ProviderJobStatus(result.Status),
		Progress: result.Progress,
	}
	if result.Error != nil {
		observed.Error = &ProviderErrorDetail{
			Op:      "generate_video",
			Code:    result.Error.Code,
			Message: result.Error.Message,
		}
	}
	return observed, nil
}

// DownloadVideo fetches the MP4 content of a completed video job.
func (o *OpenAI) DownloadVideo(ctx context.Context, jobID string) ([]byte, error) {
	return do(
		ctx, o, "download_video", func(ctx context.Context) ([]byte, error) {
			var errBody openaiErrorBody
			resp, err := o.rest.R().
				SetContext(ctx).
				SetHeader("Accept", "*/*").
				SetPathParam("video_id", jobID).
				SetError(&errBody).
				Get(openaiVideoContentPath)
			if err != nil {
				return nil, err
			}
			if resp.IsError() {
				return nil, restError("download_video", resp, &errBody)
			}
			return resp.Body(), nil
		},
	)
}
