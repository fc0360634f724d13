package gptcord

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// OpenAIClient is the subset of the go-openai client used by OpenAI.
type OpenAIClient interface {
	CreateImage(ctx context.Context, request openai.ImageRequest) (openai.ImageResponse, error)
	CreateTranscription(ctx context.Context, request openai.AudioRequest) (openai.AudioResponse, error)
	CreateTranslation(ctx context.Context, request openai.AudioRequest) (openai.AudioResponse, error)
}

// OpenAI implements Gateway against the OpenAI API. Image and audio
// endpoints go through go-openai, while the Responses, Speech and Videos
// endpoints use a resty client.
type OpenAI struct {
	client  OpenAIClient
	rest    *resty.Client
	config  *OpenAIConfig
	logger  *slog.Logger
	metrics *Metrics

	requestLimiter *rate.Limiter
	retryDelay     time.Duration
}

func newOpenAI(config *OpenAIConfig, httpClient *http.Client, metrics *Metrics) *OpenAI {
	o := &OpenAI{
		config:     config,
		metrics:    metrics,
		retryDelay: config.RetryDelay,
		logger:     newLogger("openai", config.LogLevel),
	}

	limit := rate.Inf
	if config.MaxRequestsPerSecond > 0 {
		limit = rate.Limit(config.MaxRequestsPerSecond)
	}
	o.requestLimiter = rate.NewLimiter(limit, 1)

	clientCfg := openai.DefaultConfig(config.Token)
	clientCfg.BaseURL = config.BaseURL
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	} else {
		clientCfg.HTTPClient = &http.Client{Timeout: config.RequestTimeout}
	}
	o.client = openai.NewClientWithConfig(clientCfg)
	o.rest = newRESTClient(config, httpClient)
	return o
}

// waitOnRequestLimiter waits for the request limiter to allow the next request,
// returning any error from the limiter itself
func (o *OpenAI) waitOnRequestLimiter(ctx context.Context) error {
	return o.requestLimiter.Wait(ctx)
}

// do runs fn, retrying once after retryDelay if it fails with a
// TransientProviderError. Errors are classified before being returned.
func do[T any](
	ctx context.Context,
	o *OpenAI,
	op string,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	return doRetrying(ctx, o, op, isTransient, fn)
}

// doRetrying is do, with retryable deciding which classified errors get
// the single retry.
func doRetrying[T any](
	ctx context.Context,
	o *OpenAI,
	op string,
	retryable func(err error) bool,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = o.logger
	}

	var zero T
	for attempt := 1; ; attempt++ {
		if err := o.waitOnRequestLimiter(ctx); err != nil {
			return zero, err
		}
		start := time.Now()
		rv, err := fn(ctx)
		o.metrics.observeOpenAIRequest(op, time.Since(start), err)
		if err == nil {
			logger.DebugContext(
				ctx,
				"openai request finished",
				"op", op,
				"attempt", attempt,
				"duration", time.Since(start),
			)
			return rv, nil
		}

		err = classifyProviderError(op, err)
		if !retryable(err) || attempt > 1 || ctx.Err() != nil {
			logger.ErrorContext(ctx, "openai request failed", "op", op, "attempt", attempt, tint.Err(err))
			return zero, err
		}
		logger.WarnContext(
			ctx,
			"transient openai error, retrying",
			"op", op,
			"retry_delay", o.retryDelay,
			tint.Err(err),
		)
		select {
		case <-ctx.Done():
			return zero, err
		case <-time.After(o.retryDelay):
		}
	}
}

// classifyProviderError wraps err as a *TransientProviderError or a
// *FatalProviderError.
func classifyProviderError(op string, err error) error {
	var transient *TransientProviderError
	var fatal *FatalProviderError
	if errors.As(err, &transient) || errors.As(err, &fatal) {
		return err
	}

	detail := ProviderErrorDetail{Op: op, Message: err.Error()}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	var netErr net.Error
	switch {
	case errors.As(err, &apiErr):
		detail.StatusCode = apiErr.HTTPStatusCode
		detail.Kind = "APIError"
		detail.Type = apiErr.Type
		detail.Message = apiErr.Message
		detail.Param = stringPointerValue(apiErr.Param)
		if apiErr.Code != nil {
			detail.Code = fmt.Sprint(apiErr.Code)
		}
	case errors.As(err, &reqErr):
		detail.StatusCode = reqErr.HTTPStatusCode
		detail.Kind = "RequestError"
		if reqErr.Err != nil {
			detail.Message = reqErr.Err.Error()
		}
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		detail.Kind = "NetworkError"
		return &TransientProviderError{ProviderErrorDetail: detail, Err: err}
	case errors.Is(err, context.Canceled):
		return &FatalProviderError{ProviderErrorDetail: detail, Err: err}
	}

	if retryableStatus(detail.StatusCode) {
		return &TransientProviderError{ProviderErrorDetail: detail, Err: err}
	}
	return &FatalProviderError{ProviderErrorDetail: detail, Err: err}
}

func retryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout,
		code == http.StatusConflict,
		code == http.StatusTooManyRequests,
		code >= http.StatusInternalServerError:
		return true
	default:
		return false
	}
}

func (o *OpenAI) GenerateImage(ctx context.Context, params ImageParams) ([]Image, error) {
	req := openai.ImageRequest{
		Prompt:  params.Prompt,
		Model:   params.Model,
		N:       params.N,
		Size:    params.Size,
		Quality: params.Quality,
		Style:   params.Style,
	}
	if params.IsDallE() {
		req.ResponseFormat = openai.CreateImageResponseFormatURL
	}

	resp, err := do(
		ctx, o, "generate_image", func(ctx context.Context) (openai.ImageResponse, error) {
			return o.client.CreateImage(ctx, req)
		},
	)
	if err != nil {
		return nil, err
	}

	images := make([]Image, 0, len(resp.Data))
	for _, d := range resp.Data {
		img := Image{URL: d.URL, RevisedPrompt: d.RevisedPrompt}
		if d.B64JSON != "" {
			data, decodeErr := base64.StdEncoding.DecodeString(d.B64JSON)
			if decodeErr != nil {
				return nil, &FatalProviderError{
					ProviderErrorDetail: ProviderErrorDetail{
						Op:      "generate_image",
						Message: "invalid image data in response",
					},
					Err: decodeErr,
				}
			}
			img.Data = data
		}
		images = append(images, img)
	}
	return images, nil
}

func (o *OpenAI) Transcribe(
	ctx context.Context,
	audio Audio,
	params TranscriptionParams,
) (string, error) {
	req := openai.AudioRequest{
		Model:    params.Model,
		FilePath: audio.Filename,
		Reader:   audio.Reader,
	}
	create := o.client.CreateTranscription
	op := "transcribe"
	if params.Action == TranscriptionActionTranslate {
		create = o.client.CreateTranslation
		op = "translate"
	}

	// the reader can only be consumed once, so transcription is only
	// retried when the audio can be replayed
	if seeker, ok := audio.Reader.(io.ReadSeeker); ok {
		resp, err := do(
			ctx, o, op, func(ctx context.Context) (openai.AudioResponse, error) {
				if _, seekErr := seeker.Seek(0, io.SeekStart); seekErr != nil {
					return openai.AudioResponse{}, seekErr
				}
				return create(ctx, req)
			},
		)
		return resp.Text, err
	}

	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return "", err
	}
	resp, err := create(ctx, req)
	if err != nil {
		return "", classifyProviderError(op, err)
	}
	return resp.Text, nil
}
