package gptcord

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOpenAIClient returns canned go-openai responses, counting calls.
type fakeOpenAIClient struct {
	mu            sync.Mutex
	imageRequests []openai.ImageRequest
	imageResponse openai.ImageResponse
	imageErrs     []error

	audioCalls   map[string]int
	audioBodies  []string
	audioErrs    []error
	audioText    string
	audioRequest openai.AudioRequest
}

func (f *fakeOpenAIClient) CreateImage(_ context.Context, req openai.ImageRequest) (openai.ImageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imageRequests = append(f.imageRequests, req)
	if len(f.imageErrs) > 0 {
		err := f.imageErrs[0]
		f.imageErrs = f.imageErrs[1:]
		if err != nil {
			return openai.ImageResponse{}, err
		}
	}
	return f.imageResponse, nil
}

func (f *fakeOpenAIClient) audio(kind string, req openai.AudioRequest) (openai.AudioResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.audioCalls == nil {
		f.audioCalls = map[string]int{}
	}
	f.audioCalls[kind]++
	f.audioRequest = req
	data, err := io.ReadAll(req.Reader)
	if err != nil {
		return openai.AudioResponse{}, err
	}
	f.audioBodies = append(f.audioBodies, string(data))
	if len(f.audioErrs) > 0 {
		err = f.audioErrs[0]
		f.audioErrs = f.audioErrs[1:]
		if err != nil {
			return openai.AudioResponse{}, err
		}
	}
	return openai.AudioResponse{Text: f.audioText}, nil
}

func (f *fakeOpenAIClient) CreateTranscription(_ context.Context, req openai.AudioRequest) (openai.AudioResponse, error) {
	return f.audio("transcription", req)
}

func (f *fakeOpenAIClient) CreateTranslation(_ context.Context, req openai.AudioRequest) (openai.AudioResponse, error) {
	return f.audio("translation", req)
}

// newTestOpenAI returns an OpenAI pointed at handler.
func newTestOpenAI(t testing.TB, handler http.Handler) *OpenAI {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := newTestConfig(t).OpenAI
	cfg.BaseURL = server.URL + "/v1"
	return newOpenAI(cfg, server.Client(), NewMetrics())
}

func writeOpenAIError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(
		w,
		`{"error":{"message":%q,"type":"invalid_request_error","param":"model","code":"bad_model"}}`,
		message,
	)
}

func TestOpenAI_GenerateText(t *testing.T) {
	var body createResponseRequest
	var auth string
	o := newTestOpenAI(
		t, http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/v1"+openaiResponsesPath, r.URL.Path)
				auth = r.Header.Get("Authorization")
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write(
					[]byte(`{
						"id": "resp_2",
						"status": "completed",
						"output": [
							{"type": "reasoning", "content": []},
							{"type": "message", "content": [
								{"type": "output_text", "text": "first"},
								{"type": "output_text", "text": "second"}
							]}
						]
					}`),
				)
			},
		),
	)

	temperature := 0.5
	result, err := o.GenerateText(
		context.Background(), TextRequest{
			Params: ConverseParams{
				Model:           "gpt-5",
				Persona:         "be brief",
				Temperature:     &temperature,
				ReasoningEffort: "low",
			},
			Prompt:             "hello",
			ImageURLs:          []string{"https://cdn.example.com/cat.png"},
			PreviousResponseID: "resp_1",
		},
	)
	require.NoError(t, err)
	assert.Equal(t, TextResult{ResponseID: "resp_2", Text: "first\nsecond"}, result)

	assert.Equal(t, "Bearer "+o.config.Token, auth)
	assert.Equal(t, "gpt-5", body.Model)
	assert.Equal(t, "resp_1", body.PreviousResponseID)
	assert.Equal(t, "be brief", body.Instructions)
	assert.True(t, body.Store)
	require.NotNil(t, body.Temperature)
	assert.InDelta(t, 0.5, *body.Temperature, 0.0001)
	require.NotNil(t, body.Reasoning)
	assert.Equal(t, "low", body.Reasoning.Effort)
	require.Len(t, body.Input, 1)
	assert.Equal(
		t,
		[]responseInputContent{
			{Type: "input_text", Text: "hello"},
			{Type: "input_image", ImageURL: "https://cdn.example.com/cat.png"},
		},
		body.Input[0].Content,
	)
}

func TestOpenAI_GenerateText_RetriesTransientOnce(t *testing.T) {
	var calls atomic.Int32
	o := newTestOpenAI(
		t, http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				if calls.Add(1) == 1 {
					writeOpenAIError(w, http.StatusInternalServerError, "server error")
					return
				}
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write(
					[]byte(`{"id":"resp_1","status":"completed","output":[{"type":"message","content":[{"type":"output_text","text":"ok"}]}]}`),
				)
			},
		),
	)

	result, err := o.GenerateText(context.Background(), TextRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenAI_GenerateText_TransientTwice(t *testing.T) {
	var calls atomic.Int32
	o := newTestOpenAI(
		t, http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				writeOpenAIError(w, http.StatusTooManyRequests, "slow down")
			},
		),
	)

	_, err := o.GenerateText(context.Background(), TextRequest{Prompt: "hi"})
	var transient *TransientProviderError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, http.StatusTooManyRequests, transient.StatusCode)
	assert.Equal(t, "slow down", transient.Message)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenAI_GenerateText_FatalNotRetried(t *testing.T) {
	var calls atomic.Int32
	o := newTestOpenAI(
		t, http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				writeOpenAIError(w, http.StatusBadRequest, "unknown model")
			},
		),
	)

	_, err := o.GenerateText(context.Background(), TextRequest{Prompt: "hi"})
	var fatal *FatalProviderError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, http.StatusBadRequest, fatal.StatusCode)
	assert.Equal(t, "unknown model", fatal.Message)
	assert.Equal(t, "model", fatal.Param)
	assert.Equal(t, "bad_model", fatal.Code)
	assert.Equal(t, "generate_text", fatal.Op)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAI_GenerateText_FailedResponse(t *testing.T) {
	o := newTestOpenAI(
		t, http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write(
					[]byte(`{"id":"resp_1","status":"failed","error":{"code":"server_error","message":"it broke"}}`),
				)
			},
		),
	)

	_, err := o.GenerateText(context.Background(), TextRequest{Prompt: "hi"})
	var fatal *FatalProviderError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "it broke", fatal.Message)
}

func TestOpenAI_SynthesizeSpeech(t *testing.T) {
	var body speechRequest
	o := newTestOpenAI(
		t, http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1"+openaiSpeechPath, r.URL.Path)
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				w.Header().Set("Content-Type", "audio/mpeg")
				_, _ = w.Write([]byte("mp3 bytes"))
			},
		),
	)

	audio, err := o.SynthesizeSpeech(
		context.Background(), SpeechParams{
			Model:          "gpt-4o-mini-tts",
			Input:          "hello",
			Voice:          "alloy",
			ResponseFormat: "mp3",
			Speed:          1.5,
		},
	)
	require.NoError(t, err)
	assert.Equal(t, "mp3 bytes", string(audio))
	assert.Equal(t, "hello", body.Input)
	assert.Equal(t, "alloy", body.Voice)
	assert.InDelta(t, 1.5, body.Speed, 0.0001)
}

func TestOpenAI_Video(t *testing.T) {
	var form map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc(
		"POST /v1/videos", func(w http.ResponseWriter, r *http.Request) {
			assert.NoError(t, r.ParseMultipartForm(1<<20))
			form = map[string]string{
				"model":   r.FormValue("model"),
				"prompt":  r.FormValue("prompt"),
				"size":    r.FormValue("size"),
				"seconds": r.FormValue("seconds"),
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"video_1","status":"queued","progress":0}`))
		},
	)
	mux.HandleFunc(
		"GET /v1/videos/video_1", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"video_1","status":"in_progress","progress":42}`))
		},
	)
	mux.HandleFunc(
		"GET /v1/videos/video_2", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(
				[]byte(`{"id":"video_2","status":"failed","error":{"code":"moderation_blocked","message":"blocked"}}`),
			)
		},
	)
	mux.HandleFunc(
		"GET /v1/videos/missing", func(w http.ResponseWriter, _ *http.Request) {
			writeOpenAIError(w, http.StatusNotFound, "no such video")
		},
	)
	mux.HandleFunc(
		"GET /v1/videos/video_1/content", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "video/mp4")
			_, _ = w.Write([]byte("mp4 bytes"))
		},
	)
	o := newTestOpenAI(t, mux)
	ctx := context.Background()

	jobID, err := o.SubmitVideo(
		ctx, VideoParams{Model: "sora-2", Prompt: "waves", Size: "1280x720", Seconds: "4"},
	)
	require.NoError(t, err)
	assert.Equal(t, "video_1", jobID)
	assert.Equal(
		t,
		map[string]string{"model": "sora-2", "prompt": "waves", "size": "1280x720", "seconds": "4"},
		form,
	)

	observed, err := o.PollVideo(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, JobObservation{Status: ProviderJobInProgress, Progress: 42}, observed)

	observed, err = o.PollVideo(ctx, "video_2")
	require.NoError(t, err)
	assert.Equal(t, ProviderJobFailed, observed.Status)
	require.NotNil(t, observed.Error)
	assert.Equal(t, "moderation_blocked", observed.Error.Code)

	_, err = o.PollVideo(ctx, "missing")
	var fatal *FatalProviderError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, http.StatusNotFound, fatal.StatusCode)

	video, err := o.DownloadVideo(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, "mp4 bytes", string(video))
}

func TestOpenAI_SubmitVideo_Retries(t *testing.T) {
	testCases := []struct {
		name          string
		status        int
		expectedCalls int32
		expectErr     bool
	}{
		{"rate limited is retried", http.StatusTooManyRequests, 2, false},
		{"request timeout is retried", http.StatusRequestTimeout, 2, false},
		{"server error is not retried", http.StatusInternalServerError, 1, true},
		{"bad gateway is not retried", http.StatusBadGateway, 1, true},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				var calls atomic.Int32
				o := newTestOpenAI(
					t, http.HandlerFunc(
						func(w http.ResponseWriter, _ *http.Request) {
							if calls.Add(1) == 1 {
								writeOpenAIError(w, tc.status, "try again")
								return
							}
							w.Header().Set("Content-Type", "application/json")
							_, _ = w.Write([]byte(`{"id":"video_1","status":"queued","progress":0}`))
						},
					),
				)

				jobID, err := o.SubmitVideo(context.Background(), VideoParams{Model: "sora-2", Prompt: "waves"})
				assert.Equal(t, tc.expectedCalls, calls.Load())
				if tc.expectErr {
					var transient *TransientProviderError
					require.ErrorAs(t, err, &transient)
					assert.Equal(t, tc.status, transient.StatusCode)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, "video_1", jobID)
			},
		)
	}
}

func TestRejectedUnprocessed(t *testing.T) {
	transient := func(code int) error {
		return &TransientProviderError{ProviderErrorDetail: ProviderErrorDetail{StatusCode: code}}
	}
	assert.True(t, rejectedUnprocessed(transient(http.StatusTooManyRequests)))
	assert.True(t, rejectedUnprocessed(fmt.Errorf("wrapped: %w", transient(http.StatusRequestTimeout))))
	assert.False(t, rejectedUnprocessed(transient(http.StatusServiceUnavailable)))
	assert.False(t, rejectedUnprocessed(transient(0)))
	assert.False(
		t,
		rejectedUnprocessed(&FatalProviderError{ProviderErrorDetail: ProviderErrorDetail{StatusCode: 429}}),
	)
}

func TestOpenAI_GenerateImage(t *testing.T) {
	o := newTestOpenAI(t, http.NotFoundHandler())
	client := &fakeOpenAIClient{
		imageResponse: openai.ImageResponse{
			Data: []openai.ImageResponseDataInner{
				{B64JSON: base64.StdEncoding.EncodeToString([]byte("png bytes"))},
				{URL: "https://cdn.example.com/2.png", RevisedPrompt: "revised"},
			},
		},
		imageErrs: []error{
			&openai.APIError{HTTPStatusCode: http.StatusServiceUnavailable, Message: "overloaded"},
		},
	}
	o.client = client

	images, err := o.GenerateImage(
		context.Background(), ImageParams{Prompt: "a cat", Model: ImageModelDallE3, N: 2},
	)
	require.NoError(t, err)
	assert.Equal(
		t,
		[]Image{
			{Data: []byte("png bytes")},
			{URL: "https://cdn.example.com/2.png", RevisedPrompt: "revised"},
		},
		images,
	)
	require.Len(t, client.imageRequests, 2)
	assert.Equal(t, openai.CreateImageResponseFormatURL, client.imageRequests[1].ResponseFormat)

	client.imageRequests = nil
	_, err = o.GenerateImage(context.Background(), ImageParams{Prompt: "a cat", Model: ImageModelGPTImage1})
	require.NoError(t, err)
	require.Len(t, client.imageRequests, 1)
	assert.Empty(t, client.imageRequests[0].ResponseFormat)
}

func TestOpenAI_GenerateImage_InvalidData(t *testing.T) {
	o := newTestOpenAI(t, http.NotFoundHandler())
	o.client = &fakeOpenAIClient{
		imageResponse: openai.ImageResponse{
			Data: []openai.ImageResponseDataInner{{B64JSON: "not base64!"}},
		},
	}
	_, err := o.GenerateImage(context.Background(), ImageParams{Prompt: "a cat"})
	var fatal *FatalProviderError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "invalid image data in response", fatal.Message)
}

func TestOpenAI_Transcribe(t *testing.T) {
	o := newTestOpenAI(t, http.NotFoundHandler())

	t.Run(
		"seekable audio is retried", func(t *testing.T) {
			client := &fakeOpenAIClient{
				audioText: "hello",
				audioErrs: []error{&openai.RequestError{HTTPStatusCode: http.StatusBadGateway, Err: errTest}},
			}
			o.client = client

			text, err := o.Transcribe(
				context.Background(),
				Audio{Filename: "voice.mp3", Reader: bytes.NewReader([]byte("audio"))},
				TranscriptionParams{Model: "whisper-1", Action: TranscriptionActionDefault},
			)
			require.NoError(t, err)
			assert.Equal(t, "hello", text)
			assert.Equal(t, 2, client.audioCalls["transcription"])
			assert.Equal(t, []string{"audio", "audio"}, client.audioBodies)
			assert.Equal(t, "voice.mp3", client.audioRequest.FilePath)
		},
	)

	t.Run(
		"translation of a stream is not retried", func(t *testing.T) {
			client := &fakeOpenAIClient{
				audioErrs: []error{&openai.RequestError{HTTPStatusCode: http.StatusBadGateway, Err: errTest}},
			}
			o.client = client

			_, err := o.Transcribe(
				context.Background(),
				Audio{Filename: "voice.mp3", Reader: io.NopCloser(strings.NewReader("audio"))},
				TranscriptionParams{Model: "whisper-1", Action: TranscriptionActionTranslate},
			)
			var transient *TransientProviderError
			require.ErrorAs(t, err, &transient)
			assert.Equal(t, "translate", transient.Op)
			assert.Equal(t, 1, client.audioCalls["translation"])
			assert.Zero(t, client.audioCalls["transcription"])
		},
	)
}

func TestClassifyProviderError(t *testing.T) {
	code := "rate_limit_exceeded"
	param := "prompt"
	testCases := []struct {
		name       string
		err        error
		transient  bool
		statusCode int
		kind       string
	}{
		{
			name:       "api error 429",
			err:        &openai.APIError{HTTPStatusCode: 429, Message: "slow down", Code: code, Param: &param},
			transient:  true,
			statusCode: 429,
			kind:       "APIError",
		},
		{
			name:       "api error 400",
			err:        &openai.APIError{HTTPStatusCode: 400, Message: "bad"},
			statusCode: 400,
			kind:       "APIError",
		},
		{
			name:       "request error 502",
			err:        &openai.RequestError{HTTPStatusCode: 502, Err: errTest},
			transient:  true,
			statusCode: 502,
			kind:       "RequestError",
		},
		{
			name:       "request error 401",
			err:        &openai.RequestError{HTTPStatusCode: 401, Err: errTest},
			statusCode: 401,
			kind:       "RequestError",
		},
		{
			name:      "deadline",
			err:       fmt.Errorf("post: %w", context.DeadlineExceeded),
			transient: true,
			kind:      "NetworkError",
		},
		{
			name: "canceled",
			err:  context.Canceled,
		},
		{
			name: "other",
			err:  errors.New("something else"),
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				err := classifyProviderError("op", tc.err)
				assert.Equal(t, tc.transient, isTransient(err))
				assert.ErrorIs(t, err, tc.err)

				detail, ok := providerErrorDetail(err)
				require.True(t, ok)
				assert.Equal(t, "op", detail.Op)
				assert.Equal(t, tc.statusCode, detail.StatusCode)
				assert.Equal(t, tc.kind, detail.Kind)

				assert.Same(t, err, classifyProviderError("other_op", err), "already classified")
			},
		)
	}
}

func TestRetryableStatus(t *testing.T) {
	for code, expected := range map[int]bool{
		200: false,
		400: false,
		404: false,
		408: true,
		409: true,
		429: true,
		500: true,
		503: true,
	} {
		assert.Equal(t, expected, retryableStatus(code), "status %d", code)
	}
}
