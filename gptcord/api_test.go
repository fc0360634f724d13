package gptcord

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t testing.TB) (*Bot, *API) {
	t.Helper()
	gw := &stubGateway{}
	b, _ := newTestBot(t, gw)
	api, err := newAPI(b, b.config.API)
	require.NoError(t, err)
	return b, api
}

func apiToken(t testing.TB, b *Bot) string {
	t.Helper()
	token, err := NewAPIToken(b.config.API.Secret, "tests", time.Minute)
	require.NoError(t, err)
	return token
}

func apiRequest(t testing.TB, api *API, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	return w
}

func TestAPI_HealthCheck(t *testing.T) {
	_, api := newTestAPI(t)

	w := apiRequest(t, api, http.MethodGet, apiHealthCheck, "")
	require.Equal(t, http.StatusOK, w.Code)

	var health healthCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.False(t, health.DiscordGatewayConnected)
	assert.Zero(t, health.ActiveSessions)
	assert.Len(t, w.Header().Get(xRequestIDHeader), 36)
}

func TestAPI_Metrics(t *testing.T) {
	_, api := newTestAPI(t)

	_ = apiRequest(t, api, http.MethodGet, apiHealthCheck, "")
	w := apiRequest(t, api, http.MethodGet, apiMetrics, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gptcord_http_requests_total")
}

func TestAPI_Unauthorized(t *testing.T) {
	b, api := newTestAPI(t)

	expired, err := NewAPIToken(b.config.API.Secret, "tests", -time.Minute)
	require.NoError(t, err)
	wrongSecret, err := NewAPIToken("some-other-secret", "tests", time.Minute)
	require.NoError(t, err)

	testCases := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "not-a-jwt"},
		{"expired", expired},
		{"wrong secret", wrongSecret},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				w := apiRequest(t, api, http.MethodGet, apiPrefix+apiPathSessions, tc.token)
				assert.Equal(t, http.StatusUnauthorized, w.Code)
				assert.JSONEq(t, `{"error":"unauthorized"}`, w.Body.String())
			},
		)
	}
}

func TestNewAPIToken_NoSecret(t *testing.T) {
	_, err := NewAPIToken("", "tests", time.Minute)
	assert.Error(t, err)
}

func TestAPI_Sessions(t *testing.T) {
	b, api := newTestAPI(t)
	token := apiToken(t, b)
	key := SessionKey{UserID: "u1", ChannelID: "c1"}

	sess, _, err := b.conversations.Start(context.Background(), key, ConverseParams{Prompt: "hello"})
	require.NoError(t, err)

	w := apiRequest(t, api, http.MethodGet, apiPrefix+apiPathSessions, token)
	require.Equal(t, http.StatusOK, w.Code)
	var sessions []Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, sess.ID, sessions[0].ID)
	assert.Equal(t, key, sessions[0].Key)

	path := fmt.Sprintf("%s/sessions/%s/%s", apiPrefix, key.UserID, key.ChannelID)
	w = apiRequest(t, api, http.MethodDelete, path, token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"conversation ended"}`, w.Body.String())
	_, ok := b.conversations.Store().Get(key)
	assert.False(t, ok)

	w = apiRequest(t, api, http.MethodDelete, path, token)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_Commands(t *testing.T) {
	b, api := newTestAPI(t)
	token := apiToken(t, b)
	ctx := context.Background()

	for n := range 3 {
		record := &CommandLog{
			ID:        fmt.Sprintf("cmd_%d", n),
			Command:   CommandConverse,
			UserID:    "u1",
			Status:    InteractionStatusCompleted,
			StartedAt: time.Now().UnixMilli() + int64(n),
		}
		_, err := b.db.Create(ctx, record)
		require.NoError(t, err)
	}
	_, err := b.db.Create(
		ctx, &CommandLog{ID: "cmd_other", Command: CommandConverse, UserID: "u2"},
	)
	require.NoError(t, err)

	w := apiRequest(t, api, http.MethodGet, apiPrefix+apiPathCommands+"?user_id=u1&limit=2", token)
	require.Equal(t, http.StatusOK, w.Code)
	var logs []CommandLog
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	require.Len(t, logs, 2)
	for _, l := range logs {
		assert.Equal(t, "u1", l.UserID)
	}

	w = apiRequest(t, api, http.MethodGet, apiPrefix+apiPathCommands, token)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	assert.Len(t, logs, 4)

	for _, limit := range []string{"-1", "501", "abc"} {
		w = apiRequest(t, api, http.MethodGet, apiPrefix+apiPathCommands+"?limit="+limit, token)
		assert.Equal(t, http.StatusBadRequest, w.Code, "limit=%s", limit)
	}
}

func TestAPI_CommandsWithoutDatabase(t *testing.T) {
	b, api := newTestAPI(t)
	b.db = nil

	w := apiRequest(t, api, http.MethodGet, apiPrefix+apiPathCommands, apiToken(t, b))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestAPI_VideoJob(t *testing.T) {
	b, api := newTestAPI(t)
	token := apiToken(t, b)

	w := apiRequest(t, api, http.MethodGet, apiPrefix+"/video_jobs/missing", token)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"video job not found"}`, w.Body.String())

	job := NewAsyncJob("video_123", time.Now())
	record := newCommandLog(CommandGenerateVideo, newDiscordUser(t), nil)
	_, err := b.db.Create(context.Background(), newVideoJobLog(job, record, "sora-2"))
	require.NoError(t, err)

	w = apiRequest(t, api, http.MethodGet, apiPrefix+"/video_jobs/video_123", token)
	require.Equal(t, http.StatusOK, w.Code)
	var got VideoJobLog
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "video_123", got.JobID)
	assert.Equal(t, record.ID, got.CommandLogID)
	assert.Equal(t, JobQueued, got.Status)
}
