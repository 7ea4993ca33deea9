package optimize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/promptforge/internal/auth"
	"github.com/mbd888/promptforge/internal/ratelimit"
	"github.com/mbd888/promptforge/internal/usage"
	"github.com/mbd888/promptforge/internal/user"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeCompletion echoes a canned result or a canned error.
type fakeCompletion struct {
	result *Result
	err    error
	calls  int
}

func (f *fakeCompletion) Optimize(ctx context.Context, req Request) (*Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	res := *f.result
	res.Original = req.Prompt
	return &res, nil
}

// failingIncrementStore wraps a user.Store and fails usage increments.
type failingIncrementStore struct {
	user.Store
}

func (s *failingIncrementStore) IncrementUsage(ctx context.Context, id string) error {
	return errors.New("increment exploded")
}

type fixture struct {
	router     *gin.Engine
	users      user.Store
	completion *fakeCompletion
}

func newFixture(t *testing.T, users user.Store, limit int) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	usageSvc := usage.NewService(users, logger)
	completion := &fakeCompletion{
		result: &Result{
			Optimized:      "Be concise.",
			Improvements:   []string{"shortened"},
			TokensEstimate: 4,
		},
	}
	h := NewHandler(users, usageSvc, ratelimit.NewMemoryStore(), completion, limit, time.Minute)

	r := gin.New()
	protected := r.Group("/v1")
	protected.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Test-User"); id != "" {
			c.Set(auth.ContextKeyUserID, id)
		}
		c.Next()
	})
	h.RegisterRoutes(protected)
	return &fixture{router: r, users: users, completion: completion}
}

func seedUser(t *testing.T, users user.Store, tier user.Tier, count int64) {
	t.Helper()
	u := user.NewUser("usr_1", "alice@example.com")
	u.Tier = tier
	u.UsageCount = count
	_, err := users.Upsert(context.Background(), u)
	require.NoError(t, err)
}

func (f *fixture) optimize(t *testing.T, userID, prompt string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(Request{Prompt: prompt})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/optimize", bytes.NewReader(body))
	if userID != "" {
		req.Header.Set("X-Test-User", userID)
	}
	f.router.ServeHTTP(w, req)
	return w
}

func TestOptimize_Success(t *testing.T) {
	users := user.NewMemoryStore()
	seedUser(t, users, user.TierFree, 3)
	f := newFixture(t, users, 10)

	w := f.optimize(t, "usr_1", "please make this prompt better somehow")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Success bool   `json:"success"`
		Data    Result `json:"data"`
		Usage   struct {
			Remaining int64     `json:"remaining"`
			Limit     int64     `json:"limit"`
			Tier      user.Tier `json:"tier"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.True(t, resp.Success)
	assert.Equal(t, "Be concise.", resp.Data.Optimized)
	assert.Equal(t, "please make this prompt better somehow", resp.Data.Original)
	assert.Equal(t, int64(10), resp.Usage.Limit)
	assert.Equal(t, int64(6), resp.Usage.Remaining, "remaining reflects this request")
	assert.Equal(t, user.TierFree, resp.Usage.Tier)

	u, err := users.Get(context.Background(), "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), u.UsageCount, "successful optimize charges one unit")
}

func TestOptimize_Unauthenticated(t *testing.T) {
	f := newFixture(t, user.NewMemoryStore(), 10)
	w := f.optimize(t, "", "a prompt")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestOptimize_UnknownUser(t *testing.T) {
	f := newFixture(t, user.NewMemoryStore(), 10)
	w := f.optimize(t, "usr_ghost", "a prompt")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestOptimize_BannedUser(t *testing.T) {
	users := user.NewMemoryStore()
	seedUser(t, users, user.TierPro, 0)
	require.NoError(t, users.SetBanned(context.Background(), "usr_1", true))
	f := newFixture(t, users, 10)

	w := f.optimize(t, "usr_1", "a prompt")
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "account_banned")
	assert.Equal(t, 0, f.completion.calls, "banned request never reaches the backend")
}

func TestOptimize_RateLimited(t *testing.T) {
	users := user.NewMemoryStore()
	seedUser(t, users, user.TierPro, 0)
	f := newFixture(t, users, 2)

	for i := 0; i < 2; i++ {
		w := f.optimize(t, "usr_1", "a prompt")
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
	}

	w := f.optimize(t, "usr_1", "a prompt")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, 2, f.completion.calls)
}

func TestOptimize_QuotaExceeded(t *testing.T) {
	users := user.NewMemoryStore()
	seedUser(t, users, user.TierFree, 10)
	f := newFixture(t, users, 100)

	w := f.optimize(t, "usr_1", "a prompt")
	require.Equal(t, http.StatusForbidden, w.Code)

	var resp struct {
		Error     string    `json:"error"`
		Limit     int64     `json:"limit"`
		Remaining int64     `json:"remaining"`
		Tier      user.Tier `json:"tier"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "usage_limit_reached", resp.Error)
	assert.Equal(t, int64(10), resp.Limit)
	assert.Equal(t, int64(0), resp.Remaining)
	assert.Equal(t, user.TierFree, resp.Tier)
	assert.Equal(t, 0, f.completion.calls)
}

func TestOptimize_UnlimitedTier(t *testing.T) {
	users := user.NewMemoryStore()
	seedUser(t, users, user.TierEnterprise, 5000)
	f := newFixture(t, users, 100)

	w := f.optimize(t, "usr_1", "a prompt")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Usage struct {
			Remaining int64 `json:"remaining"`
			Limit     int64 `json:"limit"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, usage.Unlimited, resp.Usage.Limit)
	assert.Equal(t, usage.Unlimited, resp.Usage.Remaining)
}

func TestOptimize_InvalidPrompt(t *testing.T) {
	users := user.NewMemoryStore()
	seedUser(t, users, user.TierPro, 0)
	f := newFixture(t, users, 100)

	w := f.optimize(t, "usr_1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.optimize(t, "usr_1", strings.Repeat("x", 10001))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	u, err := users.Get(context.Background(), "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.UsageCount, "rejected requests are never charged")
}

func TestOptimize_CompletionError_NotCharged(t *testing.T) {
	users := user.NewMemoryStore()
	seedUser(t, users, user.TierPro, 0)
	f := newFixture(t, users, 100)
	f.completion.err = errors.New("upstream on fire")

	w := f.optimize(t, "usr_1", "a prompt")
	require.Equal(t, http.StatusInternalServerError, w.Code)

	u, err := users.Get(context.Background(), "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.UsageCount, "failed completions are not charged")
}

func TestOptimize_IncrementFailureStillSucceeds(t *testing.T) {
	inner := user.NewMemoryStore()
	seedUser(t, inner, user.TierPro, 0)
	f := newFixture(t, &failingIncrementStore{Store: inner}, 100)

	w := f.optimize(t, "usr_1", "a prompt")
	require.Equal(t, http.StatusOK, w.Code, "bookkeeping failure must not block the result")
	assert.Contains(t, w.Body.String(), `"success":true`)
}

func TestUsageEndpoint(t *testing.T) {
	users := user.NewMemoryStore()
	seedUser(t, users, user.TierFree, 7)
	f := newFixture(t, users, 100)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/usage", nil)
	req.Header.Set("X-Test-User", "usr_1")
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var stats usage.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(7), stats.Used)
	assert.Equal(t, int64(3), stats.Remaining)
	assert.Equal(t, user.TierFree, stats.Tier)
}

// --- OpenAI client ---

func TestOpenAIClient_Optimize(t *testing.T) {
	var gotAuth string
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"optimized\":\"Short.\",\"improvements\":[\"trimmed\"],\"tokensEstimate\":2}"}}]}`)
	}))
	defer srv.Close()

	client := NewOpenAIClient("sk-test", srv.URL, "gpt-4-turbo-preview")
	result, err := client.Optimize(context.Background(), Request{
		Prompt:  "a very long prompt",
		Context: "unit test",
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4-turbo-preview", gotReq.Model)
	assert.Equal(t, "json_object", gotReq.ResponseFormat.Type)
	require.Len(t, gotReq.Messages, 2)
	assert.Contains(t, gotReq.Messages[1].Content, "Context: unit test")

	assert.Equal(t, "a very long prompt", result.Original)
	assert.Equal(t, "Short.", result.Optimized)
	assert.Equal(t, []string{"trimmed"}, result.Improvements)
	assert.Equal(t, int64(2), result.TokensEstimate)
}

func TestOpenAIClient_EmptyOutputFallsBackToOriginal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{}"}}]}`)
	}))
	defer srv.Close()

	client := NewOpenAIClient("sk-test", srv.URL, "gpt-4-turbo-preview")
	result, err := client.Optimize(context.Background(), Request{Prompt: "keep me"})
	require.NoError(t, err)
	assert.Equal(t, "keep me", result.Optimized)
	assert.Empty(t, result.Improvements)
}

func TestOpenAIClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"Rate limit reached","type":"rate_limit_error"}}`)
	}))
	defer srv.Close()

	client := NewOpenAIClient("sk-test", srv.URL, "gpt-4-turbo-preview")
	_, err := client.Optimize(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_limit_error")
}

func TestOpenAIClient_NotConfigured(t *testing.T) {
	client := NewOpenAIClient("", "", "gpt-4-turbo-preview")
	_, err := client.Optimize(context.Background(), Request{Prompt: "x"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}
