package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/promptforge/internal/auth"
	"github.com/mbd888/promptforge/internal/user"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(t *testing.T) (*gin.Engine, user.Store) {
	t.Helper()

	users := user.NewMemoryStore()
	h := NewHandler(users)

	r := gin.New()
	// Fake auth: the X-Test-User header names the caller.
	r.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Test-User"); id != "" {
			c.Set(auth.ContextKeyUserID, id)
		}
		c.Next()
	})
	group := r.Group("/v1")
	group.Use(RequireAdmin(users))
	h.RegisterRoutes(group)
	return r, users
}

func seed(t *testing.T, users user.Store, id string, tier user.Tier) *user.User {
	t.Helper()
	u := user.NewUser(id, id+"@example.com")
	u.Tier = tier
	created, err := users.Upsert(context.Background(), u)
	require.NoError(t, err)
	return created
}

func do(t *testing.T, r *gin.Engine, caller, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, reader)
	if caller != "" {
		req.Header.Set("X-Test-User", caller)
	}
	r.ServeHTTP(w, req)
	return w
}

// --- RequireAdmin ---

func TestRequireAdmin_Unauthenticated(t *testing.T) {
	r, _ := newRouter(t)
	w := do(t, r, "", "GET", "/v1/admin/users", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAdmin_UnknownUser(t *testing.T) {
	r, _ := newRouter(t)
	w := do(t, r, "usr_ghost", "GET", "/v1/admin/users", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequireAdmin_NonAdmin(t *testing.T) {
	r, users := newRouter(t)
	seed(t, users, "usr_pro", user.TierPro)

	w := do(t, r, "usr_pro", "GET", "/v1/admin/users", nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "Admin access required")
}

// --- ban / unban ---

func TestBanAndUnban(t *testing.T) {
	r, users := newRouter(t)
	seed(t, users, "usr_admin", user.TierAdmin)
	seed(t, users, "usr_target", user.TierFree)

	w := do(t, r, "usr_admin", "POST", "/v1/admin/ban", UserActionRequest{UserID: "usr_target"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	u, err := users.Get(context.Background(), "usr_target")
	require.NoError(t, err)
	assert.True(t, u.Banned)

	w = do(t, r, "usr_admin", "POST", "/v1/admin/unban", UserActionRequest{UserID: "usr_target"})
	require.Equal(t, http.StatusOK, w.Code)

	u, err = users.Get(context.Background(), "usr_target")
	require.NoError(t, err)
	assert.False(t, u.Banned)
}

func TestBan_UnknownTarget(t *testing.T) {
	r, users := newRouter(t)
	seed(t, users, "usr_admin", user.TierAdmin)

	w := do(t, r, "usr_admin", "POST", "/v1/admin/ban", UserActionRequest{UserID: "usr_ghost"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBan_MissingUserID(t *testing.T) {
	r, users := newRouter(t)
	seed(t, users, "usr_admin", user.TierAdmin)

	w := do(t, r, "usr_admin", "POST", "/v1/admin/ban", UserActionRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- reset-usage ---

func TestResetUsage(t *testing.T) {
	r, users := newRouter(t)
	seed(t, users, "usr_admin", user.TierAdmin)

	target := user.NewUser("usr_target", "target@example.com")
	target.UsageCount = 9
	_, err := users.Upsert(context.Background(), target)
	require.NoError(t, err)

	before := time.Now()
	w := do(t, r, "usr_admin", "POST", "/v1/admin/reset-usage", UserActionRequest{UserID: "usr_target"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	u, err := users.Get(context.Background(), "usr_target")
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.UsageCount)
	assert.True(t, u.UsageResetAt.After(before.Add(user.UsageWindow-time.Minute)),
		"reset grants a fresh 30-day window")
}

// --- update-tier ---

func TestUpdateTier(t *testing.T) {
	r, users := newRouter(t)
	seed(t, users, "usr_admin", user.TierAdmin)
	seed(t, users, "usr_target", user.TierFree)

	w := do(t, r, "usr_admin", "POST", "/v1/admin/update-tier",
		UpdateTierRequest{UserID: "usr_target", Tier: "lifetime"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	u, err := users.Get(context.Background(), "usr_target")
	require.NoError(t, err)
	assert.Equal(t, user.TierLifetime, u.Tier)
}

func TestUpdateTier_SelfDemotionBlocked(t *testing.T) {
	r, users := newRouter(t)
	seed(t, users, "usr_admin", user.TierAdmin)

	w := do(t, r, "usr_admin", "POST", "/v1/admin/update-tier",
		UpdateTierRequest{UserID: "usr_admin", Tier: "free"})
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "Cannot change your own admin status")

	u, err := users.Get(context.Background(), "usr_admin")
	require.NoError(t, err)
	assert.Equal(t, user.TierAdmin, u.Tier)
}

func TestUpdateTier_SelfAdminReassertAllowed(t *testing.T) {
	r, users := newRouter(t)
	seed(t, users, "usr_admin", user.TierAdmin)

	w := do(t, r, "usr_admin", "POST", "/v1/admin/update-tier",
		UpdateTierRequest{UserID: "usr_admin", Tier: "admin"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUpdateTier_PromoteOtherToAdmin(t *testing.T) {
	r, users := newRouter(t)
	seed(t, users, "usr_admin", user.TierAdmin)
	seed(t, users, "usr_target", user.TierPro)

	w := do(t, r, "usr_admin", "POST", "/v1/admin/update-tier",
		UpdateTierRequest{UserID: "usr_target", Tier: "admin"})
	require.Equal(t, http.StatusOK, w.Code)

	u, err := users.Get(context.Background(), "usr_target")
	require.NoError(t, err)
	assert.Equal(t, user.TierAdmin, u.Tier)
}

func TestUpdateTier_InvalidTier(t *testing.T) {
	r, users := newRouter(t)
	seed(t, users, "usr_admin", user.TierAdmin)
	seed(t, users, "usr_target", user.TierFree)

	w := do(t, r, "usr_admin", "POST", "/v1/admin/update-tier",
		UpdateTierRequest{UserID: "usr_target", Tier: "platinum"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- list users ---

func TestListUsers_Pagination(t *testing.T) {
	r, users := newRouter(t)
	seed(t, users, "usr_admin", user.TierAdmin)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		u := user.NewUser("usr_"+string(rune('a'+i)), string(rune('a'+i))+"@example.com")
		u.CreatedAt = base.Add(time.Duration(i) * time.Second)
		_, err := users.Upsert(context.Background(), u)
		require.NoError(t, err)
	}

	w := do(t, r, "usr_admin", "GET", "/v1/admin/users?limit=3", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Users      []*user.User `json:"users"`
		Count      int          `json:"count"`
		NextCursor string       `json:"nextCursor"`
		HasMore    bool         `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Count)
	assert.True(t, resp.HasMore)
	require.NotEmpty(t, resp.NextCursor)

	w = do(t, r, "usr_admin", "GET", "/v1/admin/users?limit=10&cursor="+resp.NextCursor, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var rest struct {
		Users   []*user.User `json:"users"`
		HasMore bool         `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rest))
	assert.Len(t, rest.Users, 3, "the three oldest users remain")
	assert.False(t, rest.HasMore)
}

func TestListUsers_BadCursor(t *testing.T) {
	r, users := newRouter(t)
	seed(t, users, "usr_admin", user.TierAdmin)

	w := do(t, r, "usr_admin", "GET", "/v1/admin/users?cursor=%21%21not-base64", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
