package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tenancy/internal/observability"
	"github.com/smallbiznis/tenancy/internal/testkit"
	"github.com/smallbiznis/tenancy/pkg/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testIdentity struct {
	id    string
	email string
}

var (
	alice = testIdentity{id: "user-alice", email: "alice@acme.io"}
	bob   = testIdentity{id: "user-bob", email: "bob@acme.io"}
)

func newTestServer(t *testing.T) (*Server, *testkit.Stack) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	stack := testkit.New(t)

	s := NewServer(ServerParams{
		Engine:         NewEngine(observability.Config{Environment: "test"}),
		Log:            stack.Log,
		TenantSvc:      stack.Tenants,
		MembershipSvc:  stack.Membership,
		InvitationSvc:  stack.Invitations,
		JoinRequestSvc: stack.JoinRequests,
		DiscoverySvc:   stack.Discovery,
		SettingsSvc:    stack.Settings,
		AuthzSvc:       stack.Authz,
	})
	return s, stack
}

func doJSON(t *testing.T, s *Server, who *testIdentity, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if who != nil {
		req.Header.Set(HeaderActorID, who.id)
		req.Header.Set(HeaderActorEmail, who.email)
	}
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var out errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out.Error
}

func createTenant(t *testing.T, s *Server, owner testIdentity, name string) string {
	t.Helper()
	rec := doJSON(t, s, &owner, http.MethodPost, "/api/v1/tenants", map[string]any{"name": name})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tenant := decode[struct {
		ID string `json:"id"`
	}](t, rec)
	require.NotEmpty(t, tenant.ID)
	return tenant.ID
}

func TestIdentityHeaderRequired(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, nil, http.MethodGet, "/api/v1/me", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Code)

	rec = doJSON(t, s, &testIdentity{id: "user-x", email: "not-an-email"}, http.MethodGet, "/api/v1/me", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(apperror.KindValidation), decodeError(t, rec).Type)
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, nil, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateTenantAndReadPermissions(t *testing.T) {
	s, _ := newTestServer(t)
	tenantID := createTenant(t, s, alice, "Acme")

	rec := doJSON(t, s, &alice, http.MethodGet, "/api/v1/tenants/"+tenantID+"/permissions", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	perms := decode[struct {
		Role        string   `json:"role"`
		Permissions []string `json:"permissions"`
	}](t, rec)
	assert.Equal(t, "owner", perms.Role)
	assert.Contains(t, perms.Permissions, "tenant.delete")

	rec = doJSON(t, s, &alice, http.MethodGet, "/api/v1/tenants/"+tenantID+"/workspaces", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	workspaces := decode[[]struct {
		IsDefault bool `json:"is_default"`
	}](t, rec)
	require.Len(t, workspaces, 1)
	assert.True(t, workspaces[0].IsDefault)
}

func TestNonMemberIsForbidden(t *testing.T) {
	s, _ := newTestServer(t)
	tenantID := createTenant(t, s, alice, "Acme")

	rec := doJSON(t, s, &bob, http.MethodGet, "/api/v1/tenants/"+tenantID, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, string(apperror.KindAuthorization), decodeError(t, rec).Type)
}

func TestMalformedIDIsNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, &alice, http.MethodGet, "/api/v1/tenants/not-a-number", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvitationRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)
	tenantID := createTenant(t, s, alice, "Acme")
	path := "/api/v1/tenants/" + tenantID + "/invitations"

	rec := doJSON(t, s, &alice, http.MethodPost, path, map[string]any{
		"email":       bob.email,
		"tenant_role": "member",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[struct {
		Token string `json:"token"`
	}](t, rec)
	require.NotEmpty(t, created.Token)

	rec = doJSON(t, s, &alice, http.MethodPost, path, map[string]any{
		"email":       bob.email,
		"tenant_role": "member",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "pending_invitation_exists", decodeError(t, rec).Code)

	for i := 0; i < 2; i++ {
		rec = doJSON(t, s, &bob, http.MethodPost, "/api/v1/invitations/accept", map[string]any{"token": created.Token})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		accepted := decode[struct {
			TenantID string `json:"tenant_id"`
		}](t, rec)
		assert.Equal(t, tenantID, accepted.TenantID)
	}

	rec = doJSON(t, s, &bob, http.MethodGet, "/api/v1/tenants/"+tenantID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, &bob, http.MethodPost, "/api/v1/invitations/accept", map[string]any{"token": "bogus"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(apperror.KindNotFoundOrExpired), decodeError(t, rec).Type)
}

func TestListInvitationsPages(t *testing.T) {
	s, _ := newTestServer(t)
	tenantID := createTenant(t, s, alice, "Acme")
	path := "/api/v1/tenants/" + tenantID + "/invitations"

	for _, email := range []string{"dave@acme.com", "erin@acme.com"} {
		rec := doJSON(t, s, &alice, http.MethodPost, path, map[string]any{"email": email})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := doJSON(t, s, &alice, http.MethodGet, path+"?page_size=1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var page struct {
		Data []struct {
			Email string `json:"email"`
		} `json:"data"`
		PageInfo struct {
			NextPageToken string `json:"next_page_token"`
			HasMore       bool   `json:"has_more"`
		} `json:"page_info"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Data, 1)
	assert.Equal(t, "erin@acme.com", page.Data[0].Email)
	assert.True(t, page.PageInfo.HasMore)
	require.NotEmpty(t, page.PageInfo.NextPageToken)

	rec = doJSON(t, s, &alice, http.MethodGet, path+"?page_size=1&page_token="+page.PageInfo.NextPageToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Data, 1)
	assert.Equal(t, "dave@acme.com", page.Data[0].Email)
	assert.False(t, page.PageInfo.HasMore)

	rec = doJSON(t, s, &alice, http.MethodGet, path+"?page_token=!!", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_page_token", decodeError(t, rec).Code)
}

func TestOwnerCannotBeRemoved(t *testing.T) {
	s, _ := newTestServer(t)
	tenantID := createTenant(t, s, alice, "Acme")

	rec := doJSON(t, s, &alice, http.MethodDelete, "/api/v1/tenants/"+tenantID+"/members/"+alice.id, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSessionTimeoutDefaultsToSystem(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, &alice, http.MethodGet, "/api/v1/me/session-timeout", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	timeout := decode[struct {
		Minutes int    `json:"minutes"`
		Source  string `json:"source"`
	}](t, rec)
	assert.Equal(t, 30, timeout.Minutes)
	assert.Equal(t, "system", timeout.Source)

	rec = doJSON(t, s, &alice, http.MethodPut, "/api/v1/me/session-timeout", map[string]any{"minutes": 45})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	timeout = decode[struct {
		Minutes int    `json:"minutes"`
		Source  string `json:"source"`
	}](t, rec)
	assert.Equal(t, 45, timeout.Minutes)
	assert.Equal(t, "user", timeout.Source)
}

func TestMapErrorKinds(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{apperror.Validation("bad", "bad"), http.StatusBadRequest},
		{apperror.ErrForbidden, http.StatusForbidden},
		{apperror.Conflict("dup", "dup"), http.StatusConflict},
		{apperror.ErrNotFound, http.StatusNotFound},
		{apperror.ErrStoreUnavailable, http.StatusServiceUnavailable},
		{apperror.RateLimited("slow", "slow"), http.StatusTooManyRequests},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, payload := mapError(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.NotEmpty(t, payload.Code)
	}
}
