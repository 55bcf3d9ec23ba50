// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeep/gatekeep/internal/auth"
	"github.com/gatekeep/gatekeep/internal/auth/memory"
	"github.com/gatekeep/gatekeep/internal/httpapi"
	"github.com/gatekeep/gatekeep/internal/notify"
	"github.com/gatekeep/gatekeep/internal/observability"
)

var testSecret = []byte("httpapi-test-secret-0123456789abcdef")

// captureNotifier records reset tokens handed to it.
type captureNotifier struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (n *captureNotifier) NotifyPasswordReset(_ context.Context, email, token string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.tokens == nil {
		n.tokens = map[string]string{}
	}
	n.tokens[email] = token
	return nil
}

func (n *captureNotifier) token(email string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tokens[email]
}

type apiFixture struct {
	handler  http.Handler
	tokens   *auth.TokenService
	notifier *captureNotifier
	metrics  *observability.Metrics
	logs     *bytes.Buffer
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	notifier := &captureNotifier{}
	f := newAPIFixtureWithNotifier(t, notifier)
	f.notifier = notifier
	return f
}

func newAPIFixtureWithNotifier(t *testing.T, notifier auth.Notifier) *apiFixture {
	t.Helper()

	tokens, err := auth.NewTokenService(auth.TokenConfig{Secret: testSecret})
	require.NoError(t, err)

	f := &apiFixture{
		tokens:  tokens,
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
		logs:    &bytes.Buffer{},
	}
	logger := slog.New(slog.NewJSONHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	svc, err := auth.NewServiceWithLogger(memory.NewUserRepository(), auth.NewArgon2idHasher(), tokens, notifier, logger)
	require.NoError(t, err)

	h, err := httpapi.NewHandler(svc, nil, logger)
	require.NoError(t, err)
	f.handler = httpapi.NewRouter(httpapi.RouterOptions{Handler: h, Logger: logger, Metrics: f.metrics})
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func (f *apiFixture) register(t *testing.T, email, password string) auth.PublicUser {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/auth/register", "", map[string]any{"email": email, "username": "u", "password": password})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[auth.PublicUser](t, rec)
}

func (f *apiFixture) login(t *testing.T, email, password string) auth.TokenPair {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": email, "password": password})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[auth.TokenPair](t, rec)
}

func TestAPI_RegisterLoginReadCurrentUser(t *testing.T) {
	f := newAPIFixture(t)

	user := f.register(t, "u@e.com", "pw1")
	assert.Equal(t, "u@e.com", user.Email)
	assert.True(t, user.IsActive)
	assert.NotZero(t, user.ID)

	pair := f.login(t, "u@e.com", "pw1")
	assert.Equal(t, "bearer", pair.TokenType)
	assert.Equal(t, user.ID, pair.UserID)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)

	rec := f.do(t, http.MethodGet, "/auth/users/me", pair.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decodeBody[auth.PublicUser](t, rec)
	assert.Equal(t, user.ID, me.ID)
	assert.Equal(t, "u@e.com", me.Email)
	assert.NotContains(t, rec.Body.String(), "argon2id", "password hash must never be exposed")
}

func TestAPI_RegisterDuplicateIsConflict(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "a@x.com", "pw")

	rec := f.do(t, http.MethodPost, "/auth/register", "", map[string]string{"email": "a@x.com", "password": "pw"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody[httpapi.ErrorResponse](t, rec)
	assert.Equal(t, "AUTH_EMAIL_EXISTS", body.Code)
	assert.Contains(t, body.Error, "already exists")
}

func TestAPI_LoginFailuresAreIndistinguishable(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "known@x.com", "right")

	wrongPassword := f.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "known@x.com", "password": "wrong"})
	unknownEmail := f.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "nobody@x.com", "password": "wrong"})

	assert.Equal(t, http.StatusUnauthorized, wrongPassword.Code)
	assert.Equal(t, wrongPassword.Code, unknownEmail.Code)
	assert.JSONEq(t, wrongPassword.Body.String(), unknownEmail.Body.String())
	assert.Equal(t, "incorrect email or password", decodeBody[httpapi.ErrorResponse](t, wrongPassword).Error)
}

func TestAPI_Refresh(t *testing.T) {
	f := newAPIFixture(t)
	user := f.register(t, "r@x.com", "pw")
	pair := f.login(t, "r@x.com", "pw")

	rec := f.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": pair.RefreshToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, user.ID, decodeBody[auth.TokenPair](t, rec).UserID)

	rec = f.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": pair.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "access tokens cannot be used to refresh")
}

func TestAPI_ReadCurrentUserRejectsBadCredentials(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "m@x.com", "pw")

	method, err := auth.SigningMethod("HS256")
	require.NoError(t, err)
	expired, err := auth.IssueToken("1", auth.PurposeAccess, -time.Hour, testSecret, method)
	require.NoError(t, err)
	reset, err := f.tokens.IssueReset(1)
	require.NoError(t, err)

	tests := []struct {
		name     string
		token    string
		wantCode string
	}{
		{"no token", "", "AUTH_CREDENTIALS_MISSING"},
		{"garbage", "not-a-jwt", "AUTH_TOKEN_INVALID"},
		{"expired", expired, "AUTH_TOKEN_EXPIRED"},
		{"reset token presented as access", reset, "AUTH_TOKEN_INVALID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, "/auth/users/me", tt.token, nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, tt.wantCode, decodeBody[httpapi.ErrorResponse](t, rec).Code)
		})
	}
}

func TestAPI_ReadCurrentUserForVanishedUser(t *testing.T) {
	f := newAPIFixture(t)
	token, err := f.tokens.IssueAccess(999)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/auth/users/me", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "AUTH_USER_NOT_FOUND", decodeBody[httpapi.ErrorResponse](t, rec).Code)
}

func TestAPI_ChangePassword(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "c@x.com", "old")
	pair := f.login(t, "c@x.com", "old")

	t.Run("requires authentication", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/auth/change-password", "", map[string]string{
			"old_password": "old", "new_password": "new", "confirm_password": "new",
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong old password", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/auth/change-password", pair.AccessToken, map[string]string{
			"old_password": "nope", "new_password": "new", "confirm_password": "new",
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "AUTH_OLD_PASSWORD_INCORRECT", decodeBody[httpapi.ErrorResponse](t, rec).Code)
	})

	t.Run("mismatched confirmation", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/auth/change-password", pair.AccessToken, map[string]string{
			"old_password": "old", "new_password": "new", "confirm_password": "other",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "AUTH_PASSWORD_MISMATCH", decodeBody[httpapi.ErrorResponse](t, rec).Code)
	})

	t.Run("success", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/auth/change-password", pair.AccessToken, map[string]string{
			"old_password": "old", "new_password": "new", "confirm_password": "new",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "Password updated successfully", decodeBody[httpapi.MessageResponse](t, rec).Message)

		f.login(t, "c@x.com", "new")
		old := f.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "c@x.com", "password": "old"})
		assert.Equal(t, http.StatusUnauthorized, old.Code)
	})
}

func TestAPI_ForgotPasswordIgnoresQueueFailures(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	// One slot and no workers, so the second request finds the queue full.
	dispatcher, err := notify.NewDispatcher(notify.NewChannelQueue(1), notify.NewLogSender(slog.Default(), "http://app", "reset-password"),
		notify.WithMetrics(metrics))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dispatcher.Close(context.Background()) })

	f := newAPIFixtureWithNotifier(t, dispatcher)
	f.register(t, "q@x.com", "pw")

	for i := range 2 {
		rec := f.do(t, http.MethodPost, "/auth/forgot-password", "", map[string]string{"email": "q@x.com"})
		require.Equal(t, http.StatusAccepted, rec.Code, "request %d: %s", i+1, rec.Body.String())
		assert.Equal(t, "Reset link has been sent to your email", decodeBody[httpapi.MessageResponse](t, rec).Message)
	}

	assert.InDelta(t, 1, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues(observability.NotificationDropped)), 0)
	assert.Contains(t, f.logs.String(), "password reset notification not queued")
	assert.Contains(t, f.logs.String(), "NOTIFY_QUEUE_FULL")
}

func TestAPI_ForgotAndResetPassword(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "f@x.com", "before")

	t.Run("unknown email is not found", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/auth/forgot-password", "", map[string]string{"email": "ghost@x.com"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("query parameter form", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/auth/forgot-password?email=f@x.com", "", nil)
		assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	})

	rec := f.do(t, http.MethodPost, "/auth/forgot-password", "", map[string]string{"email": "f@x.com"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "Reset link has been sent to your email", decodeBody[httpapi.MessageResponse](t, rec).Message)

	token := f.notifier.token("f@x.com")
	require.NotEmpty(t, token)

	t.Run("invalid token", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/auth/reset-password/garbage", "", map[string]string{
			"new_password": "after", "confirm_password": "after",
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		body := decodeBody[httpapi.ErrorResponse](t, rec)
		assert.Equal(t, "AUTH_RESET_TOKEN_INVALID", body.Code)
		assert.Equal(t, "invalid or expired reset token", body.Error)
	})

	t.Run("mismatched confirmation", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/auth/reset-password/"+token, "", map[string]string{
			"new_password": "after", "confirm_password": "other",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	rec = f.do(t, http.MethodPost, "/auth/reset-password/"+token, "", map[string]string{
		"new_password": "after", "confirm_password": "after",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reset := decodeBody[httpapi.ResetResponse](t, rec)
	assert.True(t, reset.Success)

	f.login(t, "f@x.com", "after")
	old := f.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "f@x.com", "password": "before"})
	assert.Equal(t, http.StatusUnauthorized, old.Code)
}

func TestAPI_MalformedBodies(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "REQUEST_BODY_INVALID", decodeBody[httpapi.ErrorResponse](t, rec).Code)

	req = httptest.NewRequest(http.MethodPost, "/auth/register", http.NoBody)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "REQUEST_BODY_EMPTY", decodeBody[httpapi.ErrorResponse](t, rec).Code)
}

func TestAPI_RegisterValidation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/auth/register", "", map[string]string{"email": "", "password": "pw"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "AUTH_EMAIL_REQUIRED", decodeBody[httpapi.ErrorResponse](t, rec).Code)

	rec = f.do(t, http.MethodPost, "/auth/register", "", map[string]string{"email": "not-an-email", "password": "pw"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "AUTH_INVALID_EMAIL", decodeBody[httpapi.ErrorResponse](t, rec).Code)
}

func TestAPI_HealthAndUnknownRoutes(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ROUTE_NOT_FOUND", decodeBody[httpapi.ErrorResponse](t, rec).Code)

	rec = f.do(t, http.MethodGet, "/auth/login", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAPI_RecordsMetricsAndLogs(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "x@x.com", "password": "pw"})

	count := testutil.ToFloat64(f.metrics.HTTPRequestsTotal.WithLabelValues("POST", "/auth/login", "401"))
	assert.InDelta(t, 1, count, 0)
	assert.Contains(t, f.logs.String(), `"msg":"request completed"`)
	assert.Contains(t, f.logs.String(), `"route":"/auth/login"`)
	assert.NotContains(t, f.logs.String(), `"password"`, "credentials are never logged")
}

// stubService returns err from every operation.
type stubService struct {
	err   error
	panic bool
}

func (s stubService) Register(context.Context, string, *string, string) (auth.PublicUser, error) {
	if s.panic {
		panic("boom")
	}
	return auth.PublicUser{}, s.err
}

func (s stubService) Login(context.Context, string, string) (*auth.TokenPair, error) {
	return nil, s.err
}

func (s stubService) Refresh(context.Context, string) (*auth.TokenPair, error) {
	return nil, s.err
}

func (s stubService) ReadCurrentUser(context.Context, string) (auth.PublicUser, error) {
	return auth.PublicUser{}, s.err
}

func (s stubService) Authenticate(context.Context, string) (*auth.User, error) {
	return nil, s.err
}

func (s stubService) ChangePassword(context.Context, int64, string, string, string) error {
	return s.err
}

func (s stubService) ForgotPassword(context.Context, string) error {
	return s.err
}

func (s stubService) ResetPassword(context.Context, string, string, string) error {
	return s.err
}

func newStubRouter(t *testing.T, svc httpapi.AuthService, logs io.Writer) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(logs, nil))
	h, err := httpapi.NewHandler(svc, nil, logger)
	require.NoError(t, err)
	return httpapi.NewRouter(httpapi.RouterOptions{Handler: h, Logger: logger})
}

func TestAPI_InternalErrorsAreGeneric(t *testing.T) {
	var logs bytes.Buffer
	cause := oops.Code("AUTH_LOGIN_FAILED").With("operation", "get user by email").Wrap(errors.New("connection reset by peer"))
	router := newStubRouter(t, stubService{err: cause}, &logs)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"a@x.com","password":"pw"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody[httpapi.ErrorResponse](t, rec)
	assert.Equal(t, "internal server error", body.Error)
	assert.Empty(t, body.Code)
	assert.NotContains(t, rec.Body.String(), "connection reset")
	assert.NotContains(t, rec.Body.String(), "AUTH_LOGIN_FAILED")
	assert.Contains(t, logs.String(), "connection reset by peer")
	assert.Contains(t, logs.String(), `"code":"AUTH_LOGIN_FAILED"`)
}

func TestAPI_RecoversFromPanics(t *testing.T) {
	router := newStubRouter(t, stubService{panic: true}, io.Discard)

	req := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(`{"email":"a@x.com","password":"pw"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{auth.ErrInvalidInput, http.StatusBadRequest},
		{auth.ErrConflict, http.StatusConflict},
		{auth.ErrDuplicateEmail, http.StatusConflict},
		{auth.ErrUnauthorized, http.StatusUnauthorized},
		{auth.ErrExpiredToken, http.StatusUnauthorized},
		{auth.ErrInvalidToken, http.StatusUnauthorized},
		{auth.ErrNotFound, http.StatusNotFound},
		{oops.Code("X").Wrap(auth.ErrNotFound), http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, httpapi.StatusFor(tt.err))
		})
	}
}

func TestCORS(t *testing.T) {
	tokens, err := auth.NewTokenService(auth.TokenConfig{Secret: testSecret})
	require.NoError(t, err)
	svc, err := auth.NewService(memory.NewUserRepository(), auth.NewArgon2idHasher(), tokens, &captureNotifier{})
	require.NoError(t, err)
	h, err := httpapi.NewHandler(svc, nil, nil)
	require.NoError(t, err)
	router := httpapi.NewRouter(httpapi.RouterOptions{Handler: h, CORSOrigins: []string{"https://app.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/auth/login", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/auth/login", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNewHandler_RequiresService(t *testing.T) {
	_, err := httpapi.NewHandler(nil, nil, nil)
	require.Error(t, err)
}
