package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetops/fleetguard/internal/delivery"
	"github.com/fleetops/fleetguard/internal/domain"
	"github.com/fleetops/fleetguard/internal/http/handler"
	"github.com/fleetops/fleetguard/internal/repository"
	"github.com/fleetops/fleetguard/internal/security"
	"github.com/fleetops/fleetguard/internal/service"
)

type routerFixture struct {
	server *httptest.Server
	client *http.Client
	users  repository.UserRepository
	roles  repository.RoleRepository
	perms  repository.PermissionRepository
}

type testEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func newRouterFixture(t *testing.T, readiness map[string]func(context.Context) error) *routerFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(
		&domain.User{}, &domain.Role{}, &domain.Permission{},
		&domain.OTPCode{}, &domain.BackupCode{}, &domain.RememberToken{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	users := repository.NewUserRepository(db)
	roles := repository.NewRoleRepository(db)
	perms := repository.NewPermissionRepository(db)
	rememberTokens := repository.NewRememberTokenRepository(db)

	csrfStore := service.NewInMemoryCSRFStore()
	sessions := service.NewSessionManager(
		service.NewInMemorySessionStore(), csrfStore, rememberTokens,
		1800*time.Second, 300*time.Second, 30*24*time.Hour)
	csrfGuard := service.NewCSRFGuard(csrfStore, 1800*time.Second, 10)
	limiter := service.NewRateLimiter(service.NewInMemoryAttemptStore(), "pepper",
		service.LimitPolicy{MaxAttempts: 10, Window: 300 * time.Second, BlockFor: 900 * time.Second},
		service.LimitPolicy{MaxAttempts: 5, Window: 300 * time.Second, BlockFor: 1800 * time.Second})
	resolver := service.NewPermissionResolver(users, service.NewInMemoryPermissionCacheStore(), time.Minute)
	otp := service.NewOTPService(users,
		repository.NewOTPCodeRepository(db),
		repository.NewBackupCodeRepository(db),
		delivery.NoopSender{}, 600*time.Second)
	challenges := security.NewChallengeManager("fleetguard-test", "challenge-secret", 5*time.Minute)
	auth := service.NewAuthService(users, limiter, sessions, otp, challenges)

	srv := httptest.NewServer(NewRouter(Dependencies{
		AuthHandler:      handler.NewAuthHandler(auth, sessions, csrfGuard, users, false, 30*24*time.Hour),
		TwoFactorHandler: handler.NewTwoFactorHandler(otp, users),
		AdminHandler:     handler.NewAdminHandler(roles, perms, users, resolver),

		SessionManager:     sessions,
		CSRFGuard:          csrfGuard,
		PermissionResolver: resolver,
		APILimiter:         limiter,

		SecureCookies: false,
		RememberTTL:   30 * 24 * time.Hour,

		APIMaxRequests: 1000,
		APIWindow:      time.Minute,
		APIBlock:       time.Minute,

		ReadinessChecks: readiness,
	}))
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &routerFixture{
		server: srv,
		client: &http.Client{Jar: jar},
		users:  users,
		roles:  roles,
		perms:  perms,
	}
}

func (f *routerFixture) seedUser(t *testing.T, email, password string, roles ...domain.Role) *domain.User {
	t.Helper()
	hash, err := security.HashPassword(password)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	user := &domain.User{Email: email, PasswordHash: hash, TwoFactorStatus: domain.TwoFactorDisabled, Roles: roles}
	if err := f.users.Create(user); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

func (f *routerFixture) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, testEnvelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var env testEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return resp, env
}

func (f *routerFixture) csrfToken(t *testing.T, scope string) string {
	t.Helper()
	resp, env := f.do(t, http.MethodGet, "/api/v1/csrf?scope="+scope, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("issue csrf: status %d", resp.StatusCode)
	}
	var data struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode csrf payload: %v", err)
	}
	return data.Token
}

func (f *routerFixture) login(t *testing.T, email, password string) {
	t.Helper()
	token := f.csrfToken(t, CSRFScopeLogin)
	resp, env := f.do(t, http.MethodPost, "/api/v1/auth/login",
		map[string]any{"email": email, "password": password},
		map[string]string{"X-CSRF-Token": token})
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("login: status %d, envelope %+v", resp.StatusCode, env)
	}
}

func TestHealthEndpoints(t *testing.T) {
	f := newRouterFixture(t, map[string]func(context.Context) error{
		"redis": func(context.Context) error { return nil },
	})

	resp, env := f.do(t, http.MethodGet, "/health/live", nil, nil)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("live: status %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, "/health/ready", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready: status %d", resp.StatusCode)
	}
}

func TestReadinessReportsFailingDependency(t *testing.T) {
	f := newRouterFixture(t, map[string]func(context.Context) error{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})

	resp, env := f.do(t, http.MethodGet, "/health/ready", nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("ready: status %d", resp.StatusCode)
	}
	if env.Error == nil || env.Error.Code != "DEPENDENCY_UNREADY" {
		t.Fatalf("unexpected error envelope: %+v", env)
	}
}

func TestLoginFlowEndToEnd(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.seedUser(t, "driver@example.com", "hunter2!")

	f.login(t, "driver@example.com", "hunter2!")

	resp, env := f.do(t, http.MethodGet, "/api/v1/me", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me: status %d", resp.StatusCode)
	}
	var me struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(env.Data, &me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.Email != "driver@example.com" {
		t.Fatalf("unexpected account %q", me.Email)
	}
}

func TestLoginWithoutCSRFTokenIsRejected(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.seedUser(t, "driver@example.com", "hunter2!")

	// Prime a session but skip the token.
	_, _ = f.do(t, http.MethodGet, "/api/v1/session", nil, nil)
	resp, env := f.do(t, http.MethodPost, "/api/v1/auth/login",
		map[string]any{"email": "driver@example.com", "password": "hunter2!"}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if env.Error == nil || env.Error.Code != "CSRF_FAILED" {
		t.Fatalf("unexpected error envelope: %+v", env)
	}
}

func TestCSRFTokenIsSingleUse(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.seedUser(t, "driver@example.com", "hunter2!")

	token := f.csrfToken(t, CSRFScopeLogin)
	body := map[string]any{"email": "driver@example.com", "password": "wrong"}
	headers := map[string]string{"X-CSRF-Token": token}

	resp, _ := f.do(t, http.MethodPost, "/api/v1/auth/login", body, headers)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("first use: status %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPost, "/api/v1/auth/login", body, headers)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("replayed token must be refused, got %d", resp.StatusCode)
	}
}

func TestProtectedRoutesRequireAuthentication(t *testing.T) {
	f := newRouterFixture(t, nil)

	for _, path := range []string{"/api/v1/me", "/api/v1/me/two-factor/recovery-codes", "/api/v1/admin/roles"} {
		resp, env := f.do(t, http.MethodGet, path, nil, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, resp.StatusCode)
		}
		if env.Error == nil || env.Error.Code != "UNAUTHORIZED" {
			t.Fatalf("%s: unexpected error envelope: %+v", path, env)
		}
	}
}

func TestAdminRoutesRequireAdminGrant(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.seedUser(t, "driver@example.com", "hunter2!", domain.Role{
		Name:        "driver",
		Permissions: []domain.Permission{{Module: "interventions", Action: "read"}},
	})
	f.login(t, "driver@example.com", "hunter2!")

	resp, env := f.do(t, http.MethodGet, "/api/v1/admin/roles", nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if env.Error == nil || env.Error.Code != "FORBIDDEN" {
		t.Fatalf("unexpected error envelope: %+v", env)
	}
}

func TestAdminCanManageRolesAndPermissions(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.seedUser(t, "admin@example.com", "hunter2!", domain.Role{
		Name:        "platform-admin",
		Permissions: []domain.Permission{{Module: "system", Action: "manage"}},
	})
	f.login(t, "admin@example.com", "hunter2!")

	resp, _ := f.do(t, http.MethodGet, "/api/v1/admin/roles", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list roles: status %d", resp.StatusCode)
	}

	token := f.csrfToken(t, CSRFScopeAdmin)
	resp, env := f.do(t, http.MethodPost, "/api/v1/admin/permissions",
		map[string]any{"module": "vehicles", "action": "update"},
		map[string]string{"X-CSRF-Token": token})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create permission: status %d, envelope %+v", resp.StatusCode, env)
	}
}

func TestSessionInfoTracksAuthentication(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.seedUser(t, "driver@example.com", "hunter2!")

	_, env := f.do(t, http.MethodGet, "/api/v1/session", nil, nil)
	var info struct {
		Authenticated bool `json:"authenticated"`
		TimeRemaining int  `json:"time_remaining_seconds"`
	}
	if err := json.Unmarshal(env.Data, &info); err != nil {
		t.Fatalf("decode session info: %v", err)
	}
	if info.Authenticated {
		t.Fatal("fresh visitor reported authenticated")
	}

	f.login(t, "driver@example.com", "hunter2!")
	_, env = f.do(t, http.MethodGet, "/api/v1/session", nil, nil)
	if err := json.Unmarshal(env.Data, &info); err != nil {
		t.Fatalf("decode session info: %v", err)
	}
	if !info.Authenticated {
		t.Fatal("logged-in session reported anonymous")
	}
	if info.TimeRemaining <= 0 || info.TimeRemaining > 1800 {
		t.Fatalf("implausible time remaining %d", info.TimeRemaining)
	}
}

func TestLogoutClearsSession(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.seedUser(t, "driver@example.com", "hunter2!")
	f.login(t, "driver@example.com", "hunter2!")

	token := f.csrfToken(t, CSRFScopeLogout)
	resp, _ := f.do(t, http.MethodPost, "/api/v1/auth/logout", map[string]any{},
		map[string]string{"X-CSRF-Token": token})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout: status %d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodGet, "/api/v1/me", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", resp.StatusCode)
	}
}
