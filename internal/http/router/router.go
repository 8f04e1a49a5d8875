package router

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fleetops/fleetguard/internal/http/handler"
	"github.com/fleetops/fleetguard/internal/http/middleware"
	"github.com/fleetops/fleetguard/internal/http/response"
	"github.com/fleetops/fleetguard/internal/service"
)

// Form scopes for the anti-forgery guard. Each state-changing surface gets
// its own scope so tokens cannot cross forms.
const (
	CSRFScopeLogin     = "login_form"
	CSRFScopeLogout    = "logout"
	CSRFScopeTwoFactor = "two_factor_form"
	CSRFScopeAdmin     = "admin_form"
)

type Dependencies struct {
	AuthHandler      *handler.AuthHandler
	TwoFactorHandler *handler.TwoFactorHandler
	AdminHandler     *handler.AdminHandler

	SessionManager     *service.SessionManager
	CSRFGuard          *service.CSRFGuard
	PermissionResolver *service.PermissionResolver
	APILimiter         *service.RateLimiter

	SecureCookies bool
	RememberTTL   time.Duration

	APIMaxRequests int64
	APIWindow      time.Duration
	APIBlock       time.Duration

	ReadinessChecks map[string]func(context.Context) error
	EnableOTelHTTP  bool
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.StructuredRequestLogger)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.BodyLimit(1 << 20))
	if dep.APILimiter != nil {
		r.Use(middleware.ThrottleByClientIP(dep.APILimiter, dep.APIMaxRequests, dep.APIWindow, dep.APIBlock))
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		failures := map[string]string{}
		for name, check := range dep.ReadinessChecks {
			if err := check(r.Context()); err != nil {
				failures[name] = err.Error()
			}
		}
		if len(failures) > 0 {
			response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "dependencies are not ready", failures)
			return
		}
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
	})

	session := middleware.SessionMiddleware(dep.SessionManager, dep.SecureCookies, dep.RememberTTL)
	authed := middleware.RequireAuthentication(dep.SessionManager, dep.SecureCookies)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(session)

		r.Get("/csrf", dep.AuthHandler.IssueCSRFToken)
		r.Get("/session", dep.AuthHandler.SessionInfo)

		r.Route("/auth", func(r chi.Router) {
			r.With(middleware.RequireCSRF(dep.CSRFGuard, CSRFScopeLogin)).Post("/login", dep.AuthHandler.Login)
			r.With(middleware.RequireCSRF(dep.CSRFGuard, CSRFScopeLogin)).Post("/two-factor", dep.AuthHandler.CompleteTwoFactor)
			r.With(authed, middleware.RequireCSRF(dep.CSRFGuard, CSRFScopeLogout)).Post("/logout", dep.AuthHandler.Logout)
		})

		r.With(authed).Get("/me", dep.AuthHandler.Me)

		r.Route("/me/two-factor", func(r chi.Router) {
			r.Use(authed)
			r.Get("/recovery-codes", dep.TwoFactorHandler.RecoveryCodesRemaining)
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireCSRF(dep.CSRFGuard, CSRFScopeTwoFactor))
				r.Post("/setup", dep.TwoFactorHandler.BeginSetup)
				r.Post("/confirm", dep.TwoFactorHandler.ConfirmSetup)
				r.Post("/resend", dep.TwoFactorHandler.ResendCode)
				r.Post("/disable", dep.TwoFactorHandler.Disable)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(authed)
			r.Use(middleware.RequireAdmin(dep.PermissionResolver))
			r.Get("/roles", dep.AdminHandler.ListRoles)
			r.Get("/permissions", dep.AdminHandler.ListPermissions)
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireCSRF(dep.CSRFGuard, CSRFScopeAdmin))
				r.Post("/roles", dep.AdminHandler.CreateRole)
				r.Put("/roles/{id}/permissions", dep.AdminHandler.SetRolePermissions)
				r.Post("/permissions", dep.AdminHandler.CreatePermission)
				r.Delete("/permissions/{id}", dep.AdminHandler.DeletePermission)
				r.Put("/users/{id}/roles", dep.AdminHandler.SetUserRoles)
			})
		})
	})

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}
