package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gatehouse-auth/gatehouse/internal/observability"
	"github.com/gatehouse-auth/gatehouse/internal/platform/httpx"
)

// SessionCookie is the cookie carrying the session token.
const SessionCookie = "session_id"

// Handler wires HTTP endpoints for the authentication flows.
type Handler struct {
	logger        *slog.Logger
	service       *Service
	validator     *validator.Validate
	metrics       *observability.Metrics
	secureCookies bool
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, metrics *observability.Metrics, secureCookies bool) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:        logger,
		service:       service,
		validator:     validator.New(),
		metrics:       metrics,
		secureCookies: secureCookies,
	}
}

// MountRoutes registers auth routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/users", h.handleRegister)
	r.Post("/sessions", h.handleLogin)
	r.Post("/reset_password", h.handleResetRequest)
	r.Put("/reset_password", h.handleResetComplete)

	r.Group(func(r chi.Router) {
		r.Use(h.RequireUser)
		r.Delete("/sessions", h.handleLogout)
		r.Get("/profile", h.handleProfile)
	})
}

// RequireUser resolves the session cookie to a user and stores it in the
// request context, rejecting the request with 403 when no valid session
// exists.
func (h *Handler) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if cookie, err := r.Cookie(SessionCookie); err == nil {
			token = cookie.Value
		}
		user, err := h.service.UserFromSession(r.Context(), token)
		if err != nil {
			h.logger.Error("resolve session", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
		if user == nil {
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "no valid session")
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
	})
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", validationDetail(err))
		return
	}
	user, err := h.service.Register(r.Context(), req.Email, req.Password)
	h.metrics.ObserveAuth("register", err == nil)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]string{
		"email":   user.Email,
		"message": "user created",
	})
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", validationDetail(err))
		return
	}
	ok, err := h.service.ValidLogin(r.Context(), req.Email, req.Password)
	if err != nil {
		h.logger.Error("valid login", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	if !ok {
		h.metrics.ObserveAuth("login", false)
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid credentials")
		return
	}
	token, err := h.service.CreateSession(r.Context(), req.Email)
	if err != nil {
		h.logger.Error("create session", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	if token == "" {
		// Account disappeared between the credential check and session issue.
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid credentials")
		return
	}
	h.metrics.ObserveAuth("login", true)
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	httpx.JSON(w, http.StatusCreated, map[string]string{
		"email":   req.Email,
		"message": "logged in",
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if err := h.service.DestroySession(r.Context(), user.ID); err != nil {
		h.logger.Warn("destroy session", slog.Any("error", err))
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleProfile(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	httpx.JSON(w, http.StatusOK, map[string]string{"email": user.Email})
}

type resetRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func (h *Handler) handleResetRequest(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", validationDetail(err))
		return
	}
	token, err := h.service.RequestPasswordReset(r.Context(), req.Email)
	h.metrics.ObserveAuth("reset_request", err == nil)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{
		"email":       req.Email,
		"reset_token": token,
	})
}

type resetCompleteRequest struct {
	Email       string `json:"email" validate:"required,email"`
	ResetToken  string `json:"reset_token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8"`
}

func (h *Handler) handleResetComplete(w http.ResponseWriter, r *http.Request) {
	var req resetCompleteRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", validationDetail(err))
		return
	}
	err := h.service.CompletePasswordReset(r.Context(), req.ResetToken, req.NewPassword)
	h.metrics.ObserveAuth("reset_complete", err == nil)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{
		"email":   req.Email,
		"message": "Password updated",
	})
}

func validationDetail(err error) string {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return fieldErrs[0].Field() + " is invalid"
	}
	return "invalid payload"
}
