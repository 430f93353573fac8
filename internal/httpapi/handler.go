// Package httpapi is the HTTP side of the relay: account registration and
// login, the token cookie, the people directory, conversation history and
// operational endpoints. The WebSocket upgrade route is mounted alongside.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/whisper/relay/internal/auth"
	"github.com/whisper/relay/internal/identity"
	"github.com/whisper/relay/internal/message"
	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/user"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Users is the account store.
type Users interface {
	Create(ctx context.Context, username, passwordHash string) (user.User, error)
	GetByUsername(ctx context.Context, username string) (user.User, error)
	List(ctx context.Context) ([]user.User, error)
}

// History is the read side of the Message Store.
type History interface {
	Find(ctx context.Context, f message.Filter, order message.Order) ([]message.Message, error)
}

// Issuer mints credentials for logged-in users.
type Issuer interface {
	Issue(id identity.Identity) (string, error)
}

// Resolver authenticates requests.
type Resolver interface {
	Resolve(r *http.Request) (identity.Identity, error)
}

// Counter reports live connections for the health endpoint.
type Counter interface {
	Count() int
}

// Config holds cookie settings.
type Config struct {
	TokenTTL     time.Duration
	CookieSecure bool
}

// Handler serves the HTTP API.
type Handler struct {
	cfg      Config
	users    Users
	history  History
	issuer   Issuer
	resolver Resolver
	conns    Counter
	validate *validator.Validate
	log      *zap.Logger

	startedAt time.Time
}

// New creates a Handler.
func New(cfg Config, users Users, history History, issuer Issuer, resolver Resolver, conns Counter, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		cfg:       cfg,
		users:     users,
		history:   history,
		issuer:    issuer,
		resolver:  resolver,
		conns:     conns,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		log:       log.Named("http"),
		startedAt: time.Now(),
	}
}

// Routes returns the mux with every endpoint. upgrade serves /ws.
func (h *Handler) Routes(upgrade http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", h.register)
	mux.HandleFunc("POST /login", h.login)
	mux.HandleFunc("POST /logout", h.logout)
	mux.HandleFunc("GET /profile", h.profile)
	mux.HandleFunc("GET /people", h.people)
	mux.HandleFunc("GET /messages/{userId}", h.messages)
	mux.HandleFunc("GET /health", h.health)
	mux.Handle("GET /metrics", metrics.Handler())
	if upgrade != nil {
		mux.Handle("GET /ws", upgrade)
	}
	return mux
}

type credentials struct {
	Username string `json:"username" validate:"required,min=3,max=32"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

type accountResponse struct {
	ID string `json:"id"`
}

type person struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !h.decode(w, r, &req) {
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		// bcrypt rejects passwords over 72 bytes.
		writeError(w, http.StatusBadRequest, "invalid password")
		return
	}

	u, err := h.users.Create(r.Context(), req.Username, hash)
	if errors.Is(err, user.ErrUsernameTaken) {
		writeError(w, http.StatusConflict, "username taken")
		return
	}
	if err != nil {
		h.log.Error("create user", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if !h.setToken(w, identity.Identity{UserID: u.ID, Username: u.Username}) {
		return
	}
	h.log.Info("user registered", zap.String("user_id", u.ID))
	writeJSON(w, http.StatusCreated, accountResponse{ID: u.ID})
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !h.decode(w, r, &req) {
		return
	}

	u, err := h.users.GetByUsername(r.Context(), req.Username)
	if errors.Is(err, user.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	if err != nil {
		h.log.Error("lookup user", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	ok, err := auth.ComparePassword(u.PasswordHash, req.Password)
	if err != nil {
		h.log.Error("compare password", zap.String("user_id", u.ID), zap.Error(err))
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	if !h.setToken(w, identity.Identity{UserID: u.ID, Username: u.Username}) {
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{ID: u.ID})
}

func (h *Handler) logout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, h.cookie("", -1))
	writeJSON(w, http.StatusOK, "ok")
}

func (h *Handler) profile(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, person{UserID: id.UserID, Username: id.Username})
}

func (h *Handler) people(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}

	users, err := h.users.List(r.Context())
	if err != nil {
		h.log.Error("list users", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(users, func(u user.User, _ int) person {
		return person{UserID: u.ID, Username: u.Username}
	}))
}

func (h *Handler) messages(w http.ResponseWriter, r *http.Request) {
	me, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	other := r.PathValue("userId")

	msgs, err := h.history.Find(r.Context(), message.Between(me.UserID, other), message.OldestFirst)
	if err != nil {
		h.log.Error("load history", zap.String("user_id", me.UserID), zap.String("recipient", other), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// health responds with the connection count and uptime, for load balancer
// checks.
func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: h.conns.Count(),
		Uptime:      time.Since(h.startedAt).Round(time.Second).String(),
	})
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
	id, err := h.resolver.Resolve(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return identity.Identity{}, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (h *Handler) setToken(w http.ResponseWriter, id identity.Identity) bool {
	token, err := h.issuer.Issue(id)
	if err != nil {
		h.log.Error("issue token", zap.String("user_id", id.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return false
	}
	http.SetCookie(w, h.cookie(token, int(h.cfg.TokenTTL.Seconds())))
	return true
}

func (h *Handler) cookie(value string, maxAge int) *http.Cookie {
	c := &http.Cookie{
		Name:     identity.CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	if h.cfg.CookieSecure {
		c.SameSite = http.SameSiteNoneMode
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
