package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"aicollector/internal/ratelimit"
	"aicollector/internal/servicetoken"
	"aicollector/internal/util"
	"aicollector/pkg/domain"
	"aicollector/pkg/store"
	"aicollector/services/collector/internal/app"
)

// wechatTokenIssuer and wechatTokenAudience pin the service-token contract for
// the wechat bridge: it signs with the shared secret as this issuer, for this
// audience.
const (
	wechatTokenIssuer   = "aicollector-wechat"
	wechatTokenAudience = "aicollector-collector"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App

	// Rate limiting is skipped entirely when RedisAddr is empty.
	RedisAddr                  string
	RedisPassword              string
	RegisterRateLimitPerMinute int
	LoginRateLimitPerMinute    int

	// TrustForwardedHeaders keys rate limits by X-Forwarded-For / X-Real-IP.
	// Enable only behind a proxy that strips client-supplied values.
	TrustForwardedHeaders bool

	// WeChatServiceSecret signs the bridge's service tokens. When empty the
	// wechat ingest endpoint rejects all requests.
	WeChatServiceSecret string
}

// Server exposes HTTP endpoints for the collector service.
type Server struct {
	app *app.App
	mux *http.ServeMux

	registerLimiter *ratelimit.FixedWindowLimiter
	loginLimiter    *ratelimit.FixedWindowLimiter
	trustForwarded  bool
	wechatVerifier  *servicetoken.Verifier
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		trustForwarded: cfg.TrustForwardedHeaders,
	}
	if strings.TrimSpace(cfg.WeChatServiceSecret) != "" {
		verifier, err := servicetoken.NewVerifier(cfg.WeChatServiceSecret, wechatTokenAudience, []string{wechatTokenIssuer}, 0)
		if err != nil {
			return nil, fmt.Errorf("init wechat service verifier: %w", err)
		}
		s.wechatVerifier = verifier
	}
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		registerLimit := cfg.RegisterRateLimitPerMinute
		if registerLimit <= 0 {
			registerLimit = 5
		}
		loginLimit := cfg.LoginRateLimitPerMinute
		if loginLimit <= 0 {
			loginLimit = 10
		}
		newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
			prefix := "aicollector:ratelimit:" + name
			limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, time.Minute)
			if err != nil {
				return nil, fmt.Errorf("init %s limiter: %w", name, err)
			}
			return limiter, nil
		}
		var err error
		if s.registerLimiter, err = newLimiter("register", registerLimit); err != nil {
			return nil, err
		}
		if s.loginLimiter, err = newLimiter("login", loginLimit); err != nil {
			return nil, err
		}
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler wrapped with shared middleware.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = util.WithSecurityHeaders(h)
	h = util.WithCORS(h)
	return h
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/register", s.handleRegister)
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.Handle("/api/auth/bind-wechat", s.authenticated(s.handleBindWeChat))
	s.mux.Handle("/api/auth/profile", s.authenticated(s.handleProfile))

	// collections
	s.mux.Handle("/api/collection/collect", s.authenticated(s.handleCollect))
	s.mux.Handle("/api/collection/list", s.authenticated(s.handleList))
	s.mux.Handle("/api/collection/search", s.authenticated(s.handleSearch))
	s.mux.Handle("/api/collection/", s.authenticated(s.handleCollectionByID))

	// service-to-service ingest from the wechat bridge
	s.mux.HandleFunc("/api/wechat/message", s.handleWeChatMessage)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		userID, ok := s.app.UserIDByToken(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, userID)
	})
}

// auth handlers
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.registerLimiter, "too many registration attempts") {
		return
	}
	var req authRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sess, err := s.app.Register(req.Username, req.Password)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse(sess))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		return
	}
	var req authRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sess, err := s.app.Login(req.Username, req.Password)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(sess))
}

func (s *Server) handleBindWeChat(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req bindWeChatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.app.BindWeChat(userID, req.WeChatID)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userView(user))
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	user, err := s.app.Profile(userID)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userView(user))
}

// collection handlers
func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req collectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	col, err := s.app.Collect(r.Context(), userID, app.CollectInput{
		Text:      req.Text,
		SourceApp: req.SourceApp,
		SourceURL: req.SourceURL,
	})
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, collectResponse{Collection: col, Message: "收藏成功"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	page, err := s.app.ListCollections(userID, queryInt(r, "page"), queryInt(r, "pageSize"))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	// List omits original_text; fetch the item for the full record.
	for i := range page.Items {
		page.Items[i].OriginalText = ""
	}
	writeJSON(w, http.StatusOK, pageResponse(page))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	page, err := s.app.SearchCollections(userID, store.SearchQuery{
		Keyword:  strings.TrimSpace(r.URL.Query().Get("keyword")),
		Category: strings.TrimSpace(r.URL.Query().Get("category")),
		Page:     queryInt(r, "page"),
		PageSize: queryInt(r, "pageSize"),
	})
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pageResponse(page))
}

func (s *Server) handleCollectionByID(w http.ResponseWriter, r *http.Request, userID string) {
	id := strings.TrimPrefix(r.URL.Path, "/api/collection/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		col, err := s.app.GetCollection(userID, id)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, col)
	case http.MethodDelete:
		if err := s.app.DeleteCollection(userID, id); err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "collection deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleWeChatMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.authorizeWeChatService(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req wechatMessageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	col, err := s.app.CollectByWeChat(r.Context(), req.WeChatID, req.Text, req.URL)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, collectResponse{Collection: col, Message: "收藏成功"})
}

func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrUsernameAndPasswordRequired),
		errors.Is(err, app.ErrTextRequired),
		errors.Is(err, app.ErrWeChatIDRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, app.ErrUserNotFound),
		errors.Is(err, app.ErrWeChatNotBound),
		errors.Is(err, app.ErrCollectionMissing):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrUsernameTaken),
		errors.Is(err, app.ErrWeChatIDTaken):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// authorizeWeChatService gates the ingest endpoint on a valid service token.
// Without a configured secret no caller is accepted.
func (s *Server) authorizeWeChatService(r *http.Request) bool {
	if s.wechatVerifier == nil {
		return false
	}
	token, ok := servicetoken.BearerToken(r)
	if !ok {
		return false
	}
	_, err := s.wechatVerifier.Verify(token)
	return err == nil
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	if limiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustForwarded)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	UserID    string `json:"userId"`
	ExpiresIn int    `json:"expiresIn"`
}

func sessionResponse(sess app.Session) tokenResponse {
	return tokenResponse{Token: sess.Token, UserID: sess.UserID, ExpiresIn: sess.ExpiresIn}
}

type bindWeChatRequest struct {
	WeChatID string `json:"wechat_id"`
}

// userResponse keeps wechat_id explicit in the wire shape: null when unbound.
type userResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	WeChatID  *string   `json:"wechat_id"`
	CreatedAt time.Time `json:"created_at"`
}

func userView(u domain.User) userResponse {
	var wechatID *string
	if u.WeChatID != "" {
		wechatID = &u.WeChatID
	}
	return userResponse{
		ID:        u.ID,
		Username:  u.Username,
		WeChatID:  wechatID,
		CreatedAt: u.CreatedAt,
	}
}

type collectRequest struct {
	Text      string `json:"text"`
	SourceApp string `json:"source_app"`
	SourceURL string `json:"source_url"`
}

type collectResponse struct {
	domain.Collection
	Message string `json:"message"`
}

type wechatMessageRequest struct {
	WeChatID string `json:"wechat_id"`
	Text     string `json:"text"`
	URL      string `json:"url"`
}

type listResponse struct {
	Items    []domain.Collection `json:"items"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"pageSize"`
	Total    int64               `json:"total"`
	HasMore  bool                `json:"hasMore"`
}

func pageResponse(p app.Page) listResponse {
	return listResponse{
		Items:    p.Items,
		Page:     p.Page,
		PageSize: p.PageSize,
		Total:    p.Total,
		HasMore:  p.HasMore,
	}
}

func queryInt(r *http.Request, name string) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
