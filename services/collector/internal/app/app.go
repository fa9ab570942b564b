package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"aicollector/pkg/auth"
	"aicollector/pkg/domain"
	"aicollector/pkg/store"
	"aicollector/services/collector/internal/enrichclient"
)

// UncategorizedCategory is stored when enrichment cannot be reached at all.
const UncategorizedCategory = "Uncategorized"

// Enricher annotates a collected snippet. The enrichment service degrades
// internally on model failures, so a returned error means the service itself
// was unusable.
type Enricher interface {
	Analyze(ctx context.Context, collectID, userID, text, sourceURL string) (domain.EnrichmentOutcome, error)
}

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL     string
	JWTSecret       string
	TokenTTL        time.Duration
	AIServiceURL    string
	DefaultPageSize int
	MaxPageSize     int

	// test overrides
	Store    store.Store
	Sessions store.SessionStore
	Enricher Enricher
}

// App is the core application service wiring storage, sessions and enrichment.
type App struct {
	store           store.Store
	sessions        store.SessionStore
	enricher        Enricher
	tokenTTL        time.Duration
	defaultPageSize int
	maxPageSize     int
}

// New constructs the application with database storage and session management.
func New(cfg Config) (*App, error) {
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 20
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 100
	}

	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}

	sessionStore := cfg.Sessions
	if sessionStore == nil {
		var err error
		sessionStore, err = store.NewJWTSessionStore(cfg.JWTSecret, cfg.TokenTTL)
		if err != nil {
			return nil, fmt.Errorf("init jwt session store: %w", err)
		}
	}

	enricher := cfg.Enricher
	if enricher == nil {
		if strings.TrimSpace(cfg.AIServiceURL) == "" {
			return nil, fmt.Errorf("AI service URL required")
		}
		enricher = enrichclient.New(cfg.AIServiceURL)
	}

	return &App{
		store:           dataStore,
		sessions:        sessionStore,
		enricher:        enricher,
		tokenTTL:        cfg.TokenTTL,
		defaultPageSize: cfg.DefaultPageSize,
		maxPageSize:     cfg.MaxPageSize,
	}, nil
}

// Session is the result of a successful register or login.
type Session struct {
	Token     string
	UserID    string
	ExpiresIn int
}

// Register creates an account and returns a fresh session for it.
func (a *App) Register(username, password string) (Session, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return Session{}, ErrUsernameAndPasswordRequired
	}
	taken, err := a.store.HasUsername(username)
	if err != nil {
		return Session{}, fmt.Errorf("check username: %w", err)
	}
	if taken {
		return Session{}, ErrUsernameTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}
	user := domain.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.store.SaveUser(user); err != nil {
		// Lost the race against a concurrent register for the same name.
		if errors.Is(err, store.ErrDuplicateKey) {
			return Session{}, ErrUsernameTaken
		}
		return Session{}, fmt.Errorf("save user: %w", err)
	}
	return a.newSession(user.ID)
}

// Login verifies credentials and returns a fresh session.
func (a *App) Login(username, password string) (Session, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return Session{}, ErrUsernameAndPasswordRequired
	}
	user, found, err := a.store.GetUserByUsername(username)
	if err != nil {
		return Session{}, fmt.Errorf("load user: %w", err)
	}
	if !found || !auth.CheckPassword(password, user.PasswordHash) {
		return Session{}, ErrInvalidCredentials
	}
	return a.newSession(user.ID)
}

func (a *App) newSession(userID string) (Session, error) {
	token, err := a.sessions.NewSession(userID)
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	return Session{
		Token:     token,
		UserID:    userID,
		ExpiresIn: int(a.tokenTTL.Seconds()),
	}, nil
}

// UserIDByToken resolves a bearer token to its user id.
func (a *App) UserIDByToken(token string) (string, bool) {
	userID, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return "", false
	}
	return userID, true
}

// Profile returns the account owning userID.
func (a *App) Profile(userID string) (domain.User, error) {
	user, found, err := a.store.GetUserByID(userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	if !found {
		return domain.User{}, ErrUserNotFound
	}
	return user, nil
}

// BindWeChat attaches a WeChat identity to the account. A wechat id already
// held by a different account is a conflict.
func (a *App) BindWeChat(userID, wechatID string) (domain.User, error) {
	wechatID = strings.TrimSpace(wechatID)
	if wechatID == "" {
		return domain.User{}, ErrWeChatIDRequired
	}
	if _, found, err := a.store.GetUserByID(userID); err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	} else if !found {
		return domain.User{}, ErrUserNotFound
	}
	if err := a.store.BindWeChatID(userID, wechatID); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return domain.User{}, ErrWeChatIDTaken
		}
		return domain.User{}, fmt.Errorf("bind wechat id: %w", err)
	}
	return a.Profile(userID)
}

// CollectInput carries one snippet to ingest.
type CollectInput struct {
	Text      string
	SourceApp string
	SourceURL string
}

// Collect stores a snippet with whatever annotation enrichment produced.
// Enrichment failures never fail the ingest: an unusable enrichment service
// yields empty keywords and the Uncategorized category.
func (a *App) Collect(ctx context.Context, userID string, in CollectInput) (domain.Collection, error) {
	if strings.TrimSpace(in.Text) == "" {
		return domain.Collection{}, ErrTextRequired
	}
	col := domain.Collection{
		ID:           uuid.NewString(),
		UserID:       userID,
		OriginalText: in.Text,
		Keywords:     []string{},
		Category:     UncategorizedCategory,
		SourceApp:    in.SourceApp,
		SourceURL:    in.SourceURL,
		CreatedAt:    time.Now().UTC(),
	}
	outcome, err := a.enricher.Analyze(ctx, col.ID, userID, in.Text, in.SourceURL)
	if err != nil {
		slog.Warn("enrichment unavailable, storing unannotated", "collect_id", col.ID, "err", err)
	} else {
		col.Keywords = outcome.Analysis.Keywords
		col.Category = outcome.Analysis.Category
		if col.Keywords == nil {
			col.Keywords = []string{}
		}
		if outcome.Degraded {
			slog.Info("stored degraded enrichment result", "collect_id", col.ID, "reason", outcome.Reason)
		}
	}
	if err := a.store.CreateCollection(col); err != nil {
		return domain.Collection{}, fmt.Errorf("save collection: %w", err)
	}
	return col, nil
}

// CollectByWeChat ingests a snippet forwarded from a bound WeChat account.
func (a *App) CollectByWeChat(ctx context.Context, wechatID, text, url string) (domain.Collection, error) {
	wechatID = strings.TrimSpace(wechatID)
	if wechatID == "" {
		return domain.Collection{}, ErrWeChatIDRequired
	}
	user, found, err := a.store.GetUserByWeChatID(wechatID)
	if err != nil {
		return domain.Collection{}, fmt.Errorf("load user by wechat id: %w", err)
	}
	if !found {
		return domain.Collection{}, ErrWeChatNotBound
	}
	return a.Collect(ctx, user.ID, CollectInput{
		Text:      text,
		SourceApp: "wechat",
		SourceURL: url,
	})
}

// Page is one page of a user's collections.
type Page struct {
	Items    []domain.Collection
	Page     int
	PageSize int
	Total    int64
	HasMore  bool
}

func (a *App) clampPaging(page, pageSize int) (int, int) {
	if page < 0 {
		page = 0
	}
	if pageSize <= 0 {
		pageSize = a.defaultPageSize
	}
	if pageSize > a.maxPageSize {
		pageSize = a.maxPageSize
	}
	return page, pageSize
}

// ListCollections returns one page of the user's collections, newest first.
func (a *App) ListCollections(userID string, page, pageSize int) (Page, error) {
	page, pageSize = a.clampPaging(page, pageSize)
	items, total, err := a.store.ListCollections(userID, page, pageSize)
	if err != nil {
		return Page{}, fmt.Errorf("list collections: %w", err)
	}
	return newPage(items, page, pageSize, total), nil
}

// SearchCollections filters the user's collections by keyword and category.
func (a *App) SearchCollections(userID string, q store.SearchQuery) (Page, error) {
	q.Page, q.PageSize = a.clampPaging(q.Page, q.PageSize)
	items, total, err := a.store.SearchCollections(userID, q)
	if err != nil {
		return Page{}, fmt.Errorf("search collections: %w", err)
	}
	return newPage(items, q.Page, q.PageSize, total), nil
}

func newPage(items []domain.Collection, page, pageSize int, total int64) Page {
	if items == nil {
		items = []domain.Collection{}
	}
	return Page{
		Items:    items,
		Page:     page,
		PageSize: pageSize,
		Total:    total,
		HasMore:  int64((page+1)*pageSize) < total,
	}
}

// GetCollection returns one of the user's collections by id.
func (a *App) GetCollection(userID, id string) (domain.Collection, error) {
	col, found, err := a.store.GetCollection(userID, id)
	if err != nil {
		return domain.Collection{}, fmt.Errorf("load collection: %w", err)
	}
	if !found {
		return domain.Collection{}, ErrCollectionMissing
	}
	return col, nil
}

// DeleteCollection removes one of the user's collections by id.
func (a *App) DeleteCollection(userID, id string) error {
	deleted, err := a.store.DeleteCollection(userID, id)
	if err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	if !deleted {
		return ErrCollectionMissing
	}
	return nil
}
