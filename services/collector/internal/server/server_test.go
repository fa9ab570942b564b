package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"time"

	"github.com/alicebob/miniredis/v2"

	"aicollector/internal/servicetoken"
	"aicollector/pkg/domain"
	"aicollector/pkg/store"
	"aicollector/services/collector/internal/app"
)

type stubEnricher struct {
	outcome domain.EnrichmentOutcome
	err     error
}

func (s stubEnricher) Analyze(_ context.Context, _, _, _, _ string) (domain.EnrichmentOutcome, error) {
	return s.outcome, s.err
}

func defaultEnricher() stubEnricher {
	return stubEnricher{outcome: domain.EnrichmentOutcome{Analysis: domain.Analysis{
		Keywords: []string{"人工智能", "教育"},
		Category: "科技,教育",
	}}}
}

func newTestServer(t *testing.T, enricher app.Enricher, cfgMut func(*Config)) *httptest.Server {
	t.Helper()
	core, err := app.New(app.Config{
		JWTSecret: "test-secret",
		Store:     store.NewMemoryStore(),
		Enricher:  enricher,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	cfg := Config{App: core}
	if cfgMut != nil {
		cfgMut(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var parsed map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&parsed)
	return resp, parsed
}

func register(t *testing.T, baseURL, username string) (token, userID string) {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, baseURL+"/api/auth/register", "", map[string]string{
		"username": username,
		"password": "s3cret",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: status %d, body %v", username, resp.StatusCode, body)
	}
	token, _ = body["token"].(string)
	userID, _ = body["userId"].(string)
	if token == "" || userID == "" {
		t.Fatalf("register %s: incomplete body %v", username, body)
	}
	return token, userID
}

func collect(t *testing.T, baseURL, token, text string) map[string]any {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, baseURL+"/api/collection/collect", token, map[string]string{"text": text})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("collect: status %d, body %v", resp.StatusCode, body)
	}
	return body
}

func TestRegisterDuplicateConflicts(t *testing.T) {
	ts := newTestServer(t, defaultEnricher(), nil)
	register(t, ts.URL, "alice")

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/auth/register", "", map[string]string{
		"username": "alice",
		"password": "another",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate register: status %d, body %v", resp.StatusCode, body)
	}
}

func TestRegisterValidatesBody(t *testing.T) {
	ts := newTestServer(t, defaultEnricher(), nil)
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/auth/register", "", map[string]string{"username": "alice"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing password: status %d, want 400", resp.StatusCode)
	}
}

func TestLoginWrongPasswordAndUnknownUserLookAlike(t *testing.T) {
	ts := newTestServer(t, defaultEnricher(), nil)
	register(t, ts.URL, "alice")

	respKnown, bodyKnown := doJSON(t, http.MethodPost, ts.URL+"/api/auth/login", "", map[string]string{
		"username": "alice", "password": "wrong",
	})
	respUnknown, bodyUnknown := doJSON(t, http.MethodPost, ts.URL+"/api/auth/login", "", map[string]string{
		"username": "nobody", "password": "s3cret",
	})
	if respKnown.StatusCode != http.StatusUnauthorized || respUnknown.StatusCode != http.StatusUnauthorized {
		t.Fatalf("statuses = %d/%d, want 401/401", respKnown.StatusCode, respUnknown.StatusCode)
	}
	if bodyKnown["error"] != bodyUnknown["error"] {
		t.Fatalf("error bodies differ: %v vs %v", bodyKnown, bodyUnknown)
	}

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/auth/login", "", map[string]string{
		"username": "alice", "password": "s3cret",
	})
	if resp.StatusCode != http.StatusOK || body["token"] == "" {
		t.Fatalf("login: status %d, body %v", resp.StatusCode, body)
	}
	if body["expiresIn"] != float64(86400) {
		t.Fatalf("expiresIn = %v, want 86400", body["expiresIn"])
	}
}

func TestProtectedRoutesRejectBadTokens(t *testing.T) {
	ts := newTestServer(t, defaultEnricher(), nil)
	for _, token := range []string{"", "not-a-jwt"} {
		resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/auth/profile", token, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("token %q: status %d, want 401", token, resp.StatusCode)
		}
	}
}

func TestProfileReturnsOwnAccount(t *testing.T) {
	ts := newTestServer(t, defaultEnricher(), nil)
	token, userID := register(t, ts.URL, "alice")

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/auth/profile", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("profile: status %d", resp.StatusCode)
	}
	if body["id"] != userID || body["username"] != "alice" {
		t.Fatalf("profile body: %v", body)
	}
	if wechatID, present := body["wechat_id"]; !present || wechatID != nil {
		t.Fatalf("unbound profile must carry wechat_id: null, got %v (present=%v)", wechatID, present)
	}
}

func TestBindWeChatConflict(t *testing.T) {
	ts := newTestServer(t, defaultEnricher(), nil)
	aliceToken, _ := register(t, ts.URL, "alice")
	bobToken, _ := register(t, ts.URL, "bob")

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/auth/bind-wechat", aliceToken, map[string]string{"wechat_id": "wx-1"})
	if resp.StatusCode != http.StatusOK || body["wechat_id"] != "wx-1" {
		t.Fatalf("bind: status %d, body %v", resp.StatusCode, body)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/auth/bind-wechat", bobToken, map[string]string{"wechat_id": "wx-1"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("conflicting bind: status %d, want 409", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/auth/bind-wechat", bobToken, map[string]string{"wechat_id": "  "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank wechat_id: status %d, want 400", resp.StatusCode)
	}
}

func TestCollectStoresAnnotation(t *testing.T) {
	ts := newTestServer(t, defaultEnricher(), nil)
	token, _ := register(t, ts.URL, "alice")

	body := collect(t, ts.URL, token, "AI 正在改变教育")
	if body["category"] != "科技,教育" {
		t.Fatalf("category = %v", body["category"])
	}
	if kws, _ := body["keywords"].([]any); len(kws) != 2 {
		t.Fatalf("keywords = %v", body["keywords"])
	}
}

func TestCollectSurvivesEnrichmentOutage(t *testing.T) {
	ts := newTestServer(t, stubEnricher{err: errors.New("connection refused")}, nil)
	token, _ := register(t, ts.URL, "alice")

	body := collect(t, ts.URL, token, "snippet")
	if body["category"] != "Uncategorized" {
		t.Fatalf("category = %v, want Uncategorized", body["category"])
	}
	if kws, ok := body["keywords"].([]any); !ok || len(kws) != 0 {
		t.Fatalf("keywords = %v, want empty list", body["keywords"])
	}
}

func TestCollectRequiresText(t *testing.T) {
	ts := newTestServer(t, defaultEnricher(), nil)
	token, _ := register(t, ts.URL, "alice")
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/collection/collect", token, map[string]string{"text": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty text: status %d, want 400", resp.StatusCode)
	}
}

func TestListOmitsOriginalTextAndPaginates(t *testing.T) {
	ts := newTestServer(t, defaultEnricher(), nil)
	token, _ := register(t, ts.URL, "alice")
	for i := 0; i < 3; i++ {
		collect(t, ts.URL, token, fmt.Sprintf("snippet %d", i))
	}

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/collection/list?page=0&pageSize=2", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d", resp.StatusCode)
	}
	items, _ := body["items"].([]any)
	if len(items) != 2 || body["total"] != float64(3) || body["hasMore"] != true {
		t.Fatalf("page 0: %v", body)
	}
	first, _ := items[0].(map[string]any)
	if _, present := first["original_text"]; present {
		t.Fatalf("list items must omit original_text: %v", first)
	}

	_, last := doJSON(t, http.MethodGet, ts.URL+"/api/collection/list?page=1&pageSize=2", token, nil)
	lastItems, _ := last["items"].([]any)
	if len(lastItems) != 1 || last["hasMore"] != false {
		t.Fatalf("page 1: %v", last)
	}
}

func TestGetAndDeleteScopedToOwner(t *testing.T) {
	ts := newTestServer(t, defaultEnricher(), nil)
	aliceToken, _ := register(t, ts.URL, "alice")
	bobToken, _ := register(t, ts.URL, "bob")
	created := collect(t, ts.URL, aliceToken, "alice's snippet")
	id, _ := created["id"].(string)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/collection/"+id, aliceToken, nil)
	if resp.StatusCode != http.StatusOK || body["original_text"] != "alice's snippet" {
		t.Fatalf("owner get: status %d, body %v", resp.StatusCode, body)
	}
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/collection/"+id, bobToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign get: status %d, want 404", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/collection/"+id, bobToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign delete: status %d, want 404", resp.StatusCode)
	}

	resp, deleted := doJSON(t, http.MethodDelete, ts.URL+"/api/collection/"+id, aliceToken, nil)
	if resp.StatusCode != http.StatusOK || deleted["message"] == nil {
		t.Fatalf("delete: status %d, body %v", resp.StatusCode, deleted)
	}
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/collection/"+id, aliceToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete: status %d, want 404", resp.StatusCode)
	}
}

func TestSearchFiltersByKeywordAndCategory(t *testing.T) {
	ts := newTestServer(t, defaultEnricher(), nil)
	token, _ := register(t, ts.URL, "alice")
	collect(t, ts.URL, token, "Waiting for the train, reading about AI safety")
	collect(t, ts.URL, token, "完全不相关的内容")

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/collection/search?keyword=AI&category=科技,教育", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search: status %d", resp.StatusCode)
	}
	items, _ := body["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("search hits = %v", body)
	}
	hit, _ := items[0].(map[string]any)
	if hit["original_text"] == nil {
		t.Fatalf("search results include original_text: %v", hit)
	}
}

func wechatServiceToken(t *testing.T, secret string) string {
	t.Helper()
	signer, err := servicetoken.NewSigner(secret, wechatTokenIssuer, wechatTokenAudience, time.Minute)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	token, err := signer.Sign()
	if err != nil {
		t.Fatalf("sign service token: %v", err)
	}
	return token
}

func TestWeChatMessageIngest(t *testing.T) {
	const serviceSecret = "bridge-secret"
	ts := newTestServer(t, defaultEnricher(), func(cfg *Config) {
		cfg.WeChatServiceSecret = serviceSecret
	})
	token, _ := register(t, ts.URL, "alice")
	bridgeToken := wechatServiceToken(t, serviceSecret)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/wechat/message", bridgeToken, map[string]string{
		"wechat_id": "wx-1", "text": "forwarded",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unbound wechat ingest: status %d, want 404", resp.StatusCode)
	}

	if resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/auth/bind-wechat", token, map[string]string{"wechat_id": "wx-1"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("bind: status %d", resp.StatusCode)
	}
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/wechat/message", bridgeToken, map[string]string{
		"wechat_id": "wx-1", "text": "forwarded", "url": "https://mp.weixin.qq.com/a",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("bound wechat ingest: status %d, body %v", resp.StatusCode, body)
	}
	if body["source_app"] != "wechat" || body["source_url"] != "https://mp.weixin.qq.com/a" {
		t.Fatalf("source fields: %v", body)
	}

	_, list := doJSON(t, http.MethodGet, ts.URL+"/api/collection/list", token, nil)
	if list["total"] != float64(1) {
		t.Fatalf("ingested snippet not attributed to bound user: %v", list)
	}
}

func TestWeChatMessageRequiresServiceToken(t *testing.T) {
	const serviceSecret = "bridge-secret"
	ts := newTestServer(t, defaultEnricher(), func(cfg *Config) {
		cfg.WeChatServiceSecret = serviceSecret
	})
	token, _ := register(t, ts.URL, "alice")
	if resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/auth/bind-wechat", token, map[string]string{"wechat_id": "wx-1"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("bind: status %d", resp.StatusCode)
	}

	payload := map[string]string{"wechat_id": "wx-1", "text": "forwarded"}
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/wechat/message", "", payload)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing credential: status %d, want 401", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/wechat/message", wechatServiceToken(t, "wrong-secret"), payload)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong-secret credential: status %d, want 401", resp.StatusCode)
	}
	// The user's own bearer token is not a service credential.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/wechat/message", token, payload)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("user token as credential: status %d, want 401", resp.StatusCode)
	}

	_, list := doJSON(t, http.MethodGet, ts.URL+"/api/collection/list", token, nil)
	if list["total"] != float64(0) {
		t.Fatalf("rejected ingest must not write: %v", list)
	}
}

func TestWeChatMessageDisabledWithoutSecret(t *testing.T) {
	ts := newTestServer(t, defaultEnricher(), nil)
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/wechat/message", "", map[string]string{
		"wechat_id": "wx-1", "text": "forwarded",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unconfigured ingest: status %d, want 401", resp.StatusCode)
	}
}

func TestRegisterRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	ts := newTestServer(t, defaultEnricher(), func(cfg *Config) {
		cfg.RedisAddr = mr.Addr()
		cfg.RegisterRateLimitPerMinute = 2
	})

	for i := 0; i < 2; i++ {
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/auth/register", "", map[string]string{
			"username": fmt.Sprintf("user-%d", i), "password": "pw",
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("register %d: status %d", i, resp.StatusCode)
		}
	}
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/auth/register", "", map[string]string{
		"username": "user-3", "password": "pw",
	})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third register: status %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "60" {
		t.Fatalf("Retry-After = %q", resp.Header.Get("Retry-After"))
	}
}

func TestRateLimitIgnoresSpoofedForwardedHeaders(t *testing.T) {
	mr := miniredis.RunT(t)
	ts := newTestServer(t, defaultEnricher(), func(cfg *Config) {
		cfg.RedisAddr = mr.Addr()
		cfg.RegisterRateLimitPerMinute = 1
	})

	// Forwarded headers are untrusted by default, so rotating them must not
	// reset the per-client window.
	for i, want := range []int{http.StatusCreated, http.StatusTooManyRequests, http.StatusTooManyRequests} {
		raw, _ := json.Marshal(map[string]string{
			"username": fmt.Sprintf("user-%d", i), "password": "pw",
		})
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/auth/register", bytes.NewReader(raw))
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("%d.%d.%d.%d", i+1, i+1, i+1, i+1))
		req.Header.Set("X-Real-IP", fmt.Sprintf("10.0.0.%d", i+1))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("register %d with spoofed forwarded headers: status %d, want %d", i, resp.StatusCode, want)
		}
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, defaultEnricher(), nil)
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/health", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: status %d, body %v", resp.StatusCode, body)
	}
}
