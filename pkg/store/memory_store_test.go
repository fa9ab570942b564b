package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"aicollector/pkg/domain"
)

func seedCollections(t *testing.T, m *MemoryStore, userID string, n int, base time.Time) []domain.Collection {
	t.Helper()
	items := make([]domain.Collection, 0, n)
	for i := 0; i < n; i++ {
		c := domain.Collection{
			ID:           fmt.Sprintf("%s-c%d", userID, i),
			UserID:       userID,
			OriginalText: fmt.Sprintf("snippet %d", i),
			Keywords:     []string{},
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		}
		if err := m.CreateCollection(c); err != nil {
			t.Fatalf("create collection: %v", err)
		}
		items = append(items, c)
	}
	return items
}

func TestMemoryStoreListOrdersNewestFirst(t *testing.T) {
	m := NewMemoryStore()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	seedCollections(t, m, "user-1", 5, base)

	items, total, err := m.ListCollections("user-1", 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 || len(items) != 5 {
		t.Fatalf("total=%d len=%d, want 5/5", total, len(items))
	}
	for i := 1; i < len(items); i++ {
		if items[i].CreatedAt.After(items[i-1].CreatedAt) {
			t.Fatalf("items not in created_at descending order")
		}
	}
	if items[0].ID != "user-1-c4" {
		t.Fatalf("newest item first, got %s", items[0].ID)
	}
}

func TestMemoryStoreListPaginates(t *testing.T) {
	m := NewMemoryStore()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	seedCollections(t, m, "user-1", 5, base)

	items, total, err := m.ListCollections("user-1", 1, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 {
		t.Fatalf("total = %d, want 5", total)
	}
	if len(items) != 2 || items[0].ID != "user-1-c2" || items[1].ID != "user-1-c1" {
		t.Fatalf("unexpected page content: %+v", items)
	}

	// Past the end.
	items, total, err = m.ListCollections("user-1", 3, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 || len(items) != 0 {
		t.Fatalf("expected empty page past end, got %d items", len(items))
	}
}

func TestMemoryStoreTieBreaksByInsertionOrder(t *testing.T) {
	m := NewMemoryStore()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, id := range []string{"a", "b", "c"} {
		if err := m.CreateCollection(domain.Collection{ID: id, UserID: "u", CreatedAt: at}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	items, _, err := m.ListCollections("u", 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if items[0].ID != "c" || items[1].ID != "b" || items[2].ID != "a" {
		t.Fatalf("equal timestamps should order latest-inserted first, got %+v", items)
	}
}

func TestMemoryStoreScopesByOwner(t *testing.T) {
	m := NewMemoryStore()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	seedCollections(t, m, "user-1", 3, base)
	seedCollections(t, m, "user-2", 2, base)

	_, total, err := m.ListCollections("user-1", 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 {
		t.Fatalf("user-1 total = %d, want 3", total)
	}

	// Foreign get/delete behave like absence.
	if _, ok, _ := m.GetCollection("user-2", "user-1-c0"); ok {
		t.Fatalf("foreign-owned collection must not be readable")
	}
	if deleted, _ := m.DeleteCollection("user-2", "user-1-c0"); deleted {
		t.Fatalf("foreign-owned collection must not be deletable")
	}
	if deleted, _ := m.DeleteCollection("user-1", "user-1-c0"); !deleted {
		t.Fatalf("owner delete should succeed")
	}
	if deleted, _ := m.DeleteCollection("user-1", "user-1-c0"); deleted {
		t.Fatalf("second delete should report missing")
	}
}

func TestMemoryStoreSearchKeywordListOrSubstring(t *testing.T) {
	m := NewMemoryStore()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	// Text contains "ai" case-insensitively, keyword list does not.
	if err := m.CreateCollection(domain.Collection{
		ID: "by-text", UserID: "u", OriginalText: "Waiting for the train", Keywords: []string{"travel"}, CreatedAt: at,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Keyword list contains "AI" literally, text does not mention it.
	if err := m.CreateCollection(domain.Collection{
		ID: "by-keyword", UserID: "u", OriginalText: "neural networks everywhere", Keywords: []string{"AI"}, CreatedAt: at.Add(time.Minute),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Matches neither.
	if err := m.CreateCollection(domain.Collection{
		ID: "no-match", UserID: "u", OriginalText: "grocery list", Keywords: []string{"food"}, CreatedAt: at.Add(2 * time.Minute),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	items, total, err := m.SearchCollections("u", SearchQuery{Keyword: "AI", Page: 0, PageSize: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("total=%d len=%d, want 2/2", total, len(items))
	}
	got := map[string]bool{}
	for _, c := range items {
		got[c.ID] = true
	}
	if !got["by-text"] || !got["by-keyword"] {
		t.Fatalf("expected both substring and list matches, got %v", got)
	}
}

func TestMemoryStoreSearchCategoryAndKeywordAND(t *testing.T) {
	m := NewMemoryStore()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := m.CreateCollection(domain.Collection{
		ID: "tech-ai", UserID: "u", OriginalText: "AI article", Keywords: []string{"AI"}, Category: "tech", CreatedAt: at,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.CreateCollection(domain.Collection{
		ID: "life-ai", UserID: "u", OriginalText: "AI in daily life", Keywords: []string{"AI"}, Category: "life", CreatedAt: at,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	items, total, err := m.SearchCollections("u", SearchQuery{Keyword: "AI", Category: "tech", Page: 0, PageSize: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if total != 1 || len(items) != 1 || items[0].ID != "tech-ai" {
		t.Fatalf("category AND keyword filter failed: %+v", items)
	}
}

func TestMemoryStoreUserUniqueness(t *testing.T) {
	m := NewMemoryStore()
	if err := m.SaveUser(domain.User{ID: "u1", Username: "alice"}); err != nil {
		t.Fatalf("save user: %v", err)
	}
	err := m.SaveUser(domain.User{ID: "u2", Username: "alice"})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("duplicate username error = %v, want ErrDuplicateKey", err)
	}
}

func TestMemoryStoreBindWeChatID(t *testing.T) {
	m := NewMemoryStore()
	if err := m.SaveUser(domain.User{ID: "u1", Username: "alice"}); err != nil {
		t.Fatalf("save user: %v", err)
	}
	if err := m.SaveUser(domain.User{ID: "u2", Username: "bob"}); err != nil {
		t.Fatalf("save user: %v", err)
	}
	if err := m.BindWeChatID("u1", "wx-1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	// Re-binding the same id to the same user is fine.
	if err := m.BindWeChatID("u1", "wx-1"); err != nil {
		t.Fatalf("rebind same user: %v", err)
	}
	if err := m.BindWeChatID("u2", "wx-1"); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("binding a taken wechat id = %v, want ErrDuplicateKey", err)
	}
	u, ok, _ := m.GetUserByWeChatID("wx-1")
	if !ok || u.ID != "u1" {
		t.Fatalf("lookup by wechat id failed: ok=%v user=%+v", ok, u)
	}
	// Replacing a binding releases the old id.
	if err := m.BindWeChatID("u1", "wx-2"); err != nil {
		t.Fatalf("replace binding: %v", err)
	}
	if _, ok, _ := m.GetUserByWeChatID("wx-1"); ok {
		t.Fatalf("old binding should be released")
	}
}
