package store

import (
	"sort"
	"strings"
	"sync"

	"aicollector/pkg/domain"
)

// MemoryStore keeps users and collections in-process. It mirrors the SQL
// semantics (ordering, search, ownership scoping) for handler tests and
// local development without Postgres.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]domain.User       // user ID -> user
	usernames   map[string]string            // username -> user ID
	wechatIDs   map[string]string            // wechat id -> user ID
	collections map[string]domain.Collection // collection ID -> collection
	seq         map[string]int               // collection ID -> insertion sequence
	nextSeq     int
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]domain.User),
		usernames:   make(map[string]string),
		wechatIDs:   make(map[string]string),
		collections: make(map[string]domain.Collection),
		seq:         make(map[string]int),
	}
}

// SaveUser creates a user, enforcing username and wechat-binding uniqueness.
func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.usernames[u.Username]; taken {
		return ErrDuplicateKey
	}
	if u.WeChatID != "" {
		if _, taken := m.wechatIDs[u.WeChatID]; taken {
			return ErrDuplicateKey
		}
		m.wechatIDs[u.WeChatID] = u.ID
	}
	m.users[u.ID] = u
	m.usernames[u.Username] = u.ID
	return nil
}

// HasUsername checks if the username exists.
func (m *MemoryStore) HasUsername(username string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.usernames[username]
	return ok, nil
}

// GetUserByUsername looks up a user by username.
func (m *MemoryStore) GetUserByUsername(username string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.usernames[username]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUserByWeChatID returns the user holding the external binding.
func (m *MemoryStore) GetUserByWeChatID(wechatID string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.wechatIDs[wechatID]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

// BindWeChatID sets or replaces the user's external identity binding.
func (m *MemoryStore) BindWeChatID(userID, wechatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, taken := m.wechatIDs[wechatID]; taken && owner != userID {
		return ErrDuplicateKey
	}
	u, ok := m.users[userID]
	if !ok {
		return nil
	}
	if u.WeChatID != "" {
		delete(m.wechatIDs, u.WeChatID)
	}
	u.WeChatID = wechatID
	m.users[userID] = u
	m.wechatIDs[wechatID] = userID
	return nil
}

// CreateCollection stores a collection and tracks insertion order so that
// records with identical timestamps still page deterministically.
func (m *MemoryStore) CreateCollection(c domain.Collection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Keywords == nil {
		c.Keywords = []string{}
	}
	m.collections[c.ID] = c
	m.nextSeq++
	m.seq[c.ID] = m.nextSeq
	return nil
}

// ListCollections returns one page of a user's collections, newest first.
func (m *MemoryStore) ListCollections(userID string, page, pageSize int) ([]domain.Collection, int64, error) {
	return m.SearchCollections(userID, SearchQuery{Page: page, PageSize: pageSize})
}

// GetCollection returns a collection when it exists and belongs to the user.
func (m *MemoryStore) GetCollection(userID, id string) (domain.Collection, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[id]
	if !ok || c.UserID != userID {
		return domain.Collection{}, false, nil
	}
	return c, true, nil
}

// DeleteCollection removes the record under the same ownership condition.
func (m *MemoryStore) DeleteCollection(userID, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[id]
	if !ok || c.UserID != userID {
		return false, nil
	}
	delete(m.collections, id)
	delete(m.seq, id)
	return true, nil
}

// SearchCollections filters within the user's scope and pages the result.
func (m *MemoryStore) SearchCollections(userID string, q SearchQuery) ([]domain.Collection, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]domain.Collection, 0)
	for _, c := range m.collections {
		if c.UserID != userID {
			continue
		}
		if q.Category != "" && c.Category != q.Category {
			continue
		}
		if q.Keyword != "" && !matchesKeyword(c, q.Keyword) {
			continue
		}
		matched = append(matched, c)
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return m.seq[a.ID] > m.seq[b.ID]
	})

	total := int64(len(matched))
	offset := q.Page * q.PageSize
	if offset >= len(matched) || q.PageSize <= 0 {
		return []domain.Collection{}, total, nil
	}
	end := offset + q.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], total, nil
}

func matchesKeyword(c domain.Collection, keyword string) bool {
	for _, k := range c.Keywords {
		if k == keyword {
			return true
		}
	}
	return strings.Contains(strings.ToLower(c.OriginalText), strings.ToLower(keyword))
}
