package store

import (
	"errors"

	"aicollector/pkg/domain"
)

// ErrDuplicateKey reports a uniqueness-constraint violation (username or
// wechat binding). The HTTP layer maps it to 409.
var ErrDuplicateKey = errors.New("duplicate key")

// SearchQuery filters a user's collections. Category is an exact match;
// Keyword matches a literal member of the keywords list or a case-insensitive
// substring of the original text. Both combine with logical AND.
type SearchQuery struct {
	Keyword  string
	Category string
	Page     int
	PageSize int
}

// Store defines persistence operations for users and collections.
type Store interface {
	// users
	SaveUser(domain.User) error
	HasUsername(username string) (bool, error)
	GetUserByUsername(username string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)
	GetUserByWeChatID(wechatID string) (domain.User, bool, error)
	BindWeChatID(userID, wechatID string) error

	// collections
	CreateCollection(domain.Collection) error
	ListCollections(userID string, page, pageSize int) ([]domain.Collection, int64, error)
	GetCollection(userID, id string) (domain.Collection, bool, error)
	DeleteCollection(userID, id string) (bool, error)
	SearchCollections(userID string, q SearchQuery) ([]domain.Collection, int64, error)
}

// SessionStore issues and validates bearer tokens bound to a user id.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
}
