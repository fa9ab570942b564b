package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"aicollector/pkg/domain"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&UserModel{}, &CollectionModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// SaveUser creates a user record.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	if err := s.db.Create(&model).Error; err != nil {
		return translateDuplicate(err, "save user")
	}
	return nil
}

// HasUsername checks if the username exists.
func (s *GormStore) HasUsername(username string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByUsername looks up a user by username.
func (s *GormStore) GetUserByUsername(username string) (domain.User, bool, error) {
	return s.firstUser("username = ?", username)
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	return s.firstUser("id = ?", id)
}

// GetUserByWeChatID returns the user holding the given external binding.
func (s *GormStore) GetUserByWeChatID(wechatID string) (domain.User, bool, error) {
	return s.firstUser("wechat_id = ?", wechatID)
}

func (s *GormStore) firstUser(cond string, arg any) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, cond, arg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// BindWeChatID sets or replaces the user's external identity binding.
func (s *GormStore) BindWeChatID(userID, wechatID string) error {
	err := s.db.Model(&UserModel{}).Where("id = ?", userID).
		Update("wechat_id", wechatID).Error
	if err != nil {
		return translateDuplicate(err, "bind wechat id")
	}
	return nil
}

// CreateCollection persists a new collection record.
func (s *GormStore) CreateCollection(c domain.Collection) error {
	model, err := collectionToModel(c)
	if err != nil {
		return err
	}
	return s.db.Create(&model).Error
}

// ListCollections returns one page of a user's collections, newest first,
// along with the total count for that user.
func (s *GormStore) ListCollections(userID string, page, pageSize int) ([]domain.Collection, int64, error) {
	base := func() *gorm.DB {
		return s.db.Model(&CollectionModel{}).Where("user_id = ?", userID)
	}
	return s.pageCollections(base, page, pageSize)
}

// GetCollection returns a collection when it exists and belongs to the user.
func (s *GormStore) GetCollection(userID, id string) (domain.Collection, bool, error) {
	var model CollectionModel
	if err := s.db.First(&model, "id = ? AND user_id = ?", id, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Collection{}, false, nil
		}
		return domain.Collection{}, false, err
	}
	c, err := collectionFromModel(model)
	if err != nil {
		return domain.Collection{}, false, err
	}
	return c, true, nil
}

// DeleteCollection removes the record under the same ownership condition.
// The bool reports whether a row was actually deleted.
func (s *GormStore) DeleteCollection(userID, id string) (bool, error) {
	res := s.db.Delete(&CollectionModel{}, "id = ? AND user_id = ?", id, userID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SearchCollections filters within the user's scope: exact category match AND
// keyword as literal list member or case-insensitive substring of the text.
func (s *GormStore) SearchCollections(userID string, q SearchQuery) ([]domain.Collection, int64, error) {
	base := func() *gorm.DB {
		tx := s.db.Model(&CollectionModel{}).Where("user_id = ?", userID)
		if q.Category != "" {
			tx = tx.Where("category = ?", q.Category)
		}
		if q.Keyword != "" {
			pattern := "%" + strings.ToLower(q.Keyword) + "%"
			tx = tx.Where(
				s.db.Where(datatypes.JSONArrayQuery("keywords").Contains(q.Keyword)).
					Or("LOWER(original_text) LIKE ?", pattern),
			)
		}
		return tx
	}
	return s.pageCollections(base, q.Page, q.PageSize)
}

func (s *GormStore) pageCollections(base func() *gorm.DB, page, pageSize int) ([]domain.Collection, int64, error) {
	var total int64
	if err := base().Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var models []CollectionModel
	if err := base().
		Order("created_at DESC").
		Offset(page * pageSize).
		Limit(pageSize).
		Find(&models).Error; err != nil {
		return nil, 0, err
	}
	items := make([]domain.Collection, 0, len(models))
	for _, m := range models {
		c, err := collectionFromModel(m)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, nil
}

func translateDuplicate(err error, op string) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%s: %w", op, ErrDuplicateKey)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func userToModel(u domain.User) UserModel {
	var wechatID *string
	if strings.TrimSpace(u.WeChatID) != "" {
		value := strings.TrimSpace(u.WeChatID)
		wechatID = &value
	}
	return UserModel{
		ID:           u.ID,
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		WeChatID:     wechatID,
		CreatedAt:    u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	wechatID := ""
	if m.WeChatID != nil {
		wechatID = *m.WeChatID
	}
	return domain.User{
		ID:           m.ID,
		Username:     m.Username,
		PasswordHash: m.PasswordHash,
		WeChatID:     wechatID,
		CreatedAt:    m.CreatedAt,
	}
}

func collectionToModel(c domain.Collection) (CollectionModel, error) {
	keywords := c.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	raw, err := json.Marshal(keywords)
	if err != nil {
		return CollectionModel{}, fmt.Errorf("marshal keywords: %w", err)
	}
	return CollectionModel{
		ID:           c.ID,
		UserID:       c.UserID,
		OriginalText: c.OriginalText,
		Keywords:     datatypes.JSON(raw),
		Category:     c.Category,
		SourceApp:    c.SourceApp,
		SourceURL:    c.SourceURL,
		CreatedAt:    c.CreatedAt,
	}, nil
}

func collectionFromModel(m CollectionModel) (domain.Collection, error) {
	keywords := []string{}
	if len(m.Keywords) > 0 {
		if err := json.Unmarshal(m.Keywords, &keywords); err != nil {
			return domain.Collection{}, fmt.Errorf("unmarshal keywords: %w", err)
		}
	}
	return domain.Collection{
		ID:           m.ID,
		UserID:       m.UserID,
		OriginalText: m.OriginalText,
		Keywords:     keywords,
		Category:     m.Category,
		SourceApp:    m.SourceApp,
		SourceURL:    m.SourceURL,
		CreatedAt:    m.CreatedAt,
	}, nil
}
