// Package secretstore is the encrypted key/value store behind the credential
// vault. Values are sealed before they are persisted and never leave the
// device: every entry carries the when-unlocked-this-device-only policy and
// is marked non-synchronizable.
package secretstore

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gluk-w/shellvault/internal/crypto"
	"github.com/gluk-w/shellvault/internal/database"
)

// AccessibleWhenUnlockedThisDeviceOnly is the only access policy the store writes.
const AccessibleWhenUnlockedThisDeviceOnly = "when-unlocked-this-device-only"

// Store is a flat namespace of secret values. Implementations must be safe
// for concurrent use. Get reports found=false for missing keys.
type Store interface {
	Get(key string) (value []byte, found bool, err error)
	Set(key string, value []byte) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
}

// DBStore keeps sealed values in the secrets table.
type DBStore struct {
	db     *gorm.DB
	sealer *crypto.Sealer
}

// NewDBStore returns a Store backed by db. The secrets table must already be
// migrated (database.Open does this).
func NewDBStore(db *gorm.DB, sealer *crypto.Sealer) *DBStore {
	return &DBStore{db: db, sealer: sealer}
}

func (s *DBStore) Get(key string) ([]byte, bool, error) {
	var row database.Secret
	err := s.db.Where("key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read secret: %w", err)
	}

	value, err := s.sealer.Open(row.Value)
	if err != nil {
		return nil, false, fmt.Errorf("unseal secret: %w", err)
	}
	return value, true, nil
}

func (s *DBStore) Set(key string, value []byte) error {
	tok, err := s.sealer.Seal(value)
	if err != nil {
		return fmt.Errorf("seal secret: %w", err)
	}

	row := database.Secret{
		Key:            key,
		Value:          tok,
		Accessibility:  AccessibleWhenUnlockedThisDeviceOnly,
		Synchronizable: false,
	}
	err = s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "accessibility", "synchronizable", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("write secret: %w", err)
	}
	return nil
}

func (s *DBStore) Delete(key string) error {
	if err := s.db.Where("key = ?", key).Delete(&database.Secret{}).Error; err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	return nil
}

func (s *DBStore) Keys(prefix string) ([]string, error) {
	var keys []string
	err := s.db.Model(&database.Secret{}).
		Where("substr(key, 1, ?) = ?", len(prefix), prefix).
		Order("key").
		Pluck("key", &keys).Error
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	return keys, nil
}

// Memory is an in-process Store. Nothing is persisted.
type Memory struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string][]byte)}
}

func (m *Memory) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *Memory) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
