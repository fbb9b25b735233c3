// Package state persists whether driving detection should be running.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/markus-lassfolk/drivedetect/pkg/logx"
)

// Bucket and key of the activation flag
const (
	ActivationBucket = "DrivingDetection"
	ActivationKey    = "service_enabled"
)

// ActivationStore records the activation flag in a bbolt file
type ActivationStore struct {
	db     *bolt.DB
	logger *logx.Logger
}

// OpenActivationStore opens (or creates) the store at path
func OpenActivationStore(path string, logger *logx.Logger) (*ActivationStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(ActivationBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket %s: %w", ActivationBucket, err)
	}

	logger.Debug("Activation store opened", "path", path)
	return &ActivationStore{db: db, logger: logger}, nil
}

// SetActive durably writes the flag; the write is synced before returning
func (s *ActivationStore) SetActive(active bool) error {
	value := []byte{0}
	if active {
		value = []byte{1}
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(ActivationBucket)).Put([]byte(ActivationKey), value)
	})
	if err != nil {
		return fmt.Errorf("failed to persist activation flag: %w", err)
	}

	s.logger.Debug("Activation flag written", "active", active)
	return nil
}

// IsActive reads the flag; an unset flag reads as false
func (s *ActivationStore) IsActive() (bool, error) {
	var active bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(ActivationBucket)).Get([]byte(ActivationKey))
		active = len(v) == 1 && v[0] == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to read activation flag: %w", err)
	}
	return active, nil
}

// Close releases the database file
func (s *ActivationStore) Close() error {
	return s.db.Close()
}
