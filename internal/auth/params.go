// Package auth creates Matrix sessions from a password login and keeps
// the parameters needed to restore them across restarts.
package auth

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/steef435/riotx-sdk/internal/dbkey"
	"github.com/steef435/riotx-sdk/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// paramsDirPerm is the permission mode for the state directory.
	paramsDirPerm = fs.FileMode(0o700)

	// paramsFilePerm is the permission mode for the params database file.
	paramsFilePerm = fs.FileMode(0o600)

	// paramsOpenTimeout is the maximum time to wait for the bolt database lock.
	paramsOpenTimeout = 5 * time.Second
)

var (
	paramsBucket = []byte("session_params")
	metaBucket   = []byte("meta")
	lastUserKey  = []byte("last_user")
)

// record is the stored form of one user's params.
type record struct {
	Params  models.SessionParams `json:"params"`
	SavedAt time.Time            `json:"saved_at"`
}

// ParamsStore persists SessionParams keyed by user ID. Entries hold
// access tokens, so every value is sealed with the store's cipher.
type ParamsStore struct {
	db     *bolt.DB
	cipher *dbkey.Cipher
	now    func() time.Time
}

// OpenParams opens the params database at path, creating it if needed.
func OpenParams(path string, cipher *dbkey.Cipher) (*ParamsStore, error) {
	if cipher == nil {
		return nil, fmt.Errorf("opening params store: nil cipher")
	}

	if err := os.MkdirAll(filepath.Dir(path), paramsDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, paramsFilePerm, &bolt.Options{Timeout: paramsOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening params db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(paramsBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(metaBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing params db: %w", err)
	}

	return &ParamsStore{db: db, cipher: cipher, now: time.Now}, nil
}

// Close closes the database.
func (s *ParamsStore) Close() error {
	return s.db.Close()
}

// Get returns the params for userID, or nil if none are saved.
func (s *ParamsStore) Get(userID string) (*models.SessionParams, error) {
	var out *models.SessionParams

	err := s.db.View(func(tx *bolt.Tx) error {
		rec, err := s.read(tx, []byte(userID))
		if err != nil || rec == nil {
			return err
		}

		out = &rec.Params

		return nil
	})

	return out, err
}

// GetLast returns the most recently saved params, or nil.
func (s *ParamsStore) GetLast() (*models.SessionParams, error) {
	var out *models.SessionParams

	err := s.db.View(func(tx *bolt.Tx) error {
		last := tx.Bucket(metaBucket).Get(lastUserKey)
		if last == nil {
			return nil
		}

		rec, err := s.read(tx, last)
		if err != nil || rec == nil {
			return err
		}

		out = &rec.Params

		return nil
	})

	return out, err
}

// GetAll returns every saved params entry ordered by user ID.
func (s *ParamsStore) GetAll() ([]models.SessionParams, error) {
	var out []models.SessionParams

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(paramsBucket).ForEach(func(k, _ []byte) error {
			rec, err := s.read(tx, k)
			if err != nil {
				return err
			}

			out = append(out, rec.Params)

			return nil
		})
	})

	return out, err
}

// Save stores p under its user ID and makes it the last session.
func (s *ParamsStore) Save(p models.SessionParams) error {
	userID := p.UserID()
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("saving session params: empty user ID")
	}

	raw, err := json.Marshal(record{Params: p, SavedAt: s.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshaling session params: %w", err)
	}

	key := []byte(userID)

	sealed, err := s.cipher.Seal(raw, sealAD(key))
	if err != nil {
		return fmt.Errorf("sealing session params: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(paramsBucket).Put(key, sealed); err != nil {
			return err
		}

		return tx.Bucket(metaBucket).Put(lastUserKey, key)
	})
}

// Delete removes userID's params. If they were the last session, the
// most recently saved remaining entry takes its place.
func (s *ParamsStore) Delete(userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := []byte(userID)
		if err := tx.Bucket(paramsBucket).Delete(key); err != nil {
			return err
		}

		meta := tx.Bucket(metaBucket)
		if string(meta.Get(lastUserKey)) != userID {
			return nil
		}

		next, err := s.newest(tx)
		if err != nil {
			return err
		}

		if next == nil {
			return meta.Delete(lastUserKey)
		}

		return meta.Put(lastUserKey, next)
	})
}

// DeleteAll removes every saved entry.
func (s *ParamsStore) DeleteAll() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(paramsBucket); err != nil {
			return err
		}

		if _, err := tx.CreateBucket(paramsBucket); err != nil {
			return err
		}

		return tx.Bucket(metaBucket).Delete(lastUserKey)
	})
}

func (s *ParamsStore) read(tx *bolt.Tx, key []byte) (*record, error) {
	sealed := tx.Bucket(paramsBucket).Get(key)
	if sealed == nil {
		return nil, nil
	}

	raw, err := s.cipher.Open(sealed, sealAD(key))
	if err != nil {
		return nil, fmt.Errorf("opening session params for %s: %w", key, err)
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding session params for %s: %w", key, err)
	}

	return &rec, nil
}

func (s *ParamsStore) newest(tx *bolt.Tx) ([]byte, error) {
	type candidate struct {
		key []byte
		at  time.Time
	}

	var all []candidate

	err := tx.Bucket(paramsBucket).ForEach(func(k, _ []byte) error {
		rec, err := s.read(tx, k)
		if err != nil {
			return err
		}

		all = append(all, candidate{key: slices.Clone(k), at: rec.SavedAt})

		return nil
	})
	if err != nil || len(all) == 0 {
		return nil, err
	}

	best := slices.MaxFunc(all, func(a, b candidate) int { return a.at.Compare(b.at) })

	return best.key, nil
}

func sealAD(key []byte) []byte {
	ad := make([]byte, 0, len(paramsBucket)+1+len(key))
	ad = append(ad, paramsBucket...)
	ad = append(ad, 0)

	return append(ad, key...)
}
