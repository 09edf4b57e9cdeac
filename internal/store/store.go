// Package store is the persistent session database: rooms, events,
// groups, users, account data, local echoes and the sync continuation
// token, all in one bbolt file. Writes go through RunTransaction, which
// holds bbolt's single writer lock; committed changes are pushed to live
// observers.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/steef435/riotx-sdk/internal/dbkey"
	errs "github.com/steef435/riotx-sdk/internal/errors"
	"github.com/steef435/riotx-sdk/internal/live"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

// Table names a family of entities. Each maps to one bbolt bucket.
type Table string

const (
	TableRooms             Table = "rooms"
	TableEvents            Table = "events"
	TableGroups            Table = "groups"
	TableUsers             Table = "users"
	TableAccountData       Table = "account_data"
	TableLocalEchoes       Table = "local_echoes"
	TableReactions         Table = "reactions"
	TablePendingRedactions Table = "pending_redactions"
	TableSyncToken         Table = "sync_token"
)

var (
	appBucket   = []byte("app")
	tokenKey    = []byte("sync_token")
	keyCheckKey = []byte("key_check")

	keyCheckPlaintext = []byte("riotx-sdk")

	entityTables = []Table{
		TableRooms,
		TableEvents,
		TableGroups,
		TableUsers,
		TableAccountData,
		TableLocalEchoes,
		TableReactions,
		TablePendingRedactions,
	}
)

// ErrWrongKey is returned by Open when the database was sealed with a
// different key.
var ErrWrongKey = errors.New("database key does not match")

// Store wraps a bbolt database for all persistent session state.
type Store struct {
	db      *bolt.DB
	cipher  *dbkey.Cipher
	logger  *slog.Logger
	changes *live.Subject[Change]
}

// Open opens the database at path, creating it if it does not exist.
// Every value is sealed with cipher. Opening an existing database with a
// different key fails with ErrWrongKey.
func Open(path string, cipher *dbkey.Cipher, logger *slog.Logger) (*Store, error) {
	if cipher == nil {
		return nil, fmt.Errorf("opening store: nil cipher")
	}

	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	s := &Store{
		db:      db,
		cipher:  cipher,
		logger:  logger,
		changes: live.NewMergingSubject(MergeChanges),
	}

	if err := db.Update(s.init); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return s, nil
}

func (s *Store) init(tx *bolt.Tx) error {
	app, err := tx.CreateBucketIfNotExists(appBucket)
	if err != nil {
		return err
	}

	for _, t := range entityTables {
		if _, err := tx.CreateBucketIfNotExists([]byte(t)); err != nil {
			return err
		}
	}

	ad := sealAD(appBucket, keyCheckKey)

	if sealed := app.Get(keyCheckKey); sealed != nil {
		plain, err := s.cipher.Open(sealed, ad)
		if err != nil || !bytes.Equal(plain, keyCheckPlaintext) {
			return ErrWrongKey
		}

		return nil
	}

	sealed, err := s.cipher.Seal(keyCheckPlaintext, ad)
	if err != nil {
		return err
	}

	return app.Put(keyCheckKey, sealed)
}

// Close ends all observations and closes the database. bbolt waits for
// open transactions to finish.
func (s *Store) Close() error {
	s.changes.Close()
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.db.Path()
}

// RunTransaction runs fn inside one read-write transaction. All writes
// made by fn commit together or not at all: a returned error or a panic
// rolls everything back, and the writer lock is released on every path.
// Commit failures wrap ErrStoreWrite. Observers are notified after commit.
func (s *Store) RunTransaction(fn func(tx *Tx) error) (err error) {
	var (
		fnErr   error
		changed Change
	)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: transaction panicked: %v", errs.ErrStoreWrite, r)
		}
	}()

	err = s.db.Update(func(btx *bolt.Tx) error {
		tx := s.newTx(btx)

		if fnErr = fn(tx); fnErr != nil {
			return fnErr
		}

		changed = tx.change
		btx.OnCommit(func() {
			if !changed.Empty() {
				s.changes.Publish(changed)
			}
		})

		return nil
	})

	if err != nil && fnErr == nil {
		return fmt.Errorf("%w: %w", errs.ErrStoreWrite, err)
	}

	return err
}

// View runs fn inside a read-only snapshot. Any number of views may run
// concurrently with each other and with one writer.
func (s *Store) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(s.newTx(btx))
	})
}

// Clear deletes every entity and the sync token in one transaction, so
// the next sync starts from scratch.
func (s *Store) Clear() error {
	return s.RunTransaction(func(tx *Tx) error {
		for _, t := range entityTables {
			if err := tx.btx.DeleteBucket([]byte(t)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return fmt.Errorf("%w: deleting %s: %w", errs.ErrStoreWrite, t, err)
			}

			if _, err := tx.btx.CreateBucket([]byte(t)); err != nil {
				return fmt.Errorf("%w: recreating %s: %w", errs.ErrStoreWrite, t, err)
			}

			tx.touch(t, "")
		}

		if err := tx.btx.Bucket(appBucket).Delete(tokenKey); err != nil {
			return fmt.Errorf("%w: deleting sync token: %w", errs.ErrStoreWrite, err)
		}

		tx.touch(TableSyncToken, "")

		return nil
	})
}

// SyncToken returns the committed continuation token, or "".
func (s *Store) SyncToken() (string, error) {
	var token string

	err := s.View(func(tx *Tx) error {
		var err error
		token, err = tx.SyncToken()

		return err
	})

	return token, err
}

// Changes returns a subscription to committed change sets.
func (s *Store) Changes() *live.Subscription[Change] {
	return s.changes.Subscribe()
}

func sealAD(bucket, key []byte) []byte {
	ad := make([]byte, 0, len(bucket)+1+len(key))
	ad = append(ad, bucket...)
	ad = append(ad, '/')

	return append(ad, key...)
}
