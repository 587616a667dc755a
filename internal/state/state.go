package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/oauth2"
)

const (
	// stateDirPerm is the permission mode for the state directory
	// (~/.drive-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	watermarkBucket = []byte("watermarks")
	tokenBucket     = []byte("tokens")
	tokenKey        = []byte("oauth")
)

// State wraps a bbolt database for all persistent application state:
// the per-root sync watermark and the stored OAuth token. It is the only
// artifact that survives across reconciliation runs.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.drive-sync/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	return LoadAt(dbPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(watermarkBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(tokenBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// LastSyncTime returns the watermark for a remote root in epoch
// milliseconds, or zero if no successful run has completed yet.
func (s *State) LastSyncTime(rootID string) (int64, error) {
	var ms int64

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(watermarkBucket).Get([]byte(rootID))
		if v == nil {
			return nil
		}

		if len(v) != 8 {
			return fmt.Errorf("corrupt watermark for root %s: %d bytes", rootID, len(v))
		}

		ms = int64(binary.BigEndian.Uint64(v)) //nolint:gosec // G115: stored value originates from int64

		return nil
	})
	if err != nil {
		return 0, err
	}

	return ms, nil
}

// SetLastSyncTime persists the watermark for a remote root. The
// watermark is monotonically non-decreasing: an attempt to move it
// backwards is rejected so a stale run can never hide changes from a
// newer one.
func (s *State) SetLastSyncTime(rootID string, ms int64) error {
	if ms < 0 {
		return fmt.Errorf("watermark must not be negative, got %d", ms)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(watermarkBucket)

		if prev := b.Get([]byte(rootID)); prev != nil && len(prev) == 8 {
			prevMs := int64(binary.BigEndian.Uint64(prev)) //nolint:gosec // G115: stored value originates from int64
			if ms < prevMs {
				return fmt.Errorf("refusing to move watermark for root %s backwards (%d -> %d)", rootID, prevMs, ms)
			}
		}

		var buf [8]byte

		binary.BigEndian.PutUint64(buf[:], uint64(ms)) //nolint:gosec // G115: ms checked non-negative above

		return b.Put([]byte(rootID), buf[:])
	})
}

// Token returns the stored OAuth token, or nil if none has been saved.
func (s *State) Token() (*oauth2.Token, error) {
	var tok *oauth2.Token

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(tokenBucket).Get(tokenKey)
		if v == nil {
			return nil
		}

		tok = &oauth2.Token{}

		return json.Unmarshal(v, tok)
	})
	if err != nil {
		return nil, fmt.Errorf("reading stored token: %w", err)
	}

	return tok, nil
}

// SetToken persists an OAuth token, replacing any previous one. Called
// after the initial code exchange and after every refresh so the stored
// refresh token stays current.
func (s *State) SetToken(tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("marshalling token: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokenBucket).Put(tokenKey, data)
	})
}

// ClearToken removes the stored OAuth token.
func (s *State) ClearToken() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokenBucket).Delete(tokenKey)
	})
}

func dbPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current directory
		// where the database (containing the refresh token) might end up
		// with wrong permissions or inside a source-controlled tree.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".drive-sync", "state.db")
}
