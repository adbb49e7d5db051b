package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	sessionerrors "github.com/alexjbarnes/admin-session/internal/errors"
	"github.com/alexjbarnes/admin-session/internal/models"
	bolt "go.etcd.io/bbolt"
	bolterrors "go.etcd.io/bbolt/errors"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.admin-session/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

// openTimeout is stateOpenTimeout, shortened in tests.
var openTimeout = stateOpenTimeout

var (
	appBucket       = []byte("app")
	auditBucket     = []byte("audit")
	accessTokenKey  = []byte("access_token")
	refreshTokenKey = []byte("refresh_token")
	lastLogoutKey   = []byte("last_logout")
)

// credentialKeys lists every key Clear removes.
var credentialKeys = [][]byte{accessTokenKey, refreshTokenKey}

// State wraps a bbolt database holding the operator's credential pair
// and the forced-logout audit record.
type State struct {
	db     *bolt.DB
	sealer *sealer
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. A non-empty secret seals token values at rest.
func LoadAt(path, secret string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	var sl *sealer

	if secret != "" {
		var err error

		sl, err = newSealer(secret)
		if err != nil {
			return nil, fmt.Errorf("deriving state key: %w", err)
		}
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: openTimeout})
	if errors.Is(err, bolterrors.ErrTimeout) {
		return nil, fmt.Errorf("opening state db %s: %w", path, sessionerrors.ErrStateLocked)
	}

	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(auditBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db, sealer: sl}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Credentials returns the stored pair. It returns ErrNoCredentials when
// neither token is stored and ErrPartialCredentials when only one is.
func (s *State) Credentials() (models.Credentials, error) {
	var c models.Credentials

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		c.AccessToken = s.open(accessTokenKey, b.Get(accessTokenKey))
		c.RefreshToken = s.open(refreshTokenKey, b.Get(refreshTokenKey))

		return nil
	})
	if err != nil {
		return models.Credentials{}, fmt.Errorf("reading credentials: %w", err)
	}

	switch {
	case c.AccessToken == "" && c.RefreshToken == "":
		return models.Credentials{}, sessionerrors.ErrNoCredentials
	case !c.Complete():
		return c, sessionerrors.ErrPartialCredentials
	}

	return c, nil
}

// AccessToken returns the stored access token, or empty string.
func (s *State) AccessToken() string {
	return s.get(accessTokenKey)
}

// RefreshToken returns the stored refresh token, or empty string.
func (s *State) RefreshToken() string {
	return s.get(refreshTokenKey)
}

// SetCredentials persists both tokens in a single transaction.
func (s *State) SetCredentials(c models.Credentials) error {
	if !c.Complete() {
		return sessionerrors.ErrPartialCredentials
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if err := s.put(b, accessTokenKey, c.AccessToken); err != nil {
			return err
		}

		return s.put(b, refreshTokenKey, c.RefreshToken)
	})
}

// StoreRefreshed persists a refresh result. The access token is always
// written; the refresh token only when the gateway rotated it. Both
// writes share one transaction, so readers see either the old pair or
// the new one.
func (s *State) StoreRefreshed(accessToken, refreshToken string) error {
	if accessToken == "" {
		return fmt.Errorf("storing refreshed credentials: %w", sessionerrors.ErrPartialCredentials)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if err := s.put(b, accessTokenKey, accessToken); err != nil {
			return err
		}

		if refreshToken == "" {
			return nil
		}

		return s.put(b, refreshTokenKey, refreshToken)
	})
}

// Clear removes every stored credential. The audit record is kept.
func (s *State) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		for _, k := range credentialKeys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})
}

// RecordLogout stores the reason and time of a forced logout.
func (s *State) RecordLogout(reason string, at time.Time) error {
	data, err := json.Marshal(models.LogoutRecord{Reason: reason, At: at.UTC()})
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(auditBucket).Put(lastLogoutKey, data)
	})
}

// LastLogout returns the most recent forced logout, or nil if none.
func (s *State) LastLogout() (*models.LogoutRecord, error) {
	var rec *models.LogoutRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(auditBucket).Get(lastLogoutKey)
		if v == nil {
			return nil
		}

		rec = &models.LogoutRecord{}

		return json.Unmarshal(v, rec)
	})

	return rec, err
}

func (s *State) get(key []byte) string {
	var val string

	_ = s.db.View(func(tx *bolt.Tx) error {
		val = s.open(key, tx.Bucket(appBucket).Get(key))
		return nil
	})

	return val
}

func (s *State) put(b *bolt.Bucket, key []byte, val string) error {
	data := []byte(val)

	if s.sealer != nil {
		var err error

		data, err = s.sealer.seal(key, data)
		if err != nil {
			return fmt.Errorf("sealing %s: %w", key, err)
		}
	}

	return b.Put(key, data)
}

// open returns the plaintext of a stored value. Values that cannot be
// unsealed (wrong secret, tampering, plaintext written before sealing
// was enabled) read as absent.
func (s *State) open(key, v []byte) string {
	if v == nil {
		return ""
	}

	if s.sealer == nil {
		return string(v)
	}

	plain, err := s.sealer.open(key, v)
	if err != nil {
		return ""
	}

	return string(plain)
}
