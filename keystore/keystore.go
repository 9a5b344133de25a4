// Package keystore keeps per-profile secrets and small caches in a durable
// key-value store: session signing keys, conversation passphrases, session
// authorization flags and the username cache.
package keystore

import (
	"crypto/ecdsa"
	"encoding/json"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"megagram/crypto"
	"megagram/storage"
)

const (
	sessionKeyPrefix  = "megaethChatSessionPrivateKey_"
	passphrasePrefix  = "megaethChatPrivateKey_"
	sessionAuthPrefix = "megaethChatSessionAuthorized_"
	usernameKeyPrefix = "megagramUsername_"
	authorizedFlag    = "true"
)

// DefaultUsernameTTL is how long a fetched username is served from the cache.
const DefaultUsernameTTL = 5 * time.Minute

// ErrSessionUnavailable is returned when no usable session key exists for an owner.
var ErrSessionUnavailable = errors.New("session account unavailable")

// KV is the durable key-value collaborator. Get reports absence with
// storage.ErrNotFound; Remove of an absent key succeeds.
type KV interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Remove(key string) error
}

// SessionAccount is the ephemeral signing key used for message sends on behalf
// of a primary wallet.
type SessionAccount struct {
	Owner      string
	Address    string
	PrivateKey *ecdsa.PrivateKey
}

// KeyStore derives and caches key material over a KV.
type KeyStore struct {
	kv          KV
	clock       clock.Clock
	usernameTTL time.Duration
}

// Option configures a KeyStore.
type Option func(*KeyStore)

// WithClock replaces the wall clock used for username cache expiry.
func WithClock(c clock.Clock) Option {
	return func(k *KeyStore) { k.clock = c }
}

// WithUsernameTTL overrides DefaultUsernameTTL.
func WithUsernameTTL(ttl time.Duration) Option {
	return func(k *KeyStore) { k.usernameTTL = ttl }
}

// New returns a KeyStore over kv.
func New(kv KV, opts ...Option) *KeyStore {
	k := &KeyStore{
		kv:          kv,
		clock:       clock.New(),
		usernameTTL: DefaultUsernameTTL,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// SessionAccount returns the session account of owner, generating and
// persisting a new key the first time. A stored value that no longer parses is
// removed, together with any authorization flags, and ErrSessionUnavailable is
// returned.
func (k *KeyStore) SessionAccount(owner string) (*SessionAccount, error) {
	owner = strings.ToLower(owner)
	if owner == "" {
		return nil, errors.WithMessage(ErrSessionUnavailable, "owner address is required")
	}
	name := sessionKeyPrefix + owner

	raw, err := k.kv.Get(name)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		raw, err = crypto.GenerateSessionKey()
		if err != nil {
			return nil, err
		}
		if err := k.kv.Set(name, raw); err != nil {
			return nil, errors.Wrap(err, "persist session key")
		}
		// A new key has never been authorized anywhere.
		k.clearSessionFlags(owner)
		jww.INFO.Printf("[KEYSTORE] created session key for %s", owner)
	case err != nil:
		return nil, errors.Wrap(err, "load session key")
	}

	key, address, err := crypto.ParseSessionKey(raw)
	if err != nil {
		jww.WARN.Printf("[KEYSTORE] discarding unreadable session key for %s: %v", owner, err)
		if rmErr := k.kv.Remove(name); rmErr != nil {
			jww.ERROR.Printf("[KEYSTORE] failed to remove session key for %s: %v", owner, rmErr)
		}
		k.clearSessionFlags(owner)
		return nil, ErrSessionUnavailable
	}

	return &SessionAccount{Owner: owner, Address: address, PrivateKey: key}, nil
}

// ConversationPassphrase returns the cached passphrase of the (a, b) pair,
// deriving and persisting it when absent.
func (k *KeyStore) ConversationPassphrase(a, b string) (string, error) {
	lo, hi := crypto.SortPair(a, b)
	name := passphrasePrefix + lo + "_" + hi

	value, err := k.kv.Get(name)
	if err == nil && value != "" {
		return value, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", errors.Wrap(err, "load conversation passphrase")
	}

	value = crypto.DerivePassphrase(lo, hi)
	if err := k.kv.Set(name, value); err != nil {
		return "", errors.Wrap(err, "persist conversation passphrase")
	}
	return value, nil
}

// IsSessionAuthorized reports the local authorization flag of owner's session
// wallet on contract.
func (k *KeyStore) IsSessionAuthorized(owner, contract string) bool {
	value, err := k.kv.Get(sessionAuthKey(owner, contract))
	return err == nil && value == authorizedFlag
}

// MarkSessionAuthorized records that owner's session wallet is authorized on contract.
func (k *KeyStore) MarkSessionAuthorized(owner, contract string) error {
	if err := k.kv.Set(sessionAuthKey(owner, contract), authorizedFlag); err != nil {
		return errors.Wrap(err, "persist session authorization")
	}
	return nil
}

// ClearSessionAuthorized forgets the authorization flag of owner on contract.
func (k *KeyStore) ClearSessionAuthorized(owner, contract string) error {
	if err := k.kv.Remove(sessionAuthKey(owner, contract)); err != nil {
		return errors.Wrap(err, "remove session authorization")
	}
	return nil
}

type cachedUsername struct {
	Name      string `json:"name"`
	FetchedAt int64  `json:"fetched_at"`
}

// CachedUsername returns a cached username for address if it is younger than
// the TTL. An empty name is a valid cached answer.
func (k *KeyStore) CachedUsername(address string) (string, bool) {
	raw, err := k.kv.Get(usernameKeyPrefix + strings.ToLower(address))
	if err != nil {
		return "", false
	}

	var entry cachedUsername
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return "", false
	}

	age := k.clock.Now().Sub(time.UnixMilli(entry.FetchedAt))
	if age < 0 || age >= k.usernameTTL {
		return "", false
	}
	return entry.Name, true
}

// StoreUsername caches the on-chain username of address.
func (k *KeyStore) StoreUsername(address, name string) error {
	raw, err := json.Marshal(cachedUsername{Name: name, FetchedAt: k.clock.Now().UnixMilli()})
	if err != nil {
		return errors.Wrap(err, "encode username cache")
	}
	if err := k.kv.Set(usernameKeyPrefix+strings.ToLower(address), string(raw)); err != nil {
		return errors.Wrap(err, "persist username cache")
	}
	return nil
}

// ForgetUsername drops the cached username of address.
func (k *KeyStore) ForgetUsername(address string) error {
	if err := k.kv.Remove(usernameKeyPrefix + strings.ToLower(address)); err != nil {
		return errors.Wrap(err, "remove username cache")
	}
	return nil
}

// clearSessionFlags removes every authorization flag of owner when the KV can
// enumerate keys.
func (k *KeyStore) clearSessionFlags(owner string) {
	lister, ok := k.kv.(interface {
		Keys(prefix string) ([]string, error)
	})
	if !ok {
		return
	}
	keys, err := lister.Keys(sessionAuthPrefix + owner + "_")
	if err != nil {
		jww.WARN.Printf("[KEYSTORE] list session flags for %s: %v", owner, err)
		return
	}
	for _, key := range keys {
		if err := k.kv.Remove(key); err != nil {
			jww.WARN.Printf("[KEYSTORE] remove session flag %s: %v", key, err)
		}
	}
}

func sessionAuthKey(owner, contract string) string {
	return sessionAuthPrefix + strings.ToLower(owner) + "_" + strings.ToLower(contract)
}
