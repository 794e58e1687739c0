package credstore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/gatekeeper/internal/util"
	"github.com/jmcleod/gatekeeper/storage"
)

const (
	credentialNamespace = "__credentials"
	recordKeyID         = "__record_key"
	recordAADPrefix     = "credentials:"
	keyWrappingAAD      = "gatekeeper:credential_record_key:v1"
	// DefaultProfile names the record used when no profile is configured.
	DefaultProfile = "default"
)

// PersistentStore keeps the credential record in a storage.Repository,
// encrypted at rest with AES-256-GCM. Records survive process restarts, and
// every process opening the same repository observes the same record.
//
// The record key is itself sealed with an externally provided wrapping key
// before being stored, so the repository alone cannot recover tokens.
type PersistentStore struct {
	repo    storage.Repository
	profile string
	key     *memguard.Enclave
}

var _ Store = (*PersistentStore)(nil)

// PersistentOption configures a PersistentStore.
type PersistentOption func(*PersistentStore)

// WithProfile stores the record under a named profile so several identities
// can share one repository.
func WithProfile(name string) PersistentOption {
	return func(s *PersistentStore) {
		if name != "" {
			s.profile = name
		}
	}
}

// NewPersistentStore creates a store backed by repo. The wrappingKey must be
// 32 bytes; it is never written to the repository.
func NewPersistentStore(repo storage.Repository, wrappingKey []byte, opts ...PersistentOption) (*PersistentStore, error) {
	if len(wrappingKey) != util.AESKeySize {
		return nil, fmt.Errorf("wrapping key must be exactly %d bytes, got %d", util.AESKeySize, len(wrappingKey))
	}
	key, err := loadOrCreateRecordKey(repo, wrappingKey)
	if err != nil {
		return nil, err
	}
	s := &PersistentStore{
		repo:    repo,
		profile: DefaultProfile,
		key:     memguard.NewEnclave(key),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *PersistentStore) Read() (Record, error) {
	env, err := s.repo.Get(credentialNamespace, s.profile)
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("reading credential record: %w", err)
	}
	return s.open(env)
}

func (s *PersistentStore) Write(p Patch) error {
	return s.repo.Update(credentialNamespace, s.profile, func(cur *storage.Envelope) (*storage.Envelope, error) {
		var current Record
		if cur != nil {
			r, err := s.open(cur)
			if err != nil {
				return nil, err
			}
			current = r
		}
		next := p.Apply(current)
		if err := next.Validate(); err != nil {
			return nil, err
		}
		if next.Empty() {
			return nil, nil
		}
		return s.seal(next)
	})
}

func (s *PersistentStore) Clear() error {
	return s.repo.Update(credentialNamespace, s.profile, func(*storage.Envelope) (*storage.Envelope, error) {
		return nil, nil
	})
}

// Profiles returns the names of the profiles holding a record in the
// repository, in storage order.
func (s *PersistentStore) Profiles() ([]string, error) {
	keys, err := s.repo.List(credentialNamespace)
	if err != nil {
		return nil, fmt.Errorf("listing profiles: %w", err)
	}
	profiles := keys[:0]
	for _, k := range keys {
		if k != recordKeyID {
			profiles = append(profiles, k)
		}
	}
	return profiles, nil
}

func (s *PersistentStore) aad() []byte {
	return []byte(recordAADPrefix + s.profile)
}

func (s *PersistentStore) open(env *storage.Envelope) (Record, error) {
	key, err := s.key.Open()
	if err != nil {
		return Record{}, fmt.Errorf("opening record key: %w", err)
	}
	defer key.Destroy()

	data, err := storage.OpenRecord(key.Bytes(), env, s.aad())
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	defer util.WipeBytes(data)
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return r, nil
}

func (s *PersistentStore) seal(r Record) (*storage.Envelope, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(data)
	key, err := s.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening record key: %w", err)
	}
	defer key.Destroy()
	return storage.SealRecord(key.Bytes(), data, s.aad())
}

// loadOrCreateRecordKey loads the record encryption key from storage,
// unsealing it with the wrapping key. If no key exists, or the stored key
// was sealed with a different wrapping key, a fresh key is generated and
// persisted. Records sealed with the old key become unreadable and are
// treated as corrupt, which forces re-authentication.
func loadOrCreateRecordKey(repo storage.Repository, wrappingKey []byte) ([]byte, error) {
	aad := []byte(keyWrappingAAD)

	env, err := repo.Get(credentialNamespace, recordKeyID)
	if err == nil {
		key, openErr := storage.OpenRecord(wrappingKey, env, aad)
		if openErr == nil && len(key) == util.AESKeySize {
			return key, nil
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("loading record key: %w", err)
	}

	key, err := util.RandomBytes(util.AESKeySize)
	if err != nil {
		return nil, err
	}
	sealed, err := storage.SealRecord(wrappingKey, key, aad)
	if err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("sealing new record key: %w", err)
	}
	if err := repo.Put(credentialNamespace, recordKeyID, sealed); err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("persisting record key: %w", err)
	}
	return key, nil
}
