package tuf

import (
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/WatchBeam/clock"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
)

// Errors returned by Verifier.Verify, matching the domain error kinds in
// the Uptane/TUF error taxonomy.
var (
	ErrUnknownRole       = errors.New("uptane: unknown role")
	ErrMissingSignatures = errors.New("uptane: missing signatures")
	ErrInvalidRole       = errors.New("uptane: invalid role")
	ErrVerifySignatures  = errors.New("uptane: invalid signature")
	ErrRoleThreshold     = errors.New("uptane: role threshold not met")
	ErrExpired           = errors.New("uptane: expired")
	ErrOldVersion        = errors.New("uptane: rollback detected, version older than known")
)

// Verifier holds the keys, role specs and last-seen versions needed to
// validate signed Uptane/TUF metadata. It is safe for concurrent use: the
// Uptane client may be driven from multiple goroutines (e.g. Director and
// Image repo fetches proceeding independently).
type Verifier struct {
	mu    sync.Mutex
	keys  map[string]Key
	roles map[RoleName]RoleMeta
	clock clock.Clock
	log   log.Logger
}

// Option configures a new Verifier.
type Option func(*Verifier)

// WithClock injects a clock, letting tests freeze "now" for expiry checks.
func WithClock(c clock.Clock) Option {
	return func(v *Verifier) { v.clock = c }
}

// WithLogger attaches a structured logger.
func WithLogger(l log.Logger) Option {
	return func(v *Verifier) { v.log = l }
}

// NewVerifier returns an empty Verifier. The Root role bootstraps it by
// supplying its own keys and role specs via AddKey/AddRole before its own
// signed blob is verified (trust-on-first-use).
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{
		keys:  make(map[string]Key),
		roles: make(map[RoleName]RoleMeta),
		clock: clock.DefaultClock{},
		log:   log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// AddKey idempotently registers a key under keyID.
func (v *Verifier) AddKey(keyID string, key Key) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys[keyID] = key
}

// AddRole idempotently registers (replacing any prior) role spec, preserving
// the previously recorded version if one exists.
func (v *Verifier) AddRole(role RoleName, meta RoleMeta) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if existing, ok := v.roles[role]; ok {
		meta.Version = existing.Version
	}
	v.roles[role] = meta
}

// SetVersion overwrites the stored version for role, returning the previous
// value.
func (v *Verifier) SetVersion(role RoleName, newVersion uint64) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	meta := v.roles[role]
	old := meta.Version
	meta.Version = newVersion
	v.roles[role] = meta
	return old
}

// Version returns the last accepted version for role.
func (v *Verifier) Version(role RoleName) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.roles[role].Version
}

// Verify is the central operation: it validates signed against the role's
// registered keys/threshold, checks expiry and monotone versioning, and on
// success records the new version and returns it. It never mutates stored
// state on failure.
func (v *Verifier) Verify(role RoleName, signed TufSigned) (uint64, error) {
	logger := log.With(v.log, "role", role)

	var data RoleData
	if err := json.Unmarshal(signed.Signed, &data); err != nil {
		return 0, errors.Wrap(err, "parsing signed role data")
	}
	if data.Type != role {
		level.Error(logger).Log("msg", "role type mismatch", "got", data.Type)
		return 0, ErrInvalidRole
	}
	if len(signed.Signatures) == 0 {
		return 0, ErrMissingSignatures
	}

	v.mu.Lock()
	roleMeta, ok := v.roles[role]
	if !ok {
		v.mu.Unlock()
		return 0, ErrUnknownRole
	}
	keys := make(map[string]Key, len(v.keys))
	for id, k := range v.keys {
		keys[id] = k
	}
	v.mu.Unlock()

	payload, err := canonical(json.RawMessage(signed.Signed))
	if err != nil {
		return 0, err
	}

	verifiedKeyIDs := make(map[string]struct{})
	for _, sig := range signed.Signatures {
		if !roleMeta.hasKeyID(sig.KeyID) {
			continue
		}
		key, ok := keys[sig.KeyID]
		if !ok {
			continue
		}
		rawSig, err := base64.StdEncoding.DecodeString(sig.Sig)
		if err != nil {
			level.Debug(logger).Log("msg", "bad base64 signature", "keyid", sig.KeyID, "err", err)
			continue
		}
		if err := verify(payload, key, sig.Method, rawSig); err != nil {
			level.Debug(logger).Log("msg", "signature failed to verify", "keyid", sig.KeyID, "err", err)
			continue
		}
		verifiedKeyIDs[sig.KeyID] = struct{}{}
	}

	if len(verifiedKeyIDs) == 0 {
		return 0, ErrVerifySignatures
	}
	if uint64(len(verifiedKeyIDs)) < roleMeta.Threshold {
		level.Error(logger).Log("msg", "signature threshold not met",
			"have", len(verifiedKeyIDs), "need", roleMeta.Threshold)
		return 0, ErrRoleThreshold
	}

	now := v.clock.Now()
	if !data.Expires.After(now) {
		return 0, ErrExpired
	}
	if data.Version < roleMeta.Version {
		level.Error(logger).Log("msg", "rollback detected", "got", data.Version, "known", roleMeta.Version)
		return 0, errors.Wrapf(ErrOldVersion, "version %d older than known %d", data.Version, roleMeta.Version)
	}

	level.Info(logger).Log("msg", "verified role", "version", data.Version)
	v.SetVersion(role, data.Version)
	return data.Version, nil
}
