// Package uptane drives the Director/Image-repo fetch protocol: it fetches
// and verifies root/targets/snapshot/timestamp metadata, persists verified
// bytes to a local cache, extracts install targets, and signs and submits
// ECU manifests back to the Director.
package uptane

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/kolide/uptane/transport"
	"github.com/kolide/uptane/tuf"
)

// Service identifies which of the two cooperating repositories a fetch
// targets. Director says what to install; the Image repo says what is
// authorized to exist.
type Service string

const (
	// ServiceDirector is the Director repository.
	ServiceDirector Service = "director"
	// ServiceRepo is the Image repository.
	ServiceRepo Service = "repo"
)

// Config configures a Client's endpoints and identity.
type Config struct {
	DirectorServer string
	ImagesServer   string
	DeviceID       string

	PrimaryEcuSerial string
	PrimaryKey       tuf.PrivateKey
	SigType          tuf.SignatureType
}

// Verified wraps the outcome of a single role fetch.
type Verified struct {
	Role   tuf.RoleName
	Data   tuf.RoleData
	OldVer uint64
	NewVer uint64
}

// IsNew reports whether this fetch advanced the role's stored version.
func (v Verified) IsNew() bool { return v.NewVer > v.OldVer }

// Client implements the Uptane client (C3): it owns one Verifier per
// service (Director and Image repo each have an independent root of trust)
// and an optional metadata cache.
type Client struct {
	cfg   Config
	doer  transport.Doer
	store Store

	verifiers map[Service]*tuf.Verifier
	log       log.Logger
}

// Store persists and retrieves verified metadata bytes, keyed by service
// and role. A nil Store disables the on-disk cache.
type Store interface {
	Load(service Service, role tuf.RoleName) ([]byte, bool, error)
	Save(service Service, role tuf.RoleName, data []byte) error
}

// Option configures a new Client.
type Option func(*Client)

// WithStore enables an on-disk (or other) metadata cache.
func WithStore(s Store) Option {
	return func(c *Client) { c.store = s }
}

// WithLogger attaches a structured logger.
func WithLogger(l log.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithVerifierOptions passes options through to each service's Verifier
// (e.g. WithClock for deterministic expiry in tests).
func WithVerifierOptions(opts ...tuf.Option) Option {
	return func(c *Client) {
		c.verifiers[ServiceDirector] = tuf.NewVerifier(opts...)
		c.verifiers[ServiceRepo] = tuf.NewVerifier(opts...)
	}
}

// New builds a Client talking to the given Director/Image-repo servers on
// behalf of device deviceID.
func New(cfg Config, doer transport.Doer, opts ...Option) *Client {
	c := &Client{
		cfg:  cfg,
		doer: doer,
		log:  log.NewNopLogger(),
		verifiers: map[Service]*tuf.Verifier{
			ServiceDirector: tuf.NewVerifier(),
			ServiceRepo:     tuf.NewVerifier(),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) endpoint(service Service, path string) string {
	if service == ServiceDirector {
		return fmt.Sprintf("%s/%s", c.cfg.DirectorServer, path)
	}
	return fmt.Sprintf("%s/%s/%s", c.cfg.ImagesServer, c.cfg.DeviceID, path)
}

// fetchBytes downloads a role blob. Only root.json is ever read back from
// the cache: it is the pre-provisioned trust anchor, while every other role
// must be re-fetched so a new version can be observed.
func (c *Client) fetchBytes(ctx context.Context, service Service, role tuf.RoleName) ([]byte, error) {
	if c.store != nil && role == tuf.RoleRoot {
		if data, ok, err := c.store.Load(service, role); err != nil {
			return nil, err
		} else if ok {
			return data, nil
		}
	}
	data, err := c.doer.Get(ctx, c.endpoint(service, string(role)+".json"))
	if err != nil {
		return nil, errors.Wrapf(err, "fetching %s/%s", service, role)
	}
	return data, nil
}

// GetRoot fetches root.json for service (from cache if present), registers
// its keys and role specs in that service's Verifier, then verifies the
// blob against itself (trust-on-first-use). On success the fetched bytes
// are persisted.
func (c *Client) GetRoot(ctx context.Context, service Service) (Verified, error) {
	raw, err := c.fetchBytes(ctx, service, tuf.RoleRoot)
	if err != nil {
		return Verified{}, err
	}

	var signed tuf.TufSigned
	if err := json.Unmarshal(raw, &signed); err != nil {
		return Verified{}, errors.Wrap(err, "parsing root.json envelope")
	}
	var data tuf.RoleData
	if err := json.Unmarshal(signed.Signed, &data); err != nil {
		return Verified{}, errors.Wrap(err, "parsing root.json signed body")
	}

	v := c.verifiers[service]
	for id, key := range data.Keys {
		v.AddKey(id, key)
	}
	for role, meta := range data.Roles {
		v.AddRole(role, meta)
	}

	old := v.Version(tuf.RoleRoot)
	newVer, err := v.Verify(tuf.RoleRoot, signed)
	if err != nil {
		level.Error(c.log).Log("msg", "root verification failed", "service", service, "err", err)
		return Verified{}, err
	}
	if err := c.persist(service, tuf.RoleRoot, raw); err != nil {
		return Verified{}, err
	}
	return Verified{Role: tuf.RoleRoot, Data: data, OldVer: old, NewVer: newVer}, nil
}

// getRole is the shared implementation behind GetDirector/GetRepo: fetch,
// verify against the already-bootstrapped Verifier, persist, and report
// whether the fetch advanced the stored version.
func (c *Client) getRole(ctx context.Context, service Service, role tuf.RoleName) (Verified, error) {
	raw, err := c.fetchBytes(ctx, service, role)
	if err != nil {
		return Verified{}, err
	}
	var signed tuf.TufSigned
	if err := json.Unmarshal(raw, &signed); err != nil {
		return Verified{}, errors.Wrapf(err, "parsing %s.json envelope", role)
	}
	var data tuf.RoleData
	if err := json.Unmarshal(signed.Signed, &data); err != nil {
		return Verified{}, errors.Wrapf(err, "parsing %s.json signed body", role)
	}

	v := c.verifiers[service]
	old := v.Version(role)
	newVer, err := v.Verify(role, signed)
	if err != nil {
		level.Error(c.log).Log("msg", "role verification failed", "service", service, "role", role, "err", err)
		return Verified{}, err
	}
	if err := c.persist(service, role, raw); err != nil {
		return Verified{}, err
	}
	return Verified{Role: role, Data: data, OldVer: old, NewVer: newVer}, nil
}

// GetDirector fetches and verifies role from the Director repository.
func (c *Client) GetDirector(ctx context.Context, role tuf.RoleName) (Verified, error) {
	return c.getRole(ctx, ServiceDirector, role)
}

// GetRepo fetches and verifies role from the Image repository.
func (c *Client) GetRepo(ctx context.Context, role tuf.RoleName) (Verified, error) {
	return c.getRole(ctx, ServiceRepo, role)
}

func (c *Client) persist(service Service, role tuf.RoleName, data []byte) error {
	if c.store == nil {
		return nil
	}
	return c.store.Save(service, role, data)
}

// PutManifest wraps the supplied per-ECU signed manifests, signs the
// envelope with the device's primary key, and PUTs it to the Director.
func (c *Client) PutManifest(ctx context.Context, versions tuf.Manifests) error {
	manifests := tuf.EcuManifests{
		PrimaryEcuSerial:    c.cfg.PrimaryEcuSerial,
		EcuVersionManifests: versions,
	}
	signed, err := c.cfg.PrimaryKey.SignData(manifests, c.cfg.SigType)
	if err != nil {
		return errors.Wrap(err, "signing manifest envelope")
	}
	body, err := json.Marshal(signed)
	if err != nil {
		return errors.Wrap(err, "encoding manifest envelope")
	}
	if err := c.doer.Put(ctx, c.endpoint(ServiceDirector, "manifest"), body); err != nil {
		return errors.Wrap(err, "submitting manifest")
	}
	return nil
}
