// Package repo ties the trust, store and registry layers together into
// the two roles a dtuf repository has: the publishing Master and the
// read-only Copy.
package repo

import (
	"context"
	"path/filepath"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"

	"github.com/kenneyhe/dtuf/pkg/registry"
	"github.com/kenneyhe/dtuf/pkg/store"
	"github.com/kenneyhe/dtuf/trust"
)

// stateDBName is the bolt file holding a side's metadata baseline and,
// on the master, the pending target set.
const stateDBName = "state.db"

// Master is the publishing side of a repository. It owns the private
// keys, stages target content, and builds and uploads signed metadata.
type Master struct {
	cfg  *trust.Config
	repo string

	reg     registry.Registry
	keys    *trust.KeyStore
	db      *trust.DB
	builder *trust.Builder
	store   *store.Store
}

// NewMaster opens the master side of repoName. The state database is
// created on first use; an already-open master for the same repository
// holds its file lock, so a second NewMaster blocks until it closes.
func NewMaster(cfg *trust.Config, repoName string, progress store.Progress) (*Master, error) {
	reg, err := newClient(cfg, repoName)
	if err != nil {
		return nil, err
	}
	db, err := trust.OpenDB(filepath.Join(cfg.MasterPath(repoName), stateDBName))
	if err != nil {
		return nil, err
	}
	keys := trust.NewKeyStore(cfg.KeysPath(repoName))
	return &Master{
		cfg:     cfg,
		repo:    repoName,
		reg:     reg,
		keys:    keys,
		db:      db,
		builder: trust.NewBuilder(keys, db, cfg.Lifetimes),
		store:   store.NewStore(reg, db, progress),
	}, nil
}

func (m *Master) Close() error {
	return m.db.Close()
}

// Authenticate obtains registry access for the given actions using the
// configured credentials, returning the token for reuse via DTUF_TOKEN.
func (m *Master) Authenticate(ctx context.Context, actions ...string) (string, error) {
	return authenticate(ctx, m.cfg, m.reg, actions...)
}

// CreateRootKey generates the repository's root key pair. Fails with
// ErrKeyExists if one is already on disk.
func (m *Master) CreateRootKey() error {
	_, err := m.keys.CreateRootKey(m.cfg.KeyPassword(trust.RoleRoot))
	return err
}

// CreateMetadataKeys generates the targets, snapshot and timestamp key
// pairs. The root key must already exist.
func (m *Master) CreateMetadataKeys() error {
	return m.keys.CreateMetadataKeys(
		m.cfg.KeyPassword(trust.RoleTargets),
		m.cfg.KeyPassword(trust.RoleSnapshot),
		m.cfg.KeyPassword(trust.RoleTimestamp))
}

// CreateMetadata builds and signs the initial metadata set, all at
// version 1, and stores it locally. Nothing is uploaded until
// PushMetadata.
func (m *Master) CreateMetadata() error {
	_, err := m.builder.CreateMetadata(m.cfg.Passwords())
	return err
}

// ResetKeys discards all four key pairs, generates new ones, and
// rebuilds the metadata set under them at bumped versions. Consumers
// must re-pin the new root public key to follow.
func (m *Master) ResetKeys() error {
	pw := m.cfg.Passwords()
	if err := m.keys.ResetKeys(pw.Root, pw.Targets, pw.Snapshot, pw.Timestamp); err != nil {
		return err
	}
	_, err := m.builder.ResetRoot(pw)
	return err
}

// PushTarget stages a named target built from the given sources and
// uploads any blobs the registry does not already have. The target
// becomes visible to consumers only after the next PushMetadata.
func (m *Master) PushTarget(ctx context.Context, name string, sources ...string) error {
	return m.store.Push(ctx, name, sources...)
}

// DelTarget unstages a target and garbage-collects its registry blobs,
// keeping any blob still referenced by another staged target.
func (m *Master) DelTarget(ctx context.Context, name string) error {
	return m.store.Delete(ctx, name)
}

// PushMetadata re-signs targets, snapshot and timestamp against the
// current staged target set and uploads all four documents.
func (m *Master) PushMetadata(ctx context.Context) error {
	docs, err := m.builder.Refresh(m.cfg.Passwords())
	if err != nil {
		return err
	}
	rootDoc, err := m.db.Metadata(trust.RoleRoot)
	if err != nil {
		return err
	}
	docs[trust.RoleRoot] = rootDoc

	// Upload order mirrors the verifier's walk in reverse, so a reader
	// racing this push never sees a timestamp pointing at documents the
	// registry does not hold yet.
	for _, role := range []trust.Role{trust.RoleRoot, trust.RoleTargets, trust.RoleSnapshot, trust.RoleTimestamp} {
		if err := m.reg.PutMetadata(ctx, role.MetadataName(), docs[role]); err != nil {
			return err
		}
	}
	return nil
}

// ListTargets returns the staged target names, sorted.
func (m *Master) ListTargets() ([]string, error) {
	return m.store.ListTargets()
}

// Expirations returns the expiry time of each locally stored document.
func (m *Master) Expirations() (map[trust.Role]time.Time, error) {
	return m.builder.Expirations()
}

// RootPublicKeyPEM returns the root public key in the PEM form
// consumers pin.
func (m *Master) RootPublicKeyPEM() ([]byte, error) {
	return m.keys.RootPublicKeyPEM()
}

func newClient(cfg *trust.Config, repoName string) (*registry.Client, error) {
	var opts []registry.Option
	if cfg.Insecure {
		opts = append(opts, registry.WithInsecure())
	}
	if cfg.AuthHost != "" {
		opts = append(opts, registry.WithAuthHost(cfg.AuthHost))
	}
	c, err := registry.NewClient(cfg.Host, repoName, opts...)
	if err != nil {
		return nil, err
	}
	if cfg.Token != "" {
		c.SetToken(cfg.Token)
	}
	return c, nil
}

func authenticate(ctx context.Context, cfg *trust.Config, reg registry.Registry, actions ...string) (string, error) {
	c, ok := reg.(*registry.Client)
	if !ok {
		// Non-HTTP registries have no token exchange.
		return "", nil
	}
	var creds authn.Authenticator = authn.Anonymous
	if cfg.Username != "" {
		creds = &authn.Basic{Username: cfg.Username, Password: cfg.Password}
	}
	return c.Authenticate(ctx, creds, actions...)
}

// ListRepos returns all repository names the registry's catalog
// exposes, whether or not they carry trust metadata.
func ListRepos(ctx context.Context, cfg *trust.Config) ([]string, error) {
	c, err := newClient(cfg, "")
	if err != nil {
		return nil, err
	}
	if cfg.Token == "" {
		var creds authn.Authenticator = authn.Anonymous
		if cfg.Username != "" {
			creds = &authn.Basic{Username: cfg.Username, Password: cfg.Password}
		}
		if _, err := c.Authenticate(ctx, creds, registry.CatalogScope); err != nil {
			return nil, err
		}
	}
	return c.Catalog(ctx)
}
