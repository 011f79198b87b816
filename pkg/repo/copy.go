package repo

import (
	"context"
	"path/filepath"
	"time"

	"github.com/kenneyhe/dtuf/pkg/registry"
	"github.com/kenneyhe/dtuf/pkg/store"
	"github.com/kenneyhe/dtuf/trust"
)

// Copy is the consuming side of a repository. It holds no private keys
// and can write nothing to the registry: its state is the verified
// metadata baseline and, transiently, downloaded target content.
type Copy struct {
	cfg  *trust.Config
	repo string

	reg      registry.Registry
	db       *trust.DB
	verifier *trust.Verifier
	view     *store.View
}

// NewCopy opens the consumer side of repoName. Master and copy state
// live in separate databases, so one process can play both roles
// against the same repository, as the test setups do. progress may be
// nil; when set it observes downloaded target bytes.
func NewCopy(cfg *trust.Config, repoName string, progress store.Progress) (*Copy, error) {
	reg, err := newClient(cfg, repoName)
	if err != nil {
		return nil, err
	}
	db, err := trust.OpenDB(filepath.Join(cfg.CopyPath(repoName), stateDBName))
	if err != nil {
		return nil, err
	}
	return &Copy{
		cfg:      cfg,
		repo:     repoName,
		reg:      reg,
		db:       db,
		verifier: trust.NewVerifier(reg, db),
		view:     store.NewView(reg, db, progress),
	}, nil
}

func (c *Copy) Close() error {
	return c.db.Close()
}

// Authenticate obtains registry access for the given actions using the
// configured credentials.
func (c *Copy) Authenticate(ctx context.Context, actions ...string) (string, error) {
	return authenticate(ctx, c.cfg, c.reg, actions...)
}

// PullMetadata fetches, verifies and commits the current metadata
// chain. rootPubPEM is required on first use and when adopting a
// rotated root key; otherwise it may be nil and the stored baseline
// anchors verification. The returned diff names every target the
// update added, changed or removed.
func (c *Copy) PullMetadata(ctx context.Context, rootPubPEM []byte) (*trust.Diff, error) {
	return c.verifier.Pull(ctx, rootPubPEM)
}

// PullTarget opens verifying readers for a trusted target's blobs.
func (c *Copy) PullTarget(ctx context.Context, name string) ([]*store.BlobReader, error) {
	return c.view.Pull(ctx, name)
}

// BlobSizes returns a trusted target's declared blob sizes without
// downloading anything.
func (c *Copy) BlobSizes(name string) ([]int64, error) {
	return c.view.Sizes(name)
}

// CheckTarget verifies local files against a trusted target, pairwise
// and in order.
func (c *Copy) CheckTarget(name string, paths ...string) error {
	return c.view.Check(name, paths...)
}

// ListTargets returns the trusted target names, sorted.
func (c *Copy) ListTargets() ([]string, error) {
	return c.view.ListTargets()
}

// Expirations returns the expiry time of each document in the trusted
// baseline.
func (c *Copy) Expirations() (map[trust.Role]time.Time, error) {
	return trust.StoredExpirations(c.db)
}
