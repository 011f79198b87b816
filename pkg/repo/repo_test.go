package repo

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/assert"
	is "gotest.tools/assert/cmp"

	"github.com/kenneyhe/dtuf/pkg/registry"
	"github.com/kenneyhe/dtuf/pkg/store"
	"github.com/kenneyhe/dtuf/trust"
)

// newPair wires a master and a copy for the same repository to one
// in-process registry, each with its own state directory, the way the
// CLI does for real registries.
func newPair(t *testing.T) (*Master, *Copy, *registry.Memory) {
	t.Helper()
	cfg := &trust.Config{RepositoriesRoot: t.TempDir()}
	reg := registry.NewMemory("foo/bar")
	const repoName = "foo/bar"

	mdb, err := trust.OpenDB(filepath.Join(cfg.MasterPath(repoName), stateDBName))
	assert.NilError(t, err)
	t.Cleanup(func() { mdb.Close() })
	keys := trust.NewKeyStore(cfg.KeysPath(repoName))
	m := &Master{
		cfg:     cfg,
		repo:    repoName,
		reg:     reg,
		keys:    keys,
		db:      mdb,
		builder: trust.NewBuilder(keys, mdb, cfg.Lifetimes),
		store:   store.NewStore(reg, mdb, nil),
	}

	cdb, err := trust.OpenDB(filepath.Join(cfg.CopyPath(repoName), stateDBName))
	assert.NilError(t, err)
	t.Cleanup(func() { cdb.Close() })
	c := &Copy{
		cfg:      cfg,
		repo:     repoName,
		reg:      reg,
		db:       cdb,
		verifier: trust.NewVerifier(reg, cdb),
		view:     store.NewView(reg, cdb, nil),
	}
	return m, c, reg
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src")
	assert.NilError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func readAll(t *testing.T, readers []*store.BlobReader) string {
	t.Helper()
	var out []byte
	for _, r := range readers {
		data, err := io.ReadAll(r)
		assert.NilError(t, err)
		assert.NilError(t, r.Close())
		out = append(out, data...)
	}
	return string(out)
}

func TestPublishAndConsume(t *testing.T) {
	m, c, _ := newPair(t)
	ctx := context.Background()

	assert.NilError(t, m.CreateRootKey())
	assert.NilError(t, m.CreateMetadataKeys())
	assert.NilError(t, m.CreateMetadata())
	assert.NilError(t, m.PushTarget(ctx, "abc", writeFile(t, "v1")))
	assert.NilError(t, m.PushMetadata(ctx))

	pin, err := m.RootPublicKeyPEM()
	assert.NilError(t, err)

	diff, err := c.PullMetadata(ctx, pin)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(diff.Added, []string{"abc"}))

	readers, err := c.PullTarget(ctx, "abc")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(readAll(t, readers), "v1"))

	names, err := c.ListTargets()
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(names, []string{"abc"}))

	sizes, err := c.BlobSizes("abc")
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(sizes, []int64{2}))

	exp, err := c.Expirations()
	assert.NilError(t, err)
	assert.Check(t, is.Len(exp, 4))
}

func TestUpdateFlowsToConsumer(t *testing.T) {
	m, c, _ := newPair(t)
	ctx := context.Background()

	assert.NilError(t, m.CreateRootKey())
	assert.NilError(t, m.CreateMetadataKeys())
	assert.NilError(t, m.CreateMetadata())
	assert.NilError(t, m.PushTarget(ctx, "abc", writeFile(t, "v1")))
	assert.NilError(t, m.PushMetadata(ctx))

	pin, err := m.RootPublicKeyPEM()
	assert.NilError(t, err)
	_, err = c.PullMetadata(ctx, pin)
	assert.NilError(t, err)

	// Publish new content under the same name.
	assert.NilError(t, m.PushTarget(ctx, "abc", writeFile(t, "v2 is longer")))
	assert.NilError(t, m.PushMetadata(ctx))

	diff, err := c.PullMetadata(ctx, nil)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(diff.Changed, []string{"abc"}))

	readers, err := c.PullTarget(ctx, "abc")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(readAll(t, readers), "v2 is longer"))
}

func TestDeleteFlowsToConsumer(t *testing.T) {
	m, c, reg := newPair(t)
	ctx := context.Background()

	assert.NilError(t, m.CreateRootKey())
	assert.NilError(t, m.CreateMetadataKeys())
	assert.NilError(t, m.CreateMetadata())
	assert.NilError(t, m.PushTarget(ctx, "abc", writeFile(t, "v1")))
	assert.NilError(t, m.PushMetadata(ctx))

	pin, err := m.RootPublicKeyPEM()
	assert.NilError(t, err)
	_, err = c.PullMetadata(ctx, pin)
	assert.NilError(t, err)

	assert.NilError(t, m.DelTarget(ctx, "abc"))
	assert.NilError(t, m.PushMetadata(ctx))

	diff, err := c.PullMetadata(ctx, nil)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(diff.Removed, []string{"abc"}))

	names, err := c.ListTargets()
	assert.NilError(t, err)
	assert.Check(t, is.Len(names, 0))

	// The target's blob is gone from the registry too.
	assert.Check(t, is.Equal(reg.BlobCount(), 0))
	_, err = c.PullTarget(ctx, "abc")
	assert.Check(t, err != nil)
}

func TestKeyResetRequiresRepin(t *testing.T) {
	m, c, _ := newPair(t)
	ctx := context.Background()

	assert.NilError(t, m.CreateRootKey())
	assert.NilError(t, m.CreateMetadataKeys())
	assert.NilError(t, m.CreateMetadata())
	assert.NilError(t, m.PushTarget(ctx, "abc", writeFile(t, "v1")))
	assert.NilError(t, m.PushMetadata(ctx))

	pin, err := m.RootPublicKeyPEM()
	assert.NilError(t, err)
	_, err = c.PullMetadata(ctx, pin)
	assert.NilError(t, err)

	assert.NilError(t, m.ResetKeys())
	assert.NilError(t, m.PushMetadata(ctx))

	_, err = c.PullMetadata(ctx, nil)
	assert.Check(t, err != nil)

	newPin, err := m.RootPublicKeyPEM()
	assert.NilError(t, err)
	_, err = c.PullMetadata(ctx, newPin)
	assert.NilError(t, err)

	names, err := c.ListTargets()
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(names, []string{"abc"}))
}

func TestMasterListAndExpirations(t *testing.T) {
	m, _, _ := newPair(t)
	ctx := context.Background()

	assert.NilError(t, m.CreateRootKey())
	assert.NilError(t, m.CreateMetadataKeys())
	assert.NilError(t, m.CreateMetadata())
	assert.NilError(t, m.PushTarget(ctx, "b", writeFile(t, "2")))
	assert.NilError(t, m.PushTarget(ctx, "a", writeFile(t, "1")))

	names, err := m.ListTargets()
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(names, []string{"a", "b"}))

	exp, err := m.Expirations()
	assert.NilError(t, err)
	assert.Check(t, exp[trust.RoleTimestamp].Before(exp[trust.RoleRoot]))
}
