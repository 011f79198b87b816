package trust

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/assert"
	is "gotest.tools/assert/cmp"

	"github.com/kenneyhe/dtuf/pkg/registry"
)

// publisher bundles a master side publishing into an in-process
// registry, for driving the verifier from the consumer side.
type publisher struct {
	keys *KeyStore
	db   *DB
	b    *Builder
	reg  *registry.Memory
}

func newPublisher(t *testing.T, lifetimes map[Role]time.Duration) *publisher {
	t.Helper()
	ks, db, b := newMaster(t, lifetimes)
	return &publisher{keys: ks, db: db, b: b, reg: registry.NewMemory()}
}

func (p *publisher) pin(t *testing.T) []byte {
	t.Helper()
	pin, err := p.keys.RootPublicKeyPEM()
	assert.NilError(t, err)
	return pin
}

// publish uploads the master's current documents to the registry.
func (p *publisher) publish(t *testing.T) {
	t.Helper()
	for _, role := range Roles {
		data, err := p.db.Metadata(role)
		assert.NilError(t, err)
		assert.NilError(t, p.reg.PutMetadata(context.Background(), role.MetadataName(), data))
	}
}

func (p *publisher) createAndPublish(t *testing.T, targets ...string) {
	t.Helper()
	for _, name := range targets {
		stageTarget(t, p.db, name, "content of "+name)
	}
	_, err := p.b.CreateMetadata(Passwords{})
	assert.NilError(t, err)
	p.publish(t)
}

func (p *publisher) refreshAndPublish(t *testing.T) {
	t.Helper()
	_, err := p.b.Refresh(Passwords{})
	assert.NilError(t, err)
	p.publish(t)
}

func newConsumer(t *testing.T, reg registry.Registry) (*DB, *Verifier) {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "state.db"))
	assert.NilError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, NewVerifier(reg, db)
}

func assertChain(t *testing.T, err error, role Role, reason string) {
	t.Helper()
	var cerr *ChainError
	assert.Assert(t, stderrors.As(err, &cerr), "want ChainError, got %v", err)
	assert.Check(t, is.Equal(cerr.Role, role))
	assert.Check(t, is.Equal(cerr.Reason, reason))
}

func TestPullBootstrapsAndCommits(t *testing.T) {
	pub := newPublisher(t, nil)
	pub.createAndPublish(t, "abc")

	db, v := newConsumer(t, pub.reg)
	diff, err := v.Pull(context.Background(), pub.pin(t))
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(diff.Added, []string{"abc"}))
	assert.Check(t, is.Len(diff.Changed, 0))
	assert.Check(t, is.Len(diff.Removed, 0))

	targets, err := db.TrustedTargets()
	assert.NilError(t, err)
	assert.Check(t, is.Len(targets["abc"], 1))

	// A second pull with nothing changed reports an empty diff; the pin
	// is stored, so no key needs to be supplied.
	diff, err = v.Pull(context.Background(), nil)
	assert.NilError(t, err)
	assert.Check(t, is.Len(diff.Names(), 0))
}

func TestPullRequiresPinOnFirstUse(t *testing.T) {
	pub := newPublisher(t, nil)
	pub.createAndPublish(t)

	_, v := newConsumer(t, pub.reg)
	_, err := v.Pull(context.Background(), nil)
	assert.ErrorContains(t, err, "no trusted root")
}

func TestPullRejectsWrongPin(t *testing.T) {
	pub := newPublisher(t, nil)
	pub.createAndPublish(t)

	stranger := newPublisher(t, nil)

	_, v := newConsumer(t, pub.reg)
	_, err := v.Pull(context.Background(), stranger.pin(t))
	assertChain(t, err, RoleRoot, ReasonBadSignature)
}

func TestPullReportsMissingMetadata(t *testing.T) {
	pub := newPublisher(t, nil)
	pub.createAndPublish(t)
	pub.reg.TamperMetadata(RoleSnapshot.MetadataName(), nil)

	_, v := newConsumer(t, pub.reg)
	_, err := v.Pull(context.Background(), pub.pin(t))
	var missing *MissingMetadataError
	assert.Assert(t, stderrors.As(err, &missing), "want MissingMetadataError, got %v", err)
	assert.Check(t, is.Equal(missing.Name, "snapshot.json"))
}

func TestPullDiffsAddedChangedRemoved(t *testing.T) {
	pub := newPublisher(t, nil)
	pub.createAndPublish(t, "keep", "change", "drop")

	db, v := newConsumer(t, pub.reg)
	_, err := v.Pull(context.Background(), pub.pin(t))
	assert.NilError(t, err)

	stageTarget(t, pub.db, "change", "different content")
	stageTarget(t, pub.db, "new", "brand new")
	assert.NilError(t, pub.db.DeletePending("drop"))
	pub.refreshAndPublish(t)

	diff, err := v.Pull(context.Background(), nil)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(diff.Added, []string{"new"}))
	assert.Check(t, is.DeepEqual(diff.Changed, []string{"change"}))
	assert.Check(t, is.DeepEqual(diff.Removed, []string{"drop"}))

	targets, err := db.TrustedTargets()
	assert.NilError(t, err)
	_, ok := targets["drop"]
	assert.Check(t, !ok)
}

func TestPullRejectsRollback(t *testing.T) {
	pub := newPublisher(t, nil)
	pub.createAndPublish(t, "a")

	// Keep the version 1 documents around for replay.
	old := map[Role][]byte{}
	for _, role := range Roles {
		data, err := pub.db.Metadata(role)
		assert.NilError(t, err)
		old[role] = data
	}

	pub.refreshAndPublish(t)

	_, v := newConsumer(t, pub.reg)
	_, err := v.Pull(context.Background(), pub.pin(t))
	assert.NilError(t, err)

	// An attacker replays the older, validly signed set.
	for _, role := range Roles {
		pub.reg.TamperMetadata(role.MetadataName(), old[role])
	}
	_, err = v.Pull(context.Background(), nil)
	assertChain(t, err, RoleTimestamp, ReasonRollback)
}

func TestPullRejectsMixAndMatch(t *testing.T) {
	pub := newPublisher(t, nil)
	pub.createAndPublish(t, "a")

	oldTargets, err := pub.db.Metadata(RoleTargets)
	assert.NilError(t, err)

	stageTarget(t, pub.db, "b", "more")
	pub.refreshAndPublish(t)

	// Current timestamp and snapshot, stale targets: a validly signed
	// combination the publisher never released together.
	pub.reg.TamperMetadata(RoleTargets.MetadataName(), oldTargets)

	_, v := newConsumer(t, pub.reg)
	_, err = v.Pull(context.Background(), pub.pin(t))
	assertChain(t, err, RoleTargets, ReasonInconsistent)
}

func TestPullRejectsExpiredTimestamp(t *testing.T) {
	pub := newPublisher(t, map[Role]time.Duration{RoleTimestamp: time.Hour})
	pub.createAndPublish(t, "a")

	_, v := newConsumer(t, pub.reg)
	// A consumer arriving after the timestamp lapsed must treat the
	// repository as frozen rather than trust the stale view.
	v.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err := v.Pull(context.Background(), pub.pin(t))
	assertChain(t, err, RoleTimestamp, ReasonExpired)
}

func TestPullRejectsTamperedDocument(t *testing.T) {
	pub := newPublisher(t, nil)
	pub.createAndPublish(t, "a")

	data, err := pub.db.Metadata(RoleTimestamp)
	assert.NilError(t, err)
	signed, err := DecodeSigned(data)
	assert.NilError(t, err)
	ts, err := signed.Timestamp()
	assert.NilError(t, err)
	ts.Version++
	forged, err := Sign(ts)
	assert.NilError(t, err)
	forged.Signatures = signed.Signatures
	forgedData, err := forged.Encode()
	assert.NilError(t, err)
	pub.reg.TamperMetadata(RoleTimestamp.MetadataName(), forgedData)

	_, v := newConsumer(t, pub.reg)
	_, err = v.Pull(context.Background(), pub.pin(t))
	assertChain(t, err, RoleTimestamp, ReasonBadSignature)
}

func TestPullKeepsBaselineOnFailure(t *testing.T) {
	pub := newPublisher(t, nil)
	pub.createAndPublish(t, "a")

	db, v := newConsumer(t, pub.reg)
	_, err := v.Pull(context.Background(), pub.pin(t))
	assert.NilError(t, err)

	stageTarget(t, pub.db, "b", "more")
	pub.refreshAndPublish(t)
	pub.reg.TamperMetadata(RoleTargets.MetadataName(), []byte("garbage"))

	_, err = v.Pull(context.Background(), nil)
	assert.Check(t, err != nil)

	// The failed pull must not have moved the baseline at all.
	targets, err := db.TrustedTargets()
	assert.NilError(t, err)
	assert.Check(t, is.Len(targets, 1))
	_, ok := targets["a"]
	assert.Check(t, ok)
}

func TestPullAfterKeyResetNeedsNewPin(t *testing.T) {
	pub := newPublisher(t, nil)
	pub.createAndPublish(t, "a")

	_, v := newConsumer(t, pub.reg)
	oldPin := pub.pin(t)
	_, err := v.Pull(context.Background(), oldPin)
	assert.NilError(t, err)

	assert.NilError(t, pub.keys.ResetKeys("", "", "", ""))
	_, err = pub.b.ResetRoot(Passwords{})
	assert.NilError(t, err)
	pub.publish(t)

	// Without re-pinning, the new root fails against the old trusted
	// keys. This is the defense against a stolen registry credential
	// being used to install a new key hierarchy.
	_, err = v.Pull(context.Background(), nil)
	assertChain(t, err, RoleRoot, ReasonThreshold)

	// Same with the stale pin.
	_, err = v.Pull(context.Background(), oldPin)
	assertChain(t, err, RoleRoot, ReasonThreshold)

	// Re-pinning the new key restores trust.
	diff, err := v.Pull(context.Background(), pub.pin(t))
	assert.NilError(t, err)
	assert.Check(t, is.Len(diff.Names(), 1))
}

func TestPullSurvivesLostRoot(t *testing.T) {
	pub := newPublisher(t, nil)
	pub.createAndPublish(t, "a")

	_, v := newConsumer(t, pub.reg)
	_, err := v.Pull(context.Background(), pub.pin(t))
	assert.NilError(t, err)

	// The registry loses root.json. An established consumer keeps
	// pulling from its stored trusted root.
	pub.reg.TamperMetadata(RoleRoot.MetadataName(), nil)

	stageTarget(t, pub.db, "b", "more")
	pub.refreshAndPublish(t)
	pub.reg.TamperMetadata(RoleRoot.MetadataName(), nil)

	diff, err := v.Pull(context.Background(), nil)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(diff.Added, []string{"b"}))

	// A fresh consumer has no fallback and must see the gap.
	_, fresh := newConsumer(t, pub.reg)
	_, err = fresh.Pull(context.Background(), pub.pin(t))
	var missing *MissingMetadataError
	assert.Assert(t, stderrors.As(err, &missing), "want MissingMetadataError, got %v", err)
	assert.Check(t, is.Equal(missing.Name, "root.json"))
}

func TestPullReusesUnchangedDocuments(t *testing.T) {
	pub := newPublisher(t, nil)
	pub.createAndPublish(t, "a")

	_, v := newConsumer(t, pub.reg)
	_, err := v.Pull(context.Background(), pub.pin(t))
	assert.NilError(t, err)

	// The registry loses the targets document but the next timestamp
	// still pins the version the consumer already trusts, so the pull
	// works from the stored copy.
	pub.reg.TamperMetadata(RoleTargets.MetadataName(), nil)
	diff, err := v.Pull(context.Background(), nil)
	assert.NilError(t, err)
	assert.Check(t, is.Len(diff.Names(), 0))
}
