package trust

import (
	"context"
	"crypto/ed25519"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/kenneyhe/dtuf/pkg/registry"
)

// Diff is the result of one metadata pull: how the trusted target set
// changed relative to the previous baseline.
type Diff struct {
	Added   []string
	Changed []string
	Removed []string
}

// Names returns every target name the pull touched, sorted.
func (d *Diff) Names() []string {
	out := make([]string, 0, len(d.Added)+len(d.Changed)+len(d.Removed))
	out = append(out, d.Added...)
	out = append(out, d.Changed...)
	out = append(out, d.Removed...)
	sort.Strings(out)
	return out
}

// pullState enumerates the verification state machine. The order is
// fixed: each step's expected version is extracted from the previous
// step's verified payload, so no step may run before its predecessor.
type pullState int

const (
	stateBootstrapRoot pullState = iota
	stateFetchTimestamp
	stateFetchSnapshot
	stateFetchTargets
	stateReconcile
	stateCommit
	stateTrusted
	stateRejected
)

// Verifier establishes trust in registry-hosted metadata on the
// consumer side. Nothing fetched is believed until the signature chain
// from the pinned or previously trusted root checks out, and nothing is
// persisted unless the whole chain does.
type Verifier struct {
	remote registry.Registry
	db     *DB
	now    func() time.Time
}

func NewVerifier(remote registry.Registry, db *DB) *Verifier {
	return &Verifier{remote: remote, db: db, now: time.Now}
}

// pull is the working set of one verification run.
type pull struct {
	pinPEM []byte
	// fresh means the baseline's versions do not constrain this run:
	// first use, or the caller pinned a different root key.
	fresh bool

	root      *Root
	rootBytes []byte

	oldTimestampV, oldSnapshotV, oldTargetsV int
	oldSnapshotBytes, oldTargetsBytes        []byte
	oldTargets                               Files

	timestamp      *Timestamp
	timestampBytes []byte
	snapshot       *Snapshot
	snapshotBytes  []byte
	targets        *Targets
	targetsBytes   []byte

	diff *Diff
}

// Pull fetches and verifies the metadata chain, then commits it as the
// new trust baseline. pinPEM may be nil once a baseline exists; on
// first use, or to adopt a rotated root, it must hold the out-of-band
// distributed root public key. Any verification failure aborts the
// whole pull with nothing persisted.
func (v *Verifier) Pull(ctx context.Context, pinPEM []byte) (*Diff, error) {
	p := &pull{pinPEM: pinPEM}
	state := stateBootstrapRoot
	for {
		var err error
		switch state {
		case stateBootstrapRoot:
			err = v.bootstrapRoot(ctx, p)
			state = stateFetchTimestamp
		case stateFetchTimestamp:
			err = v.fetchTimestamp(ctx, p)
			state = stateFetchSnapshot
		case stateFetchSnapshot:
			err = v.fetchSnapshot(ctx, p)
			state = stateFetchTargets
		case stateFetchTargets:
			err = v.fetchTargets(ctx, p)
			state = stateReconcile
		case stateReconcile:
			err = v.reconcile(p)
			state = stateCommit
		case stateCommit:
			err = v.commit(p)
			state = stateTrusted
		case stateTrusted:
			log.Infof("trusted metadata committed: timestamp v%d, snapshot v%d, targets v%d",
				p.timestamp.Version, p.snapshot.Version, p.targets.Version)
			return p.diff, nil
		}
		if err != nil {
			state = stateRejected
			log.WithError(err).Debug("metadata pull rejected")
			return nil, err
		}
	}
}

func (v *Verifier) fetch(ctx context.Context, role Role) ([]byte, *Signed, error) {
	name := role.MetadataName()
	data, err := v.remote.GetMetadata(ctx, name)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, nil, &MissingMetadataError{Name: name}
		}
		return nil, nil, err
	}
	signed, err := DecodeSigned(data)
	if err != nil {
		return nil, nil, &ChainError{Role: role, Reason: ReasonBadSignature, Detail: err.Error()}
	}
	return data, signed, nil
}

func (v *Verifier) bootstrapRoot(ctx context.Context, p *pull) error {
	baseline, err := v.db.Metadata(RoleRoot)
	if err != nil {
		return err
	}
	storedPin, err := v.db.Pin()
	if err != nil {
		return err
	}

	p.fresh = baseline == nil
	var pinned Key
	if p.pinPEM != nil {
		pinned, err = ParsePublicKeyPEM(p.pinPEM)
		if err != nil {
			return errors.Wrap(err, "bad root public key")
		}
		if storedPin != nil {
			stored, err := ParsePublicKeyPEM(storedPin)
			if err != nil || stored.ID() != pinned.ID() {
				// Re-pin: the previous baseline belongs to a trust
				// lineage the caller has abandoned.
				p.fresh = true
			}
		} else {
			p.fresh = true
		}
	}
	if p.fresh && p.pinPEM == nil {
		return errors.New("no trusted root for repository, supply the root public key")
	}

	data, signed, err := v.fetch(ctx, RoleRoot)
	switch {
	case err == nil:
	case !p.fresh && errors.As(err, new(*MissingMetadataError)):
		// The registry lost root.json. The stored baseline root was
		// committed by an earlier verified pull and still anchors the
		// chain; it goes through the same checks as a fetched one.
		log.Debug("root.json missing from registry, using stored trusted root")
		data = baseline
		if signed, err = DecodeSigned(baseline); err != nil {
			return err
		}
	default:
		return err
	}
	root, err := signed.Root()
	if err != nil {
		return &ChainError{Role: RoleRoot, Reason: ReasonBadSignature, Detail: err.Error()}
	}
	// Root is self-signed: its signatures must satisfy the key set and
	// threshold that the document itself declares.
	if err := signed.Verify(RoleRoot, root, v.now()); err != nil {
		return err
	}

	if p.fresh {
		if !signedByKey(signed, pinned) {
			return &ChainError{Role: RoleRoot, Reason: ReasonBadSignature, Detail: "pinned key did not sign root"}
		}
	} else {
		oldSigned, err := DecodeSigned(baseline)
		if err != nil {
			return err
		}
		oldRoot, err := oldSigned.Root()
		if err != nil {
			return err
		}
		// Continuity: the new root must be authorized by the old one.
		if err := signed.Verify(RoleRoot, oldRoot, v.now()); err != nil {
			return err
		}
		if root.Version < oldRoot.Version {
			return &ChainError{Role: RoleRoot, Reason: ReasonRollback,
				Detail: errors.Errorf("version %d < trusted %d", root.Version, oldRoot.Version).Error()}
		}
		if err := v.loadBaselineVersions(p); err != nil {
			return err
		}
	}

	p.root = root
	p.rootBytes = data
	return nil
}

func (v *Verifier) loadBaselineVersions(p *pull) error {
	load := func(role Role) ([]byte, int, error) {
		data, err := v.db.Metadata(role)
		if err != nil || data == nil {
			return nil, 0, err
		}
		signed, err := DecodeSigned(data)
		if err != nil {
			return nil, 0, err
		}
		h, err := signed.Header()
		if err != nil {
			return nil, 0, err
		}
		return data, h.Version, nil
	}
	var err error
	if _, p.oldTimestampV, err = load(RoleTimestamp); err != nil {
		return err
	}
	if p.oldSnapshotBytes, p.oldSnapshotV, err = load(RoleSnapshot); err != nil {
		return err
	}
	if p.oldTargetsBytes, p.oldTargetsV, err = load(RoleTargets); err != nil {
		return err
	}
	if p.oldTargetsBytes != nil {
		signed, err := DecodeSigned(p.oldTargetsBytes)
		if err != nil {
			return err
		}
		targets, err := signed.Targets()
		if err != nil {
			return err
		}
		p.oldTargets = targets.Targets
	}
	return nil
}

// fetchTimestamp always goes to the network: timestamp is the one role
// with no known expected version, so it must be refetched every run.
func (v *Verifier) fetchTimestamp(ctx context.Context, p *pull) error {
	data, signed, err := v.fetch(ctx, RoleTimestamp)
	if err != nil {
		return err
	}
	if err := signed.Verify(RoleTimestamp, p.root, v.now()); err != nil {
		return err
	}
	ts, err := signed.Timestamp()
	if err != nil {
		return &ChainError{Role: RoleTimestamp, Reason: ReasonBadSignature, Detail: err.Error()}
	}
	if !p.fresh && ts.Version < p.oldTimestampV {
		return &ChainError{Role: RoleTimestamp, Reason: ReasonRollback,
			Detail: errors.Errorf("version %d < trusted %d", ts.Version, p.oldTimestampV).Error()}
	}
	p.timestamp = ts
	p.timestampBytes = data
	return nil
}

func (v *Verifier) fetchSnapshot(ctx context.Context, p *pull) error {
	pin, ok := p.timestamp.Meta[RoleSnapshot.MetadataName()]
	if !ok {
		return &ChainError{Role: RoleTimestamp, Reason: ReasonInconsistent, Detail: "no snapshot version pinned"}
	}

	// If the pinned version is what we already trust, the stored copy
	// is reused, subject to the same verification as a fetched one.
	if !p.fresh && p.oldSnapshotBytes != nil && p.oldSnapshotV == pin.Version {
		if signed, err := DecodeSigned(p.oldSnapshotBytes); err == nil {
			if signed.Verify(RoleSnapshot, p.root, v.now()) == nil {
				sn, err := signed.Snapshot()
				if err == nil {
					log.Debugf("snapshot v%d unchanged, reusing trusted copy", pin.Version)
					p.snapshot = sn
					p.snapshotBytes = p.oldSnapshotBytes
					return nil
				}
			}
		}
	}

	data, signed, err := v.fetch(ctx, RoleSnapshot)
	if err != nil {
		return err
	}
	if err := signed.Verify(RoleSnapshot, p.root, v.now()); err != nil {
		return err
	}
	sn, err := signed.Snapshot()
	if err != nil {
		return &ChainError{Role: RoleSnapshot, Reason: ReasonBadSignature, Detail: err.Error()}
	}
	if sn.Version != pin.Version {
		return &ChainError{Role: RoleSnapshot, Reason: ReasonInconsistent,
			Detail: errors.Errorf("version %d, timestamp pinned %d", sn.Version, pin.Version).Error()}
	}
	if !p.fresh && sn.Version < p.oldSnapshotV {
		return &ChainError{Role: RoleSnapshot, Reason: ReasonRollback,
			Detail: errors.Errorf("version %d < trusted %d", sn.Version, p.oldSnapshotV).Error()}
	}
	p.snapshot = sn
	p.snapshotBytes = data
	return nil
}

func (v *Verifier) fetchTargets(ctx context.Context, p *pull) error {
	pin, ok := p.snapshot.Meta[RoleTargets.MetadataName()]
	if !ok {
		return &ChainError{Role: RoleSnapshot, Reason: ReasonInconsistent, Detail: "no targets version pinned"}
	}

	if !p.fresh && p.oldTargetsBytes != nil && p.oldTargetsV == pin.Version {
		if signed, err := DecodeSigned(p.oldTargetsBytes); err == nil {
			if signed.Verify(RoleTargets, p.root, v.now()) == nil {
				t, err := signed.Targets()
				if err == nil {
					log.Debugf("targets v%d unchanged, reusing trusted copy", pin.Version)
					p.targets = t
					p.targetsBytes = p.oldTargetsBytes
					return nil
				}
			}
		}
	}

	data, signed, err := v.fetch(ctx, RoleTargets)
	if err != nil {
		return err
	}
	if err := signed.Verify(RoleTargets, p.root, v.now()); err != nil {
		return err
	}
	t, err := signed.Targets()
	if err != nil {
		return &ChainError{Role: RoleTargets, Reason: ReasonBadSignature, Detail: err.Error()}
	}
	if t.Version != pin.Version {
		return &ChainError{Role: RoleTargets, Reason: ReasonInconsistent,
			Detail: errors.Errorf("version %d, snapshot pinned %d", t.Version, pin.Version).Error()}
	}
	if !p.fresh && t.Version < p.oldTargetsV {
		return &ChainError{Role: RoleTargets, Reason: ReasonRollback,
			Detail: errors.Errorf("version %d < trusted %d", t.Version, p.oldTargetsV).Error()}
	}
	p.targets = t
	p.targetsBytes = data
	return nil
}

func (v *Verifier) reconcile(p *pull) error {
	old := p.oldTargets
	if p.fresh || old == nil {
		old = Files{}
	}
	diff := &Diff{}
	for name, blobs := range p.targets.Targets {
		oldBlobs, ok := old[name]
		switch {
		case !ok:
			diff.Added = append(diff.Added, name)
		case !sameBlobs(oldBlobs, blobs):
			diff.Changed = append(diff.Changed, name)
		}
	}
	for name := range old {
		if _, ok := p.targets.Targets[name]; !ok {
			diff.Removed = append(diff.Removed, name)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Changed)
	sort.Strings(diff.Removed)
	p.diff = diff
	return nil
}

func (v *Verifier) commit(p *pull) error {
	docs := map[Role][]byte{
		RoleRoot:      p.rootBytes,
		RoleTimestamp: p.timestampBytes,
		RoleSnapshot:  p.snapshotBytes,
		RoleTargets:   p.targetsBytes,
	}
	return v.db.CommitBaseline(docs, p.pinPEM)
}

// signedByKey reports whether the envelope carries a valid signature by
// exactly the given key, regardless of what any root document says.
func signedByKey(s *Signed, key Key) bool {
	payload, err := s.canonicalPayload()
	if err != nil {
		return false
	}
	id := key.ID()
	if len(key.Value.Public) != ed25519.PublicKeySize {
		return false
	}
	for _, sig := range s.Signatures {
		if sig.KeyID != id || sig.Method != SignMethod {
			continue
		}
		if ed25519.Verify(ed25519.PublicKey(key.Value.Public), payload, sig.Signature) {
			return true
		}
	}
	return false
}

func sameBlobs(a, b []Blob) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Digest != b[i].Digest || a[i].Size != b[i].Size {
			return false
		}
	}
	return true
}
