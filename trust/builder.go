package trust

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Passwords carries the private-key passwords for the four roles.
// Empty strings mean the corresponding key is stored in plaintext.
type Passwords struct {
	Root      string
	Targets   string
	Snapshot  string
	Timestamp string
}

// For returns the password for role.
func (p Passwords) For(role Role) string {
	switch role {
	case RoleRoot:
		return p.Root
	case RoleTargets:
		return p.Targets
	case RoleSnapshot:
		return p.Snapshot
	case RoleTimestamp:
		return p.Timestamp
	}
	return ""
}

// Builder constructs and signs metadata documents on the master side.
// Documents are always built in dependency order: targets first, then
// snapshot pinning the targets version, then timestamp pinning the
// snapshot version. Building out of order would produce a chain the
// verifier rejects as self-inconsistent.
type Builder struct {
	keys      *KeyStore
	db        *DB
	lifetimes map[Role]time.Duration
	now       func() time.Time
}

func NewBuilder(keys *KeyStore, db *DB, lifetimes map[Role]time.Duration) *Builder {
	return &Builder{keys: keys, db: db, lifetimes: lifetimes, now: time.Now}
}

func (b *Builder) lifetime(role Role) time.Duration {
	if b.lifetimes != nil {
		if d, ok := b.lifetimes[role]; ok && d > 0 {
			return d
		}
	}
	return DefaultLifetimes[role]
}

func (b *Builder) expires(role Role) time.Time {
	return b.now().Add(b.lifetime(role)).UTC()
}

func (b *Builder) storedVersion(role Role) (int, error) {
	data, err := b.db.Metadata(role)
	if err != nil || data == nil {
		return 0, err
	}
	signed, err := DecodeSigned(data)
	if err != nil {
		return 0, err
	}
	h, err := signed.Header()
	if err != nil {
		return 0, err
	}
	return h.Version, nil
}

// CreateMetadata generates all four documents at version 1, signed with
// their role keys, and stores them as the master's current set. All
// four keys must exist.
func (b *Builder) CreateMetadata(pw Passwords) (map[Role][]byte, error) {
	versions := map[Role]int{}
	for _, role := range Roles {
		versions[role] = 1
	}
	return b.build(pw, versions)
}

// ResetRoot rebuilds all four documents after a key reset. The root
// version is bumped past the previous one so the new document is
// recognizably newer, even though old consumers can only follow it by
// re-pinning the new root key.
func (b *Builder) ResetRoot(pw Passwords) (map[Role][]byte, error) {
	versions := map[Role]int{}
	for _, role := range Roles {
		v, err := b.storedVersion(role)
		if err != nil {
			return nil, err
		}
		versions[role] = v + 1
	}
	return b.build(pw, versions)
}

// Refresh re-signs targets, snapshot and timestamp in that order, each
// at previous version + 1 with a fresh expiration, reflecting the
// current pending target set. Root is left untouched.
func (b *Builder) Refresh(pw Passwords) (map[Role][]byte, error) {
	rootData, err := b.db.Metadata(RoleRoot)
	if err != nil {
		return nil, err
	}
	if rootData == nil {
		return nil, errors.New("no metadata for repository, run create-metadata first")
	}

	pending, err := b.db.Pending()
	if err != nil {
		return nil, err
	}

	docs := map[Role][]byte{}
	versions := map[Role]int{}
	for _, role := range []Role{RoleTargets, RoleSnapshot, RoleTimestamp} {
		v, err := b.storedVersion(role)
		if err != nil {
			return nil, err
		}
		versions[role] = v + 1
	}

	targets := &Targets{
		Type:    string(RoleTargets),
		Version: versions[RoleTargets],
		Expires: b.expires(RoleTargets),
		Targets: pending,
	}
	snapshot := &Snapshot{
		Type:    string(RoleSnapshot),
		Version: versions[RoleSnapshot],
		Expires: b.expires(RoleSnapshot),
		Meta:    map[string]VersionMeta{RoleTargets.MetadataName(): {Version: targets.Version}},
	}
	timestamp := &Timestamp{
		Type:    string(RoleTimestamp),
		Version: versions[RoleTimestamp],
		Expires: b.expires(RoleTimestamp),
		Meta:    map[string]VersionMeta{RoleSnapshot.MetadataName(): {Version: snapshot.Version}},
	}

	for role, payload := range map[Role]interface{}{
		RoleTargets:   targets,
		RoleSnapshot:  snapshot,
		RoleTimestamp: timestamp,
	} {
		data, err := b.signOne(role, pw, payload)
		if err != nil {
			return nil, err
		}
		docs[role] = data
	}
	if err := b.db.PutMetadata(docs); err != nil {
		return nil, err
	}
	log.Infof("refreshed metadata: targets v%d, snapshot v%d, timestamp v%d",
		targets.Version, snapshot.Version, timestamp.Version)
	return docs, nil
}

// Expirations reads the current documents' expiry times without
// touching the network.
func (b *Builder) Expirations() (map[Role]time.Time, error) {
	return StoredExpirations(b.db)
}

// StoredExpirations reads per-role expiry times from a state database,
// master or copy side alike.
func StoredExpirations(db *DB) (map[Role]time.Time, error) {
	out := map[Role]time.Time{}
	for _, role := range Roles {
		data, err := db.Metadata(role)
		if err != nil {
			return nil, err
		}
		if data == nil {
			continue
		}
		signed, err := DecodeSigned(data)
		if err != nil {
			return nil, err
		}
		h, err := signed.Header()
		if err != nil {
			return nil, err
		}
		out[role] = h.Expires
	}
	return out, nil
}

func (b *Builder) build(pw Passwords, versions map[Role]int) (map[Role][]byte, error) {
	signers := map[Role]*Signer{}
	for _, role := range Roles {
		if !b.keys.HasKey(role) {
			if role == RoleRoot {
				return nil, ErrMissingRootKey
			}
			return nil, errors.Errorf("no %s key, run create-metadata-keys first", role)
		}
		s, err := b.keys.Signer(role, pw.For(role))
		if err != nil {
			return nil, err
		}
		signers[role] = s
	}

	pending, err := b.db.Pending()
	if err != nil {
		return nil, err
	}

	root := &Root{
		Type:    string(RoleRoot),
		Version: versions[RoleRoot],
		Expires: b.expires(RoleRoot),
		Keys:    map[string]Key{},
		Roles:   map[Role]*RoleKeys{},
	}
	for _, role := range Roles {
		key := signers[role].Key
		root.Keys[key.ID()] = key
		root.Roles[role] = &RoleKeys{KeyIDs: []string{key.ID()}, Threshold: 1}
	}

	targets := &Targets{
		Type:    string(RoleTargets),
		Version: versions[RoleTargets],
		Expires: b.expires(RoleTargets),
		Targets: pending,
	}
	snapshot := &Snapshot{
		Type:    string(RoleSnapshot),
		Version: versions[RoleSnapshot],
		Expires: b.expires(RoleSnapshot),
		Meta:    map[string]VersionMeta{RoleTargets.MetadataName(): {Version: targets.Version}},
	}
	timestamp := &Timestamp{
		Type:    string(RoleTimestamp),
		Version: versions[RoleTimestamp],
		Expires: b.expires(RoleTimestamp),
		Meta:    map[string]VersionMeta{RoleSnapshot.MetadataName(): {Version: snapshot.Version}},
	}

	docs := map[Role][]byte{}
	payloads := map[Role]interface{}{
		RoleRoot:      root,
		RoleTargets:   targets,
		RoleSnapshot:  snapshot,
		RoleTimestamp: timestamp,
	}
	for role, payload := range payloads {
		signed, err := Sign(payload, signers[role])
		if err != nil {
			return nil, err
		}
		data, err := signed.Encode()
		if err != nil {
			return nil, err
		}
		docs[role] = data
	}
	if err := b.db.PutMetadata(docs); err != nil {
		return nil, err
	}
	log.Infof("built metadata set at root v%d", root.Version)
	return docs, nil
}

func (b *Builder) signOne(role Role, pw Passwords, payload interface{}) ([]byte, error) {
	signer, err := b.keys.Signer(role, pw.For(role))
	if err != nil {
		return nil, err
	}
	signed, err := Sign(payload, signer)
	if err != nil {
		return nil, err
	}
	return signed.Encode()
}
