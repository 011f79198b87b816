package trust

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"time"

	canonicaljson "github.com/docker/go/canonical/json"
	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// Role names one of the four metadata signing roles. Each role owns its
// own key material and document; root authorizes the keys of all four.
type Role string

const (
	RoleRoot      Role = "root"
	RoleTargets   Role = "targets"
	RoleSnapshot  Role = "snapshot"
	RoleTimestamp Role = "timestamp"
)

// Roles lists the four roles in signing dependency order: targets is
// built first, snapshot pins targets, timestamp pins snapshot.
var Roles = []Role{RoleRoot, RoleTargets, RoleSnapshot, RoleTimestamp}

// SignMethod is the only signature scheme dtuf produces or accepts.
const SignMethod = "ed25519"

func (r Role) Valid() bool {
	switch r {
	case RoleRoot, RoleTargets, RoleSnapshot, RoleTimestamp:
		return true
	}
	return false
}

// MetadataName is the registry document name a role's metadata is
// published under.
func (r Role) MetadataName() string {
	return string(r) + ".json"
}

// HexBytes is a byte slice that marshals to lowercase hex in JSON.
type HexBytes []byte

func (b HexBytes) MarshalJSON() ([]byte, error) {
	return []byte(`"` + hex.EncodeToString(b) + `"`), nil
}

func (b *HexBytes) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return errors.New("invalid hex string")
	}
	decoded, err := hex.DecodeString(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*b = decoded
	return nil
}

// Key is a public role key as it appears in the root document.
type Key struct {
	Type  string   `json:"keytype"`
	Value KeyValue `json:"keyval"`
}

type KeyValue struct {
	Public HexBytes `json:"public"`
}

// NewEd25519Key wraps a raw ed25519 public key.
func NewEd25519Key(pub ed25519.PublicKey) Key {
	return Key{Type: SignMethod, Value: KeyValue{Public: HexBytes(pub)}}
}

// ID derives the key identifier: sha256 over the canonical JSON
// serialization of the public key.
func (k Key) ID() string {
	data, err := canonicaljson.MarshalCanonical(k)
	if err != nil {
		// Key contains nothing that can fail to serialize.
		panic(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Signature is one signature over a document's canonical payload bytes.
type Signature struct {
	KeyID     string   `json:"keyid"`
	Method    string   `json:"method"`
	Signature HexBytes `json:"sig"`
}

// RoleKeys names the keys authorized to sign for a role and how many of
// them must agree.
type RoleKeys struct {
	KeyIDs    []string `json:"keyids"`
	Threshold int      `json:"threshold"`
}

// Root is the root document payload: the authorized key set for every
// role, including root itself.
type Root struct {
	Type    string             `json:"_type"`
	Version int                `json:"version"`
	Expires time.Time          `json:"expires"`
	Keys    map[string]Key     `json:"keys"`
	Roles   map[Role]*RoleKeys `json:"roles"`
}

// Blob is one content-addressed piece of a target. The digest is the
// blob's sole identity; the size is declared so consumers can report it
// without downloading.
type Blob struct {
	Digest digest.Digest `json:"digest"`
	Size   int64         `json:"size"`
}

// Files maps target names to their ordered blob lists. Two targets may
// share a digest.
type Files map[string][]Blob

// Targets is the targets document payload: the trusted target set.
type Targets struct {
	Type    string    `json:"_type"`
	Version int       `json:"version"`
	Expires time.Time `json:"expires"`
	Targets Files     `json:"targets"`
}

// VersionMeta pins the exact version of a referenced document.
type VersionMeta struct {
	Version int `json:"version"`
}

// Snapshot pins the exact version of the targets document.
type Snapshot struct {
	Type    string                 `json:"_type"`
	Version int                    `json:"version"`
	Expires time.Time              `json:"expires"`
	Meta    map[string]VersionMeta `json:"meta"`
}

// Timestamp pins the exact version of the snapshot document. It is the
// only document fetched without a known expected version.
type Timestamp struct {
	Type    string                 `json:"_type"`
	Version int                    `json:"version"`
	Expires time.Time              `json:"expires"`
	Meta    map[string]VersionMeta `json:"meta"`
}

// Signed is the wire envelope around any role payload.
type Signed struct {
	Signed     canonicaljson.RawMessage `json:"signed"`
	Signatures []Signature              `json:"signatures"`
}

// header is the part every payload shares, used for peeking at a
// document before deciding how to decode it in full.
type header struct {
	Type    string    `json:"_type"`
	Version int       `json:"version"`
	Expires time.Time `json:"expires"`
}

// Signer is a role key with its private half loaded.
type Signer struct {
	Key     Key
	Private ed25519.PrivateKey
}

// Sign serializes payload canonically and wraps it with one signature
// per signer.
func Sign(payload interface{}, signers ...*Signer) (*Signed, error) {
	data, err := canonicaljson.MarshalCanonical(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize payload")
	}
	s := &Signed{Signed: canonicaljson.RawMessage(data)}
	for _, signer := range signers {
		s.Signatures = append(s.Signatures, Signature{
			KeyID:     signer.Key.ID(),
			Method:    SignMethod,
			Signature: ed25519.Sign(signer.Private, data),
		})
	}
	return s, nil
}

// Encode renders the envelope as JSON for upload or storage.
func (s *Signed) Encode() ([]byte, error) {
	data, err := canonicaljson.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode signed document")
	}
	return data, nil
}

// DecodeSigned parses an envelope from its stored or fetched bytes.
func DecodeSigned(data []byte) (*Signed, error) {
	s := new(Signed)
	if err := canonicaljson.Unmarshal(data, s); err != nil {
		return nil, errors.Wrap(err, "failed to decode signed document")
	}
	return s, nil
}

// canonicalPayload re-serializes the embedded payload into the exact
// byte sequence signatures are computed over. The payload is decoded
// and re-marshaled so that whitespace or key-order games by whoever
// stored the document cannot change what gets verified.
func (s *Signed) canonicalPayload() ([]byte, error) {
	var decoded interface{}
	if err := canonicaljson.Unmarshal(s.Signed, &decoded); err != nil {
		return nil, errors.Wrap(err, "failed to decode payload")
	}
	return canonicaljson.MarshalCanonical(decoded)
}

// Header peeks at the payload's shared fields.
func (s *Signed) Header() (*header, error) {
	h := new(header)
	if err := canonicaljson.Unmarshal(s.Signed, h); err != nil {
		return nil, errors.Wrap(err, "failed to decode document header")
	}
	return h, nil
}

// Verify checks that the envelope carries at least threshold valid
// signatures from keys the given root authorizes for role, and that the
// payload has not expired and carries the expected type tag.
func (s *Signed) Verify(role Role, root *Root, now time.Time) error {
	authorized := root.Roles[role]
	if authorized == nil || len(authorized.KeyIDs) == 0 {
		return &ChainError{Role: role, Reason: ReasonBadSignature, Detail: "no keys authorized for role"}
	}
	threshold := authorized.Threshold
	if threshold < 1 {
		threshold = 1
	}

	payload, err := s.canonicalPayload()
	if err != nil {
		return &ChainError{Role: role, Reason: ReasonBadSignature, Detail: err.Error()}
	}

	valid := map[string]bool{}
	sawBad := false
	for _, sig := range s.Signatures {
		if sig.Method != SignMethod || !containsString(authorized.KeyIDs, sig.KeyID) {
			continue
		}
		key, ok := root.Keys[sig.KeyID]
		if !ok || len(key.Value.Public) != ed25519.PublicKeySize {
			continue
		}
		if ed25519.Verify(ed25519.PublicKey(key.Value.Public), payload, sig.Signature) {
			valid[sig.KeyID] = true
		} else {
			sawBad = true
		}
	}
	if len(valid) < threshold {
		if sawBad {
			return &ChainError{Role: role, Reason: ReasonBadSignature}
		}
		return &ChainError{
			Role:   role,
			Reason: ReasonThreshold,
			Detail: errors.Errorf("%d of %d required signatures", len(valid), threshold).Error(),
		}
	}

	h, err := s.Header()
	if err != nil {
		return &ChainError{Role: role, Reason: ReasonBadSignature, Detail: err.Error()}
	}
	if h.Type != string(role) {
		return &ChainError{Role: role, Reason: ReasonInconsistent, Detail: "document type " + h.Type}
	}
	if !h.Expires.After(now) {
		return &ChainError{Role: role, Reason: ReasonExpired, Detail: h.Expires.UTC().Format(time.RFC3339)}
	}
	return nil
}

// Root decodes the payload as a root document.
func (s *Signed) Root() (*Root, error) {
	r := new(Root)
	if err := canonicaljson.Unmarshal(s.Signed, r); err != nil {
		return nil, errors.Wrap(err, "failed to decode root payload")
	}
	return r, nil
}

// Targets decodes the payload as a targets document.
func (s *Signed) Targets() (*Targets, error) {
	t := new(Targets)
	if err := canonicaljson.Unmarshal(s.Signed, t); err != nil {
		return nil, errors.Wrap(err, "failed to decode targets payload")
	}
	return t, nil
}

// Snapshot decodes the payload as a snapshot document.
func (s *Signed) Snapshot() (*Snapshot, error) {
	sn := new(Snapshot)
	if err := canonicaljson.Unmarshal(s.Signed, sn); err != nil {
		return nil, errors.Wrap(err, "failed to decode snapshot payload")
	}
	return sn, nil
}

// Timestamp decodes the payload as a timestamp document.
func (s *Signed) Timestamp() (*Timestamp, error) {
	ts := new(Timestamp)
	if err := canonicaljson.Unmarshal(s.Signed, ts); err != nil {
		return nil, errors.Wrap(err, "failed to decode timestamp payload")
	}
	return ts, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
