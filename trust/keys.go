package trust

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	pemTypePrivate          = "DTUF ED25519 PRIVATE KEY"
	pemTypeEncryptedPrivate = "DTUF ED25519 ENCRYPTED PRIVATE KEY"
	pemTypePublic           = "DTUF ED25519 PUBLIC KEY"

	saltSize  = 16
	nonceSize = 24

	scryptN = 32768
	scryptR = 8
	scryptP = 1
)

// KeyStore holds the master-side private key material for one
// repository, one PEM file pair per role. It never talks to the
// registry.
type KeyStore struct {
	dir string
}

func NewKeyStore(dir string) *KeyStore {
	return &KeyStore{dir: dir}
}

func (s *KeyStore) privatePath(role Role) string {
	return filepath.Join(s.dir, string(role)+"_key.pem")
}

func (s *KeyStore) publicPath(role Role) string {
	return filepath.Join(s.dir, string(role)+"_pub.pem")
}

// HasKey reports whether a private key for role exists on disk.
func (s *KeyStore) HasKey(role Role) bool {
	_, err := os.Stat(s.privatePath(role))
	return err == nil
}

// CreateRootKey generates the root keypair. The private half is
// encrypted iff a password is supplied; an empty password stores it in
// plaintext at the caller's risk.
func (s *KeyStore) CreateRootKey(password string) (Key, error) {
	if s.HasKey(RoleRoot) {
		return Key{}, errors.Wrap(ErrKeyExists, "root")
	}
	return s.generate(RoleRoot, password)
}

// CreateMetadataKeys generates the targets, snapshot and timestamp
// keypairs. The root key must exist first so that key creation order
// mirrors trust order.
func (s *KeyStore) CreateMetadataKeys(targetsPw, snapshotPw, timestampPw string) error {
	if !s.HasKey(RoleRoot) {
		return ErrMissingRootKey
	}
	passwords := map[Role]string{
		RoleTargets:   targetsPw,
		RoleSnapshot:  snapshotPw,
		RoleTimestamp: timestampPw,
	}
	for _, role := range []Role{RoleTargets, RoleSnapshot, RoleTimestamp} {
		if s.HasKey(role) {
			return errors.Wrap(ErrKeyExists, string(role))
		}
	}
	for _, role := range []Role{RoleTargets, RoleSnapshot, RoleTimestamp} {
		if _, err := s.generate(role, passwords[role]); err != nil {
			return err
		}
	}
	return nil
}

// ResetKeys regenerates all four keypairs, discarding the old ones.
// This is a master-side privileged action: every consumer must re-pin
// the new root public key out of band afterwards.
func (s *KeyStore) ResetKeys(rootPw, targetsPw, snapshotPw, timestampPw string) error {
	passwords := map[Role]string{
		RoleRoot:      rootPw,
		RoleTargets:   targetsPw,
		RoleSnapshot:  snapshotPw,
		RoleTimestamp: timestampPw,
	}
	for _, role := range Roles {
		for _, p := range []string{s.privatePath(role), s.publicPath(role)} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "failed to remove old %s key", role)
			}
		}
	}
	for _, role := range Roles {
		if _, err := s.generate(role, passwords[role]); err != nil {
			return err
		}
	}
	log.Infof("reset all role keys in %s, previously issued trust is void", s.dir)
	return nil
}

// Public loads the public key for role.
func (s *KeyStore) Public(role Role) (Key, error) {
	data, err := os.ReadFile(s.publicPath(role))
	if err != nil {
		if os.IsNotExist(err) && role == RoleRoot {
			return Key{}, ErrMissingRootKey
		}
		return Key{}, errors.Wrapf(err, "failed to read %s public key", role)
	}
	return ParsePublicKeyPEM(data)
}

// RootPublicKeyPEM returns the root public key for out-of-band
// distribution to consumers.
func (s *KeyStore) RootPublicKeyPEM() ([]byte, error) {
	data, err := os.ReadFile(s.publicPath(RoleRoot))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMissingRootKey
		}
		return nil, errors.Wrap(err, "failed to read root public key")
	}
	return data, nil
}

// Signer loads the private key for role, decrypting it with password
// when it was stored encrypted.
func (s *KeyStore) Signer(role Role, password string) (*Signer, error) {
	data, err := os.ReadFile(s.privatePath(role))
	if err != nil {
		if os.IsNotExist(err) && role == RoleRoot {
			return nil, ErrMissingRootKey
		}
		return nil, errors.Wrapf(err, "failed to read %s private key", role)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.Errorf("no PEM block in %s private key", role)
	}

	var priv []byte
	switch block.Type {
	case pemTypePrivate:
		priv = block.Bytes
	case pemTypeEncryptedPrivate:
		priv, err = decryptKey(block.Bytes, password)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decrypt %s private key", role)
		}
	default:
		return nil, errors.Errorf("unexpected PEM block %q in %s private key", block.Type, role)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.Errorf("%s private key has wrong length %d", role, len(priv))
	}
	private := ed25519.PrivateKey(priv)
	return &Signer{
		Key:     NewEd25519Key(private.Public().(ed25519.PublicKey)),
		Private: private,
	}, nil
}

func (s *KeyStore) generate(role Role, password string) (Key, error) {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return Key{}, errors.Wrap(err, "failed to create key directory")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Key{}, errors.Wrapf(err, "failed to generate %s key", role)
	}

	block := &pem.Block{Type: pemTypePrivate, Bytes: priv}
	if password != "" {
		encrypted, err := encryptKey(priv, password)
		if err != nil {
			return Key{}, errors.Wrapf(err, "failed to encrypt %s key", role)
		}
		block = &pem.Block{Type: pemTypeEncryptedPrivate, Bytes: encrypted}
	}
	block.Headers = map[string]string{"role": string(role)}
	if err := os.WriteFile(s.privatePath(role), pem.EncodeToMemory(block), 0600); err != nil {
		return Key{}, errors.Wrapf(err, "failed to write %s private key", role)
	}

	pubBlock := &pem.Block{
		Type:    pemTypePublic,
		Headers: map[string]string{"role": string(role)},
		Bytes:   pub,
	}
	if err := os.WriteFile(s.publicPath(role), pem.EncodeToMemory(pubBlock), 0644); err != nil {
		return Key{}, errors.Wrapf(err, "failed to write %s public key", role)
	}

	key := NewEd25519Key(pub)
	log.Debugf("generated %s key %s", role, key.ID())
	return key, nil
}

// ParsePublicKeyPEM parses a public key PEM as written by the key store
// and handed to consumers for pinning.
func ParsePublicKeyPEM(data []byte) (Key, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return Key{}, errors.New("no PEM block in public key")
	}
	if block.Type != pemTypePublic {
		return Key{}, errors.Errorf("unexpected PEM block %q in public key", block.Type)
	}
	if len(block.Bytes) != ed25519.PublicKeySize {
		return Key{}, errors.Errorf("public key has wrong length %d", len(block.Bytes))
	}
	return NewEd25519Key(ed25519.PublicKey(block.Bytes)), nil
}

// encryptKey seals the private key with a key derived from password.
// Layout: salt | nonce | secretbox.
func encryptKey(priv []byte, password string) ([]byte, error) {
	var salt [saltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, err
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	key, err := deriveKey(password, salt[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, saltSize+nonceSize+len(priv)+secretbox.Overhead)
	out = append(out, salt[:]...)
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, priv, &nonce, key), nil
}

func decryptKey(data []byte, password string) ([]byte, error) {
	if len(data) < saltSize+nonceSize+secretbox.Overhead {
		return nil, errors.New("encrypted key too short")
	}
	key, err := deriveKey(password, data[:saltSize])
	if err != nil {
		return nil, err
	}
	var nonce [nonceSize]byte
	copy(nonce[:], data[saltSize:saltSize+nonceSize])
	priv, ok := secretbox.Open(nil, data[saltSize+nonceSize:], &nonce, key)
	if !ok {
		return nil, errors.New("wrong password or corrupt key file")
	}
	return priv, nil
}

func deriveKey(password string, salt []byte) (*[32]byte, error) {
	derived, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, err
	}
	var key [32]byte
	copy(key[:], derived)
	return &key, nil
}
