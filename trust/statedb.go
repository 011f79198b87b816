package trust

import (
	"os"
	"path/filepath"

	canonicaljson "github.com/docker/go/canonical/json"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMetadata = []byte("metadata")
	bucketPending  = []byte("pending")
	bucketPin      = []byte("pin")

	pinKey = []byte("root")
)

// DB is the per-repository state database. On the master it holds the
// pending target set and the currently signed documents; on the copy it
// holds the last-trusted metadata baseline and the pinned root key.
// bbolt's file lock makes it the single-writer serialization point per
// repository side.
type DB struct {
	db *bolt.DB
}

// OpenDB opens (creating as needed) the state database at path.
func OpenDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Wrap(err, "failed to create state directory")
	}
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open state database")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMetadata, bucketPending, bucketPin} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to initialize state database")
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Metadata returns the stored document bytes for role, or nil if none.
func (d *DB) Metadata(role Role) ([]byte, error) {
	var data []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMetadata).Get([]byte(role)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	return data, err
}

// PutMetadata stores the given documents in one transaction. Roles not
// present in docs keep their stored value.
func (d *DB) PutMetadata(docs map[Role][]byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetadata)
		for role, data := range docs {
			if err := b.Put([]byte(role), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// CommitBaseline atomically replaces the trusted baseline and the
// pinned root key. Either the whole chain commits or none of it does.
func (d *DB) CommitBaseline(docs map[Role][]byte, pin []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetadata)
		for role, data := range docs {
			if err := b.Put([]byte(role), data); err != nil {
				return err
			}
		}
		if pin != nil {
			if err := tx.Bucket(bucketPin).Put(pinKey, pin); err != nil {
				return err
			}
		}
		return nil
	})
}

// Pin returns the pinned root public key bytes, or nil when none is
// stored yet.
func (d *DB) Pin() ([]byte, error) {
	var pin []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketPin).Get(pinKey); v != nil {
			pin = append([]byte(nil), v...)
		}
		return nil
	})
	return pin, err
}

// SetPending atomically replaces the named target's blob list in the
// pending set.
func (d *DB) SetPending(name string, blobs []Blob) error {
	data, err := canonicaljson.Marshal(blobs)
	if err != nil {
		return errors.Wrap(err, "failed to encode pending target")
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Put([]byte(name), data)
	})
}

// DeletePending removes the named target from the pending set. Deleting
// an absent name is a no-op.
func (d *DB) DeletePending(name string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Delete([]byte(name))
	})
}

// Pending returns the whole pending target set.
func (d *DB) Pending() (Files, error) {
	files := Files{}
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(k, v []byte) error {
			var blobs []Blob
			if err := canonicaljson.Unmarshal(v, &blobs); err != nil {
				return errors.Wrapf(err, "corrupt pending entry %s", k)
			}
			files[string(k)] = blobs
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// TrustedTargets decodes the stored targets document's target set. The
// document was verified before it was committed, so no signature check
// happens here.
func (d *DB) TrustedTargets() (Files, error) {
	data, err := d.Metadata(RoleTargets)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, errors.New("no trusted targets metadata, pull metadata first")
	}
	signed, err := DecodeSigned(data)
	if err != nil {
		return nil, err
	}
	targets, err := signed.Targets()
	if err != nil {
		return nil, err
	}
	return targets.Targets, nil
}
