// Package store moves target content between the local filesystem and
// the blob registry. The master-side Store stages named targets for the
// next metadata publication; the copy-side View retrieves only blobs
// named by already-verified metadata, checking every byte against its
// trusted digest.
package store

import (
	"context"
	"io"
	"os"
	"sort"
	"strings"

	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kenneyhe/dtuf/pkg/registry"
	"github.com/kenneyhe/dtuf/trust"
)

// ErrUnknownTarget is returned for a target name the trusted (or, on
// the master side, pending) target set does not contain.
var ErrUnknownTarget = errors.New("unknown target")

// Progress is called as blob bytes move to or from the registry: once
// per chunk with the number of bytes just transferred, and once more
// with n == 0 when the blob is complete.
type Progress func(dgst digest.Digest, n int64, total int64)

// uploadChunk sizes the reads the progress callback observes.
const uploadChunk = 1 << 20

// Store stages target content on the master side. Pushed targets sit
// in the pending set until metadata is rebuilt and published; until
// then consumers cannot see them.
type Store struct {
	reg      registry.Registry
	db       *trust.DB
	progress Progress
}

func NewStore(reg registry.Registry, db *trust.DB, progress Progress) *Store {
	return &Store{reg: reg, db: db, progress: progress}
}

// Push stages a named target whose content is the given sources, in
// order. A source is a local file path, or "@name" to reuse the blobs
// of an already-staged target without re-reading or re-uploading
// anything. At least one source is required.
func (s *Store) Push(ctx context.Context, name string, sources ...string) error {
	if name == "" || strings.HasPrefix(name, "@") {
		return errors.Wrapf(trust.ErrInvalidArgument, "bad target name %q", name)
	}
	if len(sources) == 0 {
		return errors.Wrap(trust.ErrInvalidArgument, "target needs at least one source")
	}

	pending, err := s.db.Pending()
	if err != nil {
		return err
	}

	blobs := make([]trust.Blob, 0, len(sources))
	var uploads []upload
	for _, src := range sources {
		if ref := strings.TrimPrefix(src, "@"); ref != src {
			refBlobs, ok := pending[ref]
			if !ok {
				return errors.Wrapf(ErrUnknownTarget, "%s", ref)
			}
			blobs = append(blobs, refBlobs...)
			continue
		}
		b, err := digestFile(src)
		if err != nil {
			return err
		}
		blobs = append(blobs, b)
		uploads = append(uploads, upload{path: src, blob: b})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, u := range uploads {
		u := u
		g.Go(func() error {
			return s.uploadBlob(gctx, u)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := s.db.SetPending(name, blobs); err != nil {
		return err
	}
	log.Debugf("staged target %s with %d blobs", name, len(blobs))
	return nil
}

// Delete removes a target from the pending set and deletes its blobs
// from the registry, except blobs still referenced by another pending
// target. Deleting an absent target is a no-op.
func (s *Store) Delete(ctx context.Context, name string) error {
	pending, err := s.db.Pending()
	if err != nil {
		return err
	}
	removed, ok := pending[name]
	if !ok {
		return nil
	}
	delete(pending, name)

	// A digest survives if any remaining target still names it.
	live := map[digest.Digest]bool{}
	for _, blobs := range pending {
		for _, b := range blobs {
			live[b.Digest] = true
		}
	}
	for _, b := range removed {
		if live[b.Digest] {
			continue
		}
		if err := s.reg.DeleteBlob(ctx, b.Digest); err != nil {
			return errors.Wrapf(err, "failed to delete blob %s", b.Digest)
		}
	}
	return s.db.DeletePending(name)
}

// ListTargets returns the pending target names, sorted.
func (s *Store) ListTargets() ([]string, error) {
	pending, err := s.db.Pending()
	if err != nil {
		return nil, err
	}
	return sortedNames(pending), nil
}

type upload struct {
	path string
	blob trust.Blob
}

func (s *Store) uploadBlob(ctx context.Context, u upload) error {
	exists, err := s.reg.ExistsBlob(ctx, u.blob.Digest)
	if err != nil {
		return err
	}
	if exists {
		log.Debugf("blob %s already on registry, skipping upload", u.blob.Digest)
		s.report(u.blob.Digest, 0, u.blob.Size)
		return nil
	}

	f, err := os.Open(u.path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", u.path)
	}
	defer f.Close()

	var r io.Reader = f
	if s.progress != nil {
		r = &progressReader{r: f, dgst: u.blob.Digest, total: u.blob.Size, fn: s.progress}
	}
	if err := s.reg.PutBlob(ctx, u.blob.Digest, r); err != nil {
		return errors.Wrapf(err, "failed to upload %s", u.path)
	}
	s.report(u.blob.Digest, 0, u.blob.Size)
	return nil
}

func (s *Store) report(dgst digest.Digest, n, total int64) {
	if s.progress != nil {
		s.progress(dgst, n, total)
	}
}

func digestFile(path string) (trust.Blob, error) {
	f, err := os.Open(path)
	if err != nil {
		return trust.Blob{}, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	digester := digest.Canonical.Digester()
	size, err := io.Copy(digester.Hash(), f)
	if err != nil {
		return trust.Blob{}, errors.Wrapf(err, "failed to read %s", path)
	}
	return trust.Blob{Digest: digester.Digest(), Size: size}, nil
}

// progressReader reports transfer progress in at most uploadChunk
// increments as the registry client drains it.
type progressReader struct {
	r     io.Reader
	dgst  digest.Digest
	total int64
	fn    Progress
}

func (p *progressReader) Read(buf []byte) (int, error) {
	if len(buf) > uploadChunk {
		buf = buf[:uploadChunk]
	}
	n, err := p.r.Read(buf)
	if n > 0 {
		p.fn(p.dgst, int64(n), p.total)
	}
	return n, err
}

// View retrieves target content on the copy side. It consults only the
// committed trust baseline: a name the verified targets document does
// not list cannot be pulled no matter what the registry holds.
type View struct {
	reg      registry.Registry
	db       *trust.DB
	progress Progress
}

func NewView(reg registry.Registry, db *trust.DB, progress Progress) *View {
	return &View{reg: reg, db: db, progress: progress}
}

func (v *View) blobs(name string) ([]trust.Blob, error) {
	targets, err := v.db.TrustedTargets()
	if err != nil {
		return nil, err
	}
	blobs, ok := targets[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTarget, "%s", name)
	}
	return blobs, nil
}

// Pull opens readers for each blob of a target, in the order the
// trusted metadata lists them. Every reader verifies its stream against
// the trusted digest; content that does not match surfaces as a
// DigestMismatchError before the final byte is returned.
func (v *View) Pull(ctx context.Context, name string) ([]*BlobReader, error) {
	blobs, err := v.blobs(name)
	if err != nil {
		return nil, err
	}
	readers := make([]*BlobReader, 0, len(blobs))
	for _, b := range blobs {
		rc, size, err := v.reg.GetBlob(ctx, b.Digest)
		if err != nil {
			for _, r := range readers {
				r.Close()
			}
			return nil, errors.Wrapf(err, "failed to fetch blob %s of target %s", b.Digest, name)
		}
		if size >= 0 && size != b.Size {
			rc.Close()
			for _, r := range readers {
				r.Close()
			}
			return nil, &trust.DigestMismatchError{Name: name, Expected: b.Digest}
		}
		readers = append(readers, newBlobReader(name, b, rc, v.progress))
	}
	return readers, nil
}

// Sizes returns the declared blob sizes of a target, from trusted
// metadata alone. No network traffic.
func (v *View) Sizes(name string) ([]int64, error) {
	blobs, err := v.blobs(name)
	if err != nil {
		return nil, err
	}
	sizes := make([]int64, len(blobs))
	for i, b := range blobs {
		sizes[i] = b.Size
	}
	return sizes, nil
}

// Check digests local files and compares them, pairwise and in order,
// against a target's trusted blobs. The number of files must equal the
// number of blobs. The first disagreement is returned as a
// DigestMismatchError.
func (v *View) Check(name string, paths ...string) error {
	blobs, err := v.blobs(name)
	if err != nil {
		return err
	}
	if len(paths) != len(blobs) {
		return errors.Wrapf(trust.ErrInvalidArgument,
			"target %s has %d blobs, %d files given", name, len(blobs), len(paths))
	}
	for i, path := range paths {
		got, err := digestFile(path)
		if err != nil {
			return err
		}
		if got.Digest != blobs[i].Digest {
			return &trust.DigestMismatchError{Name: name, Expected: blobs[i].Digest}
		}
	}
	return nil
}

// ListTargets returns the trusted target names, sorted.
func (v *View) ListTargets() ([]string, error) {
	targets, err := v.db.TrustedTargets()
	if err != nil {
		return nil, err
	}
	return sortedNames(targets), nil
}

func sortedNames(files trust.Files) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BlobReader streams one blob of a target while hashing it. Read
// returns io.EOF only once the full content has matched the trusted
// digest; a stream that ends with different content fails with
// DigestMismatchError instead.
type BlobReader struct {
	Digest digest.Digest
	Size   int64

	name     string
	rc       io.ReadCloser
	verifier digest.Verifier
	read     int64
	fn       Progress
}

func newBlobReader(name string, b trust.Blob, rc io.ReadCloser, fn Progress) *BlobReader {
	return &BlobReader{
		Digest:   b.Digest,
		Size:     b.Size,
		name:     name,
		rc:       rc,
		verifier: b.Digest.Verifier(),
		fn:       fn,
	}
}

func (r *BlobReader) Read(p []byte) (int, error) {
	if r.fn != nil && len(p) > uploadChunk {
		p = p[:uploadChunk]
	}
	n, err := r.rc.Read(p)
	if n > 0 {
		r.read += int64(n)
		if _, werr := r.verifier.Write(p[:n]); werr != nil {
			return n, werr
		}
		if r.fn != nil {
			r.fn(r.Digest, int64(n), r.Size)
		}
	}
	if err == io.EOF {
		if r.read != r.Size || !r.verifier.Verified() {
			return n, &trust.DigestMismatchError{Name: r.name, Expected: r.Digest}
		}
		if r.fn != nil {
			r.fn(r.Digest, 0, r.Size)
		}
	}
	return n, err
}

func (r *BlobReader) Close() error {
	return r.rc.Close()
}
