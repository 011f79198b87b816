package registry

import (
	"context"
	"fmt"
	"io"
	"strings"

	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a blob or metadata document is absent.
var ErrNotFound = errors.New("not found")

// UnauthorizedError reports an authentication or authorization failure
// against the registry or its token server. It is surfaced to the
// caller and never retried internally.
type UnauthorizedError struct {
	Actions []string
}

func (e *UnauthorizedError) Error() string {
	if len(e.Actions) == 0 {
		return "registry access denied"
	}
	return fmt.Sprintf("registry access denied for actions %s", strings.Join(e.Actions, ","))
}

// Registry is the untrusted blob and metadata store collaborator. Blobs
// are addressed purely by content digest; metadata documents are small
// named byte blobs. Nothing returned by a Registry is trusted until the
// trust layer has verified it.
type Registry interface {
	// PutBlob uploads content for a digest. Re-uploading an existing
	// digest is a no-op; implementations must reject content whose
	// computed digest disagrees with dgst.
	PutBlob(ctx context.Context, dgst digest.Digest, r io.Reader) error
	// GetBlob returns the content and declared size for a digest, or
	// ErrNotFound.
	GetBlob(ctx context.Context, dgst digest.Digest) (io.ReadCloser, int64, error)
	// DeleteBlob removes a blob. Deleting an absent blob is a no-op.
	DeleteBlob(ctx context.Context, dgst digest.Digest) error
	// ExistsBlob reports whether the registry already has a digest.
	ExistsBlob(ctx context.Context, dgst digest.Digest) (bool, error)

	// PutMetadata stores a named metadata document.
	PutMetadata(ctx context.Context, name string, data []byte) error
	// GetMetadata fetches a named metadata document, or ErrNotFound.
	GetMetadata(ctx context.Context, name string) ([]byte, error)

	// Catalog lists repository names known to the registry. Not all of
	// them necessarily carry trust metadata.
	Catalog(ctx context.Context) ([]string, error)
}
