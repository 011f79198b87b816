package registry

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-containerregistry/pkg/authn"
	digest "github.com/opencontainers/go-digest"
	"gotest.tools/assert"
	is "gotest.tools/assert/cmp"
)

// fakeRegistry implements just enough of the registry v2 HTTP API for
// the client: monolithic blob uploads, manifest tags and the catalog.
type fakeRegistry struct {
	mu        sync.Mutex
	blobs     map[digest.Digest][]byte
	manifests map[string][]byte
	uploads   int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		blobs:     map[digest.Digest][]byte{},
		manifests: map[string][]byte{},
	}
}

func (f *fakeRegistry) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		switch {
		case r.URL.Path == "/v2/" || r.URL.Path == "/v2":
			w.WriteHeader(http.StatusOK)

		case r.URL.Path == "/v2/_catalog":
			json.NewEncoder(w).Encode(map[string][]string{"repositories": {"foo/bar", "other"}})

		case strings.HasSuffix(r.URL.Path, "/blobs/uploads/") && r.Method == http.MethodPost:
			f.uploads++
			w.Header().Set("Location", fmt.Sprintf("/v2/upload/%d", f.uploads))
			w.WriteHeader(http.StatusAccepted)

		case len(parts) >= 2 && parts[1] == "upload" && r.Method == http.MethodPut:
			dgst := digest.Digest(r.URL.Query().Get("digest"))
			data, err := io.ReadAll(r.Body)
			assert.NilError(t, err)
			if digest.FromBytes(data) != dgst {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.blobs[dgst] = data
			w.WriteHeader(http.StatusCreated)

		case len(parts) >= 2 && parts[len(parts)-2] == "blobs":
			dgst := digest.Digest(parts[len(parts)-1])
			data, ok := f.blobs[dgst]
			switch r.Method {
			case http.MethodHead, http.MethodGet:
				if !ok {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				w.Header().Set("Content-Length", fmt.Sprint(len(data)))
				if r.Method == http.MethodGet {
					w.Write(data)
				}
			case http.MethodDelete:
				if !ok {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				delete(f.blobs, dgst)
				w.WriteHeader(http.StatusAccepted)
			}

		case len(parts) >= 2 && parts[len(parts)-2] == "manifests":
			tag := parts[len(parts)-1]
			switch r.Method {
			case http.MethodPut:
				data, err := io.ReadAll(r.Body)
				assert.NilError(t, err)
				f.manifests[tag] = data
				w.WriteHeader(http.StatusCreated)
			case http.MethodGet:
				data, ok := f.manifests[tag]
				if !ok {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				w.Header().Set("Content-Type", MetadataMediaType)
				w.Write(data)
			}

		default:
			t.Logf("fake registry: unhandled %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	assert.NilError(t, err)
	c, err := NewClient(u.Host, "foo/bar", WithInsecure(), WithHTTPClient(srv.Client()))
	assert.NilError(t, err)
	return c, srv
}

func TestBlobRoundTrip(t *testing.T) {
	fake := newFakeRegistry()
	c, _ := newTestClient(t, fake.handler(t))
	ctx := context.Background()

	content := []byte("blob content")
	dgst := digest.FromBytes(content)

	exists, err := c.ExistsBlob(ctx, dgst)
	assert.NilError(t, err)
	assert.Check(t, !exists)

	assert.NilError(t, c.PutBlob(ctx, dgst, strings.NewReader(string(content))))

	exists, err = c.ExistsBlob(ctx, dgst)
	assert.NilError(t, err)
	assert.Check(t, exists)

	rc, size, err := c.GetBlob(ctx, dgst)
	assert.NilError(t, err)
	defer rc.Close()
	assert.Check(t, is.Equal(size, int64(len(content))))
	got, err := io.ReadAll(rc)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(got, content))

	assert.NilError(t, c.DeleteBlob(ctx, dgst))
	_, _, err = c.GetBlob(ctx, dgst)
	assert.Check(t, stderrors.Is(err, ErrNotFound))

	// Deleting again is a no-op.
	assert.NilError(t, c.DeleteBlob(ctx, dgst))
}

func TestGetBlobChunkedResponse(t *testing.T) {
	content := []byte("streamed without a length header")
	dgst := digest.FromBytes(content)

	// Flushing before the body is complete forces chunked transfer
	// encoding, so the response carries no Content-Length.
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content[:4])
		w.(http.Flusher).Flush()
		w.Write(content[4:])
	}))

	rc, size, err := c.GetBlob(context.Background(), dgst)
	assert.NilError(t, err)
	defer rc.Close()
	assert.Check(t, is.Equal(size, int64(-1)))
	got, err := io.ReadAll(rc)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(got, content))
}

func TestPutBlobSkipsExisting(t *testing.T) {
	fake := newFakeRegistry()
	c, _ := newTestClient(t, fake.handler(t))
	ctx := context.Background()

	content := []byte("once")
	dgst := digest.FromBytes(content)
	assert.NilError(t, c.PutBlob(ctx, dgst, strings.NewReader("once")))
	assert.NilError(t, c.PutBlob(ctx, dgst, strings.NewReader("once")))
	assert.Check(t, is.Equal(fake.uploads, 1))
}

func TestMetadataRoundTrip(t *testing.T) {
	fake := newFakeRegistry()
	c, _ := newTestClient(t, fake.handler(t))
	ctx := context.Background()

	doc := []byte(`{"signed":{},"signatures":[]}`)
	assert.NilError(t, c.PutMetadata(ctx, "timestamp.json", doc))

	got, err := c.GetMetadata(ctx, "timestamp.json")
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(got, doc))

	_, err = c.GetMetadata(ctx, "absent.json")
	assert.Check(t, stderrors.Is(err, ErrNotFound))
}

func TestCatalog(t *testing.T) {
	fake := newFakeRegistry()
	c, _ := newTestClient(t, fake.handler(t))

	repos, err := c.Catalog(context.Background())
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(repos, []string{"foo/bar", "other"}))
}

func TestUnauthorizedSurfaces(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, _, err := c.GetBlob(context.Background(), digest.FromString("x"))
	var unauthorized *UnauthorizedError
	assert.Assert(t, stderrors.As(err, &unauthorized), "want UnauthorizedError, got %v", err)
}

func TestAuthenticateTokenFlow(t *testing.T) {
	const issued = "such-token"
	var mu sync.Mutex
	var tokenQuery url.Values
	var sawAuthorized string

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		tokenQuery = r.URL.Query()
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"token": issued})
	})
	mux.HandleFunc("/v2/", func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth == "Bearer "+issued {
			mu.Lock()
			sawAuthorized = r.URL.Path
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf(`Bearer realm=%q,service="registry"`, srv.URL+"/token"))
		w.WriteHeader(http.StatusUnauthorized)
	})

	u, err := url.Parse(srv.URL)
	assert.NilError(t, err)
	c, err := NewClient(u.Host, "foo/bar", WithInsecure(), WithHTTPClient(srv.Client()))
	assert.NilError(t, err)

	token, err := c.Authenticate(context.Background(),
		&authn.Basic{Username: "fred", Password: "pw"}, "pull", "push")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(token, issued))

	mu.Lock()
	assert.Check(t, is.Equal(tokenQuery.Get("service"), "registry"))
	assert.Check(t, is.Equal(tokenQuery.Get("scope"), "repository:foo/bar:pull,push"))
	mu.Unlock()

	// The installed token rides along on later requests.
	exists, err := c.ExistsBlob(context.Background(), digest.FromString("x"))
	assert.NilError(t, err)
	assert.Check(t, exists)
	mu.Lock()
	assert.Check(t, sawAuthorized != "")
	mu.Unlock()
}

func TestAuthenticateBasicOnlyRegistry(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	token, err := c.Authenticate(context.Background(),
		&authn.Basic{Username: "fred", Password: "pw"}, "pull")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(token, ""))
}
