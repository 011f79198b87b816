package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	regclient "github.com/docker/distribution/registry/client"
	"github.com/docker/go-connections/tlsconfig"
	"github.com/google/go-containerregistry/pkg/name"
	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// MetadataMediaType is the manifest media type metadata documents are
// tagged with. The registry needs no understanding of it; the manifest
// exists only to give each document a stable name.
const MetadataMediaType = "application/vnd.dtuf.metadata.v1+json"

// Client talks the Docker registry v2 HTTP API for one repository.
type Client struct {
	base     string
	repo     string
	authHost string
	http     *http.Client

	mu          sync.Mutex
	tokenScheme string
	tokenValue  string
}

// Option configures a Client.
type Option func(*Client)

// WithInsecure switches to plain http, for local registries.
func WithInsecure() Option {
	return func(c *Client) {
		c.base = "http://" + hostOf(c.base)
	}
}

// WithAuthHost overrides the token server host announced by the
// registry's auth challenge.
func WithAuthHost(host string) Option {
	return func(c *Client) { c.authHost = host }
}

// WithHTTPClient substitutes the underlying HTTP client; the bearer
// transport is layered on top of its transport.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient builds a client for repo on host. An empty repo is allowed
// for clients that only use registry-level endpoints such as Catalog.
func NewClient(host, repo string, opts ...Option) (*Client, error) {
	if host == "" {
		return nil, errors.New("registry host is required")
	}
	if repo != "" {
		if _, err := name.NewRepository(repo, name.WeakValidation); err != nil {
			return nil, errors.Wrapf(err, "invalid repository name %q", repo)
		}
	}
	c := &Client{
		base: "https://" + host,
		repo: repo,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				TLSClientConfig:     tlsconfig.ClientDefault(),
			},
		}
	}
	c.http = &http.Client{
		Transport: &tokenTransport{base: c.http.Transport, token: c.token},
		Timeout:   c.http.Timeout,
	}
	return c, nil
}

// SetToken installs a previously obtained bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenScheme, c.tokenValue = "Bearer", token
}

func (c *Client) setToken(scheme, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenScheme, c.tokenValue = scheme, value
}

func (c *Client) token() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokenScheme, c.tokenValue
}

func (c *Client) url(format string, args ...interface{}) string {
	return c.base + "/" + fmt.Sprintf(format, args...)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	log.Debugf("registry call %s %s", req.Method, req.URL)
	res, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "registry request failed")
	}
	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		res.Body.Close()
		return nil, &UnauthorizedError{}
	}
	return res, nil
}

// ExistsBlob reports whether the repository already has the digest.
func (c *Client) ExistsBlob(ctx context.Context, dgst digest.Digest) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.url("v2/%s/blobs/%s", c.repo, dgst), nil)
	if err != nil {
		return false, err
	}
	res, err := c.do(req)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if !regclient.SuccessStatus(res.StatusCode) {
		return false, regclient.HandleErrorResponse(res)
	}
	return true, nil
}

// GetBlob streams the blob and its declared size, -1 when the registry
// does not declare one.
func (c *Client) GetBlob(ctx context.Context, dgst digest.Digest) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("v2/%s/blobs/%s", c.repo, dgst), nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept-Encoding", "identity")
	res, err := c.do(req)
	if err != nil {
		return nil, 0, err
	}
	if res.StatusCode == http.StatusNotFound {
		res.Body.Close()
		return nil, 0, errors.Wrapf(ErrNotFound, "blob %s", dgst)
	}
	if !regclient.SuccessStatus(res.StatusCode) {
		defer res.Body.Close()
		return nil, 0, regclient.HandleErrorResponse(res)
	}
	// res.ContentLength is -1 when the registry answers without a
	// length (chunked transfer); callers treat -1 as unknown.
	return res.Body, res.ContentLength, nil
}

// PutBlob uploads content with the two-step monolithic flow: POST to
// open an upload session, PUT the bytes against the returned location.
// An already present digest is left alone.
func (c *Client) PutBlob(ctx context.Context, dgst digest.Digest, r io.Reader) error {
	exists, err := c.ExistsBlob(ctx, dgst)
	if err != nil {
		return err
	}
	if exists {
		log.Debugf("blob %s already present, skipping upload", dgst)
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("v2/%s/blobs/uploads/", c.repo), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Length", "0")
	res, err := c.do(req)
	if err != nil {
		return err
	}
	location := res.Header.Get("Location")
	res.Body.Close()
	if !regclient.SuccessStatus(res.StatusCode) {
		return regclient.HandleErrorResponse(res)
	}
	if location == "" {
		return errors.New("registry did not return an upload location")
	}

	u, err := c.uploadURL(location, dgst)
	if err != nil {
		return err
	}
	req, err = http.NewRequestWithContext(ctx, http.MethodPut, u, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	res, err = c.do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if !regclient.SuccessStatus(res.StatusCode) {
		return regclient.HandleErrorResponse(res)
	}
	return nil
}

// DeleteBlob removes a blob; an absent blob is a no-op.
func (c *Client) DeleteBlob(ctx context.Context, dgst digest.Digest) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url("v2/%s/blobs/%s", c.repo, dgst), nil)
	if err != nil {
		return err
	}
	res, err := c.do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	if !regclient.SuccessStatus(res.StatusCode) {
		return regclient.HandleErrorResponse(res)
	}
	return nil
}

// metadataManifest names one metadata blob. It is the whole content of
// the manifest stored under the document's tag.
type metadataManifest struct {
	SchemaVersion int            `json:"schemaVersion"`
	MediaType     string         `json:"mediaType"`
	Blob          blobDescriptor `json:"blob"`
}

type blobDescriptor struct {
	Digest digest.Digest `json:"digest"`
	Size   int64         `json:"size"`
}

// PutMetadata stores a named document: the bytes go in as a blob, then
// a manifest tagged with the document name points at it.
func (c *Client) PutMetadata(ctx context.Context, docName string, data []byte) error {
	dgst := digest.FromBytes(data)
	if err := c.PutBlob(ctx, dgst, bytes.NewReader(data)); err != nil {
		return err
	}
	manifest, err := json.Marshal(metadataManifest{
		SchemaVersion: 2,
		MediaType:     MetadataMediaType,
		Blob:          blobDescriptor{Digest: dgst, Size: int64(len(data))},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.url("v2/%s/manifests/%s", c.repo, docName), bytes.NewReader(manifest))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", MetadataMediaType)
	res, err := c.do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if !regclient.SuccessStatus(res.StatusCode) {
		return regclient.HandleErrorResponse(res)
	}
	return nil
}

// GetMetadata fetches a named document by resolving its manifest tag
// and downloading the referenced blob.
func (c *Client) GetMetadata(ctx context.Context, docName string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.url("v2/%s/manifests/%s", c.repo, docName), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", MetadataMediaType)
	res, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, errors.Wrapf(ErrNotFound, "metadata %s", docName)
	}
	if !regclient.SuccessStatus(res.StatusCode) {
		return nil, regclient.HandleErrorResponse(res)
	}
	var manifest metadataManifest
	if err := json.NewDecoder(res.Body).Decode(&manifest); err != nil {
		return nil, errors.Wrapf(err, "corrupt manifest for %s", docName)
	}

	blob, _, err := c.GetBlob(ctx, manifest.Blob.Digest)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "metadata %s", docName)
		}
		return nil, err
	}
	defer blob.Close()
	return io.ReadAll(blob)
}

// Catalog lists the registry's repositories.
func (c *Client) Catalog(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("v2/_catalog"), nil)
	if err != nil {
		return nil, err
	}
	res, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if !regclient.SuccessStatus(res.StatusCode) {
		return nil, regclient.HandleErrorResponse(res)
	}
	var body struct {
		Repositories []string `json:"repositories"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, "corrupt catalog response")
	}
	return body.Repositories, nil
}

// uploadURL appends the digest parameter to the upload location, which
// may be absolute or registry-relative.
func (c *Client) uploadURL(location string, dgst digest.Digest) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", errors.Wrap(err, "bad upload location")
	}
	if u.Host == "" {
		base, err := url.Parse(c.base)
		if err != nil {
			return "", err
		}
		u.Scheme, u.Host = base.Scheme, base.Host
		u.Path = path.Join(base.Path, u.Path)
	}
	q := u.Query()
	q.Set("digest", dgst.String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func hostOf(base string) string {
	if u, err := url.Parse(base); err == nil && u.Host != "" {
		return u.Host
	}
	return base
}
