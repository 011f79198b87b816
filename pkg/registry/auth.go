package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/docker/distribution/registry/client/auth/challenge"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Scope builds the registry token scope string for a repository and a
// set of actions, e.g. "repository:foo/bar:pull,push".
func Scope(repo string, actions ...string) string {
	return "repository:" + repo + ":" + strings.Join(actions, ",")
}

// CatalogScope is the token scope allowing repository listing.
const CatalogScope = "registry:catalog:*"

// Authenticate exchanges credentials for a scoped bearer token and
// installs it on the client. The flow is the registry v2 one: ping the
// API root, follow the WWW-Authenticate challenge to the token server,
// and trade basic credentials for a token limited to the requested
// actions. A registry that answers the ping without a challenge needs
// no token; basic credentials are kept instead.
func (c *Client) Authenticate(ctx context.Context, creds authn.Authenticator, actions ...string) (string, error) {
	basic, err := basicAuth(creds)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("v2/"), nil)
	if err != nil {
		return "", err
	}
	if basic != "" {
		req.Header.Set("Authorization", "Basic "+basic)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "registry ping failed")
	}
	defer res.Body.Close()

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		log.Debug("registry accepts basic auth, no token server")
		if basic != "" {
			c.setToken("Basic", basic)
		}
		return "", nil
	}

	challenges := challenge.ResponseChallenges(res)
	if len(challenges) == 0 {
		return "", errors.Errorf("registry ping returned %d without a WWW-Authenticate challenge", res.StatusCode)
	}
	realm := challenges[0].Parameters["realm"]
	service := challenges[0].Parameters["service"]
	if realm == "" || service == "" {
		return "", errors.New("auth challenge is missing realm or service")
	}
	if c.authHost != "" {
		u, err := url.Parse(realm)
		if err != nil {
			return "", errors.Wrap(err, "bad challenge realm")
		}
		u.Host = c.authHost
		realm = u.String()
	}

	scope := Scope(c.repo, actions...)
	if len(actions) == 1 && strings.Contains(actions[0], ":") {
		// A fully qualified scope such as registry:catalog:* passes
		// through unchanged.
		scope = actions[0]
	}

	tokenReq, err := http.NewRequestWithContext(ctx, http.MethodGet, realm, nil)
	if err != nil {
		return "", err
	}
	if basic != "" {
		tokenReq.Header.Set("Authorization", "Basic "+basic)
	}
	q := tokenReq.URL.Query()
	q.Set("service", service)
	q.Set("scope", scope)
	tokenReq.URL.RawQuery = q.Encode()

	tokenRes, err := c.http.Do(tokenReq)
	if err != nil {
		return "", errors.Wrap(err, "token request failed")
	}
	defer tokenRes.Body.Close()
	if tokenRes.StatusCode == http.StatusUnauthorized || tokenRes.StatusCode == http.StatusForbidden {
		return "", &UnauthorizedError{Actions: actions}
	}
	if tokenRes.StatusCode < 200 || tokenRes.StatusCode >= 300 {
		return "", errors.Errorf("token server returned %d", tokenRes.StatusCode)
	}

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(tokenRes.Body).Decode(&body); err != nil {
		return "", errors.Wrap(err, "corrupt token response")
	}
	token := body.Token
	if token == "" {
		token = body.AccessToken
	}
	if token == "" {
		return "", errors.New("token server returned no token")
	}
	c.setToken("Bearer", token)
	return token, nil
}

func basicAuth(creds authn.Authenticator) (string, error) {
	if creds == nil || creds == authn.Anonymous {
		return "", nil
	}
	cfg, err := creds.Authorization()
	if err != nil {
		return "", errors.Wrap(err, "failed to read credentials")
	}
	if cfg.Auth != "" {
		return cfg.Auth, nil
	}
	if cfg.Username == "" && cfg.Password == "" {
		return "", nil
	}
	return base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password)), nil
}
