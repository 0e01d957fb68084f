package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/dotsetgreg/roleplay/pkg/config"
)

const (
	authModeAPIKey      = "api_key"
	authModeBearerToken = "bearer_token"
	authModeRawKey      = "raw_key"
)

// TokenSource returns credential material for request auth.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Source() string
}

type staticTokenSource struct {
	token  string
	source string
}

func NewStaticTokenSource(token, source string) TokenSource {
	return &staticTokenSource{
		token:  strings.TrimSpace(token),
		source: strings.TrimSpace(source),
	}
}

func (s *staticTokenSource) Token(context.Context) (string, error) {
	tok := strings.TrimSpace(s.token)
	if tok == "" {
		return "", fmt.Errorf("token is empty for %s", s.Source())
	}
	if looksLikePlaceholder(tok) {
		return "", fmt.Errorf("token for %s looks like a placeholder (%s); set the real value", s.Source(), tok)
	}
	return tok, nil
}

func (s *staticTokenSource) Source() string {
	if s.source != "" {
		return s.source
	}
	return "static"
}

// looksLikePlaceholder catches copy-pasted examples such as "<API_KEY>" or
// "${ZHIPU_API_KEY}" that were never substituted.
func looksLikePlaceholder(tok string) bool {
	if strings.HasPrefix(tok, "<") && strings.HasSuffix(tok, ">") {
		return true
	}
	return strings.HasPrefix(tok, "${") && strings.HasSuffix(tok, "}")
}

type fileTokenSource struct {
	path string
}

// NewFileTokenSource reads the token from path on every request. The file may
// hold the bare token or a JSON document with an access_token field, either
// at the top level or under "tokens".
func NewFileTokenSource(path string) TokenSource {
	return &fileTokenSource{path: strings.TrimSpace(path)}
}

func (s *fileTokenSource) Token(context.Context) (string, error) {
	resolved := config.ExpandHome(strings.TrimSpace(s.path))
	if resolved == "" {
		return "", fmt.Errorf("token file path is empty")
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("read token file %s: %w", resolved, err)
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", fmt.Errorf("token file %s is empty", resolved)
	}
	if !strings.HasPrefix(tok, "{") {
		return tok, nil
	}

	var doc struct {
		AccessToken string `json:"access_token"`
		Tokens      struct {
			AccessToken string `json:"access_token"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal([]byte(tok), &doc); err != nil {
		return "", fmt.Errorf("parse token file %s: %w", resolved, err)
	}
	if v := strings.TrimSpace(doc.Tokens.AccessToken); v != "" {
		return v, nil
	}
	if v := strings.TrimSpace(doc.AccessToken); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("token file %s: missing access_token", resolved)
}

func (s *fileTokenSource) Source() string {
	resolved := config.ExpandHome(strings.TrimSpace(s.path))
	if resolved != "" {
		return resolved
	}
	return "token_file"
}

// AuthStrategy applies request auth for provider HTTP calls.
type AuthStrategy interface {
	Mode() string
	Apply(ctx context.Context, req *http.Request) error
}

type apiKeyAuth struct {
	source TokenSource
}

func NewAPIKeyAuth(source TokenSource) AuthStrategy {
	return &apiKeyAuth{source: source}
}

func (a *apiKeyAuth) Mode() string {
	return authModeAPIKey
}

func (a *apiKeyAuth) Apply(ctx context.Context, req *http.Request) error {
	return applyAuthHeader(ctx, req, a.source, "Bearer ")
}

type bearerTokenAuth struct {
	source TokenSource
}

func NewBearerTokenAuth(source TokenSource) AuthStrategy {
	return &bearerTokenAuth{source: source}
}

func (a *bearerTokenAuth) Mode() string {
	return authModeBearerToken
}

func (a *bearerTokenAuth) Apply(ctx context.Context, req *http.Request) error {
	return applyAuthHeader(ctx, req, a.source, "Bearer ")
}

// rawKeyAuth sends the key itself as the Authorization header value, which is
// what the BigModel (Zhipu) endpoint accepts.
type rawKeyAuth struct {
	source TokenSource
}

func NewRawKeyAuth(source TokenSource) AuthStrategy {
	return &rawKeyAuth{source: source}
}

func (a *rawKeyAuth) Mode() string {
	return authModeRawKey
}

func (a *rawKeyAuth) Apply(ctx context.Context, req *http.Request) error {
	return applyAuthHeader(ctx, req, a.source, "")
}

func applyAuthHeader(ctx context.Context, req *http.Request, source TokenSource, scheme string) error {
	if source == nil {
		return fmt.Errorf("auth token source is nil")
	}
	tok, err := source.Token(ctx)
	if err != nil {
		return fmt.Errorf("resolve auth token: %w", err)
	}
	req.Header.Set("Authorization", scheme+tok)
	return nil
}
