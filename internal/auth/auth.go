// Package auth authenticates dashboard API keys and scopes them to projects.
// A key may additionally be pinned to a single end user, in which case every
// listing it performs is filtered to that user's traces.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/textproto"
	"strings"
)

type Permission string

const (
	PermissionTracesRead   Permission = "traces:read"
	PermissionTracesWrite  Permission = "traces:write"
	PermissionTracesDelete Permission = "traces:delete"
)

const defaultHeaderName = "X-Traceboard-Key"

var ErrMissingAPIKey = errors.New("missing api key")
var ErrInvalidAPIKey = errors.New("invalid api key")

// KeyConfig is one configured API key. Either Token or TokenHash must be
// set; TokenHash keeps plaintext tokens out of config files.
type KeyConfig struct {
	ID          string
	Token       string
	TokenHash   string
	Projects    []string
	UserID      string
	Role        string
	Permissions []string
}

type Options struct {
	Enabled bool
	Header  string
	Keys    []KeyConfig
}

// Identity is the authenticated caller. A nil Identity means auth is
// disabled and the caller is unrestricted.
type Identity struct {
	KeyID    string
	Projects []string
	// UserID, when set, restricts every trace listing to that user's rows.
	UserID string
	Role   string

	permissions map[Permission]struct{}
}

func (i *Identity) HasPermission(permission Permission) bool {
	if i == nil {
		return false
	}
	_, ok := i.permissions[permission]
	return ok
}

// CanAccessProject reports whether the key may touch the project. A key with
// no project list may touch any project.
func (i *Identity) CanAccessProject(projectID string) bool {
	if i == nil {
		return false
	}
	if len(i.Projects) == 0 {
		return true
	}
	for _, project := range i.Projects {
		if project == projectID {
			return true
		}
	}
	return false
}

func (i *Identity) clone() *Identity {
	if i == nil {
		return nil
	}
	copied := *i
	copied.Projects = append([]string(nil), i.Projects...)
	copied.permissions = make(map[Permission]struct{}, len(i.permissions))
	for permission := range i.permissions {
		copied.permissions[permission] = struct{}{}
	}
	return &copied
}

type Authorizer struct {
	enabled bool
	header  string
	keys    map[string]*Identity
}

func NewAuthorizer(options Options) (*Authorizer, error) {
	header := normalizeHeaderName(options.Header)
	if header == "" {
		header = defaultHeaderName
	}

	authorizer := &Authorizer{
		enabled: options.Enabled,
		header:  header,
		keys:    map[string]*Identity{},
	}
	if !options.Enabled {
		return authorizer, nil
	}
	if len(options.Keys) == 0 {
		return nil, errors.New("auth is enabled but no api keys are configured")
	}

	for _, key := range options.Keys {
		tokenHash := normalizeTokenHash(key.TokenHash)
		if tokenHash == "" {
			token := strings.TrimSpace(key.Token)
			if token == "" {
				return nil, errors.New("api key token cannot be empty")
			}
			tokenHash = hashToken(token)
		}
		if _, exists := authorizer.keys[tokenHash]; exists {
			return nil, errors.New("duplicate api key token in auth config")
		}

		permissions := defaultRolePermissions(key.Role)
		for _, raw := range key.Permissions {
			permission := Permission(strings.ToLower(strings.TrimSpace(raw)))
			if permission == "" {
				continue
			}
			permissions[permission] = struct{}{}
		}

		projects := make([]string, 0, len(key.Projects))
		for _, project := range key.Projects {
			if trimmed := strings.TrimSpace(project); trimmed != "" {
				projects = append(projects, trimmed)
			}
		}

		authorizer.keys[tokenHash] = &Identity{
			KeyID:       strings.TrimSpace(key.ID),
			Projects:    projects,
			UserID:      strings.TrimSpace(key.UserID),
			Role:        strings.ToLower(strings.TrimSpace(key.Role)),
			permissions: permissions,
		}
	}

	return authorizer, nil
}

func (a *Authorizer) Enabled() bool {
	return a != nil && a.enabled
}

func (a *Authorizer) HeaderName() string {
	if a == nil || strings.TrimSpace(a.header) == "" {
		return defaultHeaderName
	}
	return a.header
}

// Authenticate resolves the request's API key. With auth disabled it returns
// (nil, nil) and the caller proceeds unrestricted.
func (a *Authorizer) Authenticate(r *http.Request) (*Identity, error) {
	if !a.Enabled() {
		return nil, nil
	}

	token := strings.TrimSpace(r.Header.Get(a.HeaderName()))
	if token == "" {
		if bearer := bearerToken(r); bearer != "" {
			token = bearer
		}
	}
	if token == "" {
		return nil, ErrMissingAPIKey
	}

	identity, ok := a.keys[hashToken(token)]
	if !ok {
		return nil, ErrInvalidAPIKey
	}
	return identity.clone(), nil
}

func bearerToken(r *http.Request) string {
	value := strings.TrimSpace(r.Header.Get("Authorization"))
	if value == "" {
		return ""
	}
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func defaultRolePermissions(role string) map[Permission]struct{} {
	permissions := map[Permission]struct{}{}
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "admin":
		permissions[PermissionTracesRead] = struct{}{}
		permissions[PermissionTracesWrite] = struct{}{}
		permissions[PermissionTracesDelete] = struct{}{}
	case "editor":
		permissions[PermissionTracesRead] = struct{}{}
		permissions[PermissionTracesWrite] = struct{}{}
	case "viewer":
		permissions[PermissionTracesRead] = struct{}{}
	}
	return permissions
}

func normalizeHeaderName(raw string) string {
	return textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(raw))
}

func normalizeTokenHash(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	if len(value) != sha256.Size*2 {
		return ""
	}
	if _, err := hex.DecodeString(value); err != nil {
		return ""
	}
	return value
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

type contextKey struct{}

// WithIdentity stores the authenticated identity on the request context.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, identity)
}

// FromContext returns the identity placed by the middleware, or nil when
// auth is disabled.
func FromContext(ctx context.Context) *Identity {
	identity, _ := ctx.Value(contextKey{}).(*Identity)
	return identity
}
