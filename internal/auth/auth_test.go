package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
)

func TestNewAuthorizerValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		options Options
		wantErr bool
	}{
		{
			name:    "disabled needs no keys",
			options: Options{Enabled: false},
		},
		{
			name:    "enabled without keys",
			options: Options{Enabled: true},
			wantErr: true,
		},
		{
			name: "enabled with token",
			options: Options{Enabled: true, Keys: []KeyConfig{
				{ID: "k1", Token: "secret", Role: "viewer"},
			}},
		},
		{
			name: "empty token",
			options: Options{Enabled: true, Keys: []KeyConfig{
				{ID: "k1", Token: "   "},
			}},
			wantErr: true,
		},
		{
			name: "duplicate tokens",
			options: Options{Enabled: true, Keys: []KeyConfig{
				{ID: "k1", Token: "same"},
				{ID: "k2", Token: "same"},
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewAuthorizer(tt.options)
			if tt.wantErr && err == nil {
				t.Fatal("NewAuthorizer() error = nil, want error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("NewAuthorizer() error: %v", err)
			}
		})
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	authorizer, err := NewAuthorizer(Options{
		Enabled: true,
		Keys: []KeyConfig{
			{ID: "k1", Token: "secret", Role: "editor", Projects: []string{"proj-a"}},
		},
	})
	if err != nil {
		t.Fatalf("NewAuthorizer() error: %v", err)
	}

	r := httptest.NewRequest("GET", "/api/projects/proj-a/traces", nil)
	if _, err := authorizer.Authenticate(r); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("Authenticate(no header) error = %v, want ErrMissingAPIKey", err)
	}

	r.Header.Set("X-Traceboard-Key", "wrong")
	if _, err := authorizer.Authenticate(r); !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("Authenticate(bad key) error = %v, want ErrInvalidAPIKey", err)
	}

	r.Header.Set("X-Traceboard-Key", "secret")
	identity, err := authorizer.Authenticate(r)
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if identity.KeyID != "k1" {
		t.Fatalf("KeyID = %q, want k1", identity.KeyID)
	}
	if !identity.HasPermission(PermissionTracesRead) || !identity.HasPermission(PermissionTracesWrite) {
		t.Fatal("editor role should grant read and write")
	}
	if identity.HasPermission(PermissionTracesDelete) {
		t.Fatal("editor role should not grant delete")
	}
}

func TestAuthenticateBearerFallback(t *testing.T) {
	t.Parallel()

	authorizer, err := NewAuthorizer(Options{
		Enabled: true,
		Keys:    []KeyConfig{{ID: "k1", Token: "secret", Role: "viewer"}},
	})
	if err != nil {
		t.Fatalf("NewAuthorizer() error: %v", err)
	}

	r := httptest.NewRequest("GET", "/api/projects/p/traces", nil)
	r.Header.Set("Authorization", "Bearer secret")
	identity, err := authorizer.Authenticate(r)
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if identity.KeyID != "k1" {
		t.Fatalf("KeyID = %q, want k1", identity.KeyID)
	}
}

func TestAuthenticateWithTokenHash(t *testing.T) {
	t.Parallel()

	// sha256("secret")
	const hash = "2bb80d537b1da3e38bd30361aa855686bde0eacd7162fef6a25fe97bf527a25b"

	authorizer, err := NewAuthorizer(Options{
		Enabled: true,
		Keys:    []KeyConfig{{ID: "k1", TokenHash: hash, Role: "viewer"}},
	})
	if err != nil {
		t.Fatalf("NewAuthorizer() error: %v", err)
	}

	r := httptest.NewRequest("GET", "/api/projects/p/traces", nil)
	r.Header.Set("X-Traceboard-Key", "secret")
	if _, err := authorizer.Authenticate(r); err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
}

func TestAuthenticateDisabledReturnsNilIdentity(t *testing.T) {
	t.Parallel()

	authorizer, err := NewAuthorizer(Options{Enabled: false})
	if err != nil {
		t.Fatalf("NewAuthorizer() error: %v", err)
	}

	r := httptest.NewRequest("GET", "/api/projects/p/traces", nil)
	identity, err := authorizer.Authenticate(r)
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if identity != nil {
		t.Fatalf("identity = %+v, want nil with auth disabled", identity)
	}
}

func TestCanAccessProject(t *testing.T) {
	t.Parallel()

	scoped := &Identity{Projects: []string{"proj-a", "proj-b"}}
	if !scoped.CanAccessProject("proj-a") {
		t.Fatal("expected access to listed project")
	}
	if scoped.CanAccessProject("proj-z") {
		t.Fatal("expected no access to unlisted project")
	}

	unscoped := &Identity{}
	if !unscoped.CanAccessProject("anything") {
		t.Fatal("key without project list should access any project")
	}

	var nilIdentity *Identity
	if nilIdentity.CanAccessProject("proj-a") {
		t.Fatal("nil identity should deny access")
	}
}

func TestIdentityContextRoundTrip(t *testing.T) {
	t.Parallel()

	identity := &Identity{KeyID: "k1", UserID: "user-9"}
	ctx := WithIdentity(context.Background(), identity)
	got := FromContext(ctx)
	if got == nil || got.KeyID != "k1" || got.UserID != "user-9" {
		t.Fatalf("FromContext() = %+v, want stored identity", got)
	}

	if FromContext(context.Background()) != nil {
		t.Fatal("FromContext(empty) should be nil")
	}
}

func TestCustomHeaderName(t *testing.T) {
	t.Parallel()

	authorizer, err := NewAuthorizer(Options{
		Enabled: true,
		Header:  "x-dashboard-token",
		Keys:    []KeyConfig{{ID: "k1", Token: "secret", Role: "viewer"}},
	})
	if err != nil {
		t.Fatalf("NewAuthorizer() error: %v", err)
	}
	if authorizer.HeaderName() != "X-Dashboard-Token" {
		t.Fatalf("HeaderName() = %q, want canonical X-Dashboard-Token", authorizer.HeaderName())
	}

	r := httptest.NewRequest("GET", "/api/projects/p/traces", nil)
	r.Header.Set("x-dashboard-token", "secret")
	if _, err := authorizer.Authenticate(r); err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
}
