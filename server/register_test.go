package server

import (
	"context"
	"errors"
	"testing"
)

func TestRegisterPublicClient(t *testing.T) {
	env := setupFlowTestServer(t)
	ctx := context.Background()

	registered, err := env.server.RegisterClient(ctx, []string{"http://localhost:3000/cb"}, false)
	if err != nil {
		t.Fatalf("RegisterClient failed: %v", err)
	}
	if registered.Client.ClientID == "" {
		t.Fatal("no client_id assigned")
	}
	if registered.Secret == "" {
		t.Error("no client_secret issued")
	}
	if registered.Client.SecretHash != "" {
		t.Error("public client got a secret hash")
	}

	// Public clients authenticate by identifier alone; the issued secret
	// is never checked.
	if err := env.server.AuthenticateClient(ctx, registered.Client.ClientID, ""); err != nil {
		t.Errorf("AuthenticateClient failed: %v", err)
	}
}

func TestRegisterConfidentialClient(t *testing.T) {
	env := setupFlowTestServer(t)
	ctx := context.Background()

	registered, err := env.server.RegisterClient(ctx, []string{"http://127.0.0.1:8765/cb"}, true)
	if err != nil {
		t.Fatalf("RegisterClient failed: %v", err)
	}
	if registered.Secret == "" {
		t.Fatal("confidential client got no secret")
	}
	if registered.Client.SecretHash == registered.Secret {
		t.Error("secret stored in clear")
	}

	if err := env.server.AuthenticateClient(ctx, registered.Client.ClientID, registered.Secret); err != nil {
		t.Errorf("correct secret rejected: %v", err)
	}
	if err := env.server.AuthenticateClient(ctx, registered.Client.ClientID, "wrong"); err == nil {
		t.Error("wrong secret accepted")
	}
	if err := env.server.AuthenticateClient(ctx, registered.Client.ClientID, ""); err == nil {
		t.Error("empty secret accepted for confidential client")
	}
}

func TestRegisterRejectsDisallowedRedirect(t *testing.T) {
	env := setupFlowTestServer(t)

	_, err := env.server.RegisterClient(context.Background(), []string{"https://evil.example.net/cb"}, false)
	if !errors.Is(err, ErrRedirectURINotAllowed) {
		t.Fatalf("got %v, want ErrRedirectURINotAllowed", err)
	}
}

func TestRegisterRequiresRedirectURI(t *testing.T) {
	env := setupFlowTestServer(t)

	if _, err := env.server.RegisterClient(context.Background(), nil, false); err == nil {
		t.Fatal("expected error for empty redirect URI list")
	}
}

func TestAuthenticateUnregisteredClient(t *testing.T) {
	env := setupFlowTestServer(t)

	// Unregistered clients are public; code and token binding still apply.
	if err := env.server.AuthenticateClient(context.Background(), "never-registered", ""); err != nil {
		t.Errorf("AuthenticateClient failed: %v", err)
	}
}
