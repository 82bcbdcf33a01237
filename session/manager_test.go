package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/guiziweb/pm-oauth/socialauth"
	"github.com/guiziweb/pm-oauth/socialauth/mock"
)

func newTestManager(t *testing.T) (*Manager, *mock.Bridge) {
	t.Helper()
	store := NewMemoryStore()
	t.Cleanup(store.Stop)
	bridge := mock.New()
	return NewManager(store, bridge, nil), bridge
}

func TestActiveFlowIdleByDefault(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	flow, err := m.Handle("sess-1").ActiveFlow(ctx)
	if err != nil {
		t.Fatalf("ActiveFlow failed: %v", err)
	}
	if _, ok := flow.(Idle); !ok {
		t.Errorf("expected Idle, got %T", flow)
	}
}

func TestActiveFlowPriority(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	c := m.Handle("sess-1")

	if err := c.StoreOAuthRequest(ctx, "client-1", "http://127.0.0.1/cb", "xyz"); err != nil {
		t.Fatalf("StoreOAuthRequest failed: %v", err)
	}
	if err := c.MarkAdminLogin(ctx); err != nil {
		t.Fatalf("MarkAdminLogin failed: %v", err)
	}
	if err := c.MarkSignup(ctx, "invite-token"); err != nil {
		t.Fatalf("MarkSignup failed: %v", err)
	}

	// All three slots are populated; signup wins.
	flow, err := c.ActiveFlow(ctx)
	if err != nil {
		t.Fatalf("ActiveFlow failed: %v", err)
	}
	signup, ok := flow.(Signup)
	if !ok {
		t.Fatalf("expected Signup, got %T", flow)
	}
	if signup.Invite != "invite-token" {
		t.Errorf("invite = %q, want invite-token", signup.Invite)
	}
}

func TestActiveFlowAdminBeforeOAuth(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	c := m.Handle("sess-1")

	if err := c.StoreOAuthRequest(ctx, "client-1", "http://127.0.0.1/cb", "xyz"); err != nil {
		t.Fatalf("StoreOAuthRequest failed: %v", err)
	}
	if err := c.MarkAdminLogin(ctx); err != nil {
		t.Fatalf("MarkAdminLogin failed: %v", err)
	}

	flow, err := c.ActiveFlow(ctx)
	if err != nil {
		t.Fatalf("ActiveFlow failed: %v", err)
	}
	if _, ok := flow.(AdminLogin); !ok {
		t.Errorf("expected AdminLogin, got %T", flow)
	}
}

func TestActiveFlowMcpOAuth(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	c := m.Handle("sess-1")

	if err := c.StoreOAuthRequest(ctx, "client-1", "http://127.0.0.1:8976/cb", "state-abc"); err != nil {
		t.Fatalf("StoreOAuthRequest failed: %v", err)
	}

	flow, err := c.ActiveFlow(ctx)
	if err != nil {
		t.Fatalf("ActiveFlow failed: %v", err)
	}
	oauth, ok := flow.(McpOAuth)
	if !ok {
		t.Fatalf("expected McpOAuth, got %T", flow)
	}
	if oauth.ClientID != "client-1" || oauth.RedirectURI != "http://127.0.0.1:8976/cb" || oauth.State != "state-abc" {
		t.Errorf("unexpected flow payload: %+v", oauth)
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	c := m.Handle("sess-1")

	loginURL, err := c.StartAuth(ctx)
	if err != nil {
		t.Fatalf("StartAuth failed: %v", err)
	}
	if loginURL == "" {
		t.Fatal("expected a login URL")
	}

	// Recover the state the manager generated.
	sess, err := m.store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("session should exist: %v", err)
	}
	if sess.ProviderState == "" {
		t.Fatal("provider state should be stored")
	}

	identity, err := c.HandleCallback(ctx, "provider-code", sess.ProviderState)
	if err != nil {
		t.Fatalf("HandleCallback failed: %v", err)
	}
	if identity.Email != "mock@example.com" {
		t.Errorf("unexpected identity: %+v", identity)
	}

	stored, err := c.Identity(ctx)
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}
	if stored == nil || stored.ID != identity.ID {
		t.Error("identity should be recorded on the session")
	}
}

func TestHandshakeStateMismatch(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	c := m.Handle("sess-1")

	if _, err := c.StartAuth(ctx); err != nil {
		t.Fatalf("StartAuth failed: %v", err)
	}

	_, err := c.HandleCallback(ctx, "provider-code", "attacker-state")
	if !errors.Is(err, socialauth.ErrStateMismatch) {
		t.Fatalf("expected ErrStateMismatch, got %v", err)
	}

	// The stored state is consumed; replaying with the original state
	// must also fail.
	sess, _ := m.store.Get(ctx, "sess-1")
	if sess.ProviderState != "" {
		t.Error("provider state should be consumed on callback")
	}
}

func TestHandshakeWithoutStart(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Handle("sess-1").HandleCallback(ctx, "provider-code", "some-state")
	if !errors.Is(err, socialauth.ErrStateMismatch) {
		t.Fatalf("expected ErrStateMismatch with no stored state, got %v", err)
	}
}

func TestClearFlowWipesEverything(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	c := m.Handle("sess-1")

	if err := c.MarkSignup(ctx, "inv"); err != nil {
		t.Fatalf("MarkSignup failed: %v", err)
	}
	if err := c.StoreOAuthRequest(ctx, "client-1", "http://127.0.0.1/cb", "xyz"); err != nil {
		t.Fatalf("StoreOAuthRequest failed: %v", err)
	}
	if _, err := c.StartAuth(ctx); err != nil {
		t.Fatalf("StartAuth failed: %v", err)
	}
	sess, _ := m.store.Get(ctx, "sess-1")
	if _, err := c.HandleCallback(ctx, "code", sess.ProviderState); err != nil {
		t.Fatalf("HandleCallback failed: %v", err)
	}

	if err := c.ClearFlow(ctx); err != nil {
		t.Fatalf("ClearFlow failed: %v", err)
	}

	flow, err := c.ActiveFlow(ctx)
	if err != nil {
		t.Fatalf("ActiveFlow failed: %v", err)
	}
	if _, ok := flow.(Idle); !ok {
		t.Errorf("expected Idle after ClearFlow, got %T", flow)
	}

	identity, err := c.Identity(ctx)
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}
	if identity != nil {
		t.Error("identity should be wiped by ClearFlow")
	}

	sess, _ = m.store.Get(ctx, "sess-1")
	if sess.ProviderState != "" {
		t.Error("provider state should be wiped by ClearFlow")
	}
}

func TestClearFlowMissingSession(t *testing.T) {
	m, _ := newTestManager(t)

	if err := m.Handle("ghost").ClearFlow(context.Background()); err != nil {
		t.Fatalf("ClearFlow on missing session should be a no-op, got %v", err)
	}
}

func TestMemoryStoreTTL(t *testing.T) {
	store := NewMemoryStore()
	t.Cleanup(store.Stop)
	ctx := context.Background()

	sess := &Session{ID: "short"}
	if err := store.Save(ctx, sess, time.Millisecond); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	if _, err := store.Get(ctx, "short"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after expiry, got %v", err)
	}
}
