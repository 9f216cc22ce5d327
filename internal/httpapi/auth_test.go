package httpapi

import (
	"context"
	"sync"
	"testing"
	"time"

	"bonitoamor/backend/internal/domain"
)

type userStoreStub struct {
	mu    sync.Mutex
	users map[string]domain.UserAccount
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func stubWithUser(t *testing.T, username string, password string, role string, slug string, active bool) *userStoreStub {
	t.Helper()
	hash, err := hashPassword(password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			username: {
				Username:  username,
				Password:  hash,
				Role:      role,
				StoreSlug: slug,
				Active:    active,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestLoginIssuesTokenWithStoreScope(t *testing.T) {
	store := stubWithUser(t, "ana", "secret-pass", domain.RoleSeller, "bonito-amor", true)
	manager := NewAuthManager("test-secret", time.Hour, store)

	resp, err := manager.Login(domain.LoginRequest{Username: "ana", Password: "secret-pass"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.Role != domain.RoleSeller || resp.StoreSlug != "bonito-amor" {
		t.Fatalf("unexpected login response %+v", resp)
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "ana" || actor.Role != domain.RoleSeller || actor.StoreSlug != "bonito-amor" {
		t.Fatalf("claims dropped on roundtrip: %+v", actor)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	store := stubWithUser(t, "ana", "secret-pass", domain.RoleSeller, "bonito-amor", true)
	manager := NewAuthManager("test-secret", time.Hour, store)

	if _, err := manager.Login(domain.LoginRequest{Username: "ana", Password: "nope"}); err == nil {
		t.Fatalf("expected login to fail")
	}
	if _, err := manager.Login(domain.LoginRequest{Username: "ghost", Password: "secret-pass"}); err == nil {
		t.Fatalf("expected unknown user to fail")
	}
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	store := stubWithUser(t, "ana", "secret-pass", domain.RoleSeller, "bonito-amor", false)
	manager := NewAuthManager("test-secret", time.Hour, store)

	if _, err := manager.Login(domain.LoginRequest{Username: "ana", Password: "secret-pass"}); err == nil {
		t.Fatalf("expected inactive account to be rejected")
	}
}

func TestParseTokenRejectsForeignSignature(t *testing.T) {
	store := stubWithUser(t, "ana", "secret-pass", domain.RoleSeller, "bonito-amor", true)
	issuer := NewAuthManager("secret-one", time.Hour, store)
	verifier := NewAuthManager("secret-two", time.Hour, store)

	resp, err := issuer.Login(domain.LoginRequest{Username: "ana", Password: "secret-pass"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if _, err := verifier.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to fail")
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	store := stubWithUser(t, "ana", "secret-pass", domain.RoleSeller, "bonito-amor", true)
	manager := NewAuthManager("test-secret", time.Hour, store)

	token, err := manager.sign("ana", domain.RoleSeller, "bonito-amor", time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(token); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}

func TestLoginPicksUpUsersAddedAfterStartup(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.UserAccount{}}
	manager := NewAuthManager("test-secret", time.Hour, store)

	hash, err := hashPassword("late-pass")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := store.CreateUser(context.Background(), domain.UserAccount{
		Username:  "late",
		Password:  hash,
		Role:      domain.RoleSeller,
		StoreSlug: "bonito-amor",
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	if _, err := manager.Login(domain.LoginRequest{Username: "late", Password: "late-pass"}); err != nil {
		t.Fatalf("expected login to find the new account: %v", err)
	}
}
