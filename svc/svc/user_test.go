package svc

import (
	"context"
	"testing"

	"secureshare/pkg/domain"
	"secureshare/svc/lim"

	"github.com/pkg/errors"
)

func testUsers(t *testing.T) *Users {
	t.Helper()
	c := testConfig()
	limiter := lim.New(nil, nil)
	t.Cleanup(limiter.Stop)
	return NewUsers(testDB(t), testHasher(t, c), limiter, nil, c)
}

func TestRegisterAndLogin(t *testing.T) {
	u := testUsers(t)
	ctx := context.Background()

	user, err := u.Register(ctx, "Alice@Example.com", "long enough password", "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if user.Email != "alice@example.com" {
		t.Errorf("email not normalized: %q", user.Email)
	}
	if user.PasswordHash == "long enough password" || user.PasswordHash == "" {
		t.Error("password must be stored hashed")
	}

	got, token, err := u.Login(ctx, "alice@example.com", "long enough password", "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != user.ID || token == "" {
		t.Fatalf("login user=%s token=%q", got.ID, token)
	}

	userID, err := u.Sessions().Lookup(ctx, token)
	if err != nil || userID != user.ID {
		t.Errorf("session lookup = (%q, %v)", userID, err)
	}

	u.Logout(ctx, token)
	if _, err := u.Sessions().Lookup(ctx, token); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("after logout: got %v, want ErrUnauthorized", err)
	}
}

func TestLoginFailures(t *testing.T) {
	u := testUsers(t)
	ctx := context.Background()

	if _, err := u.Register(ctx, "bob@example.com", "long enough password", "10.0.0.1"); err != nil {
		t.Fatal(err)
	}

	// Unknown email and wrong password are indistinguishable.
	if _, _, err := u.Login(ctx, "nobody@example.com", "whatever password", "10.0.0.1"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Errorf("unknown email: got %v", err)
	}
	if _, _, err := u.Login(ctx, "bob@example.com", "wrong password!!", "10.0.0.1"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Errorf("wrong password: got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	u := testUsers(t)
	ctx := context.Background()

	if _, err := u.Register(ctx, "not-an-email", "long enough password", "10.0.0.1"); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("bad email: got %v", err)
	}
	if _, err := u.Register(ctx, "short@example.com", "tiny", "10.0.0.1"); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("short password: got %v", err)
	}

	if _, err := u.Register(ctx, "dup@example.com", "long enough password", "10.0.0.1"); err != nil {
		t.Fatal(err)
	}
	if _, err := u.Register(ctx, "dup@example.com", "another long password", "10.0.0.1"); !errors.Is(err, domain.ErrEmailTaken) {
		t.Errorf("duplicate email: got %v", err)
	}
}
