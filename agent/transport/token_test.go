package transport

import (
	"errors"
	"testing"
	"time"
)

func TestTokenIsSingleUse(t *testing.T) {
	t.Parallel()

	issuer := NewTokenIssuer(time.Minute)
	token, err := issuer.Issue("conv-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if err := issuer.Redeem(token, "conv-1"); err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}
	if err := issuer.Redeem(token, "conv-1"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("second Redeem() error = %v, want ErrTokenInvalid", err)
	}
}

func TestTokenBoundToConversation(t *testing.T) {
	t.Parallel()

	issuer := NewTokenIssuer(time.Minute)
	token, err := issuer.Issue("conv-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if err := issuer.Redeem(token, "conv-other"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("Redeem() error = %v, want ErrTokenInvalid", err)
	}
	// Cross-conversation redemption still burns the token.
	if err := issuer.Redeem(token, "conv-1"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("Redeem() after burn error = %v, want ErrTokenInvalid", err)
	}
}

func TestTokenExpires(t *testing.T) {
	t.Parallel()

	issuer := NewTokenIssuer(30 * time.Second)
	current := time.Now()
	issuer.now = func() time.Time { return current }

	token, err := issuer.Issue("conv-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	current = current.Add(31 * time.Second)
	if err := issuer.Redeem(token, "conv-1"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("Redeem() error = %v, want ErrTokenInvalid after expiry", err)
	}
}

func TestTokenUnknownValue(t *testing.T) {
	t.Parallel()

	issuer := NewTokenIssuer(time.Minute)
	if err := issuer.Redeem("deadbeef", "conv-1"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("Redeem() error = %v, want ErrTokenInvalid", err)
	}
}
