package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestHashPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("Correct-Horse-9")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if !strings.HasPrefix(hash, "$2") {
		t.Fatalf("expected bcrypt hash, got %q", hash)
	}
	if !CheckPassword("Correct-Horse-9", hash) {
		t.Fatalf("expected password to match its hash")
	}
	if CheckPassword("correct-horse-9", hash) {
		t.Fatalf("expected different password to fail")
	}
	if CheckPassword("Correct-Horse-9", "not-a-hash") {
		t.Fatalf("expected malformed hash to fail")
	}

	again, err := HashPassword("Correct-Horse-9")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if again == hash {
		t.Fatalf("expected salted hashes to differ")
	}
}

func TestHashPasswordRejectsOversizedInput(t *testing.T) {
	if _, err := HashPassword(strings.Repeat("a", 73)); !errors.Is(err, ErrPasswordTooLong) {
		t.Fatalf("expected ErrPasswordTooLong, got %v", err)
	}
}

func TestValidatePassword(t *testing.T) {
	cases := []struct {
		password string
		want     error
	}{
		{"Str0ng#Password!", nil},
		{"Ünïcödé-Pässw0rd", nil},
		{"Sh0rt!Pass", ErrPasswordTooShort},
		{"alllowercase123!", ErrPasswordWeak},
		{"ALLUPPERCASE123!", ErrPasswordWeak},
		{"NoDigitsHere!!!", ErrPasswordWeak},
		{"NoSpecials1234", ErrPasswordWeak},
		{"Aa1!" + strings.Repeat("x", 69), ErrPasswordTooLong},
	}
	for _, tc := range cases {
		if err := ValidatePassword(tc.password); !errors.Is(err, tc.want) {
			t.Fatalf("ValidatePassword(%q) = %v, want %v", tc.password, err, tc.want)
		}
	}
}
