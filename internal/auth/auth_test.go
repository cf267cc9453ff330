package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pccr10001/rtcall/internal/model"
)

func TestGenerateAndValidate(t *testing.T) {
	Configure("test-secret", time.Hour)
	token, err := GenerateToken(&model.User{ID: 7, Role: "admin"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID != 7 || claims.Role != "admin" {
		t.Errorf("claims = %+v", claims)
	}

	if _, err := ValidateToken(token + "x"); err == nil {
		t.Errorf("tampered token accepted")
	}
}

func TestValidateRejectsOtherKey(t *testing.T) {
	other := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{UserID: 1})
	signed, err := other.SignedString([]byte("someone-else"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	Configure("test-secret", time.Hour)
	if _, err := ValidateToken(signed); err == nil {
		t.Errorf("token signed with another key accepted")
	}
}

func TestParseIdentity(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      "user-42",
		"username": "alice",
		"exp":      exp.Unix(),
	})
	signed, err := tok.SignedString([]byte("relay-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	id, err := ParseIdentity(signed)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id.UserID != "user-42" || id.DisplayName != "alice" || !id.ExpiresAt.Equal(exp) {
		t.Errorf("identity = %+v", id)
	}
	if id.Expired(exp.Add(-time.Minute)) || !id.Expired(exp.Add(time.Minute)) {
		t.Errorf("expiry check wrong")
	}

	if _, err := ParseIdentity("not-a-token"); err == nil {
		t.Errorf("garbage token parsed")
	}
}
