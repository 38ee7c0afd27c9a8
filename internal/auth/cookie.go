package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const cookieIssuer = "tasksbyme"

// CookieSigner はセッションIDをHS256署名付きトークンとしてCookieに載せる。
// 改ざんされたCookieや期限切れのCookieはVerifyで拒否される。
type CookieSigner struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewCookieSigner はCookieSignerを生成する。
func NewCookieSigner(secret string, maxAge time.Duration) *CookieSigner {
	return &CookieSigner{
		secret: []byte(secret),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Sign はセッションIDを署名済みトークンに変換する。
func (s *CookieSigner) Sign(sessionID string) (string, error) {
	if sessionID == "" {
		return "", errors.New("session ID is required")
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    cookieIssuer,
		Subject:   sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.maxAge)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session cookie: %w", err)
	}
	return signed, nil
}

// Verify は署名済みトークンを検証し、セッションIDを返す。
func (s *CookieSigner) Verify(value string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(value, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cookieIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("invalid session cookie: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("invalid session cookie: empty subject")
	}
	return claims.Subject, nil
}
