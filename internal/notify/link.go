package notify

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Link audiences. Each deep link is scoped to the page it opens so a token
// minted for one referral cannot unlock another surface.
const (
	audienceReferral = "referral"
	audiencePending  = "pending-matters"
)

// Links mints signed deep links embedded in notification emails. The token
// lets a professional open their referral without a portal login.
type Links struct {
	baseURL string
	key     []byte
	ttl     time.Duration
}

// NewLinks creates a link minter. baseURL is the portal origin, key the
// HS256 signing secret.
func NewLinks(baseURL string, key []byte, ttl time.Duration) *Links {
	return &Links{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		ttl:     ttl,
	}
}

// Referral returns a signed link to a single referral's detail page.
func (l *Links) Referral(referralID string) (string, error) {
	token, err := l.sign(referralID, audienceReferral)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/referrals/%s?token=%s",
		l.baseURL, url.PathEscape(referralID), url.QueryEscape(token)), nil
}

// PendingMatters returns a signed link to a professional's list of all
// matters awaiting an update.
func (l *Links) PendingMatters(professionalID string) (string, error) {
	token, err := l.sign(professionalID, audiencePending)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/professionals/%s/pending?token=%s",
		l.baseURL, url.PathEscape(professionalID), url.QueryEscape(token)), nil
}

// Verify checks a link token's signature, expiry, and audience, returning
// the subject it was minted for.
func (l *Links) Verify(tokenStr, audience string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return l.key, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	if err != nil {
		return "", fmt.Errorf("links: invalid token: %w", err)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("links: invalid token claims")
	}
	return claims.Subject, nil
}

func (l *Links) sign(subject, audience string) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(l.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(l.key)
	if err != nil {
		return "", fmt.Errorf("links: signing token: %w", err)
	}
	return signed, nil
}
