package auth

import (
	"crypto/rsa"
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoSubject    = errors.New("auth: token carries no user id")
	ErrTokenExpired = errors.New("auth: token expired")
)

// Verifier checks access tokens issued by the auth service. Without a public key
// tokens are decoded but not verified (dev only).
type Verifier struct {
	pub *rsa.PublicKey
	now func() time.Time
}

func NewVerifier(pubKeyPath string) (*Verifier, error) {
	v := &Verifier{now: time.Now}
	if pubKeyPath == "" {
		return v, nil
	}
	b, err := os.ReadFile(pubKeyPath)
	if err != nil {
		return nil, err
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(b)
	if err != nil {
		return nil, err
	}
	v.pub = pub
	return v, nil
}

// Identity returns the user id the token was issued for.
func (v *Verifier) Identity(tokenStr string) (string, error) {
	claims, err := v.claims(tokenStr)
	if err != nil {
		return "", err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return "", err
	}
	if exp != nil && !v.now().Before(exp.Time) {
		return "", ErrTokenExpired
	}
	for _, key := range []string{"sub", "user_id", "user_uuid"} {
		if s, ok := GetStringClaim(claims, key); ok && s != "" {
			return s, nil
		}
	}
	return "", ErrNoSubject
}

func (v *Verifier) claims(tokenStr string) (jwt.MapClaims, error) {
	var token *jwt.Token
	var err error
	if v.pub != nil {
		token, err = jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return v.pub, nil
		}, jwt.WithoutClaimsValidation())
	} else {
		token, _, err = jwt.NewParser().ParseUnverified(tokenStr, jwt.MapClaims{})
	}
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(jwt.MapClaims); ok {
		return claims, nil
	}
	return nil, errors.New("invalid claims")
}

func GetStringClaim(claims jwt.MapClaims, key string) (string, bool) {
	if v, ok := claims[key]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}
