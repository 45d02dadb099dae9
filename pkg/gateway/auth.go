package gateway

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/valyala/fasthttp"
	"golang.org/x/crypto/bcrypt"
)

// AuthConfig configures gateway authentication. Either JWT or API-key
// checking (or both) may be enabled. When API keys are configured and a
// request carries an X-API-Key header, that key alone decides; otherwise
// the bearer token is checked.
type AuthConfig struct {
	// JWTSecret enables bearer-token auth with HS256.
	JWTSecret string

	// Issuer requires a matching `iss` claim when set.
	Issuer string

	// APIKeyHashes are bcrypt hashes of accepted keys, checked against
	// the X-API-Key header.
	APIKeyHashes []string
}

type authenticator struct {
	cfg AuthConfig
}

func newAuthenticator(cfg AuthConfig) (*authenticator, error) {
	if cfg.JWTSecret == "" && len(cfg.APIKeyHashes) == 0 {
		return nil, fmt.Errorf("gateway: auth enabled but no JWT secret or API key hashes configured")
	}
	for _, h := range cfg.APIKeyHashes {
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("gateway: invalid API key hash: %w", err)
		}
	}
	return &authenticator{cfg: cfg}, nil
}

func (a *authenticator) check(ctx *fasthttp.RequestCtx) error {
	if len(a.cfg.APIKeyHashes) > 0 {
		if key := string(ctx.Request.Header.Peek("X-API-Key")); key != "" {
			for _, hash := range a.cfg.APIKeyHashes {
				if bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil {
					return nil
				}
			}
			return fmt.Errorf("invalid API key")
		}
	}

	if a.cfg.JWTSecret != "" {
		authz := string(ctx.Request.Header.Peek("Authorization"))
		if !strings.HasPrefix(authz, "Bearer ") {
			return fmt.Errorf("missing bearer token")
		}
		return a.checkJWT(strings.TrimPrefix(authz, "Bearer "))
	}

	return fmt.Errorf("no credentials provided")
}

func (a *authenticator) checkJWT(tokenString string) error {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method family for HMAC secrets.
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(a.cfg.JWTSecret), nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}

// HashAPIKey produces a bcrypt hash suitable for AuthConfig.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
