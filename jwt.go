package oniri

import "errors"
import "fmt"
import "net/http"
import "strings"
import "time"

import "github.com/golang-jwt/jwt/v5"

const CTL_TOKEN_ISSUER string = "oniri"

var ErrCtlUnauthorized = errors.New("unauthorized")

type CtlClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// MakeCtlToken issues an HS512 bearer token for the control endpoints.
// A zero ttl produces a token without expiry.
func MakeCtlToken(secret string, subject string, ttl time.Duration) (string, error) {
	var claims CtlClaims
	var now time.Time

	if secret == "" { return "", fmt.Errorf("empty token secret") }

	now = time.Now()
	claims.Issuer = CTL_TOKEN_ISSUER
	claims.Subject = subject
	claims.IssuedAt = jwt.NewNumericDate(now)
	if ttl > 0 { claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl)) }

	return jwt.NewWithClaims(jwt.SigningMethodHS512, &claims).SignedString([]byte(secret))
}

func VerifyCtlToken(secret string, token_str string) (*CtlClaims, error) {
	var claims CtlClaims
	var tok *jwt.Token
	var err error

	tok, err = jwt.ParseWithClaims(token_str, &claims,
		func(t *jwt.Token) (interface{}, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithIssuer(CTL_TOKEN_ISSUER))
	if err != nil { return nil, fmt.Errorf("%w - %s", ErrCtlUnauthorized, err.Error()) }
	if !tok.Valid { return nil, ErrCtlUnauthorized }
	return &claims, nil
}

// ctl_bearer_token takes the token from the Authorization header. The
// token query parameter is accepted for websocket clients that cannot set
// headers.
func ctl_bearer_token(req *http.Request) string {
	var auth string

	auth = req.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return req.URL.Query().Get("token")
}
