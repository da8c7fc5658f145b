// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Authenticator gates every route but /health behind either a bearer JWT or
// a set of trusted reverse-proxy headers (§6 "optional bearer or
// proxy-header auth"). Either check alone is sufficient; both may be
// configured at once (e.g. a trusted proxy in front, a bearer token for
// direct access).
type Authenticator struct {
	// Secret is the HMAC signing key bearer tokens are verified against.
	// Empty disables bearer auth.
	Secret string

	// TrustedProxyHeader, when non-empty, is a request header whose mere
	// presence (set by a reverse proxy that has already authenticated the
	// caller) satisfies authentication, e.g. "X-Forwarded-User".
	TrustedProxyHeader string
}

// IssueToken mints a signed bearer JWT for subject, valid for ttl, backing
// the token-issuance path in the `init-env`/`bootstrap` CLI commands.
func (a *Authenticator) IssueToken(subject string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.Secret))
}

// Wrap rejects requests that satisfy neither configured check. /health is
// always exempt.
func (a *Authenticator) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if a.TrustedProxyHeader != "" && r.Header.Get(a.TrustedProxyHeader) != "" {
			next.ServeHTTP(w, r)
			return
		}
		if a.Secret != "" {
			token, err := extractBearerToken(r)
			if err == nil && a.verifyToken(token) {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeError(nil, w, http.StatusUnauthorized, "unauthorized")
	})
}

// extractBearerToken parses the Authorization header as "Bearer <token>",
// matching the header name case-insensitively but the "Bearer" scheme
// prefix case-sensitively. Query-string tokens are deliberately never
// accepted: they leak into proxy and access logs.
func extractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errMissingAuthHeader
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errMalformedAuthHeader
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", errEmptyToken
	}
	return token, nil
}

// verifyToken parses token as a JWT signed with a's Secret via HS256,
// rejecting any other signing method and any expired token.
func (a *Authenticator) verifyToken(token string) bool {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(a.Secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil && parsed.Valid
}

type authError string

func (e authError) Error() string { return string(e) }

const (
	errMissingAuthHeader   authError = "missing Authorization header"
	errMalformedAuthHeader authError = "malformed Authorization header"
	errEmptyToken          authError = "empty bearer token"
)
