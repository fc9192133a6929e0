package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

const BearerPrefix = "Bearer "

// BearerAuthEngine accepts requests presenting one of a fixed set of
// static bearer tokens.
type BearerAuthEngine struct {
	tokens [][]byte
}

// NewBearerAuthEngine creates a new BearerAuthEngine. Empty tokens are
// ignored.
func NewBearerAuthEngine(tokens ...string) *BearerAuthEngine {
	e := &BearerAuthEngine{}
	for _, token := range tokens {
		if token = strings.TrimSpace(token); token != "" {
			e.tokens = append(e.tokens, []byte(token))
		}
	}
	return e
}

// AuthenticateRequest checks the Authorization header for a known bearer
// token. Every configured token is compared so that timing does not depend
// on which one matched.
func (e *BearerAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, BearerPrefix) {
		return nil, nil
	}
	presented := []byte(strings.TrimSpace(header[len(BearerPrefix):]))
	if len(presented) == 0 {
		return nil, nil
	}

	matched := 0
	for _, token := range e.tokens {
		matched |= subtle.ConstantTimeCompare(presented, token)
	}
	if matched != 1 {
		return nil, nil
	}

	return &User{Name: "bearer"}, nil
}
