// Package auth resolves who is calling the API and whether they may decide
// approval gates.
package auth

import (
	"context"
	"net/http"
	"strings"
)

// =============================================================================
// Context Key
// =============================================================================

type contextKey string

const authContextKey contextKey = "auth"

// =============================================================================
// Types
// =============================================================================

// Context is the caller identity attached to a request.
type Context struct {
	// Identity is the caller's name as reported by the fronting gateway
	// (X-User-ID) or the sub claim of a bearer token.
	Identity string

	// Source records where Identity came from: "header" or "bearer".
	Source string

	// Authenticated indicates whether an identity was found.
	Authenticated bool
}

// =============================================================================
// Header Constants
// =============================================================================

const (
	// HeaderUserID carries the authenticated caller, injected by a gateway.
	HeaderUserID = "X-User-ID"

	// HeaderGatewaySecret carries the shared secret proving the request came
	// through the gateway.
	HeaderGatewaySecret = "X-Gateway-Secret"
)

// =============================================================================
// Context Extraction
// =============================================================================

// ExtractFromRequest extracts the caller from HTTP request headers.
func ExtractFromRequest(r *http.Request) Context {
	return ExtractFromHeaders(r.Header)
}

// HeaderGetter is an interface for getting header values.
type HeaderGetter interface {
	Get(key string) string
}

// ExtractFromHeaders is the pure part of ExtractFromRequest. It trusts
// X-User-ID as set by the gateway; bearer tokens are verified by the HTTP
// middleware and turned into a Context with FromSubject.
func ExtractFromHeaders(headers HeaderGetter) Context {
	if id := strings.TrimSpace(headers.Get(HeaderUserID)); id != "" {
		return Context{Identity: id, Source: "header", Authenticated: true}
	}
	return Context{}
}

// FromSubject builds the context for a verified bearer token subject.
func FromSubject(sub string) Context {
	sub = strings.TrimSpace(sub)
	if sub == "" {
		return Context{}
	}
	return Context{Identity: sub, Source: "bearer", Authenticated: true}
}

// =============================================================================
// Context Storage
// =============================================================================

// WithContext stores the auth context in the request context.
func WithContext(ctx context.Context, authCtx Context) context.Context {
	return context.WithValue(ctx, authContextKey, authCtx)
}

// FromContext retrieves the auth context from the request context.
// If none is stored, it returns an unauthenticated context.
func FromContext(ctx context.Context) Context {
	if authCtx, ok := ctx.Value(authContextKey).(Context); ok {
		return authCtx
	}
	return Context{}
}

// MapHeaderGetter wraps a map to implement HeaderGetter.
type MapHeaderGetter map[string]string

func (m MapHeaderGetter) Get(key string) string {
	return m[key]
}
