package auth

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// ExtractFromHeaders Tests
// =============================================================================

func TestExtractFromHeaders(t *testing.T) {
	tests := []struct {
		name     string
		headers  MapHeaderGetter
		identity string
	}{
		{name: "empty", headers: MapHeaderGetter{}},
		{name: "blank user id", headers: MapHeaderGetter{HeaderUserID: "  "}},
		{name: "user id header", headers: MapHeaderGetter{HeaderUserID: "alice"}, identity: "alice"},
		{name: "trimmed", headers: MapHeaderGetter{HeaderUserID: " alice "}, identity: "alice"},
		{name: "bearer alone is not trusted", headers: MapHeaderGetter{"Authorization": "Bearer a.b.c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := ExtractFromHeaders(tt.headers)
			assert.Equal(t, tt.identity != "", ctx.Authenticated)
			assert.Equal(t, tt.identity, ctx.Identity)
			if ctx.Authenticated {
				assert.Equal(t, "header", ctx.Source)
			}
		})
	}
}

func TestExtractFromRequest(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/v1/gates/g1/approve", nil)
	req.Header.Set(HeaderUserID, "carol")

	ctx := ExtractFromRequest(req)
	assert.True(t, ctx.Authenticated)
	assert.Equal(t, "carol", ctx.Identity)
}

func TestFromSubject(t *testing.T) {
	ctx := FromSubject("bob")
	assert.True(t, ctx.Authenticated)
	assert.Equal(t, "bob", ctx.Identity)
	assert.Equal(t, "bearer", ctx.Source)

	assert.False(t, FromSubject(" ").Authenticated)
}

// =============================================================================
// Context Storage Tests
// =============================================================================

func TestWithContext_RoundTrip(t *testing.T) {
	ctx := WithContext(context.Background(), Context{Identity: "alice", Authenticated: true})

	got := FromContext(ctx)
	assert.Equal(t, "alice", got.Identity)
	assert.True(t, got.Authenticated)
}

func TestFromContext_Missing(t *testing.T) {
	got := FromContext(context.Background())
	assert.False(t, got.Authenticated)
	assert.Empty(t, got.Identity)
}
