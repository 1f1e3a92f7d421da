package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveApprover(t *testing.T) {
	alice := Context{Identity: "alice", Source: "header", Authenticated: true}

	tests := []struct {
		name      string
		ctx       Context
		claimed   string
		approvers []string
		want      string
		wantErr   error
	}{
		{name: "anonymous uses body identity", claimed: "bob", want: "bob"},
		{name: "anonymous trims", claimed: "  bob ", want: "bob"},
		{name: "anonymous without identity", claimed: "", want: ""},
		{name: "authenticated without body", ctx: alice, want: "alice"},
		{name: "authenticated same body", ctx: alice, claimed: "alice", want: "alice"},
		{name: "authenticated other body", ctx: alice, claimed: "mallory", wantErr: ErrIdentityMismatch},
		{name: "listed approver", ctx: alice, approvers: []string{"alice", "bob"}, want: "alice"},
		{name: "unlisted approver", claimed: "eve", approvers: []string{"alice"}, wantErr: ErrNotApprover},
		{name: "empty identity left to gate", claimed: "", approvers: []string{"alice"}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveApprover(tt.ctx, tt.claimed, tt.approvers)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
