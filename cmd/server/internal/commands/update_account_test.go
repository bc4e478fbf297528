package commands

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpdateAccountRequest(t *testing.T) {
	tests := []struct {
		name       string
		cmd        UpdateAccountCmd
		wantName   bool
		wantRole   bool
		wantActive *bool
	}{
		{name: "nothing set", cmd: UpdateAccountCmd{Active: "unchanged"}},
		{name: "name only", cmd: UpdateAccountCmd{Name: "Ann", Active: "unchanged"}, wantName: true},
		{name: "deactivate", cmd: UpdateAccountCmd{Active: "false"}, wantActive: new(bool)},
		{name: "role and activate", cmd: UpdateAccountCmd{Role: "admin", Active: "true"}, wantRole: true, wantActive: func() *bool { b := true; return &b }()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.cmd.request()
			require.Equal(t, tt.wantName, req.Name != nil)
			require.Equal(t, tt.wantRole, req.Role != nil)
			require.Nil(t, req.OrgRole)
			require.Equal(t, tt.wantActive, req.IsActive)
		})
	}
}
