package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowed(t *testing.T) {
	tests := []struct {
		role string
		perm string
		want bool
	}{
		{RoleHR, PermRetroPayApprove, true},
		{RolePayrollAdmin, PermRetroPayCreate, true},
		{RolePayrollRun, PermRetroPayPay, true},
		{RolePayrollRun, PermRetroPayApprove, false},
		{RoleManager, PermRetroPayRead, true},
		{RoleManager, PermRetroPayPayout, false},
		{RoleEmployee, PermRetroPayRead, false},
		{"", PermRetroPayRead, false},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.role+"/"+tc.perm, func(t *testing.T) {
			assert.Equal(t, tc.want, Allowed(tc.role, tc.perm))
			ok, err := Policy{}.HasPermission(context.Background(), tc.role, tc.perm)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
		})
	}
}

func TestTokenRoundTrip(t *testing.T) {
	token, err := GenerateToken("s3cret", Claims{UserID: "u1", TenantID: "t1", RoleID: RoleHR, RoleName: RoleHR}, time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken("s3cret", token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "t1", claims.TenantID)
	assert.Equal(t, RoleHR, claims.RoleName)

	_, err = ParseToken("other", token)
	require.Error(t, err)
}

func TestTokenExpired(t *testing.T) {
	token, err := GenerateToken("s3cret", Claims{UserID: "u1", TenantID: "t1"}, -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken("s3cret", token)
	require.Error(t, err)
}

func TestTokenWithoutTenantRejected(t *testing.T) {
	token, err := GenerateToken("s3cret", Claims{UserID: "u1"}, time.Hour)
	require.NoError(t, err)
	_, err = ParseToken("s3cret", token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestUserContextActor(t *testing.T) {
	u := UserContext{UserID: "u1", TenantID: "t1", RoleID: "r1", RoleName: RoleManager}
	assert.Equal(t, Actor{UserID: "u1", TenantID: "t1", Role: RoleManager}, u.Actor())
}
