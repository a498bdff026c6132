package core

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRejection_HTTPMapping(t *testing.T) {
	tests := []struct {
		kind    RejectionKind
		status  int
		message string
	}{
		{KindAuth, http.StatusUnauthorized, MessageUnauthorized},
		{KindValidationBlocked, http.StatusBadRequest, MessageBlocked},
		{KindRateLimited, http.StatusTooManyRequests, MessageTooManyRequests},
		{KindLockedOut, http.StatusTooManyRequests, MessageTooManyRequests},
		{KindAuthorizationDenied, http.StatusForbidden, MessageForbidden},
		{KindInternal, http.StatusInternalServerError, MessageInternal},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			r := NewRejection(StageScan, tt.kind, "detail that must stay server side")
			assert.Equal(t, tt.status, r.HTTPStatus())
			assert.Equal(t, tt.message, r.ClientMessage())
			assert.NotContains(t, r.ClientMessage(), "detail")
		})
	}
}

func TestCeilSeconds(t *testing.T) {
	assert.Equal(t, 1, CeilSeconds(0))
	assert.Equal(t, 1, CeilSeconds(10*time.Millisecond))
	assert.Equal(t, 1, CeilSeconds(time.Second))
	assert.Equal(t, 2, CeilSeconds(1001*time.Millisecond))
	assert.Equal(t, 60, CeilSeconds(time.Minute))
}

func TestInternal_Unwraps(t *testing.T) {
	base := errors.New("boom")
	rej := Internal(StageAuthorize, base)
	assert.Equal(t, KindInternal, rej.Kind)
	assert.ErrorIs(t, rej, base)
}

func TestIdentity_Helpers(t *testing.T) {
	var nilID *Identity
	assert.Equal(t, AnonymousActor, nilID.Actor())

	id := &Identity{SubjectID: "u1", Roles: []string{"Doctor"}}
	assert.Equal(t, "u1", id.Actor())

	c, ok := ParseRouteClass(" Emergency ")
	assert.True(t, ok)
	assert.Equal(t, RouteClassEmergency, c)
	assert.True(t, c.RequiresIdentity())
	assert.False(t, RouteClassAuth.RequiresIdentity())

	_, ok = ParseRouteClass("admin")
	assert.False(t, ok)
}
