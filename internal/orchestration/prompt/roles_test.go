package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompose_KnownRolesGetPreamble(t *testing.T) {
	for _, role := range []Role{RoleImplementer, RoleReviewer, RoleResearcher} {
		out := Compose(role, "do the thing")
		require.True(t, strings.HasPrefix(out, Preamble(role)), string(role))
		require.True(t, strings.HasSuffix(out, "do the thing"), string(role))
		require.Contains(t, out, "\n\n")
	}
}

func TestCompose_UnknownRolesPassThrough(t *testing.T) {
	require.Equal(t, "do the thing", Compose(RoleGeneric, "do the thing"))
	require.Equal(t, "do the thing", Compose(Role("devops"), "do the thing"))
}

func TestPreamble_MentionsCoordinationTools(t *testing.T) {
	require.Contains(t, Preamble(RoleImplementer), "update_progress")
	require.Contains(t, Preamble(RoleReviewer), "submit_review_verdict")
	require.Contains(t, Preamble(RoleResearcher), "report_finding")
	require.Empty(t, Preamble(Role("devops")))
}
