package bridgeerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRemotePreservesConnectorCodeVerbatim(t *testing.T) {
	err := Remote("command_blacklisted", "stop is forbidden")
	require.Equal(t, "command_blacklisted", err.Code)
	require.Equal(t, "stop is forbidden", err.Message)
}

func TestWrapCarriesUnderlyingErrorAsDetails(t *testing.T) {
	err := Wrap(CodeConnectionLost, "write failed", errors.New("broken pipe"))
	require.Equal(t, CodeConnectionLost, err.Code)
	require.Contains(t, err.Error(), "broken pipe")
}

func TestErrorStringOmitsDetailsWhenEmpty(t *testing.T) {
	err := New(CodeTimeout, "player.list timed out after 1s")
	require.Equal(t, "timeout: player.list timed out after 1s", err.Error())
}
