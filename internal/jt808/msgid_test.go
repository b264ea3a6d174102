package jt808

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsRespondOnly(t *testing.T) {
	t.Parallel()

	respondOnly := []uint16{
		MsgTerminalGeneralResponse,
		MsgPlatformGeneralResponse,
		MsgRegisterResponse,
		MsgGetTerminalParamsResponse,
		MsgGetLocationResponse,
	}
	for _, id := range respondOnly {
		require.True(t, IsRespondOnly(id), "0x%04x should be respond-only", id)
	}

	require.False(t, IsRespondOnly(MsgLocationReport))
	require.False(t, IsRespondOnly(MsgTerminalHeartbeat))
}
