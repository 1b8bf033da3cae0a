package scale

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateString(t *testing.T) {
	require.Equal(t, "disabled", StateDisabled.String())
	require.Equal(t, "disconnected", StateDisconnected.String())
	require.Equal(t, "connected", StateConnected.String())
	require.Equal(t, "unknown(7)", State(7).String())

	b, err := json.Marshal(map[string]State{"state": StateConnected})
	require.Nil(t, err)
	require.JSONEq(t, `{"state":"connected"}`, string(b))
}

func TestManualEntry(t *testing.T) {
	require.True(t, ConnectionStatus{State: StateDisabled}.ManualEntry())
	require.True(t, ConnectionStatus{State: StateDisconnected}.ManualEntry())
	require.False(t, ConnectionStatus{State: StateConnected}.ManualEntry())
}

func TestReadingValue(t *testing.T) {
	require.Equal(t, 12.5, Reading{Weight: 12.5, Unit: UnitGrams}.Value())
}
