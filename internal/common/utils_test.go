package common_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nitella/nitellad/internal/common"
)

func TestNormalizeListenAddr(t *testing.T) {
	require.Equal(t, "0.0.0.0:8080", common.NormalizeListenAddr(":8080"))
	require.Equal(t, "127.0.0.1:22", common.NormalizeListenAddr("127.0.0.1:22"))
}

func TestFormatStringSlice(t *testing.T) {
	require.Equal(t, "[]", common.FormatStringSlice(nil))
	require.Equal(t, "[a, b]", common.FormatStringSlice([]string{"a", "b"}))
}

func TestParseAction(t *testing.T) {
	require.Equal(t, common.ActionRequireApproval, common.ParseAction("approval"))
	require.Equal(t, common.ActionRequireApproval, common.ParseAction("require_approval"))
	require.Equal(t, common.ActionBlock, common.ParseAction("Block"))
	require.Equal(t, common.ActionUnspecified, common.ParseAction(""))
	require.Equal(t, common.ActionUnspecified, common.ParseAction("drop"))
}

func TestParseMockPreset(t *testing.T) {
	require.Equal(t, common.PresetHTTP404, common.ParseMockPreset("http404"))
	require.Equal(t, common.PresetHTTP404, common.ParseMockPreset("http_404"))
	require.Equal(t, common.PresetUnspecified, common.ParseMockPreset("http500"))
}
