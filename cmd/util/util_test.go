package util

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapString(t *testing.T) {
	text := strings.Repeat("word ", 30)
	for _, line := range strings.Split(WrapString(text), "\n") {
		assert.LessOrEqual(t, len(line), Wrap)
	}
	assert.Equal(t, "short text", WrapString("  short   text "))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "500ns", FormatDuration(500*time.Nanosecond))
	assert.Equal(t, "1.23ms", FormatDuration(1234567*time.Nanosecond))
	assert.Equal(t, "2.5s", FormatDuration(2500*time.Millisecond+300*time.Microsecond))
}

func TestClientFlagsReachConfig(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cmd := &cobra.Command{Use: "test"}
	SetupClientFlags(cmd)
	require.NoError(t, cmd.PersistentFlags().Parse([]string{"--endpoint", "10.1.2.3:4000", "--timeout", "2s"}))
	require.NoError(t, viper.BindPFlags(cmd.PersistentFlags()))

	cfg := GetClientConfig()
	assert.Equal(t, "10.1.2.3:4000", cfg.Endpoint)
	assert.Equal(t, 2*time.Second, cfg.Timeout)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
}
