package util

import (
	"strings"
	"time"

	"github.com/ValentinKolb/dProxy/lib/pdu"
	"github.com/ValentinKolb/dProxy/rpc/common"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix is the prefix of all environment variables (DPROXY_<FLAG>)
	EnvPrefix = "dproxy"
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		if lineWidth > 0 && lineWidth+1+len(word) > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += len(word)
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupClientFlags adds the connection flags of the pdu client to a command
func SetupClientFlags(cmd *cobra.Command) {
	defaults := common.DefaultClientConfig()

	key := "endpoint"
	cmd.PersistentFlags().String(key, defaults.Endpoint, WrapString("The address of the proxy (host:port)"))

	key = "timeout"
	cmd.PersistentFlags().Duration(key, defaults.Timeout, WrapString("How long to wait for the connection and for each response"))

	key = "heartbeat-interval"
	cmd.PersistentFlags().Duration(key, defaults.HeartbeatInterval, WrapString("Interval of the client heartbeats, 0 disables them"))

	key = "max-pdu-length"
	cmd.PersistentFlags().Uint32(key, pdu.DefaultMaxLength, WrapString("Largest PDU (header included) the client accepts"))
}

// InitConfig loads .env files and enables the DPROXY_ environment variables
func InitConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// GetClientConfig reads the client configuration from viper
func GetClientConfig() common.ClientConfig {
	return common.ClientConfig{
		Endpoint:          viper.GetString("endpoint"),
		Timeout:           viper.GetDuration("timeout"),
		HeartbeatInterval: viper.GetDuration("heartbeat-interval"),
		MaxPDULength:      viper.GetUint32("max-pdu-length"),
	}
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// FormatDuration prints d rounded to a readable precision
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Microsecond:
		return d.String()
	case d < time.Millisecond:
		return d.Round(10 * time.Nanosecond).String()
	case d < time.Second:
		return d.Round(10 * time.Microsecond).String()
	default:
		return d.Round(time.Millisecond).String()
	}
}
