package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dProxy/lib/netlib"
	"github.com/ValentinKolb/dProxy/lib/pdu"
)

// --------------------------------------------------------------------------
// Proxy server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds all configuration parameters of the proxy server.
type ServerConfig struct {
	// Listen settings, one listener per IP, all on the same port
	ListenIPs  []string
	ListenPort uint16
	Backlog    int

	// Request handling
	WorkerCount  int
	MaxPDULength uint32
	DrainLimit   int      // responses sent per loop iteration, 0 = all
	EchoCommands []uint16 // command ids answered by the built-in echo handler

	// Event loop
	PollInterval  time.Duration
	TimerInterval time.Duration
	WriteMode     string
	SendBufSize   int
	RecvBufSize   int

	// Liveness
	HeartbeatInterval time.Duration
	Timeout           time.Duration
	ShutdownGrace     time.Duration

	// Metrics and process
	MetricsEndpoint string
	StatsInterval   time.Duration
	PidFile         string

	// Logging configuration
	LogLevel  string
	LogFormat string
}

// DefaultServerConfig returns the configuration the proxy runs with unless
// told otherwise
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenIPs:         []string{"0.0.0.0"},
		ListenPort:        10600,
		Backlog:           64,
		WorkerCount:       0,
		MaxPDULength:      pdu.DefaultMaxLength,
		PollInterval:      10 * time.Millisecond,
		TimerInterval:     time.Second,
		WriteMode:         netlib.WriteModeRearm.String(),
		HeartbeatInterval: 5 * time.Second,
		Timeout:           30 * time.Second,
		ShutdownGrace:     4 * time.Second,
		StatsInterval:     60 * time.Second,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Validate checks the configuration for values the server cannot run with
func (c *ServerConfig) Validate() error {
	if len(c.ListenIPs) == 0 {
		return fmt.Errorf("at least one listen ip is required")
	}
	if _, err := netlib.ParseWriteMode(c.WriteMode); err != nil {
		return err
	}
	if c.MaxPDULength != 0 && c.MaxPDULength < pdu.HeaderLen {
		return fmt.Errorf("max pdu length %d is smaller than the header (%d)", c.MaxPDULength, pdu.HeaderLen)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.TimerInterval <= 0 {
		return fmt.Errorf("timer interval must be positive, got %s", c.TimerInterval)
	}
	if c.Timeout > 0 && c.HeartbeatInterval > 0 && c.Timeout <= c.HeartbeatInterval {
		return fmt.Errorf("timeout (%s) must be larger than the heartbeat interval (%s)", c.Timeout, c.HeartbeatInterval)
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("shutdown grace must not be negative, got %s", c.ShutdownGrace)
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("invalid log format: %s. must be one of text, json", c.LogFormat)
	}
	return nil
}

// NetlibOptions derives the network layer options
func (c *ServerConfig) NetlibOptions() netlib.Options {
	opts := netlib.DefaultOptions()
	opts.WriteMode, _ = netlib.ParseWriteMode(c.WriteMode)
	if c.Backlog > 0 {
		opts.Backlog = c.Backlog
	}
	opts.SendBufSize = c.SendBufSize
	opts.RecvBufSize = c.RecvBufSize
	return opts
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	orDefault := func(v int) string {
		if v <= 0 {
			return "os default"
		}
		return strconv.Itoa(v)
	}

	addSection("Listener")
	addField("Listen IPs", strings.Join(c.ListenIPs, ", "))
	addField("Listen Port", strconv.Itoa(int(c.ListenPort)))
	addField("Backlog", strconv.Itoa(c.Backlog))

	addSection("Request Handling")
	workers := strconv.Itoa(c.WorkerCount)
	if c.WorkerCount <= 0 {
		workers = "one per cpu"
	}
	addField("Workers", workers)
	addField("Max PDU Length", fmt.Sprintf("%d bytes", c.MaxPDULength))
	drain := strconv.Itoa(c.DrainLimit)
	if c.DrainLimit <= 0 {
		drain = "unbounded"
	}
	addField("Drain Limit", drain)
	if len(c.EchoCommands) > 0 {
		ids := make([]string, len(c.EchoCommands))
		for i, id := range c.EchoCommands {
			ids[i] = fmt.Sprintf("%#04x", id)
		}
		addField("Echo Commands", strings.Join(ids, ", "))
	}

	addSection("Event Loop")
	addField("Write Mode", c.WriteMode)
	addField("Poll Interval", c.PollInterval.String())
	addField("Timer Interval", c.TimerInterval.String())
	addField("Send Buffer", orDefault(c.SendBufSize))
	addField("Recv Buffer", orDefault(c.RecvBufSize))

	addSection("Liveness")
	addField("Heartbeat Interval", c.HeartbeatInterval.String())
	addField("Timeout", c.Timeout.String())
	addField("Shutdown Grace", c.ShutdownGrace.String())

	addSection("Metrics")
	endpoint := c.MetricsEndpoint
	if endpoint == "" {
		endpoint = "disabled"
	}
	addField("Endpoint", endpoint)
	addField("Stats Interval", c.StatsInterval.String())
	if c.PidFile != "" {
		addField("Pid File", c.PidFile)
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)
	addField("Log Format", c.LogFormat)

	return sb.String()
}

// --------------------------------------------------------------------------
// Proxy client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	Endpoint          string
	Timeout           time.Duration
	HeartbeatInterval time.Duration
	MaxPDULength      uint32
}

// DefaultClientConfig returns the client defaults
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Endpoint:          "127.0.0.1:10600",
		Timeout:           5 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		MaxPDULength:      pdu.DefaultMaxLength,
	}
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("Endpoint", c.Endpoint)
	addField("Timeout", c.Timeout.String())
	addField("Heartbeat Interval", c.HeartbeatInterval.String())
	addField("Max PDU Length", fmt.Sprintf("%d bytes", c.MaxPDULength))

	return sb.String()
}

// --------------------------------------------------------------------------
// Parsing helpers (shared by the CLI and config files)
// --------------------------------------------------------------------------

// SplitList splits a list given as "a;b" or "a,b" and drops empty entries
func SplitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == ',' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// ParseCommandIDs parses a list of command ids, decimal or 0x prefixed hex
func ParseCommandIDs(s string) ([]uint16, error) {
	var ids []uint16
	for _, f := range SplitList(s) {
		id, err := strconv.ParseUint(f, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid command id %q: %w", f, err)
		}
		ids = append(ids, uint16(id))
	}
	return ids, nil
}
