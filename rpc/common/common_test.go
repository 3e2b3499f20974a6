package common

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dProxy/lib/netlib"
	"github.com/ValentinKolb/dProxy/lib/pdu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultServerConfigIsValid(t *testing.T) {
	cfg := DefaultServerConfig()
	require.NoError(t, cfg.Validate())

	opts := cfg.NetlibOptions()
	assert.Equal(t, netlib.WriteModeRearm, opts.WriteMode)
	assert.Equal(t, 64, opts.Backlog)

	out := cfg.String()
	assert.Contains(t, out, "LISTENER")
	assert.Contains(t, out, "0.0.0.0")
	assert.Contains(t, out, "unbounded")
	assert.Contains(t, out, "disabled")
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ServerConfig)
	}{
		{"no listen ip", func(c *ServerConfig) { c.ListenIPs = nil }},
		{"unknown write mode", func(c *ServerConfig) { c.WriteMode = "sideways" }},
		{"max pdu below header", func(c *ServerConfig) { c.MaxPDULength = pdu.HeaderLen - 1 }},
		{"zero poll interval", func(c *ServerConfig) { c.PollInterval = 0 }},
		{"zero timer interval", func(c *ServerConfig) { c.TimerInterval = 0 }},
		{"timeout below heartbeat", func(c *ServerConfig) { c.Timeout = c.HeartbeatInterval }},
		{"negative grace", func(c *ServerConfig) { c.ShutdownGrace = -time.Second }},
		{"bad log level", func(c *ServerConfig) { c.LogLevel = "loud" }},
		{"bad log format", func(c *ServerConfig) { c.LogFormat = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultServerConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEdgeWriteModeIsPassedOn(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.WriteMode = "edge"
	cfg.SendBufSize = 1 << 16
	require.NoError(t, cfg.Validate())

	opts := cfg.NetlibOptions()
	assert.Equal(t, netlib.WriteModeEdge, opts.WriteMode)
	assert.Equal(t, 1<<16, opts.SendBufSize)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, SplitList("10.0.0.1;10.0.0.2"))
	assert.Equal(t, []string{"a", "b", "c"}, SplitList(" a, b;;c ;"))
	assert.Empty(t, SplitList(""))
}

func TestParseCommandIDs(t *testing.T) {
	ids, err := ParseCommandIDs("0x0101;258, 7")
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x0101, 258, 7}, ids)

	ids, err = ParseCommandIDs("")
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = ParseCommandIDs("0x10000")
	assert.Error(t, err)
	_, err = ParseCommandIDs("echo")
	assert.Error(t, err)
}

func TestParseCommand(t *testing.T) {
	c, err := ParseCommand("heartbeat")
	require.NoError(t, err)
	assert.Equal(t, Command{ServiceID: pdu.ServiceOther, CommandID: pdu.CommandHeartbeat}, c)
	assert.Equal(t, "heartbeat", c.String())

	c, err = ParseCommand("Stop-Receive")
	require.NoError(t, err)
	assert.Equal(t, pdu.CommandStopReceive, c.CommandID)

	c, err = ParseCommand("1:0x0101")
	require.NoError(t, err)
	assert.Equal(t, Command{ServiceID: 1, CommandID: 0x0101}, c)

	again, err := ParseCommand(c.String())
	require.NoError(t, err)
	assert.Equal(t, c, again)

	for _, bad := range []string{"", "7", "x:1", "1:y", "70000:1"} {
		_, err := ParseCommand(bad)
		assert.Error(t, err, bad)
	}
}

func TestCommandJSON(t *testing.T) {
	in := Command{ServiceID: 3, CommandID: 0x0203}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Command
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)

	assert.Error(t, json.Unmarshal([]byte(`"nope"`), &out))
}

func TestSummarize(t *testing.T) {
	p := pdu.New(1, 2, []byte("hello\n"))
	p.SeqNum = 9

	s := Summarize(p)
	assert.Equal(t, Command{ServiceID: 1, CommandID: 2}, s.Command)
	assert.Equal(t, uint16(9), s.SeqNum)
	assert.Equal(t, uint32(pdu.HeaderLen+6), s.Length)
	assert.Equal(t, "hello\n", s.Body)

	bin := Summarize(pdu.New(1, 2, []byte{0x00, 0xff}))
	assert.Equal(t, "00ff", bin.Body)
}

func TestClientConfigString(t *testing.T) {
	cfg := DefaultClientConfig()
	out := cfg.String()
	assert.True(t, strings.Contains(out, cfg.Endpoint))
	assert.Contains(t, out, "CLIENT CONFIGURATION")
}
