package common

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ValentinKolb/dProxy/lib/pdu"
)

// --------------------------------------------------------------------------
// Command Structure
// --------------------------------------------------------------------------

// Command identifies a PDU kind by service and command id
type Command struct {
	ServiceID uint16 `json:"service_id"`
	CommandID uint16 `json:"command_id"`
}

// Named commands the CLI accepts by name
var namedCommands = map[string]Command{
	"heartbeat":    {ServiceID: pdu.ServiceOther, CommandID: pdu.CommandHeartbeat},
	"stop-receive": {ServiceID: pdu.ServiceOther, CommandID: pdu.CommandStopReceive},
}

// String returns the name of a known command or "sid:cid" in hex
func (c Command) String() string {
	for name, known := range namedCommands {
		if known == c {
			return name
		}
	}
	return fmt.Sprintf("%#04x:%#04x", c.ServiceID, c.CommandID)
}

// NewPDU creates a PDU for this command
func (c Command) NewPDU(body []byte) *pdu.PDU {
	return pdu.New(c.ServiceID, c.CommandID, body)
}

// ParseCommand accepts a command name ("heartbeat") or "sid:cid" where both
// ids are decimal or 0x prefixed hex
func ParseCommand(s string) (Command, error) {
	s = strings.TrimSpace(s)
	if c, ok := namedCommands[strings.ToLower(s)]; ok {
		return c, nil
	}

	sid, cid, found := strings.Cut(s, ":")
	if !found {
		return Command{}, fmt.Errorf("invalid command %q: expected a name or sid:cid", s)
	}
	serviceID, err := strconv.ParseUint(strings.TrimSpace(sid), 0, 16)
	if err != nil {
		return Command{}, fmt.Errorf("invalid service id %q: %w", sid, err)
	}
	commandID, err := strconv.ParseUint(strings.TrimSpace(cid), 0, 16)
	if err != nil {
		return Command{}, fmt.Errorf("invalid command id %q: %w", cid, err)
	}
	return Command{ServiceID: uint16(serviceID), CommandID: uint16(commandID)}, nil
}

// MarshalJSON serializes the command by its String form
func (c Command) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON accepts everything ParseCommand accepts
func (c *Command) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseCommand(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// --------------------------------------------------------------------------
// PDU summary (used by the CLI output)
// --------------------------------------------------------------------------

// PDUSummary is the printable form of a received PDU
type PDUSummary struct {
	Command Command `json:"command"`
	SeqNum  uint16  `json:"seq"`
	Flag    uint16  `json:"flag"`
	Length  uint32  `json:"length"`
	Body    string  `json:"body,omitempty"`
}

// Summarize describes p, the body is rendered as text if it is printable
// and as hex otherwise
func Summarize(p *pdu.PDU) PDUSummary {
	body := string(p.Body)
	if !isPrintable(p.Body) {
		body = fmt.Sprintf("%x", p.Body)
	}
	return PDUSummary{
		Command: Command{ServiceID: p.ServiceID, CommandID: p.CommandID},
		SeqNum:  p.SeqNum,
		Flag:    p.Flag,
		Length:  uint32(p.Len()),
		Body:    body,
	}
}

func isPrintable(b []byte) bool {
	for _, c := range b {
		if (c < 0x20 || c > 0x7e) && c != '\n' && c != '\t' && c != '\r' {
			return false
		}
	}
	return true
}
