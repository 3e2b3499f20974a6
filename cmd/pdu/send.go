package pdu

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	wire "github.com/ValentinKolb/dProxy/lib/pdu"
	"github.com/ValentinKolb/dProxy/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var sendCmd = &cobra.Command{
	Use:   "send [command] [body]",
	Short: "Send one PDU and print the response",
	Long: `Send one PDU and print the response. The command is either a name (heartbeat, stop-receive)
or service and command id as 'sid:cid', e.g. '1:0x0101'. The body is sent as given unless --hex is set.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSend,
}

func init() {
	key := "hex"
	sendCmd.Flags().Bool(key, false, "The body is hex encoded")
	key = "json"
	sendCmd.Flags().Bool(key, false, "Print the response as json")
	key = "no-reply"
	sendCmd.Flags().Bool(key, false, "Do not wait for a response")
	key = "wait-stop"
	sendCmd.Flags().Duration(key, 0, "After the response, wait this long for a stop receive notice of the proxy")
}

func runSend(cmd *cobra.Command, args []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	command, err := common.ParseCommand(args[0])
	if err != nil {
		return err
	}

	var body []byte
	if len(args) == 2 {
		if viper.GetBool("hex") {
			if body, err = hex.DecodeString(args[1]); err != nil {
				return fmt.Errorf("body is not valid hex: %w", err)
			}
		} else {
			body = []byte(args[1])
		}
	}

	req := command.NewPDU(body)

	if viper.GetBool("no-reply") {
		if err := pduClient.Send(req); err != nil {
			return err
		}
		fmt.Println("sent successfully")
		return nil
	}

	start := time.Now()
	resp, err := pduClient.Call(context.Background(), req)
	if err != nil {
		return err
	}
	if err := printPDU(resp, time.Since(start)); err != nil {
		return err
	}

	if wait := viper.GetDuration("wait-stop"); wait > 0 {
		return waitForStop(wait)
	}
	return nil
}

// waitForStop prints notifications until the proxy announces its shutdown
func waitForStop(wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case p, ok := <-pduClient.Notifications():
			if !ok {
				return fmt.Errorf("connection closed: %v", pduClient.Err())
			}
			if err := printPDU(p, 0); err != nil {
				return err
			}
			if p.IsStopReceive() {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("no stop receive notice within %s", wait)
		}
	}
}

func printPDU(p *wire.PDU, rtt time.Duration) error {
	summary := common.Summarize(p)

	if viper.GetBool("json") {
		out, err := json.Marshal(summary)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("command: %s\n", summary.Command)
	fmt.Printf("seq:     %d\n", summary.SeqNum)
	fmt.Printf("length:  %d\n", summary.Length)
	if rtt > 0 {
		fmt.Printf("rtt:     %s\n", rtt)
	}
	if summary.Body != "" {
		fmt.Printf("body:    %s\n", summary.Body)
	}
	return nil
}
