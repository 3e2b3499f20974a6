package pdu

import (
	"github.com/ValentinKolb/dProxy/cmd/util"
	"github.com/ValentinKolb/dProxy/rpc/client"
	"github.com/ValentinKolb/dProxy/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	pduClient *client.Client

	// PDUCommands represents the pdu command group
	PDUCommands = &cobra.Command{
		Use:                "pdu",
		Short:              "Send PDUs to a running proxy",
		PersistentPreRunE:  setupClient,
		PersistentPostRunE: closeClient,
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	util.SetupClientFlags(PDUCommands)

	key := "log-level"
	PDUCommands.PersistentFlags().String(key, "warn", util.WrapString("Level of the client logs (debug, info, warn, error)"))

	PDUCommands.AddCommand(sendCmd)
	PDUCommands.AddCommand(perfTestCmd)
}

// setupClient connects to the proxy
func setupClient(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	if err := common.InitClientLoggers(viper.GetString("log-level")); err != nil {
		return err
	}

	var err error
	pduClient, err = client.Dial(util.GetClientConfig())
	return err
}

func closeClient(_ *cobra.Command, _ []string) error {
	if pduClient == nil {
		return nil
	}
	return pduClient.Close()
}
