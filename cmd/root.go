package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dProxy/cmd/pdu"
	"github.com/ValentinKolb/dProxy/cmd/serve"
	"github.com/spf13/cobra"
)

const (
	Version = "1.0.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dproxy",
		Short: "event driven PDU proxy",
		Long: fmt.Sprintf(`dProxy (v%s)

A non-blocking proxy core written in Go. It accepts length framed PDUs on an
epoll event loop, dispatches them to a worker pool by command id and routes
the responses back to the originating connection.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dProxy",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dProxy v%s\n", Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(pdu.PDUCommands)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
