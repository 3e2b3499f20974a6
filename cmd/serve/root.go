package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	cmdUtil "github.com/ValentinKolb/dProxy/cmd/util"
	"github.com/ValentinKolb/dProxy/lib/pdu"
	"github.com/ValentinKolb/dProxy/lib/util"
	"github.com/ValentinKolb/dProxy/rpc/common"
	"github.com/ValentinKolb/dProxy/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = common.DefaultServerConfig()
	ServeCmd       = &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy server",
		Long: `Start the proxy server with the specified configuration. The configuration can be set via command line flags,
environment variables or a config file. The format of the environment variables is DPROXY_<flag> (e.g. DPROXY_LISTEN_PORT=10600).
Config files ending in .conf are read as KEY=VALUE files, the keys ListenIP, ListenPort and ThreadNum are understood.`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

// legacyKeys maps the keys of KEY=VALUE config files onto flags
var legacyKeys = map[string]string{
	"listenip":   "listen-ip",
	"listenport": "listen-port",
	"threadnum":  "workers",
}

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)

	defaults := common.DefaultServerConfig()

	key := "config"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Optional config file (json, yaml, toml or a KEY=VALUE .conf file)"))

	// listener
	key = "listen-ip"
	ServeCmd.PersistentFlags().String(key, strings.Join(defaults.ListenIPs, ";"), cmdUtil.WrapString("The IPs to listen on, separated by ';' or ','. One listener is opened per IP"))

	key = "listen-port"
	ServeCmd.PersistentFlags().Uint16(key, defaults.ListenPort, cmdUtil.WrapString("The port all listeners bind to"))

	key = "backlog"
	ServeCmd.PersistentFlags().Int(key, defaults.Backlog, cmdUtil.WrapString("Length of the accept queue of each listener"))

	// request handling
	key = "workers"
	ServeCmd.PersistentFlags().Int(key, defaults.WorkerCount, cmdUtil.WrapString("Number of worker goroutines running the handlers (0 = one per cpu)"))

	key = "max-pdu-length"
	ServeCmd.PersistentFlags().Uint32(key, defaults.MaxPDULength, cmdUtil.WrapString("Largest accepted PDU in bytes (header included). Connections sending larger frames are closed"))

	key = "drain-limit"
	ServeCmd.PersistentFlags().Int(key, defaults.DrainLimit, cmdUtil.WrapString("Responses sent per event loop iteration (0 = all pending)"))

	key = "echo-commands"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Command ids answered by the built-in echo handler, e.g. '0x0101' (used by 'pdu perf')"))

	// event loop
	key = "write-mode"
	ServeCmd.PersistentFlags().String(key, defaults.WriteMode, cmdUtil.WrapString("How pending output is retried: 'rearm' registers write interest after a partial send, 'edge' keeps it armed edge-triggered"))

	key = "poll-interval"
	ServeCmd.PersistentFlags().Duration(key, defaults.PollInterval, cmdUtil.WrapString("Upper bound of a single poll wait"))

	key = "timer-interval"
	ServeCmd.PersistentFlags().Duration(key, defaults.TimerInterval, cmdUtil.WrapString("How often connections are checked for heartbeats and timeouts"))

	key = "send-buf"
	ServeCmd.PersistentFlags().Int(key, defaults.SendBufSize, cmdUtil.WrapString("SO_SNDBUF of accepted sockets in bytes (0 = os default)"))

	key = "recv-buf"
	ServeCmd.PersistentFlags().Int(key, defaults.RecvBufSize, cmdUtil.WrapString("SO_RCVBUF of accepted sockets in bytes (0 = os default)"))

	// liveness
	key = "heartbeat-interval"
	ServeCmd.PersistentFlags().Duration(key, defaults.HeartbeatInterval, cmdUtil.WrapString("A heartbeat is sent to connections that had no output for this long"))

	key = "timeout"
	ServeCmd.PersistentFlags().Duration(key, defaults.Timeout, cmdUtil.WrapString("Connections that sent nothing for this long are closed"))

	key = "shutdown-grace"
	ServeCmd.PersistentFlags().Duration(key, defaults.ShutdownGrace, cmdUtil.WrapString("Time between the stop receive broadcast and the exit of the process"))

	// metrics and process
	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, defaults.MetricsEndpoint, cmdUtil.WrapString("Address of the http endpoint serving /metrics and /healthz (empty = disabled)"))

	key = "stats-interval"
	ServeCmd.PersistentFlags().Duration(key, defaults.StatsInterval, cmdUtil.WrapString("How often traffic statistics are logged (0 = never)"))

	key = "pid-file"
	ServeCmd.PersistentFlags().String(key, defaults.PidFile, cmdUtil.WrapString("Write the process id to this file while the server runs"))

	// logging
	key = "log-level"
	ServeCmd.PersistentFlags().String(key, defaults.LogLevel, cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	key = "log-format"
	ServeCmd.PersistentFlags().String(key, defaults.LogFormat, cmdUtil.WrapString("Format of the log output (text, json)"))
}

// processConfig reads the configuration from the command line flags, environment variables and the config file and
// converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if path := viper.GetString("config"); path != "" {
		if err := readConfigFile(cmd, path); err != nil {
			return err
		}
	}

	echoCommands, err := common.ParseCommandIDs(viper.GetString("echo-commands"))
	if err != nil {
		return err
	}

	serveCmdConfig.ListenIPs = common.SplitList(viper.GetString("listen-ip"))
	serveCmdConfig.ListenPort = viper.GetUint16("listen-port")
	serveCmdConfig.Backlog = viper.GetInt("backlog")
	serveCmdConfig.WorkerCount = viper.GetInt("workers")
	serveCmdConfig.MaxPDULength = viper.GetUint32("max-pdu-length")
	serveCmdConfig.DrainLimit = viper.GetInt("drain-limit")
	serveCmdConfig.EchoCommands = echoCommands
	serveCmdConfig.WriteMode = viper.GetString("write-mode")
	serveCmdConfig.PollInterval = viper.GetDuration("poll-interval")
	serveCmdConfig.TimerInterval = viper.GetDuration("timer-interval")
	serveCmdConfig.SendBufSize = viper.GetInt("send-buf")
	serveCmdConfig.RecvBufSize = viper.GetInt("recv-buf")
	serveCmdConfig.HeartbeatInterval = viper.GetDuration("heartbeat-interval")
	serveCmdConfig.Timeout = viper.GetDuration("timeout")
	serveCmdConfig.ShutdownGrace = viper.GetDuration("shutdown-grace")
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.StatsInterval = viper.GetDuration("stats-interval")
	serveCmdConfig.PidFile = viper.GetString("pid-file")
	serveCmdConfig.LogLevel = viper.GetString("log-level")
	serveCmdConfig.LogFormat = viper.GetString("log-format")

	if serveCmdConfig.MaxPDULength == 0 {
		serveCmdConfig.MaxPDULength = pdu.DefaultMaxLength
	}

	return serveCmdConfig.Validate()
}

// readConfigFile merges a config file into viper. Flags given on the command line and environment variables keep
// precedence over the file.
func readConfigFile(cmd *cobra.Command, path string) error {
	viper.SetConfigFile(path)
	if strings.EqualFold(filepath.Ext(path), ".conf") {
		viper.SetConfigType("env")
	}
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	for legacy, flag := range legacyKeys {
		if !viper.IsSet(legacy) || cmd.Flags().Changed(flag) {
			continue
		}
		envKey := strings.ToUpper(cmdUtil.EnvPrefix + "_" + strings.ReplaceAll(flag, "-", "_"))
		if _, ok := os.LookupEnv(envKey); ok {
			continue
		}
		viper.Set(flag, viper.Get(legacy))
	}
	return nil
}

// run starts the proxy and blocks until the shutdown handshake is done
func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLoggers(serveCmdConfig); err != nil {
		return err
	}

	fmt.Println(serveCmdConfig.String())

	// peers vanishing mid write must not kill the process
	signal.Ignore(syscall.SIGPIPE)

	srv, err := server.NewServer(serveCmdConfig)
	if err != nil {
		return err
	}

	if serveCmdConfig.PidFile != "" {
		pidFile := util.NewPidFile(serveCmdConfig.PidFile)
		if err := pidFile.Write(); err != nil {
			return err
		}
		defer func() {
			if err := pidFile.Remove(); err != nil {
				server.Logger.Warningf("%v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				server.Logger.Infof("received %s, starting shutdown", sig)
				srv.Shutdown()
			case <-done:
				return
			}
		}
	}()

	return srv.ListenAndServe(context.Background())
}
