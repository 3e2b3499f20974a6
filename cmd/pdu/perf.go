package pdu

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dProxy/cmd/util"
	wire "github.com/ValentinKolb/dProxy/lib/pdu"
	libUtil "github.com/ValentinKolb/dProxy/lib/util"
	"github.com/ValentinKolb/dProxy/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:   "perf",
		Short: "Performance testing tool for proxy servers",
		Long: `Runs parallel benchmarks against a proxy. The 'echo' tests need a server started with
--echo-commands containing the command id of --command.`,
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfCommand         = common.Command{ServiceID: 1, CommandID: 0x0101}
	perfPayloadSizeKB   = 100
	perfNumThreads      = 10
	perfSkip            = make([]string, 0)
	perfResultsOrdering = []string{"echo", "echo-large", "heartbeat"}
)

// perfResult is one benchmark with the latency of its last round
type perfResult struct {
	bench   testing.BenchmarkResult
	latency libUtil.Stats
	errors  int64
}

func init() {
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. echo,heartbeat)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "payload-size"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How large the body of the echo-large test should be (in KB)"))
	key = "command"
	perfTestCmd.Flags().String(key, perfCommand.String(), util.WrapString("The echo command as 'sid:cid'"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	command, err := common.ParseCommand(viper.GetString("command"))
	if err != nil {
		return err
	}
	perfCommand = command
	perfPayloadSizeKB = viper.GetInt("payload-size")
	perfNumThreads = viper.GetInt("threads")
	perfSkip = common.SplitList(viper.GetString("skip"))

	return nil
}

func runPerf(_ *cobra.Command, _ []string) error {
	config := util.GetClientConfig()

	fmt.Println("Performance testing tool for proxy servers")

	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(config.String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Printf("Command: %s\n", perfCommand)
	fmt.Println()

	fmt.Println("starting tests...")

	results := make(map[string]perfResult)

	small := []byte("ping")
	results["echo"] = benchmark("echo", func() error {
		_, err := pduClient.Call(context.Background(), perfCommand.NewPDU(small))
		return err
	})

	large := make([]byte, perfPayloadSizeKB*1024)
	results["echo-large"] = benchmark("echo-large", func() error {
		_, err := pduClient.Call(context.Background(), perfCommand.NewPDU(large))
		return err
	})

	// fire and forget, the proxy drops heartbeats before dispatch
	results["heartbeat"] = benchmark("heartbeat", func() error {
		return pduClient.Send(wire.NewHeartbeat())
	})

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, config); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// benchmark runs op in parallel and records the latency of every call of
// the final round
func benchmark(name string, op func() error) perfResult {
	if shouldSkip(name) {
		printResult(name, perfResult{})
		return perfResult{}
	}

	var (
		mu      sync.Mutex
		samples []time.Duration
		errs    atomic.Int64
	)

	bench := testing.Benchmark(func(b *testing.B) {
		mu.Lock()
		samples = samples[:0]
		mu.Unlock()
		errs.Store(0)

		b.SetParallelism(perfNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			local := make([]time.Duration, 0, 128)
			for pb.Next() {
				start := time.Now()
				if err := op(); err != nil {
					errs.Add(1)
					continue
				}
				local = append(local, time.Since(start))
			}
			mu.Lock()
			samples = append(samples, local...)
			mu.Unlock()
		})
	})

	result := perfResult{bench: bench, latency: libUtil.NewLatencyStats(samples), errors: errs.Load()}
	printResult(name, result)
	return result
}

func shouldSkip(test string) bool {
	for _, skip := range perfSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result perfResult) {
	if result.bench.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.bench.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\tp50 %s\tp99 %s",
		test, nsPerOp, time.Duration(nsPerOp), opsPerSec,
		util.FormatDuration(time.Duration(result.latency.P50)),
		util.FormatDuration(time.Duration(result.latency.P99)))
	if result.errors > 0 {
		fmt.Printf("\t%d errors", result.errors)
	}
	fmt.Println()
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]perfResult, config common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped", "Errors",
		"P50Ns", "P99Ns", "MeanNs", "Samples",
		"Endpoint", "Timeout", "Command", "Threads", "PayloadSizeKB",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	tests := make([]string, 0, len(results))
	for test := range results {
		tests = append(tests, test)
	}
	sort.Slice(tests, func(i, j int) bool { return orderOf(tests[i]) < orderOf(tests[j]) })

	for _, test := range tests {
		result := results[test]

		var nsPerOp, opsPerSec float64
		skipped := "true"
		if result.bench.NsPerOp() != 0 {
			skipped = "false"
			nsPerOp = math.Max(float64(result.bench.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			strconv.FormatInt(result.errors, 10),
			fmt.Sprintf("%.0f", result.latency.P50),
			fmt.Sprintf("%.0f", result.latency.P99),
			fmt.Sprintf("%.0f", result.latency.Mean),
			strconv.Itoa(result.latency.Count),
			config.Endpoint,
			config.Timeout.String(),
			perfCommand.String(),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfPayloadSizeKB),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}

func orderOf(test string) int {
	for i, name := range perfResultsOrdering {
		if strings.EqualFold(name, test) {
			return i
		}
	}
	return len(perfResultsOrdering)
}
