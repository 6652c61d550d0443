// Command reqpipe-bench fires a synthetic workload at a reqpipe.Pipe wired
// to an in-memory, optionally flaky/slow transport, and reports the elapsed
// time, the final pending/queued counts, and how many attempts reached the
// in-memory harness. It does not report per-outcome counts (resolved,
// retried, timed out, failed).
//
// Grounded on ethkit's cmd/chain-blast (a synthetic transaction workload
// driver) and cmd/ethkit (the cobra-based CLI skeleton).
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/0xsequence/reqpipe/reqpipe"
	"github.com/0xsequence/reqpipe/reqpipe/reqpipemetrics"
	"github.com/0xsequence/reqpipe/reqpipe/reqpipetest"
)

const version = "v0.1"

var rootCmd = &cobra.Command{
	Use:   "reqpipe-bench",
	Short: "reqpipe-bench - synthetic load driver for reqpipe.Pipe",
}

func init() {
	rootCmd.AddCommand(newRunCmd())

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("reqpipe-bench", version)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

const (
	flagMaxPending     = "max-pending"
	flagMaxRetries     = "max-retries"
	flagPendingTimeout = "pending-timeout"
	flagRequests       = "requests"
	flagLatency        = "latency"
	flagFailRate       = "fail-rate"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "drive a Pipe with a synthetic workload and report its stats",
		RunE:  runBench,
	}

	cmd.Flags().Int(flagMaxPending, 8, "maximum concurrent pending requests")
	cmd.Flags().Int(flagMaxRetries, 2, "retries per request after the first attempt")
	cmd.Flags().Duration(flagPendingTimeout, 200*time.Millisecond, "per-attempt timeout, 0 disables")
	cmd.Flags().Int(flagRequests, 500, "number of requests to fire")
	cmd.Flags().Duration(flagLatency, 5*time.Millisecond, "simulated reply latency")
	cmd.Flags().Float64(flagFailRate, 0.1, "fraction of attempts the synthetic transport rejects")

	return cmd
}

func runBench(cmd *cobra.Command, args []string) error {
	maxPending, _ := cmd.Flags().GetInt(flagMaxPending)
	maxRetries, _ := cmd.Flags().GetInt(flagMaxRetries)
	pendingTimeout, _ := cmd.Flags().GetDuration(flagPendingTimeout)
	numRequests, _ := cmd.Flags().GetInt(flagRequests)
	latency, _ := cmd.Flags().GetDuration(flagLatency)
	failRate, _ := cmd.Flags().GetFloat64(flagFailRate)

	opts := reqpipe.DefaultOptions
	opts.MaxPending = maxPending
	opts.MaxRetries = maxRetries
	opts.PendingTimeout = pendingTimeout

	pipe, err := reqpipe.NewPipe(opts)
	if err != nil {
		return err
	}

	recorder := reqpipemetrics.New()
	pipe.Observe(recorder)

	harness := reqpipetest.NewHarness()
	harness.Latency = latency
	harness.Bind(pipe)

	flaky := &flakyTransport{harness: harness, failRate: failRate}
	pipe.Sender(flaky.Send)

	ctx := context.Background()
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < numRequests; i++ {
		i := i
		g.Go(func() error {
			fut, err := pipe.Send(gctx, fmt.Sprintf("request-%d", i))
			if err != nil {
				return err
			}
			_, _ = fut.Wait(gctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	flushFut, err := pipe.Flush(ctx)
	if err != nil {
		return err
	}
	if _, err := flushFut.Wait(ctx); err != nil {
		return err
	}

	elapsed := time.Since(start)

	fmt.Printf("reqpipe-bench: %d requests in %s (pending=%d queued=%d)\n",
		numRequests, elapsed, pipe.Pending(), pipe.Queued())
	fmt.Printf("  attempts made by transport: %d\n", harness.Attempts())

	return nil
}

// flakyTransport wraps a reqpipetest.Harness's Send with a configurable
// rejection rate, so the bench can exercise the retry engine under load.
type flakyTransport struct {
	harness  *reqpipetest.Harness
	failRate float64
}

func (f *flakyTransport) Send(ctx context.Context, env reqpipe.Envelope) error {
	if rand.Float64() < f.failRate {
		return fmt.Errorf("reqpipe-bench: synthetic transport failure for request %d", env.ID)
	}
	return f.harness.Send(ctx, env)
}
