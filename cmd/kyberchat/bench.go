package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/pzverkov/kyberchat/pkg/metrics"
	"github.com/pzverkov/kyberchat/pkg/tunnel"
)

func benchCmd(a *app) *cobra.Command {
	var (
		count       int
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure tunnel handshakes against the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count <= 0 {
				return errors.New("--count must be positive")
			}
			if concurrency <= 0 {
				concurrency = 1
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return benchHandshakes(ctx, cmd.OutOrStdout(), a, count, concurrency)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 20, "number of handshakes")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "handshakes in flight")
	return cmd
}

func benchHandshakes(ctx context.Context, out io.Writer, a *app, count, concurrency int) error {
	fmt.Fprintf(out, "Benchmarking Handshakes (%d iterations, %d concurrent)\n", count, concurrency)
	fmt.Fprintln(out, strings.Repeat("─", 60))
	fmt.Fprintf(out, "Server: %s\n\n", a.cfg.Server.Address)

	var (
		mu        sync.Mutex
		durations []time.Duration
		failed    int
		lastErr   error
		wg        sync.WaitGroup
	)
	jobs := make(chan struct{})
	cfg := a.tunnelConfig()

	start := time.Now()
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				t0 := time.Now()
				s, err := tunnel.Dial(ctx, a.cfg.Server.Address, cfg)
				d := time.Since(t0)
				mu.Lock()
				if err != nil {
					failed++
					lastErr = err
				} else {
					durations = append(durations, d)
				}
				done := len(durations) + failed
				mu.Unlock()
				if s != nil {
					_ = s.Close()
				}
				fmt.Fprintf(out, "Progress: %d/%d (%.0f%%)\r", done, count, float64(done)/float64(count)*100)
			}
		}()
	}
feed:
	for i := 0; i < count; i++ {
		select {
		case jobs <- struct{}{}:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	fmt.Fprintln(out)

	if len(durations) == 0 {
		if lastErr == nil {
			lastErr = ctx.Err()
		}
		return fmt.Errorf("all handshakes failed: %w", lastErr)
	}
	printHandshakeResults(out, len(durations)+failed, failed, time.Since(start), durations)
	if lastErr != nil {
		a.logger.Warn("some handshakes failed", metrics.Fields{"failed": failed, "error": lastErr.Error()})
	}
	return nil
}

func printHandshakeResults(out io.Writer, total, failed int, totalTime time.Duration, durations []time.Duration) {
	slices.Sort(durations)

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	n := len(durations)
	avg := sum / time.Duration(n)
	p95 := durations[(n*95+99)/100-1]

	fmt.Fprintln(out, "\nResults:")
	fmt.Fprintf(out, "  Total handshakes: %d\n", total)
	fmt.Fprintf(out, "  Successful: %d\n", n)
	fmt.Fprintf(out, "  Failed: %d\n", failed)
	fmt.Fprintf(out, "  Total time: %v\n", totalTime)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Handshake Latency:")
	fmt.Fprintf(out, "  Average: %v\n", avg)
	fmt.Fprintf(out, "  Minimum: %v\n", durations[0])
	fmt.Fprintf(out, "  Maximum: %v\n", durations[n-1])
	fmt.Fprintf(out, "  P95: %v\n", p95)
	fmt.Fprintf(out, "  Throughput: %.2f handshakes/sec\n", float64(n)/totalTime.Seconds())
	fmt.Fprintln(out)

	// Latency includes the network round trip.
	switch {
	case avg < 20*time.Millisecond:
		fmt.Fprintln(out, "✓ Handshakes: Fast (< 20ms avg)")
	case avg < 100*time.Millisecond:
		fmt.Fprintln(out, "✓ Handshakes: Normal (< 100ms avg)")
	default:
		fmt.Fprintln(out, "⚠ Handshakes: Slow (> 100ms avg)")
	}
}
