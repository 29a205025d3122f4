package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/opensource-finance/kestrel/internal/dataset"
	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	benchLimitFlag = &cli.IntFlag{
		Name:  "limit",
		Usage: "Maximum rows to send (0 = all)",
		Value: 10000,
	}

	benchWorkersFlag = &cli.IntFlag{
		Name:  "workers",
		Usage: "Number of concurrent requests",
		Value: 10,
	}

	benchRateFlag = &cli.FloatFlag{
		Name:  "rps",
		Usage: "Maximum requests per second (0 = unlimited)",
	}

	benchPositiveFlag = &cli.StringFlag{
		Name:  "positive",
		Usage: "Lowest decision counted as a fraud prediction [block, challenge]",
		Value: string(domain.DecisionBlock),
	}

	benchFraudOnlyFlag = &cli.BoolFlag{
		Name:  "fraud-only",
		Usage: "Only send fraud rows",
	}

	benchVerboseFlag = &cli.BoolFlag{
		Name:  "verbose",
		Usage: "Print each transaction result",
	}

	benchCmd = &cli.Command{
		Name:  "bench",
		Usage: "Replay a labelled CSV against /score and report detection metrics",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     csvFlag.Name,
				Usage:    csvFlag.Usage,
				Required: true,
			},
			algorithmFlag,
			merchantFlag,
			benchLimitFlag,
			benchWorkersFlag,
			benchRateFlag,
			benchPositiveFlag,
			benchFraudOnlyFlag,
			benchVerboseFlag,
		},
		Action: runBench,
	}
)

// tally counts benchmark outcomes. Safe for concurrent use.
type tally struct {
	// challengeIsFraud counts challenge decisions as fraud predictions.
	challengeIsFraud bool

	tp, fp, tn, fn atomic.Int64
	errors         atomic.Int64
	latencyMicros  atomic.Int64
}

func (t *tally) predicted(d domain.Decision) bool {
	return d == domain.DecisionBlock || (t.challengeIsFraud && d == domain.DecisionChallenge)
}

func (t *tally) record(actual bool, d domain.Decision, elapsed time.Duration) {
	t.latencyMicros.Add(elapsed.Microseconds())
	switch predicted := t.predicted(d); {
	case predicted && actual:
		t.tp.Add(1)
	case predicted && !actual:
		t.fp.Add(1)
	case !predicted && !actual:
		t.tn.Add(1)
	default:
		t.fn.Add(1)
	}
}

func (t *tally) total() int64 {
	return t.tp.Load() + t.fp.Load() + t.tn.Load() + t.fn.Load()
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func (t *tally) precision() float64 { return ratio(t.tp.Load(), t.tp.Load()+t.fp.Load()) }
func (t *tally) recall() float64    { return ratio(t.tp.Load(), t.tp.Load()+t.fn.Load()) }

func (t *tally) f1() float64 {
	p, r := t.precision(), t.recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func (t *tally) accuracy() float64 {
	return ratio(t.tp.Load()+t.tn.Load(), t.total())
}

func parsePositive(value string) (bool, error) {
	switch strings.ToLower(value) {
	case string(domain.DecisionBlock):
		return false, nil
	case string(domain.DecisionChallenge):
		return true, nil
	}
	return false, fmt.Errorf("invalid positive decision %q (block or challenge)", value)
}

// benchRows picks the rows to send, keeping dataset order.
func benchRows(ds *dataset.Dataset, limit int, fraudOnly bool) []int {
	rows := make([]int, 0, ds.Len())
	for i, y := range ds.Y {
		if fraudOnly && y != 1 {
			continue
		}
		rows = append(rows, i)
		if limit > 0 && len(rows) >= limit {
			break
		}
	}
	return rows
}

func runBench(ctx context.Context, cmd *cli.Command) error {
	challengeIsFraud, err := parsePositive(cmd.String(benchPositiveFlag.Name))
	if err != nil {
		return err
	}
	workers := cmd.Int(benchWorkersFlag.Name)
	if workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}

	c, err := clientFor(ctx, cmd)
	if err != nil {
		return err
	}
	if err := c.get(ctx, "/health", nil); err != nil {
		return fmt.Errorf("kestrel not reachable at %s: %w", c.baseURL, err)
	}

	ds, err := dataset.LoadFile(cmd.String(csvFlag.Name))
	if err != nil {
		return err
	}
	rows := benchRows(ds, cmd.Int(benchLimitFlag.Name), cmd.Bool(benchFraudOnlyFlag.Name))
	if len(rows) == 0 {
		return fmt.Errorf("no rows selected")
	}

	var frauds int
	for _, i := range rows {
		frauds += ds.Y[i]
	}
	fmt.Printf("Kestrel:  %s\n", c.baseURL)
	fmt.Printf("Rows:     %s (%s fraud)\n", humanize.Comma(int64(len(rows))), humanize.Comma(int64(frauds)))
	fmt.Printf("Workers:  %d\n\n", workers)

	limiter := rate.NewLimiter(rate.Inf, 1)
	if rps := cmd.Float(benchRateFlag.Name); rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}

	path := scorePath(cmd.String(algorithmFlag.Name))
	merchant := cmd.String(merchantFlag.Name)
	verbose := cmd.Bool(benchVerboseFlag.Name)
	t := &tally{challengeIsFraud: challengeIsFraud}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	start := time.Now()
	for _, i := range rows {
		if err := limiter.Wait(gctx); err != nil {
			break
		}
		g.Go(func() error {
			payload := rowPayload(ds.Order, ds.X[i])
			if merchant != "" {
				payload["merchant"] = merchant
			}

			began := time.Now()
			var res domain.ScoreResult
			err := c.post(gctx, path, payload, &res)
			if err != nil {
				var apiErr *APIError
				// A missing model fails every request; stop early.
				if errors.As(err, &apiErr) && apiErr.Status == 503 {
					return err
				}
				t.errors.Add(1)
				slog.Debug("score failed", "row", i, "error", err)
				return nil
			}

			actual := ds.Y[i] == 1
			t.record(actual, res.Decision, time.Since(began))
			if verbose {
				mark := "✓"
				if t.predicted(res.Decision) != actual {
					mark = "✗"
				}
				fmt.Printf("%s row %-7d | Amount: %10.2f | Fraud: %-5v | %-9s (%.4f)\n",
					mark, i, ds.X[i][len(ds.X[i])-1], actual, res.Decision, res.Score)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	printBench(t, time.Since(start))
	return nil
}

func printBench(t *tally, elapsed time.Duration) {
	fmt.Println("CONFUSION MATRIX")
	fmt.Println("                  Predicted")
	fmt.Println("               fraud      legit")
	fmt.Printf("  Actual fraud %8d   %8d   (TP, FN)\n", t.tp.Load(), t.fn.Load())
	fmt.Printf("         legit %8d   %8d   (FP, TN)\n", t.fp.Load(), t.tn.Load())
	fmt.Println()

	fmt.Println("DETECTION METRICS")
	fmt.Printf("  Precision:  %.4f\n", t.precision())
	fmt.Printf("  Recall:     %.4f\n", t.recall())
	fmt.Printf("  F1-Score:   %.4f\n", t.f1())
	fmt.Printf("  Accuracy:   %.4f\n", t.accuracy())
	fmt.Println()

	total := t.total()
	fmt.Println("PERFORMANCE")
	fmt.Printf("  Scored:     %s\n", humanize.Comma(total))
	fmt.Printf("  Errors:     %s\n", humanize.Comma(t.errors.Load()))
	fmt.Printf("  Duration:   %v\n", elapsed.Round(time.Millisecond))
	if total > 0 {
		avg := time.Duration(t.latencyMicros.Load()/total) * time.Microsecond
		fmt.Printf("  Latency:    %v avg\n", avg)
		fmt.Printf("  Throughput: %.2f tx/sec\n", float64(total)/elapsed.Seconds())
	}
}
