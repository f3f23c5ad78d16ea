// Benchmark tool for replaying labelled activity events against PassGuard.
//
// Usage:
//
//	go run ./cmd/benchmark --csv /path/to/events.csv --url http://localhost:8080
//
// Each row is reported through POST /events?wait=true. An event counts as
// flagged when the evaluation recorded it on at least one alert, and the
// verdicts are scored against the is_fraud column.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/freestays/passguard/internal/domain"
	"github.com/freestays/passguard/internal/worker"
)

// LabelledEvent is one CSV row.
type LabelledEvent struct {
	Event   domain.Event
	IsFraud bool
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64
	Duplicates     int64

	ProcessingTimeMs int64
}

type options struct {
	csvPath   string
	baseURL   string
	limit     int
	workers   int
	fraudOnly bool
	verbose   bool
	timeout   time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "benchmark",
		Short:        "Replay labelled activity events and score the fraud alerts",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.OutOrStdout(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.csvPath, "csv", "", "path to the labelled events CSV")
	f.StringVar(&opts.baseURL, "url", "http://localhost:8080", "PassGuard base URL")
	f.IntVar(&opts.limit, "limit", 10000, "maximum events to replay (0 = all)")
	f.IntVar(&opts.workers, "workers", 10, "number of concurrent senders")
	f.BoolVar(&opts.fraudOnly, "fraud-only", false, "only replay rows labelled as fraud")
	f.BoolVar(&opts.verbose, "verbose", false, "print each event result")
	f.DurationVar(&opts.timeout, "timeout", 10*time.Second, "per-request timeout")
	_ = cmd.MarkFlagRequired("csv")

	return cmd
}

func run(out io.Writer, opts *options) error {
	if opts.workers <= 0 {
		return errors.New("--workers must be positive")
	}

	fmt.Fprintln(out, "PASSGUARD BENCHMARK - event replay")
	fmt.Fprintf(out, "\nCSV File:    %s\n", opts.csvPath)
	fmt.Fprintf(out, "Server URL:  %s\n", opts.baseURL)
	fmt.Fprintf(out, "Workers:     %d\n", opts.workers)
	fmt.Fprintf(out, "Limit:       %d\n", opts.limit)
	fmt.Fprintf(out, "Fraud Only:  %v\n\n", opts.fraudOnly)

	client := &http.Client{Timeout: opts.timeout}
	if err := checkHealth(client, opts.baseURL); err != nil {
		return fmt.Errorf("server not reachable at %s: %w", opts.baseURL, err)
	}
	fmt.Fprintln(out, "server is healthy")

	file, err := os.Open(opts.csvPath)
	if err != nil {
		return err
	}
	defer file.Close()

	events, err := readEvents(file, opts.limit, opts.fraudOnly)
	if err != nil {
		return fmt.Errorf("failed to read CSV: %w", err)
	}
	fraud := 0
	for _, le := range events {
		if le.IsFraud {
			fraud++
		}
	}
	fmt.Fprintf(out, "loaded %d events (%d labelled fraud)\n", len(events), fraud)

	fmt.Fprintf(out, "\nReplaying with %d workers...\n", opts.workers)
	start := time.Now()
	m := replay(out, client, opts, events)
	printResults(out, m, time.Since(start))
	return nil
}

func checkHealth(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

var requiredColumns = []string{"kind", "account_id", "is_fraud"}

// readEvents parses the CSV. Column names are matched case-insensitively;
// kind, account_id and is_fraud are required, the rest are optional.
func readEvents(r io.Reader, limit int, fraudOnly bool) ([]LabelledEvent, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, col := range header {
		cols[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, c := range requiredColumns {
		if _, ok := cols[c]; !ok {
			return nil, fmt.Errorf("missing column %q", c)
		}
	}

	field := func(record []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var events []LabelledEvent
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			continue
		}

		label := field(record, "is_fraud")
		isFraud := label == "1" || strings.EqualFold(label, "true")
		if fraudOnly && !isFraud {
			continue
		}

		e := domain.Event{
			ID:                field(record, "event_id"),
			Kind:              domain.EventKind(field(record, "kind")),
			AccountID:         field(record, "account_id"),
			Currency:          field(record, "currency"),
			IP:                field(record, "ip"),
			IPCountry:         field(record, "ip_country"),
			DeviceFingerprint: field(record, "device_fingerprint"),
			BookingRef:        field(record, "booking_ref"),
		}
		if v := field(record, "amount"); v != "" {
			if e.Amount, err = decimal.NewFromString(v); err != nil {
				return nil, fmt.Errorf("line %d: amount %q: %w", line, v, err)
			}
		}
		if v := field(record, "occurred_at"); v != "" {
			if e.OccurredAt, err = time.Parse(time.RFC3339, v); err != nil {
				return nil, fmt.Errorf("line %d: occurred_at %q: %w", line, v, err)
			}
		}

		events = append(events, LabelledEvent{Event: e, IsFraud: isFraud})
		if limit > 0 && len(events) >= limit {
			break
		}
	}
	return events, nil
}

func replay(out io.Writer, client *http.Client, opts *options, events []LabelledEvent) *Metrics {
	m := &Metrics{}
	work := make(chan LabelledEvent, 100)

	var (
		wg    sync.WaitGroup
		outMu sync.Mutex
	)
	for i := 0; i < opts.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for le := range work {
				start := time.Now()
				res, err := reportEvent(client, opts.baseURL, &le.Event)
				atomic.AddInt64(&m.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&m.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&m.TotalErrors, 1)
					if opts.verbose {
						outMu.Lock()
						fmt.Fprintf(out, "ERROR %s: %v\n", le.Event.AccountID, err)
						outMu.Unlock()
					}
					continue
				}
				if res.Duplicate {
					atomic.AddInt64(&m.Duplicates, 1)
				}

				flagged := len(res.AlertIDs) > 0
				m.record(flagged, le.IsFraud)

				if opts.verbose {
					mark := "ok "
					if flagged != le.IsFraud {
						mark = "bad"
					}
					outMu.Lock()
					fmt.Fprintf(out, "%s %-16s | %-16s | amount %10s | fraud %-5v | alerts %d\n",
						mark, res.EventID, le.Event.Kind, le.Event.Amount.StringFixed(2), le.IsFraud, len(res.AlertIDs))
					outMu.Unlock()
				}
			}
		}()
	}

	for _, le := range events {
		work <- le
	}
	close(work)
	wg.Wait()

	return m
}

// record adds one scored verdict to the confusion matrix.
func (m *Metrics) record(flagged, fraud bool) {
	if fraud {
		atomic.AddInt64(&m.TotalFraud, 1)
	} else {
		atomic.AddInt64(&m.TotalNonFraud, 1)
	}
	switch {
	case flagged && fraud:
		atomic.AddInt64(&m.TruePositives, 1)
	case flagged && !fraud:
		atomic.AddInt64(&m.FalsePositives, 1)
	case !flagged && !fraud:
		atomic.AddInt64(&m.TrueNegatives, 1)
	default:
		atomic.AddInt64(&m.FalseNegatives, 1)
	}
}

func reportEvent(client *http.Client, baseURL string, e *domain.Event) (*worker.Outcome, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}

	resp, err := client.Post(baseURL+"/events?wait=true", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, errBody.Error)
	}

	var out worker.Outcome
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Scores are the detection metrics derived from the confusion matrix.
type Scores struct {
	Precision float64
	Recall    float64
	F1        float64
	Accuracy  float64
}

func (m *Metrics) Scores() Scores {
	var s Scores
	if m.TruePositives+m.FalsePositives > 0 {
		s.Precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	if m.TruePositives+m.FalseNegatives > 0 {
		s.Recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	if s.Precision+s.Recall > 0 {
		s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
	}
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		s.Accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}
	return s
}

func printResults(out io.Writer, m *Metrics, duration time.Duration) {
	fmt.Fprintln(out, "\nBENCHMARK RESULTS")

	fmt.Fprintf(out, "\nDATASET\n")
	fmt.Fprintf(out, "   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Fprintf(out, "   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Fprintf(out, "   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Fprintf(out, "   Duplicates:       %d\n", m.Duplicates)
	fmt.Fprintf(out, "   Errors:           %d\n", m.TotalErrors)

	fmt.Fprintf(out, "\nCONFUSION MATRIX\n")
	fmt.Fprintln(out, "                     Predicted")
	fmt.Fprintln(out, "                 alert     no alert")
	fmt.Fprintf(out, "   Actual  F   %8d   %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Fprintf(out, "          NF   %8d   %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	s := m.Scores()
	fmt.Fprintf(out, "\nDETECTION METRICS\n")
	fmt.Fprintf(out, "   Precision:  %.4f\n", s.Precision)
	fmt.Fprintf(out, "   Recall:     %.4f\n", s.Recall)
	fmt.Fprintf(out, "   F1-Score:   %.4f\n", s.F1)
	fmt.Fprintf(out, "   Accuracy:   %.4f\n", s.Accuracy)

	if m.TotalNonFraud > 0 {
		fmt.Fprintf(out, "   False Alarms: %d / %d (%.2f%%)\n",
			m.FalsePositives, m.TotalNonFraud, float64(m.FalsePositives)/float64(m.TotalNonFraud)*100)
	}

	fmt.Fprintf(out, "\nPERFORMANCE\n")
	fmt.Fprintf(out, "   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		fmt.Fprintf(out, "   Avg Latency:      %.2f ms\n", float64(m.ProcessingTimeMs)/float64(m.TotalProcessed))
		fmt.Fprintf(out, "   Throughput:       %.2f events/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	fmt.Fprintln(out)
}
