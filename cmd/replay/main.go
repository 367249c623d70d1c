// Replay tool for scoring a CSV of card transactions against a running Kestrel.
//
// Usage:
//
//	go run ./cmd/replay -csv transactions.csv -url http://localhost:5000
//
// Expected columns (header names, any order): amount, card_type, card_last4,
// device_type, country, zip_code, email. An optional is_fraud column (1/0,
// true/false) enables the confusion matrix.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Row is one transaction read from the CSV file.
type Row struct {
	Line    int
	Request PredictRequest
	Labeled bool
	IsFraud bool
}

// PredictRequest is the /predict request body.
type PredictRequest struct {
	Amount     string `json:"amount"`
	CardType   string `json:"cardType"`
	CardLast4  string `json:"cardLast4"`
	DeviceType string `json:"deviceType"`
	Country    string `json:"country"`
	ZipCode    string `json:"zipCode"`
	Email      string `json:"email"`
}

// PredictResponse holds the /predict fields the report uses.
type PredictResponse struct {
	TransactionID string   `json:"transaction_id"`
	IsFraud       bool     `json:"is_fraud"`
	RiskScore     int      `json:"risk_score"`
	Confidence    float64  `json:"confidence"`
	FraudReasons  []string `json:"fraud_reasons"`
}

// Report accumulates replay results. Counters are updated atomically.
type Report struct {
	Processed  int64
	Errors     int64
	Fraud      int64
	Legitimate int64

	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64

	LatencyMs int64

	mu      sync.Mutex
	reasons map[string]int
}

var requiredColumns = []string{"amount", "card_type", "card_last4", "device_type", "country", "zip_code", "email"}

func main() {
	csvPath := flag.String("csv", "", "Path to the transactions CSV file")
	baseURL := flag.String("url", "http://localhost:5000", "Kestrel base URL")
	limit := flag.Int("limit", 0, "Maximum transactions to replay (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: replay -csv transactions.csv [-url http://localhost:5000]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}

	file, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	rows, err := readRows(file, *limit)
	file.Close()
	if err != nil {
		fmt.Printf("ERROR: failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d transactions from %s\n", len(rows), *csvPath)

	start := time.Now()
	report := replay(rows, *baseURL, *workers, *verbose)
	printReport(report, time.Since(start))
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/ready")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}
	return nil
}

// readRows parses the CSV. Rows with the wrong field count are skipped.
func readRows(r io.Reader, limit int) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}
	labelIdx, labeled := colIndex["is_fraud"]

	var rows []Row
	line := 1
	for {
		record, err := reader.Read()
		line++
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil || len(record) != len(header) {
			continue
		}

		get := func(col string) string { return strings.TrimSpace(record[colIndex[col]]) }

		row := Row{
			Line: line,
			Request: PredictRequest{
				Amount:     get("amount"),
				CardType:   get("card_type"),
				CardLast4:  get("card_last4"),
				DeviceType: get("device_type"),
				Country:    get("country"),
				ZipCode:    get("zip_code"),
				Email:      get("email"),
			},
		}
		if labeled {
			if isFraud, err := strconv.ParseBool(strings.TrimSpace(record[labelIdx])); err == nil {
				row.Labeled = true
				row.IsFraud = isFraud
			}
		}

		rows = append(rows, row)
		if limit > 0 && len(rows) >= limit {
			break
		}
	}

	return rows, nil
}

func replay(rows []Row, baseURL string, numWorkers int, verbose bool) *Report {
	report := &Report{}
	work := make(chan Row, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for row := range work {
				start := time.Now()
				result, err := predict(client, baseURL, row.Request)
				atomic.AddInt64(&report.LatencyMs, time.Since(start).Milliseconds())

				if err != nil {
					report.recordError()
					if verbose {
						fmt.Printf("ERROR line %d: %v\n", row.Line, err)
					}
					continue
				}

				report.record(row, result)

				if verbose {
					fmt.Printf("line %-6d | %-18s | amount %10s | score %3d | fraud %-5v\n",
						row.Line, result.TransactionID, row.Request.Amount, result.RiskScore, result.IsFraud)
				}
			}
		}()
	}

	for _, row := range rows {
		work <- row
	}
	close(work)
	wg.Wait()

	return report
}

func predict(client *http.Client, baseURL string, req PredictRequest) (*PredictResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := client.Post(baseURL+"/predict", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, e.Error)
	}

	var result PredictResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *Report) recordError() {
	atomic.AddInt64(&r.Processed, 1)
	atomic.AddInt64(&r.Errors, 1)
}

func (r *Report) record(row Row, result *PredictResponse) {
	atomic.AddInt64(&r.Processed, 1)

	if result.IsFraud {
		atomic.AddInt64(&r.Fraud, 1)
	} else {
		atomic.AddInt64(&r.Legitimate, 1)
	}

	r.mu.Lock()
	if r.reasons == nil {
		r.reasons = make(map[string]int)
	}
	for _, reason := range result.FraudReasons {
		r.reasons[reason]++
	}
	r.mu.Unlock()

	if !row.Labeled {
		return
	}
	switch predicted, actual := result.IsFraud, row.IsFraud; {
	case predicted && actual:
		atomic.AddInt64(&r.TruePositives, 1)
	case predicted && !actual:
		atomic.AddInt64(&r.FalsePositives, 1)
	case !predicted && !actual:
		atomic.AddInt64(&r.TrueNegatives, 1)
	default:
		atomic.AddInt64(&r.FalseNegatives, 1)
	}
}

// Precision and Recall return 0 when undefined.
func (r *Report) Precision() float64 {
	return ratio(r.TruePositives, r.TruePositives+r.FalsePositives)
}

func (r *Report) Recall() float64 {
	return ratio(r.TruePositives, r.TruePositives+r.FalseNegatives)
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func printReport(r *Report, duration time.Duration) {
	fmt.Println("\n+---------------------------------------------+")
	fmt.Println("|               REPLAY RESULTS                |")
	fmt.Println("+---------------------------------------------+")

	fmt.Printf("\nVERDICTS\n")
	fmt.Printf("   Processed:   %d\n", r.Processed)
	fmt.Printf("   Fraud:       %d (%.2f%%)\n", r.Fraud, 100*ratio(r.Fraud, r.Processed))
	fmt.Printf("   Legitimate:  %d (%.2f%%)\n", r.Legitimate, 100*ratio(r.Legitimate, r.Processed))
	fmt.Printf("   Errors:      %d\n", r.Errors)

	if len(r.reasons) > 0 {
		fmt.Printf("\nREASONS\n")
		for reason, n := range r.reasons {
			fmt.Printf("   %-40s %d\n", reason, n)
		}
	}

	if labeled := r.TruePositives + r.FalsePositives + r.TrueNegatives + r.FalseNegatives; labeled > 0 {
		fmt.Printf("\nCONFUSION MATRIX (%d labeled)\n", labeled)
		fmt.Println("                    Predicted")
		fmt.Println("                 Fraud    Legit")
		fmt.Printf("   Actual Fraud  %6d   %6d\n", r.TruePositives, r.FalseNegatives)
		fmt.Printf("          Legit  %6d   %6d\n", r.FalsePositives, r.TrueNegatives)

		precision, recall := r.Precision(), r.Recall()
		f1 := 0.0
		if precision+recall > 0 {
			f1 = 2 * precision * recall / (precision + recall)
		}
		fmt.Printf("\n   Precision:  %.4f\n", precision)
		fmt.Printf("   Recall:     %.4f\n", recall)
		fmt.Printf("   F1-Score:   %.4f\n", f1)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Duration:     %v\n", duration.Round(time.Millisecond))
	if r.Processed > 0 {
		fmt.Printf("   Avg Latency:  %.2f ms\n", float64(r.LatencyMs)/float64(r.Processed))
		fmt.Printf("   Throughput:   %.2f tx/sec\n", float64(r.Processed)/duration.Seconds())
	}
	fmt.Println()
}
