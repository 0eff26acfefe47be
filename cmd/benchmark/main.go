// Benchmark tool for load testing the Nexus evaluation hot path.
//
// Usage:
//
//	go run cmd/benchmark/main.go -url http://localhost:8090 -n 10000 -workers 20
//
// This tool:
//  1. Generates synthetic transaction contexts, a configurable fraction
//     carrying fraud-shaped signals (new beneficiary, VPN, large amounts)
//  2. Sends each to POST /evaluate with unique transaction references
//  3. Reports latency percentiles against the 150ms p99 budget and the
//     decision distribution
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// EvaluateRequest mirrors the transaction context accepted by /evaluate.
type EvaluateRequest struct {
	UserID               string             `json:"userId"`
	TransactionReference string             `json:"transactionReference"`
	FromAccount          string             `json:"fromAccount"`
	ToAccount            string             `json:"toAccount"`
	Amount               float64            `json:"amount"`
	Currency             string             `json:"currency"`
	TransactionType      string             `json:"transactionType"`
	Channel              string             `json:"channel"`
	Device               *DeviceInfo        `json:"device,omitempty"`
	Behavioral           *BehavioralInfo    `json:"behavioral,omitempty"`
}

type DeviceInfo struct {
	DeviceID           string `json:"deviceId"`
	IsVpnOrProxy       bool   `json:"isVpnOrProxy"`
	IsRecognizedDevice bool   `json:"isRecognizedDevice"`
}

type BehavioralInfo struct {
	IsOnActiveCall       bool    `json:"isOnActiveCall"`
	IsScreenShared       bool    `json:"isScreenShared"`
	SessionDuration      float64 `json:"sessionDuration"`
	CopyPasteCount       int     `json:"copyPasteCount"`
	BehaviorAnomalyScore float64 `json:"behaviorAnomalyScore"`
}

// EvaluateResponse is the subset of the response the benchmark reads.
type EvaluateResponse struct {
	EvaluationID string `json:"evaluationId"`
	Decision     string `json:"decision"`
	TotalScore   int    `json:"totalScore"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	mu        sync.Mutex
	latencies []time.Duration

	Allowed int64
	Review  int64
	Blocked int64
	Errors  int64
	Total   int64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8090", "Nexus base URL")
	total := flag.Int("n", 10000, "Number of transactions to send")
	workers := flag.Int("workers", 20, "Number of concurrent workers")
	users := flag.Int("users", 500, "Size of the synthetic user population")
	fraudRate := flag.Float64("fraud", 0.05, "Fraction of fraud-shaped transactions (0.0-1.0)")
	budgetMs := flag.Int("budget", 150, "p99 latency budget in milliseconds")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║       NEXUS BENCHMARK - Evaluation Path       ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
	fmt.Printf("\nNexus URL:   %s\n", *baseURL)
	fmt.Printf("Requests:    %d\n", *total)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Users:       %d\n", *users)
	fmt.Printf("Fraud Rate:  %.2f\n", *fraudRate)
	fmt.Printf("p99 Budget:  %dms\n", *budgetMs)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Nexus not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Nexus is running:")
		fmt.Println("  go run cmd/nexus/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Nexus is healthy")

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	start := time.Now()
	metrics := runBenchmark(*baseURL, *total, *workers, *users, *fraudRate)
	duration := time.Since(start)

	printResults(metrics, duration, *budgetMs)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func runBenchmark(baseURL string, total, numWorkers, users int, fraudRate float64) *Metrics {
	metrics := &Metrics{}
	runID := time.Now().UnixNano()

	work := make(chan int, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}
			rng := rand.New(rand.NewSource(runID + int64(worker)))

			for seq := range work {
				req := generateRequest(rng, runID, seq, users, fraudRate)

				start := time.Now()
				result, err := evaluate(client, baseURL, req)
				elapsed := time.Since(start)

				atomic.AddInt64(&metrics.Total, 1)
				if err != nil {
					atomic.AddInt64(&metrics.Errors, 1)
					continue
				}

				metrics.mu.Lock()
				metrics.latencies = append(metrics.latencies, elapsed)
				metrics.mu.Unlock()

				switch result.Decision {
				case "Allow":
					atomic.AddInt64(&metrics.Allowed, 1)
				case "Review":
					atomic.AddInt64(&metrics.Review, 1)
				case "Block":
					atomic.AddInt64(&metrics.Blocked, 1)
				}
			}
		}(i)
	}

	for seq := 0; seq < total; seq++ {
		work <- seq
	}
	close(work)

	wg.Wait()
	return metrics
}

func generateRequest(rng *rand.Rand, runID int64, seq, users int, fraudRate float64) EvaluateRequest {
	userID := fmt.Sprintf("bench-user-%d", rng.Intn(users))
	fraudulent := rng.Float64() < fraudRate

	req := EvaluateRequest{
		UserID:               userID,
		TransactionReference: fmt.Sprintf("bench-%d-%d", runID, seq),
		FromAccount:          userID + "-acct",
		ToAccount:            fmt.Sprintf("bench-dest-%d", rng.Intn(users*4)),
		Amount:               100 + rng.Float64()*4900,
		Currency:             "KES",
		TransactionType:      "transfer",
		Channel:              "mobile",
		Device: &DeviceInfo{
			DeviceID:           userID + "-device",
			IsRecognizedDevice: true,
		},
		Behavioral: &BehavioralInfo{
			SessionDuration: 30 + rng.Float64()*120,
		},
	}

	if fraudulent {
		req.Amount = 200000 + rng.Float64()*800000
		req.Device.IsRecognizedDevice = false
		req.Device.IsVpnOrProxy = true
		req.Behavioral.IsOnActiveCall = true
		req.Behavioral.CopyPasteCount = 5
		req.Behavioral.BehaviorAnomalyScore = 0.9
	}

	return req
}

func evaluate(client *http.Client, baseURL string, req EvaluateRequest) (*EvaluateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func printResults(m *Metrics, duration time.Duration, budgetMs int) {
	fmt.Println("\n╔═══════════════════════════════════════════════╗")
	fmt.Println("║               BENCHMARK RESULTS               ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DECISIONS\n")
	fmt.Printf("   Total:    %d\n", m.Total)
	fmt.Printf("   Allowed:  %d\n", m.Allowed)
	fmt.Printf("   Review:   %d\n", m.Review)
	fmt.Printf("   Blocked:  %d\n", m.Blocked)
	fmt.Printf("   Errors:   %d\n", m.Errors)

	sort.Slice(m.latencies, func(i, j int) bool { return m.latencies[i] < m.latencies[j] })

	p50 := percentile(m.latencies, 0.50)
	p95 := percentile(m.latencies, 0.95)
	p99 := percentile(m.latencies, 0.99)

	fmt.Printf("\n⏱️  LATENCY\n")
	fmt.Printf("   p50:  %v\n", p50.Round(time.Microsecond))
	fmt.Printf("   p95:  %v\n", p95.Round(time.Microsecond))
	fmt.Printf("   p99:  %v\n", p99.Round(time.Microsecond))
	if len(m.latencies) > 0 {
		fmt.Printf("   max:  %v\n", m.latencies[len(m.latencies)-1].Round(time.Microsecond))
	}

	fmt.Printf("\n🚀 THROUGHPUT\n")
	fmt.Printf("   Duration:    %v\n", duration.Round(time.Millisecond))
	if m.Total > 0 {
		fmt.Printf("   Throughput:  %.2f tx/sec\n", float64(m.Total)/duration.Seconds())
	}

	budget := time.Duration(budgetMs) * time.Millisecond
	fmt.Printf("\n💡 BUDGET\n")
	if p99 <= budget {
		fmt.Printf("   ✅ p99 %v within the %v budget\n", p99.Round(time.Microsecond), budget)
	} else {
		fmt.Printf("   ❌ p99 %v exceeds the %v budget\n", p99.Round(time.Microsecond), budget)
	}
	fmt.Println()
}
