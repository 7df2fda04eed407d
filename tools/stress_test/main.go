// Command stress_test drives a randomx-server with concurrent clients and
// reports throughput and latency.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VanDung-dev/RandomX-Engine/api"
	"github.com/VanDung-dev/RandomX-Engine/network"
)

// StressTestConfig holds configuration for the stress test.
type StressTestConfig struct {
	Transport    string        `json:"transport"`
	Address      string        `json:"address"`
	Concurrency  int           `json:"concurrency"`
	RequestCount int64         `json:"request_count"`
	Duration     time.Duration `json:"-"`
	BatchSize    int           `json:"batch_size"`
	InputSize    int           `json:"input_size"`
	AuthToken    string        `json:"-"`
	ReportFile   string        `json:"-"`
}

// StressTestResult holds the results of a stress test.
type StressTestResult struct {
	TotalRequests  int64         `json:"total_requests"`
	SuccessfulReqs int64         `json:"successful"`
	FailedReqs     int64         `json:"failed"`
	HashesComputed int64         `json:"hashes"`
	TotalDuration  time.Duration `json:"-"`
	RequestsPerSec float64       `json:"requests_per_sec"`
	HashesPerSec   float64       `json:"hashes_per_sec"`
	AvgLatency     time.Duration `json:"-"`
	MinLatency     time.Duration `json:"-"`
	P50Latency     time.Duration `json:"-"`
	P99Latency     time.Duration `json:"-"`
	MaxLatency     time.Duration `json:"-"`
	FirstError     string        `json:"first_error,omitempty"`
}

// hashClient is one connection to the server.
type hashClient interface {
	hashBatch(ctx context.Context, inputs [][]byte) (int, error)
	close()
}

type arrowClient struct {
	c   *api.ArrowClient
	seq atomic.Int64
}

func (a *arrowClient) hashBatch(_ context.Context, inputs [][]byte) (int, error) {
	resp, err := a.c.HashBatch(fmt.Sprintf("stress-%d", a.seq.Add(1)), inputs)
	if err != nil {
		return 0, err
	}
	return len(resp.Hashes), nil
}

func (a *arrowClient) close() { _ = a.c.Close() }

type zmqClient struct {
	c *network.Client
}

func (z *zmqClient) hashBatch(ctx context.Context, inputs [][]byte) (int, error) {
	hashes, err := z.c.HashBatch(ctx, inputs)
	return len(hashes), err
}

func (z *zmqClient) close() { _ = z.c.Close() }

func main() {
	config := parseFlags()

	fmt.Println("=== RandomX Server Stress Test ===")
	fmt.Printf("Target: %s (%s)\n", config.Address, config.Transport)
	fmt.Printf("Concurrency: %d workers\n", config.Concurrency)
	fmt.Printf("Batch: %d x %d bytes\n", config.BatchSize, config.InputSize)
	if config.RequestCount > 0 {
		fmt.Printf("Requests: %d\n", config.RequestCount)
	} else {
		fmt.Printf("Duration: %v\n", config.Duration)
	}
	fmt.Println()

	result, err := runStressTest(config)
	if err != nil {
		log.Fatalf("Stress test failed: %v", err)
	}

	printResults(result)

	if config.ReportFile != "" {
		saveReport(config, result)
	}
}

func parseFlags() StressTestConfig {
	config := StressTestConfig{}

	flag.StringVar(&config.Transport, "transport", "arrow", "Transport: arrow or zmq")
	flag.StringVar(&config.Address, "addr", "127.0.0.1:50051", "Server address (tcp://host:port for zmq)")
	flag.IntVar(&config.Concurrency, "c", 10, "Number of concurrent workers")
	flag.Int64Var(&config.RequestCount, "n", 0, "Total number of requests (0 = unlimited, use -d instead)")
	flag.DurationVar(&config.Duration, "d", 30*time.Second, "Duration of test")
	flag.IntVar(&config.BatchSize, "b", 16, "Inputs per request")
	flag.IntVar(&config.InputSize, "s", 76, "Bytes per input")
	flag.StringVar(&config.AuthToken, "token", "", "Authentication token")
	flag.StringVar(&config.ReportFile, "o", "", "Output report file (JSON)")

	flag.Parse()

	return config
}

func dial(config StressTestConfig) (hashClient, error) {
	switch config.Transport {
	case "arrow":
		c, err := api.DialArrow(config.Address, config.AuthToken, 5*time.Second)
		if err != nil {
			return nil, err
		}
		return &arrowClient{c: c}, nil
	case "zmq":
		c, err := network.Dial(config.Address, config.AuthToken)
		if err != nil {
			return nil, err
		}
		return &zmqClient{c: c}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", config.Transport)
	}
}

func runStressTest(config StressTestConfig) (StressTestResult, error) {
	clients := make([]hashClient, config.Concurrency)
	for i := range clients {
		c, err := dial(config)
		if err != nil {
			for _, prev := range clients[:i] {
				prev.close()
			}
			return StressTestResult{}, err
		}
		clients[i] = c
	}
	defer func() {
		for _, c := range clients {
			c.close()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if config.RequestCount <= 0 {
		ctx, cancel = context.WithTimeout(ctx, config.Duration)
		defer cancel()
	}

	var (
		issued    atomic.Int64
		success   atomic.Int64
		failed    atomic.Int64
		hashes    atomic.Int64
		errOnce   sync.Once
		firstErr  string
		latencies = make([][]time.Duration, config.Concurrency)
		wg        sync.WaitGroup
	)

	startTime := time.Now()

	// Start workers
	for i, client := range clients {
		wg.Add(1)
		go func(workerID int, client hashClient) {
			defer wg.Done()
			inputs := makeInputs(workerID, config.BatchSize, config.InputSize)
			for ctx.Err() == nil {
				if config.RequestCount > 0 && issued.Add(1) > config.RequestCount {
					return
				}

				start := time.Now()
				n, err := client.hashBatch(ctx, inputs)
				latency := time.Since(start)

				if err != nil {
					if ctx.Err() != nil {
						return
					}
					failed.Add(1)
					errOnce.Do(func() { firstErr = err.Error() })
					// Small sleep on error to avoid hammering
					time.Sleep(10 * time.Millisecond)
					continue
				}
				success.Add(1)
				hashes.Add(int64(n))
				latencies[workerID] = append(latencies[workerID], latency)
			}
		}(i, client)
	}
	wg.Wait()

	duration := time.Since(startTime)
	result := StressTestResult{
		SuccessfulReqs: success.Load(),
		FailedReqs:     failed.Load(),
		HashesComputed: hashes.Load(),
		TotalDuration:  duration,
		FirstError:     firstErr,
	}
	result.TotalRequests = result.SuccessfulReqs + result.FailedReqs
	result.RequestsPerSec = float64(result.TotalRequests) / duration.Seconds()
	result.HashesPerSec = float64(result.HashesComputed) / duration.Seconds()
	summarize(&result, latencies)
	return result, nil
}

// makeInputs returns batch random inputs of size bytes each.
func makeInputs(worker, batch, size int) [][]byte {
	inputs := make([][]byte, batch)
	for i := range inputs {
		inputs[i] = make([]byte, size)
		if _, err := rand.Read(inputs[i]); err != nil {
			// Fall back to a deterministic pattern.
			for j := range inputs[i] {
				inputs[i][j] = byte(worker + i + j)
			}
		}
	}
	return inputs
}

func summarize(result *StressTestResult, perWorker [][]time.Duration) {
	var all []time.Duration
	for _, l := range perWorker {
		all = append(all, l...)
	}
	if len(all) == 0 {
		return
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	var sum time.Duration
	for _, l := range all {
		sum += l
	}
	result.AvgLatency = sum / time.Duration(len(all))
	result.MinLatency = all[0]
	result.MaxLatency = all[len(all)-1]
	result.P50Latency = percentile(all, 0.50)
	result.P99Latency = percentile(all, 0.99)
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func printResults(result StressTestResult) {
	pct := func(n int64) float64 {
		if result.TotalRequests == 0 {
			return 0
		}
		return float64(n) / float64(result.TotalRequests) * 100
	}

	fmt.Println("=== Results ===")
	fmt.Printf("Duration:        %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Total Requests:  %d\n", result.TotalRequests)
	fmt.Printf("Successful:      %d (%.2f%%)\n", result.SuccessfulReqs, pct(result.SuccessfulReqs))
	fmt.Printf("Failed:          %d (%.2f%%)\n", result.FailedReqs, pct(result.FailedReqs))
	fmt.Printf("Requests/sec:    %.2f\n", result.RequestsPerSec)
	fmt.Printf("Hashes/sec:      %.2f\n", result.HashesPerSec)
	fmt.Printf("Avg Latency:     %v\n", result.AvgLatency.Round(time.Microsecond))
	fmt.Printf("Min Latency:     %v\n", result.MinLatency.Round(time.Microsecond))
	fmt.Printf("P50 Latency:     %v\n", result.P50Latency.Round(time.Microsecond))
	fmt.Printf("P99 Latency:     %v\n", result.P99Latency.Round(time.Microsecond))
	fmt.Printf("Max Latency:     %v\n", result.MaxLatency.Round(time.Microsecond))
	if result.FirstError != "" {
		fmt.Printf("First error:     %s\n", result.FirstError)
	}
}

func saveReport(config StressTestConfig, result StressTestResult) {
	ms := func(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
	report := map[string]interface{}{
		"config": map[string]interface{}{
			"transport":   config.Transport,
			"address":     config.Address,
			"concurrency": config.Concurrency,
			"duration":    config.Duration.String(),
			"batch_size":  config.BatchSize,
			"input_size":  config.InputSize,
		},
		"results": result,
		"latency_ms": map[string]float64{
			"avg": ms(result.AvgLatency),
			"min": ms(result.MinLatency),
			"p50": ms(result.P50Latency),
			"p99": ms(result.P99Latency),
			"max": ms(result.MaxLatency),
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	data, _ := json.MarshalIndent(report, "", "  ")
	if err := os.WriteFile(config.ReportFile, data, 0644); err != nil {
		log.Printf("Failed to write report: %v", err)
	} else {
		fmt.Printf("Report saved to: %s\n", config.ReportFile)
	}
}
