// Loadtest drives concurrent traffic through the proxy and reports
// throughput, status codes and latency percentiles per request path.
//
// Usage:
//
//	go run ./scripts/loadtest -base http://localhost:8000 -paths /server1,/server2 -requests 1000
//	go run ./scripts/loadtest -paths /server1,/unrouted -concurrency 50 -out summary.json
//
// Requests cycle through the paths in order, so unrouted paths measure the
// diagnostic response alongside forwarded ones.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type pathStats struct {
	Count       int           `json:"count"`
	Success     int           `json:"success"`
	Failure     int           `json:"failure"`
	StatusCodes map[int]int   `json:"status_codes"`
	P50         time.Duration `json:"p50"`
	P90         time.Duration `json:"p90"`
	P99         time.Duration `json:"p99"`

	latencies []time.Duration
}

type report struct {
	Base          string                `json:"base"`
	Requests      int                   `json:"requests"`
	Concurrency   int                   `json:"concurrency"`
	Duration      time.Duration         `json:"duration"`
	ThroughputRPS float64               `json:"throughput_rps"`
	Paths         map[string]*pathStats `json:"paths"`
}

func main() {
	var (
		base        = flag.String("base", "http://localhost:8000", "Proxy base URL")
		paths       = flag.String("paths", "/server1,/server2", "Comma separated request paths")
		concurrency = flag.Int("concurrency", 10, "Number of concurrent requests")
		requests    = flag.Int("requests", 100, "Total number of requests to send")
		method      = flag.String("method", http.MethodPost, "HTTP method")
		body        = flag.String("body", `{"hello":"world"}`, "Request body")
		timeout     = flag.Duration("timeout", 10*time.Second, "Per-request timeout")
		outJSON     = flag.String("out", "", "Write JSON summary to this file (optional)")
	)
	flag.Parse()

	targets := strings.Split(*paths, ",")
	client := &http.Client{Timeout: *timeout}

	var mutex sync.Mutex
	stats := make(map[string]*pathStats, len(targets))
	for _, p := range targets {
		stats[p] = &pathStats{StatusCodes: make(map[int]int)}
	}

	var g errgroup.Group
	g.SetLimit(*concurrency)

	start := time.Now()
	for i := 0; i < *requests; i++ {
		path := targets[i%len(targets)]
		g.Go(func() error {
			begin := time.Now()
			code, err := send(client, *method, *base+path, *body)
			elapsed := time.Since(begin)

			mutex.Lock()
			defer mutex.Unlock()

			s := stats[path]
			s.Count++
			s.latencies = append(s.latencies, elapsed)
			if err != nil {
				s.Failure++
				return nil
			}
			s.StatusCodes[code]++
			if code >= 200 && code <= 299 {
				s.Success++
			} else {
				s.Failure++
			}
			return nil
		})
	}
	g.Wait()
	elapsed := time.Since(start)

	r := report{
		Base:          *base,
		Requests:      *requests,
		Concurrency:   *concurrency,
		Duration:      elapsed,
		ThroughputRPS: float64(*requests) / elapsed.Seconds(),
		Paths:         stats,
	}

	failures := 0
	fmt.Println("--- Load Test Summary ---")
	fmt.Printf("Base: %s  Requests: %d  Concurrency: %d\n", r.Base, r.Requests, r.Concurrency)
	fmt.Printf("Duration: %v  Throughput: %.2f req/s\n", r.Duration, r.ThroughputRPS)

	sort.Strings(targets)
	for _, p := range targets {
		s := stats[p]
		sort.Slice(s.latencies, func(i, j int) bool { return s.latencies[i] < s.latencies[j] })
		s.P50, s.P90, s.P99 = percentile(s.latencies, 0.50), percentile(s.latencies, 0.90), percentile(s.latencies, 0.99)
		failures += s.Failure

		fmt.Printf("\n%s -> total=%d success=%d failure=%d\n", p, s.Count, s.Success, s.Failure)
		fmt.Printf("  p50=%v p90=%v p99=%v codes=%v\n", s.P50, s.P90, s.P99, s.StatusCodes)
	}

	if *outJSON != "" {
		f, err := os.Create(*outJSON)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create json file: %v\n", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		enc.Encode(r)
		f.Close()
		fmt.Printf("\nWrote JSON summary to %s\n", *outJSON)
	}

	if failures > 0 {
		os.Exit(2)
	}
}

func send(client *http.Client, method, url, body string) (int, error) {
	req, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}
