package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	payerID     string
	friendIDs   string
	categoryID  string
)

// Metrics
var (
	totalRequests uint64
	success201    uint64 // Created
	success200    uint64 // Idempotent replays
	fail400       uint64 // Validation rejections
	fail409       uint64 // Payload-drift conflicts
	fail500       uint64 // Partial fan-out failures
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "unique", "Workload type: unique | replay")
	flag.StringVar(&payerID, "payer", "", "Payer user id (required)")
	flag.StringVar(&friendIDs, "friends", "", "Comma-separated participant user ids (required)")
	flag.StringVar(&categoryID, "category", "", "Payer category id (required)")
}

func main() {
	flag.Parse()
	if payerID == "" || friendIDs == "" || categoryID == "" {
		log.Fatal("-payer, -friends and -category are required; run cmd/seeder first")
	}
	participants := splitComma(friendIDs)

	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, participants)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time, participants []string) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		// The replay workload reuses a small key space to measure the
		// idempotency cache; unique measures fan-out write throughput.
		var key string
		if workload == "replay" {
			key = fmt.Sprintf("bench-replay-%d", rand.Intn(64))
		} else {
			key = fmt.Sprintf("bench-%d", time.Now().UnixNano())
		}

		total := 10.0 * float64(len(participants)+1)
		splits := make([]map[string]interface{}, 0, len(participants))
		for _, p := range participants {
			splits = append(splits, map[string]interface{}{"user_id": p, "amount": 10.0})
		}
		payload := map[string]interface{}{
			"idempotency_key": key,
			"total_amount":    total,
			"description":     "benchmark split",
			"date":            time.Now().Format("2006-01-02"),
			"category_id":     categoryID,
			"splits":          splits,
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest("POST", targetURL+"/api/v1/splits/create", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-User-ID", payerID)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}
		resp.Body.Close()
		atomic.AddUint64(&totalRequests, 1)

		switch resp.StatusCode {
		case http.StatusCreated:
			atomic.AddUint64(&success201, 1)
		case http.StatusOK:
			atomic.AddUint64(&success200, 1)
		case http.StatusBadRequest:
			atomic.AddUint64(&fail400, 1)
		case http.StatusConflict:
			atomic.AddUint64(&fail409, 1)
		case http.StatusInternalServerError:
			atomic.AddUint64(&fail500, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
	}
}

func printResults(elapsed time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	fmt.Println("--- Results ---")
	fmt.Printf("Elapsed:        %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Total:          %d (%.1f req/s)\n", total, float64(total)/elapsed.Seconds())
	fmt.Printf("201 Created:    %d\n", atomic.LoadUint64(&success201))
	fmt.Printf("200 Replayed:   %d\n", atomic.LoadUint64(&success200))
	fmt.Printf("400 Rejected:   %d\n", atomic.LoadUint64(&fail400))
	fmt.Printf("409 Conflict:   %d\n", atomic.LoadUint64(&fail409))
	fmt.Printf("500 Partial:    %d\n", atomic.LoadUint64(&fail500))
	fmt.Printf("Other/Error:    %d\n", atomic.LoadUint64(&failOther))
}

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
