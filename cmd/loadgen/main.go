// Command loadgen drives a running track-api with synthetic traffic and
// reports latency percentiles. It exists to size the dedupe window and the
// batch path under realistic load, not to be a general benchmark harness.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Target        string  `yaml:"target"`
	Clients       int     `yaml:"clients"`
	Sessions      int     `yaml:"sessions"`
	DuplicateRate float64 `yaml:"duplicate_rate"`
}

func defaultConfig() Config {
	return Config{
		Target:        "http://localhost:8080",
		Clients:       100,
		Sessions:      250,
		DuplicateRate: 0.05,
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	file, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(file, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type report struct {
	Mode       string        `json:"mode"`
	Requests   int64         `json:"requests"`
	Errors     int64         `json:"errors"`
	Duplicates int64         `json:"duplicates"`
	Ingested   int64         `json:"ingested"`
	TotalTime  time.Duration `json:"total_time"`
	Throughput float64       `json:"throughput_rps"`
	AvgLatency time.Duration `json:"avg_latency"`
	P50Latency time.Duration `json:"p50_latency"`
	P95Latency time.Duration `json:"p95_latency"`
	P99Latency time.Duration `json:"p99_latency"`
	MaxLatency time.Duration `json:"max_latency"`
}

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	configPath := flag.String("config", "", "optional yaml config with target and traffic shape")
	mode := flag.String("mode", "events", "traffic mode (events, bulk, or purchase)")
	concurrency := flag.Int("concurrency", 8, "number of concurrent senders")
	duration := flag.Duration("duration", 30*time.Second, "duration of the run")
	batchSize := flag.Int("batch", 25, "events per request in bulk mode")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		exitCode = 1
		return
	}

	switch *mode {
	case "events", "bulk", "purchase":
	default:
		fmt.Fprintf(os.Stderr, "unsupported mode: %s\n", *mode)
		exitCode = 1
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("running %s against %s (%d senders, %s)...\n", *mode, cfg.Target, *concurrency, *duration)

	res := run(ctx, cfg, *mode, *concurrency, *duration, *batchSize)

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal report: %v\n", err)
		exitCode = 1
		return
	}
	fmt.Println(string(out))
}

func run(ctx context.Context, cfg Config, mode string, concurrency int, duration time.Duration, batchSize int) *report {
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		requests   atomic.Int64
		errors     atomic.Int64
		duplicates atomic.Int64
		ingested   atomic.Int64
	)
	// Latencies up to 10s, three significant figures.
	histogram := hdrhistogram.New(1, 10000000000, 3)
	client := &http.Client{Timeout: 10 * time.Second}

	start := time.Now()
	deadline := start.Add(duration)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			var lastEventID string

			for time.Now().Before(deadline) && ctx.Err() == nil {
				path, body := nextRequest(rng, cfg, mode, batchSize, &lastEventID)

				opStart := time.Now()
				stored, dup, err := send(ctx, client, cfg.Target+path, body)
				latency := time.Since(opStart)

				requests.Add(1)
				if err != nil {
					errors.Add(1)
					continue
				}
				ingested.Add(stored)
				duplicates.Add(dup)
				mu.Lock()
				_ = histogram.RecordValue(latency.Microseconds())
				mu.Unlock()
			}
		}(time.Now().UnixNano() + int64(i))
	}

	wg.Wait()

	total := time.Since(start)
	return &report{
		Mode:       mode,
		Requests:   requests.Load(),
		Errors:     errors.Load(),
		Duplicates: duplicates.Load(),
		Ingested:   ingested.Load(),
		TotalTime:  total,
		Throughput: float64(requests.Load()) / total.Seconds(),
		AvgLatency: time.Duration(histogram.Mean()) * time.Microsecond,
		P50Latency: time.Duration(histogram.ValueAtQuantile(50)) * time.Microsecond,
		P95Latency: time.Duration(histogram.ValueAtQuantile(95)) * time.Microsecond,
		P99Latency: time.Duration(histogram.ValueAtQuantile(99)) * time.Microsecond,
		MaxLatency: time.Duration(histogram.Max()) * time.Microsecond,
	}
}

func nextRequest(rng *rand.Rand, cfg Config, mode string, batchSize int, lastEventID *string) (string, []byte) {
	switch mode {
	case "bulk":
		events := make([]map[string]any, batchSize)
		for i := range events {
			events[i] = syntheticEvent(rng, cfg, uuid.New().String())
		}
		body, _ := json.Marshal(events)
		return "/v1/events/bulk", body

	case "purchase":
		body, _ := json.Marshal(map[string]any{
			"event_id":   uuid.New().String(),
			"client_id":  fmt.Sprintf("c-%d", rng.Intn(cfg.Clients)),
			"session_id": fmt.Sprintf("s-%d", rng.Intn(cfg.Sessions)),
			"value":      float64(rng.Intn(20000)) / 100,
			"currency":   "USD",
			"order_id":   uuid.New().String(),
		})
		return "/v1/purchase", body

	default:
		eventID := uuid.New().String()
		if *lastEventID != "" && rng.Float64() < cfg.DuplicateRate {
			eventID = *lastEventID
		} else {
			*lastEventID = eventID
		}
		body, _ := json.Marshal(syntheticEvent(rng, cfg, eventID))
		return "/v1/events", body
	}
}

var pagePaths = []string{"/", "/pricing", "/docs", "/blog", "/signup", "/checkout"}

func syntheticEvent(rng *rand.Rand, cfg Config, eventID string) map[string]any {
	name := "page_view"
	if rng.Intn(3) == 0 {
		name = "click"
	}
	return map[string]any{
		"event_id":   eventID,
		"event_name": name,
		"client_id":  fmt.Sprintf("c-%d", rng.Intn(cfg.Clients)),
		"session_id": fmt.Sprintf("s-%d", rng.Intn(cfg.Sessions)),
		"page":       map[string]any{"path": pagePaths[rng.Intn(len(pagePaths))]},
	}
}

// send posts one request and pulls the stored/duplicate counts out of the
// response so the report can say how much traffic the window absorbed.
func send(ctx context.Context, client *http.Client, url string, body []byte) (stored, duplicate int64, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("status %d", resp.StatusCode)
	}

	var out struct {
		Status   string `json:"status"`
		Ingested int64  `json:"ingested"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, 0, err
	}
	switch {
	case out.Status == "duplicate":
		return 0, 1, nil
	case out.Status == "stored":
		return 1, 0, nil
	default:
		return out.Ingested, 0, nil
	}
}
