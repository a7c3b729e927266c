package main

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	mrand "math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/punchamoorthee/storagecredits/internal/cidutil"
	"github.com/punchamoorthee/storagecredits/internal/models"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	wallets     int
	payloadSize int
	ttlSeconds  int64
)

// Metrics
var (
	totalRequests  uint64
	success201     uint64 // Admitted
	fail402        uint64 // Insufficient credits
	fail409        uint64 // Owned by another wallet
	fail502        uint64 // Object store failures (refunded)
	failOther      uint64
	bytesAdmitted  uint64
	creditsCharged uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&wallets, "wallets", 1000, "Number of seeded wallets")
	flag.IntVar(&payloadSize, "size", 4096, "Bytes per upload")
	flag.Int64Var(&ttlSeconds, "ttl", 3600, "Retention seconds per upload")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s | Payload: %dB", workload, concurrency, duration, payloadSize)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 30 * time.Second}
	payload := make([]byte, payloadSize)

	for time.Since(start) < duration {
		// Fresh random bytes give every upload its own CID.
		if _, err := rand.Read(payload); err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}
		body, contentType, err := multipartFile(payload)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		url := fmt.Sprintf("%s/api/v1/storage/upload?cid=%s&ttl=%d", targetURL, cidutil.RawLeafString(payload), ttlSeconds)
		req, _ := http.NewRequest(http.MethodPost, url, body)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("X-Wallet", pickWallet())

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusCreated:
			var admitted models.UploadResponse
			json.NewDecoder(resp.Body).Decode(&admitted)
			atomic.AddUint64(&success201, 1)
			atomic.AddUint64(&bytesAdmitted, uint64(payloadSize))
			atomic.AddUint64(&creditsCharged, uint64(admitted.RequiredCredits))
		case http.StatusPaymentRequired:
			atomic.AddUint64(&fail402, 1)
		case http.StatusConflict:
			atomic.AddUint64(&fail409, 1)
		case http.StatusBadGateway:
			atomic.AddUint64(&fail502, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func multipartFile(data []byte) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	part, err := mw.CreateFormFile("file", "bench.bin")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf, mw.FormDataContentType(), nil
}

// pickWallet matches the seeder's deterministic addresses.
func pickWallet() string {
	if workload == "hotspot" {
		// Hotspot: 90% of traffic debits wallet 1
		if mrand.Float32() < 0.90 {
			return fmt.Sprintf("0x%040x", 1)
		}
	}
	return fmt.Sprintf("0x%040x", mrand.Intn(wallets)+1)
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	f402 := atomic.LoadUint64(&fail402)
	f409 := atomic.LoadUint64(&fail409)
	f502 := atomic.LoadUint64(&fail502)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	var rejectRate float64
	if total > 0 {
		rejectRate = float64(f402) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":             workload,
		"duration_sec":         d.Seconds(),
		"total_requests":       total,
		"throughput_tps":       tps,
		"admitted":             s201,
		"insufficient_credits": f402,
		"conflicts":            f409,
		"upload_failures":      f502,
		"reject_rate_pct":      rejectRate,
		"bytes_admitted":       atomic.LoadUint64(&bytesAdmitted),
		"credits_charged":      atomic.LoadUint64(&creditsCharged),
		"errors":               fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("could not save %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
