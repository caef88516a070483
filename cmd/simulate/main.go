// simulate drives the queue the way a busy clinic does: several reception
// terminals hammering call-next while patients self-check-in, then verifies
// the single-server invariant held.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nephroflow/opd-queue/internal/db"
	"github.com/nephroflow/opd-queue/internal/queue"
)

var log = zerolog.New(os.Stdout).With().Timestamp().Str("service", "simulate").Logger()

type SimConfig struct {
	APIBaseURL    string
	Duration      time.Duration
	Receptionists int
	CheckInRatio  float64
	PostgresDSN   string
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:    getEnv("SIM_API_URL", "http://localhost:8080"),
		Duration:      30 * time.Second,
		Receptionists: 4,
		CheckInRatio:  0.4,
		PostgresDSN:   os.Getenv("POSTGRES_DSN"),
	}
	if v := os.Getenv("SIM_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Duration = d
		}
	}
	if v := os.Getenv("SIM_RECEPTIONISTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Receptionists = n
		}
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	mu        sync.Mutex
	latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, success, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.latencies = append(om.latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.latencies) == 0 {
		return 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.latencies))
	copy(latencies, om.latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg = sum / time.Duration(len(latencies))

	idx := func(pct int) int {
		i := len(latencies) * pct / 100
		if i >= len(latencies) {
			i = len(latencies) - 1
		}
		return i
	}
	return avg, latencies[idx(50)], latencies[idx(95)]
}

type Simulator struct {
	config   SimConfig
	client   *http.Client
	date     string
	checkIn  OperationMetrics
	callNext OperationMetrics
}

func main() {
	log.Info().Msg("simulator starting")

	cfg := loadConfig()
	log.Info().
		Dur("duration", cfg.Duration).
		Int("receptionists", cfg.Receptionists).
		Str("api", cfg.APIBaseURL).
		Msg("simulation config")

	sim := &Simulator{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		date:   time.Now().Format(queue.DateLayout),
	}

	sim.Run()
	sim.Report()

	if cfg.PostgresDSN != "" {
		if err := sim.VerifyInvariant(); err != nil {
			log.Fatal().Err(err).Msg("INVARIANT VIOLATED")
		}
		log.Info().Msg("single-server invariant held")
	}
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Receptionists; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			s.receptionist(ctx, worker)
		}(i)
	}
	wg.Wait()
}

// receptionist alternates between checking in a walk-in patient and calling
// the next one, with a short think time.
func (s *Simulator) receptionist(ctx context.Context, worker int) {
	staffID := fmt.Sprintf("staff-%02d", worker)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if rand.Float64() < s.config.CheckInRatio {
			s.doCheckIn(ctx, staffID)
		} else {
			s.doCallNext(ctx, staffID)
		}

		time.Sleep(time.Duration(rand.Intn(150)) * time.Millisecond)
	}
}

func (s *Simulator) doCheckIn(ctx context.Context, staffID string) {
	body, _ := json.Marshal(map[string]string{
		"patient_name":     fmt.Sprintf("Sim Patient %s", uuid.NewString()[:8]),
		"nephro_id":        fmt.Sprintf("NPH-%05d", rand.Intn(99999)),
		"appointment_type": "Consultation",
	})

	start := time.Now()
	status, err := s.post(ctx, "/queue/check-in", staffID, body)
	s.checkIn.Record(time.Since(start), err == nil && status == http.StatusCreated, status == http.StatusConflict)
}

func (s *Simulator) doCallNext(ctx context.Context, staffID string) {
	start := time.Now()
	status, err := s.post(ctx, "/queue/"+s.date+"/call-next", staffID, nil)
	s.callNext.Record(time.Since(start), err == nil && status == http.StatusOK, status == http.StatusConflict)
}

func (s *Simulator) post(ctx context.Context, path, staffID string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Staff-ID", staffID)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	return resp.StatusCode, nil
}

func (s *Simulator) Report() {
	report := func(name string, om *OperationMetrics) {
		avg, p50, p95 := om.Stats()
		log.Info().
			Str("op", name).
			Int64("total", atomic.LoadInt64(&om.Total)).
			Int64("success", atomic.LoadInt64(&om.Success)).
			Int64("conflict", atomic.LoadInt64(&om.Conflict)).
			Int64("error", atomic.LoadInt64(&om.Error)).
			Dur("avg", avg).
			Dur("p50", p50).
			Dur("p95", p95).
			Msg("operation metrics")
	}
	report("check-in", &s.checkIn)
	report("call-next", &s.callNext)
}

// VerifyInvariant checks directly in Postgres that no day ended up with more
// than one NowServing appointment.
func (s *Simulator) VerifyInvariant() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, s.config.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	var violations int
	err = pool.QueryRow(ctx, `
		SELECT count(*) FROM (
			SELECT date FROM appointments
			WHERE status = $1
			GROUP BY date
			HAVING count(*) > 1
		) v
	`, queue.StatusNowServing).Scan(&violations)
	if err != nil {
		return fmt.Errorf("query invariant: %w", err)
	}

	if violations > 0 {
		return fmt.Errorf("%d day(s) with more than one NowServing appointment", violations)
	}
	return nil
}
