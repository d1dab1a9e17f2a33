package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-octdiff/internal/device"
	"github.com/23skdu/longbow-octdiff/internal/logger"
	"github.com/23skdu/longbow-octdiff/internal/metrics"
)

const (
	maxHistory = 1000
	maxAlerts  = 100

	slowSample = 60 * time.Second
)

// HealthStatus represents the health status of the system
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Sampler     SamplerInfo     `json:"sampler"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

// SystemInfo contains system-level information
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// SamplerInfo describes the configured diffusion model.
type SamplerInfo struct {
	Sampler       string `json:"sampler"`
	NoiseSchedule string `json:"noise_schedule"`
	Steps         int    `json:"steps"`
	BaseChannels  int    `json:"base_channels"`
	TensorBytes   int64  `json:"tensor_bytes"`
	TotalSteps    int64  `json:"total_steps"`
}

type PerformanceInfo struct {
	Samples      int       `json:"samples"`
	RowsPerSec   float64   `json:"rows_per_sec"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	P95LatencyMs float64   `json:"p95_latency_ms"`
	NaNCount     int       `json:"nan_count"`
	InfCount     int       `json:"inf_count"`
	LastSample   time.Time `json:"last_sample"`
}

// Alert represents a system alert
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // sampler, numerics, system
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// SamplePoint is one finished sampling call.
type SamplePoint struct {
	Timestamp time.Time
	Rows      int
	Duration  time.Duration
	NaNs      int
	Infs      int
}

// HealthMonitor tracks sampling runs and serves their health over HTTP.
type HealthMonitor struct {
	startTime time.Time
	version   string
	info      SamplerInfo
	server    *http.Server
	log       *logger.Logger

	mu         sync.RWMutex
	alerts     []Alert
	lastSample time.Time
	history    []SamplePoint
}

func NewHealthMonitor(version string, info SamplerInfo) *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		version:   version,
		info:      info,
		log:       logger.Log.Component("monitoring"),
		alerts:    make([]Alert, 0),
		history:   make([]SamplePoint, 0),
	}
}

// Handler exposes /health, /status, /metrics and the alert admin routes.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start binds addr and serves Handler in the background until Stop is
// called. Bind errors are returned directly.
func (hm *HealthMonitor) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("health monitor listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	hm.mu.Lock()
	hm.server = srv
	hm.mu.Unlock()

	hm.log.Info("health monitor starting", "addr", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			hm.log.Error("health monitor error", "error", err)
		}
	}()
	return ln.Addr(), nil
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	hm.mu.Lock()
	srv := hm.server
	hm.server = nil
	hm.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// RecordSample records a finished sample and raises alerts on non-finite
// output or slow runs.
func (hm *HealthMonitor) RecordSample(rows int, duration time.Duration, stats device.ActivationStats) {
	now := time.Now()
	point := SamplePoint{
		Timestamp: now,
		Rows:      rows,
		Duration:  duration,
		NaNs:      stats.NaNs,
		Infs:      stats.Infs,
	}

	hm.mu.Lock()
	hm.lastSample = now
	hm.history = append(hm.history, point)
	if len(hm.history) > maxHistory {
		hm.history = hm.history[1:]
	}
	hm.mu.Unlock()

	if !stats.Finite() {
		hm.AddAlert("critical", "numerics",
			fmt.Sprintf("sample produced %d NaN and %d Inf values", stats.NaNs, stats.Infs))
	}
	if duration > slowSample {
		hm.AddAlert("warning", "sampler",
			fmt.Sprintf("slow sample: %.1f s for %d rows", duration.Seconds(), rows))
	}
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	hm.mu.Unlock()

	hm.log.Warn("alert raised", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

// HTTP Handlers

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// Status computes the current health snapshot.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		}
		if alert.Level == "error" {
			status = "degraded"
		}
	}

	info := hm.info
	info.TensorBytes = device.AllocatedBytes()
	info.TotalSteps = metrics.TotalSteps()

	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     hm.version,
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Sampler:     info,
		Performance: hm.performance(),
		Alerts:      alerts,
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

// performance summarizes the history; callers hold mu.
func (hm *HealthMonitor) performance() PerformanceInfo {
	perf := PerformanceInfo{
		Samples:    len(hm.history),
		LastSample: hm.lastSample,
	}
	if len(hm.history) == 0 {
		return perf
	}

	var totalRows int
	var totalDuration time.Duration
	latencies := make([]float64, len(hm.history))
	for i, p := range hm.history {
		totalRows += p.Rows
		totalDuration += p.Duration
		perf.NaNCount += p.NaNs
		perf.InfCount += p.Infs
		latencies[i] = float64(p.Duration.Nanoseconds()) / 1e6
	}

	sort.Float64s(latencies)
	perf.AvgLatencyMs = stat.Mean(latencies, nil)
	perf.P95LatencyMs = stat.Quantile(0.95, stat.Empirical, latencies, nil)
	if totalDuration > 0 {
		perf.RowsPerSec = float64(totalRows) / totalDuration.Seconds()
	}
	return perf
}
