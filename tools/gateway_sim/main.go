package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Simulates shipboard sensor gateways: every interval it pushes one
// signed telemetry batch per equipment to the upload endpoint. Knobs
// inject occasional out-of-range spikes (so alarms fire live) and
// deliberately bad signatures (so rejects show up in the metrics).

type simChannel struct {
	metricType string
	point      string
	unit       string
	base       float64
	amplitude  float64
	noise      float64
	spike      float64
}

type simGateway struct {
	equipmentID string
	channels    []simChannel
}

type simulator struct {
	baseURL    string
	secret     []byte
	client     *http.Client
	rng        *rand.Rand
	spikeRate  float64
	badSigRate float64

	mu       sync.Mutex
	total    int64
	byStatus map[string]int64
}

type uploadPoint struct {
	TS              int64   `json:"ts"`
	MetricType      string  `json:"metric_type"`
	MonitoringPoint string  `json:"monitoring_point,omitempty"`
	Value           float64 `json:"value"`
	Unit            string  `json:"unit,omitempty"`
	Quality         string  `json:"quality,omitempty"`
}

type uploadBatch struct {
	EquipmentID string        `json:"equipment_id"`
	Points      []uploadPoint `json:"points"`
}

func defaultFleet() []simGateway {
	return []simGateway{
		{
			equipmentID: "engine-001",
			channels: []simChannel{
				{metricType: "temperature", point: "气缸1", unit: "°C", base: 74, amplitude: 6, noise: 1.5, spike: 22},
				{metricType: "pressure", point: "滑油", unit: "bar", base: 4.6, amplitude: 0.3, noise: 0.08, spike: -2.2},
				{metricType: "speed", unit: "rpm", base: 620, amplitude: 40, noise: 8, spike: 140},
			},
		},
		{
			equipmentID: "boiler-002",
			channels: []simChannel{
				{metricType: "level", point: "日用油柜", unit: "%", base: 62, amplitude: 12, noise: 2, spike: -45},
				{metricType: "temperature", point: "炉膛", unit: "°C", base: 310, amplitude: 25, noise: 6, spike: 80},
			},
		},
		{
			equipmentID: "pump-003",
			channels: []simChannel{
				{metricType: "vibration", point: "轴承", unit: "mm/s", base: 3.1, amplitude: 0.8, noise: 0.3, spike: 5.5},
			},
		},
		{
			equipmentID: "battery-001",
			channels: []simChannel{
				{metricType: "voltage", unit: "V", base: 25.4, amplitude: 1.2, noise: 0.2, spike: -4},
				{metricType: "temperature", point: "电池舱", unit: "°C", base: 28, amplitude: 4, noise: 1, spike: 18},
			},
		},
		{
			equipmentID: "inverter-001",
			channels: []simChannel{
				{metricType: "frequency", unit: "Hz", base: 50, amplitude: 0.2, noise: 0.05, spike: 1.1},
				{metricType: "current", unit: "A", base: 120, amplitude: 30, noise: 5, spike: 90},
			},
		},
	}
}

func main() {
	baseURL := getenvDefault("GATEWAY_BASE_URL", "http://localhost:8080")
	secret := getenvDefault("INGEST_HMAC_SECRET", "")
	intervalMs := getenvIntDefault("GATEWAY_INTERVAL_MS", 5000)
	spikeRate := getenvFloatDefault("GATEWAY_SPIKE_RATE", 0.02)
	badSigRate := getenvFloatDefault("GATEWAY_BAD_SIG_RATE", 0)
	reportEvery := getenvIntDefault("GATEWAY_REPORT_EVERY", 12)

	if secret == "" {
		log.Fatal("INGEST_HMAC_SECRET is required")
	}
	if intervalMs <= 0 {
		log.Fatal("GATEWAY_INTERVAL_MS must be > 0")
	}

	sim := &simulator{
		baseURL:    baseURL,
		secret:     []byte(secret),
		client:     &http.Client{Timeout: 10 * time.Second},
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		spikeRate:  spikeRate,
		badSigRate: badSigRate,
		byStatus:   make(map[string]int64),
	}
	fleet := defaultFleet()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("gateway sim pushing to %s every %dms (spike-rate=%.3f bad-sig-rate=%.3f)",
		baseURL, intervalMs, spikeRate, badSigRate)

	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()

	tick := 0
	for {
		for _, gateway := range fleet {
			sim.push(ctx, gateway)
		}
		tick++
		if reportEvery > 0 && tick%reportEvery == 0 {
			sim.report()
		}

		select {
		case <-ctx.Done():
			sim.report()
			log.Printf("gateway sim stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *simulator) push(ctx context.Context, gateway simGateway) {
	now := time.Now()
	points := make([]uploadPoint, 0, len(gateway.channels))
	for _, channel := range gateway.channels {
		points = append(points, uploadPoint{
			TS:              now.UnixMilli(),
			MetricType:      channel.metricType,
			MonitoringPoint: channel.point,
			Value:           s.sample(channel, now),
			Unit:            channel.unit,
			Quality:         "normal",
		})
	}

	body, err := json.Marshal(uploadBatch{EquipmentID: gateway.equipmentID, Points: points})
	if err != nil {
		log.Printf("%s: marshal: %v", gateway.equipmentID, err)
		return
	}

	timestamp := strconv.FormatInt(now.Unix(), 10)
	signature := signBody(s.secret, timestamp, body)
	if s.badSigRate > 0 && s.rng.Float64() < s.badSigRate {
		signature = signBody([]byte("wrong-secret"), timestamp, body)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v1/telemetry/upload", bytes.NewReader(body))
	if err != nil {
		log.Printf("%s: build request: %v", gateway.equipmentID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ingest-Timestamp", timestamp)
	req.Header.Set("X-Ingest-Signature", signature)

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.record("network_error")
		log.Printf("%s: push failed: %v", gateway.equipmentID, err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	s.record(fmt.Sprintf("http_%d", resp.StatusCode))
}

// sample draws the channel's daily sine with noise; a spike pushes the
// value past its alarm threshold in the direction the spike sign says.
func (s *simulator) sample(channel simChannel, now time.Time) float64 {
	sinceMidnight := now.Sub(now.Truncate(24 * time.Hour))
	phase := 2 * math.Pi * float64(sinceMidnight) / float64(24*time.Hour)
	value := channel.base + channel.amplitude*math.Sin(phase) + channel.noise*s.rng.NormFloat64()
	if s.spikeRate > 0 && s.rng.Float64() < s.spikeRate {
		value += channel.spike
	}
	return math.Round(value*100) / 100
}

func (s *simulator) record(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.byStatus[status]++
}

func (s *simulator) report() {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Printf("pushed %d batches, by status: %v", s.total, s.byStatus)
}

func signBody(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
