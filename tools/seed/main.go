package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	alarmapp "engineroom-monitor/internal/alarms/application"
	alarms "engineroom-monitor/internal/alarms/domain"
	alarmrepo "engineroom-monitor/internal/alarms/infrastructure/postgres"
	masterdata "engineroom-monitor/internal/masterdata/domain"
	masterdatarepo "engineroom-monitor/internal/masterdata/infrastructure/postgres"
	telemetry "engineroom-monitor/internal/telemetry/domain"
	telemetrypostgres "engineroom-monitor/internal/telemetry/infrastructure/postgres"
)

const insertBatchSize = 500

type config struct {
	dsn      string
	seed     int64
	days     int
	stepMins int
	handle   bool
}

// seedRule is one severity tier attached to a channel.
type seedRule struct {
	fault    string
	action   string
	lower    *float64
	upper    *float64
	severity alarms.Severity
	duration int
}

// seedChannel describes one monitored quantity: its signal shape and the
// threshold tiers guarding it. Excursion is added on injected fault
// windows, so its sign decides which bound gets violated.
type seedChannel struct {
	metric    telemetry.MetricType
	point     string
	unit      string
	base      float64
	amplitude float64
	noise     float64
	excursion float64
	rules     []seedRule
}

type seedEquipment struct {
	equipment masterdata.Equipment
	channels  []seedChannel
}

func limit(v float64) *float64 { return &v }

func fleet() []seedEquipment {
	return []seedEquipment{
		{
			equipment: masterdata.Equipment{ID: "engine-001", Name: "主机", Subsystem: masterdata.SubsystemPropulsion, Location: "机舱中部", Status: masterdata.EquipmentRunning},
			channels: []seedChannel{
				{
					metric: telemetry.MetricTemperature, point: "气缸1", unit: "°C",
					base: 74, amplitude: 6, noise: 1.5, excursion: 22,
					rules: []seedRule{
						{fault: "主机温度偏高", action: "检查冷却水泵与海水阀", upper: limit(85), severity: alarms.SeverityMedium},
						{fault: "主机温度过高", action: "立即降速并通知轮机长", upper: limit(92), severity: alarms.SeverityCritical},
					},
				},
				{
					metric: telemetry.MetricPressure, point: "滑油", unit: "bar",
					base: 4.6, amplitude: 0.3, noise: 0.08, excursion: -2.2,
					rules: []seedRule{
						{fault: "滑油压力过低", action: "检查滑油泵及滤器", lower: limit(3.0), severity: alarms.SeverityHigh},
					},
				},
				{
					metric: telemetry.MetricSpeed, unit: "rpm",
					base: 620, amplitude: 40, noise: 8, excursion: 140,
					rules: []seedRule{
						{fault: "主机超速", action: "核对调速器设定并降负荷", upper: limit(740), severity: alarms.SeverityHigh},
					},
				},
			},
		},
		{
			equipment: masterdata.Equipment{ID: "boiler-002", Name: "辅锅炉", Subsystem: masterdata.SubsystemAuxiliary, Location: "机舱左舷", Status: masterdata.EquipmentRunning},
			channels: []seedChannel{
				{
					metric: telemetry.MetricLevel, point: "日用油柜", unit: "%",
					base: 62, amplitude: 12, noise: 2, excursion: -45,
					rules: []seedRule{
						{fault: "日用油柜液位过低", action: "启动驳油泵补油", lower: limit(20), severity: alarms.SeverityMedium},
					},
				},
				{
					metric: telemetry.MetricTemperature, point: "炉膛", unit: "°C",
					base: 310, amplitude: 25, noise: 6, excursion: 80,
					rules: []seedRule{
						{fault: "炉膛温度过高", action: "减小燃油阀开度", upper: limit(380), severity: alarms.SeverityHigh},
					},
				},
			},
		},
		{
			equipment: masterdata.Equipment{ID: "pump-003", Name: "冷却水泵", Subsystem: masterdata.SubsystemAuxiliary, Location: "机舱右舷", Status: masterdata.EquipmentRunning},
			channels: []seedChannel{
				{
					metric: telemetry.MetricVibration, point: "轴承", unit: "mm/s",
					base: 3.1, amplitude: 0.8, noise: 0.3, excursion: 5.5,
					rules: []seedRule{
						{fault: "冷却水泵振动超标", action: "检查轴承磨损与对中", upper: limit(7.1), severity: alarms.SeverityHigh, duration: 600},
					},
				},
			},
		},
		{
			equipment: masterdata.Equipment{ID: "battery-001", Name: "蓄电池组", Subsystem: masterdata.SubsystemBattery, Location: "电池间", Status: masterdata.EquipmentRunning},
			channels: []seedChannel{
				{
					metric: telemetry.MetricVoltage, unit: "V",
					base: 25.4, amplitude: 1.2, noise: 0.2, excursion: -4,
					rules: []seedRule{
						{fault: "蓄电池电压过低", action: "检查充电装置输出", lower: limit(22), severity: alarms.SeverityHigh},
						{fault: "蓄电池电压异常", action: "断开负载并人工巡检", lower: limit(20), severity: alarms.SeverityCritical},
					},
				},
				{
					metric: telemetry.MetricTemperature, point: "电池舱", unit: "°C",
					base: 28, amplitude: 4, noise: 1, excursion: 18,
					rules: []seedRule{
						{fault: "电池舱温度过高", action: "检查通风风机", upper: limit(45), severity: alarms.SeverityCritical},
					},
				},
			},
		},
		{
			equipment: masterdata.Equipment{ID: "inverter-001", Name: "逆变器", Subsystem: masterdata.SubsystemInverter, Location: "配电板后", Status: masterdata.EquipmentRunning},
			channels: []seedChannel{
				{
					metric: telemetry.MetricFrequency, unit: "Hz",
					base: 50, amplitude: 0.2, noise: 0.05, excursion: 1.1,
					rules: []seedRule{
						{fault: "输出频率偏离", action: "检查并机同步装置", lower: limit(49.5), upper: limit(50.5), severity: alarms.SeverityMedium},
					},
				},
				{
					metric: telemetry.MetricCurrent, unit: "A",
					base: 120, amplitude: 30, noise: 5, excursion: 90,
					rules: []seedRule{
						{fault: "逆变器过流", action: "切除非重要负载", upper: limit(220), severity: alarms.SeverityHigh},
					},
				},
			},
		},
	}
}

func main() {
	cfg := parseConfig()
	if cfg.dsn == "" {
		log.Fatal("PG_DSN or DATABASE_URL is required")
	}
	if cfg.days <= 0 || cfg.stepMins <= 0 {
		log.Fatal("days and step-minutes must be > 0")
	}

	db, err := sql.Open("pgx", cfg.dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	rng := rand.New(rand.NewSource(cfg.seed))
	start := time.Now().UTC().AddDate(0, 0, -cfg.days).Truncate(time.Hour)

	equipmentRepo := masterdatarepo.NewEquipmentRepository(db)
	ruleRepo := alarmrepo.NewThresholdRuleRepository(db)
	readingRepo := telemetrypostgres.NewReadingRepository(db)
	readingQuery := telemetrypostgres.NewReadingQuery(db)
	alarmRecordRepo := alarmrepo.NewAlarmRecordRepository(db)

	ships := fleet()

	equipmentCount := 0
	for _, item := range ships {
		equipment := item.equipment
		if err := equipmentRepo.Save(ctx, &equipment); err != nil {
			log.Fatalf("save equipment %s: %v", equipment.ID, err)
		}
		equipmentCount++
	}
	log.Printf("seeded %d equipment rows", equipmentCount)

	ruleCount := 0
	for _, item := range ships {
		for _, channel := range item.channels {
			for tier, spec := range channel.rules {
				rule := alarms.ThresholdRule{
					ID:                fmt.Sprintf("rule-%s-%s-%d", item.equipment.ID, channel.metric, tier+1),
					EquipmentID:       item.equipment.ID,
					MetricType:        channel.metric,
					MonitoringPoint:   channel.point,
					FaultName:         spec.fault,
					LowerLimit:        spec.lower,
					UpperLimit:        spec.upper,
					DurationSeconds:   spec.duration,
					Severity:          spec.severity,
					Unit:              channel.unit,
					RecommendedAction: spec.action,
					Enabled:           true,
				}
				if err := ruleRepo.Create(ctx, &rule); err != nil {
					log.Fatalf("create rule %s: %v", rule.ID, err)
				}
				ruleCount++
			}
		}
	}
	log.Printf("seeded %d threshold rules", ruleCount)

	readingCount := 0
	step := time.Duration(cfg.stepMins) * time.Minute
	for _, item := range ships {
		for ci, channel := range item.channels {
			readings := generateReadings(rng, item.equipment.ID, ci, channel, start, cfg.days, step)
			for offset := 0; offset < len(readings); offset += insertBatchSize {
				end := offset + insertBatchSize
				if end > len(readings) {
					end = len(readings)
				}
				if err := readingRepo.InsertReadings(ctx, readings[offset:end]); err != nil {
					log.Fatalf("insert readings for %s/%s: %v", item.equipment.ID, channel.metric, err)
				}
			}
			readingCount += len(readings)
		}
	}
	log.Printf("seeded %d readings over %d days", readingCount, cfg.days)

	recomputer, err := alarmapp.NewRecomputer(ruleRepo, fullHistory{query: readingQuery}, alarmRecordRepo)
	if err != nil {
		log.Fatalf("recomputer: %v", err)
	}
	result, err := recomputer.Run(ctx)
	if err != nil {
		log.Fatalf("recompute: %v", err)
	}
	log.Printf("recompute: rules=%d readings=%d skipped=%d breaches=%d alarms=%d",
		result.Rules, result.Readings, result.Skipped, result.Breaches, result.Alarms)

	if cfg.handle {
		handled, err := simulateHandling(ctx, db, rng)
		if err != nil {
			log.Fatalf("simulate handling: %v", err)
		}
		log.Printf("simulated handling on %d alarms", handled)
	}

	log.Printf("seed completed")
}

func parseConfig() config {
	cfg := config{}
	flag.StringVar(&cfg.dsn, "pg-dsn", envOrDefault("PG_DSN", envOrDefault("DATABASE_URL", "")), "Postgres DSN")
	flag.Int64Var(&cfg.seed, "seed", int64(envOrInt("SEED", 42)), "RNG seed; the same seed reproduces the same fixture")
	flag.IntVar(&cfg.days, "days", envOrInt("DAYS", 7), "days of readings to generate")
	flag.IntVar(&cfg.stepMins, "step-minutes", envOrInt("STEP_MINUTES", 5), "sampling interval in minutes")
	flag.BoolVar(&cfg.handle, "simulate-handling", envOrBool("SIMULATE_HANDLING", true), "apply a synthetic operator-handling distribution to generated alarms")
	flag.Parse()
	return cfg
}

// generateReadings draws a daily sine with noise and injects a few
// multi-sample excursion windows that push the channel past its bounds.
func generateReadings(rng *rand.Rand, equipmentID string, channelIdx int, channel seedChannel, start time.Time, days int, step time.Duration) []telemetry.Reading {
	samples := int(time.Duration(days) * 24 * time.Hour / step)
	if samples <= 0 {
		return nil
	}

	// Two excursion windows per channel per week, three samples each.
	excursions := make(map[int]struct{})
	windowCount := 2 * days / 7
	if windowCount < 1 {
		windowCount = 1
	}
	for w := 0; w < windowCount; w++ {
		at := rng.Intn(samples)
		for i := 0; i < 3 && at+i < samples; i++ {
			excursions[at+i] = struct{}{}
		}
	}

	day := 24 * time.Hour
	readings := make([]telemetry.Reading, 0, samples)
	for i := 0; i < samples; i++ {
		ts := start.Add(time.Duration(i) * step)
		phase := 2 * math.Pi * float64(ts.Sub(start)%day) / float64(day)
		value := channel.base + channel.amplitude*math.Sin(phase) + channel.noise*rng.NormFloat64()
		if _, hit := excursions[i]; hit {
			value += channel.excursion
		}
		readings = append(readings, telemetry.Reading{
			ID:              fmt.Sprintf("rd-%s-c%d-%06d", equipmentID, channelIdx, i),
			EquipmentID:     equipmentID,
			MetricType:      channel.metric,
			MonitoringPoint: channel.point,
			Value:           round2(value),
			Unit:            channel.unit,
			Quality:         telemetry.QualityNormal,
			Source:          telemetry.SourceFileImport,
			TS:              ts,
		})
	}
	return readings
}

// simulateHandling decorates pending generated alarms with a synthetic
// operator response: most get resolved an hour after triggering, some
// are still being worked half an hour in, the rest stay pending. Demo
// data only; production alarms are always born pending.
func simulateHandling(ctx context.Context, db *sql.DB, rng *rand.Rand) (int, error) {
	rows, err := db.QueryContext(ctx, `
SELECT id, triggered_at
FROM alarm_records
WHERE status = 'pending' AND threshold_id IS NOT NULL
ORDER BY id ASC`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	type target struct {
		id          string
		triggeredAt time.Time
	}
	var targets []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.id, &t.triggeredAt); err != nil {
			return 0, err
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	handled := 0
	for _, t := range targets {
		draw := rng.Float64()
		switch {
		case draw < 0.6:
			handledAt := t.triggeredAt.Add(time.Hour)
			if handledAt.After(now) {
				handledAt = now
			}
			if _, err := db.ExecContext(ctx, `
UPDATE alarm_records
SET status = 'resolved', handler = $1, handled_at = $2, handle_note = $3, updated_at = $2
WHERE id = $4`, "值班轮机员", handledAt, "已按推荐措施处理", t.id); err != nil {
				return handled, err
			}
			handled++
		case draw < 0.8:
			claimedAt := t.triggeredAt.Add(30 * time.Minute)
			if claimedAt.After(now) {
				claimedAt = now
			}
			if _, err := db.ExecContext(ctx, `
UPDATE alarm_records
SET status = 'processing', handler = $1, updated_at = $2
WHERE id = $3`, "值班轮机员", claimedAt, t.id); err != nil {
				return handled, err
			}
			handled++
		}
	}
	return handled, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

type fullHistory struct {
	query telemetry.ReadingQuery
}

func (h fullHistory) QueryAllOrdered(ctx context.Context) ([]telemetry.Reading, error) {
	return h.query.QueryAllOrdered(ctx, time.Time{}, time.Time{})
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func envOrBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}
