package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"strconv"
	"sync"
	"time"

	alarmapp "engineroom-monitor/internal/alarms/application"
	alarms "engineroom-monitor/internal/alarms/domain"
	masterdata "engineroom-monitor/internal/masterdata/domain"
)

// EquipmentReader loads equipment metadata for display.
type EquipmentReader interface {
	Get(ctx context.Context, id string) (*masterdata.Equipment, error)
}

// AlarmReader loads alarm records.
type AlarmReader interface {
	GetByID(ctx context.Context, id string) (*alarms.AlarmRecord, error)
}

// Clock provides time for scheduling.
type Clock interface {
	Now() time.Time
}

// ReportURLResolver provides a detail link for an alarm when available.
type ReportURLResolver func(ctx context.Context, alarm alarms.AlarmRecord, equipment *masterdata.Equipment) string

type sendRecord struct {
	at   time.Time
	hash string
}

// Notifier sends alarm notifications via a channel and escalates alarms
// that stay unhandled. Alarm records carry their rule context, so only
// equipment metadata is looked up at send time.
type Notifier struct {
	equipment      EquipmentReader
	alarms         AlarmReader
	channel        Channel
	template       *Template
	escalation     time.Duration
	clock          Clock
	mu             sync.Mutex
	timers         map[string]*time.Timer
	sent           map[string]sendRecord
	cooldown       time.Duration
	dedupeWindow   time.Duration
	reportURL      ReportURLResolver
	requestTimeout time.Duration
}

// Option configures the notifier.
type Option func(*Notifier)

// WithEscalation configures how long a created alarm may stay unhandled
// before an escalation notification fires.
func WithEscalation(after time.Duration) Option {
	return func(n *Notifier) {
		if after > 0 {
			n.escalation = after
		}
	}
}

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithRequestTimeout overrides the default timeout for escalation checks.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(n *Notifier) {
		if timeout > 0 {
			n.requestTimeout = timeout
		}
	}
}

// WithCooldown sets a minimum interval between notifications for the same
// alarm and event.
func WithCooldown(interval time.Duration) Option {
	return func(n *Notifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// WithReportURLResolver injects a detail link resolver.
func WithReportURLResolver(resolver ReportURLResolver) Option {
	return func(n *Notifier) {
		if resolver != nil {
			n.reportURL = resolver
		}
	}
}

// NewNotifier constructs an alarm notifier.
func NewNotifier(equipment EquipmentReader, alarms AlarmReader, channel Channel, template *Template, opts ...Option) (*Notifier, error) {
	if alarms == nil {
		return nil, errors.New("alarm notifier: nil alarm reader")
	}
	if channel == nil {
		return nil, errors.New("alarm notifier: nil channel")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	n := &Notifier{
		equipment:      equipment,
		alarms:         alarms,
		channel:        channel,
		template:       template,
		escalation:     0,
		clock:          systemClock{},
		timers:         make(map[string]*time.Timer),
		sent:           make(map[string]sendRecord),
		requestTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Notify implements AlarmNotifier.
func (n *Notifier) Notify(ctx context.Context, event alarmapp.AlarmEvent) {
	if n == nil || n.channel == nil {
		return
	}
	equipment := n.lookupEquipment(ctx, event.Alarm.EquipmentID)
	n.dispatch(ctx, event.Type, event.Alarm, equipment)

	switch event.Type {
	case alarmapp.AlarmEventCreated:
		n.scheduleEscalation(event.Alarm)
	case alarms.StatusResolved, alarms.StatusIgnored:
		n.cancelEscalation(event.Alarm.ID)
	}
}

// Close stops all pending escalation timers.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	timers := n.timers
	n.timers = make(map[string]*time.Timer)
	n.mu.Unlock()
	for _, timer := range timers {
		if timer != nil {
			timer.Stop()
		}
	}
}

func (n *Notifier) lookupEquipment(ctx context.Context, equipmentID string) *masterdata.Equipment {
	if n.equipment == nil || equipmentID == "" {
		return nil
	}
	equipment, err := n.equipment.Get(ctx, equipmentID)
	if err != nil {
		return nil
	}
	return equipment
}

func (n *Notifier) dispatch(ctx context.Context, eventType string, alarm alarms.AlarmRecord, equipment *masterdata.Equipment) {
	reportURL := ""
	if n != nil && n.reportURL != nil {
		reportURL = n.reportURL(ctx, alarm, equipment)
	}
	data := buildTemplateData(eventType, alarm, equipment, reportURL)
	content, err := n.template.Render(data)
	if err != nil {
		return
	}
	if !n.shouldSend(alarm.ID, eventType, content) {
		return
	}
	if err := n.channel.Send(ctx, content); err != nil {
		return
	}
	n.markSent(alarm.ID, eventType, content)
}

func (n *Notifier) scheduleEscalation(alarm alarms.AlarmRecord) {
	if n == nil || n.escalation <= 0 || alarm.ID == "" {
		return
	}
	if alarm.Severity.Rank() < alarms.SeverityHigh.Rank() {
		return
	}
	n.mu.Lock()
	if existing, ok := n.timers[alarm.ID]; ok {
		if existing != nil {
			existing.Stop()
		}
	}
	timer := time.AfterFunc(n.escalation, func() {
		n.runEscalation(alarm.ID)
	})
	n.timers[alarm.ID] = timer
	n.mu.Unlock()
}

func (n *Notifier) cancelEscalation(alarmID string) {
	if n == nil || alarmID == "" {
		return
	}
	n.mu.Lock()
	timer := n.timers[alarmID]
	delete(n.timers, alarmID)
	n.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

func (n *Notifier) runEscalation(alarmID string) {
	if n == nil || alarmID == "" {
		return
	}
	n.mu.Lock()
	delete(n.timers, alarmID)
	n.mu.Unlock()

	ctx := context.Background()
	if n.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.requestTimeout)
		defer cancel()
	}

	alarm, err := n.alarms.GetByID(ctx, alarmID)
	if err != nil || alarm == nil {
		return
	}
	switch alarm.Status {
	case alarms.StatusPending, alarms.StatusProcessing:
	default:
		return
	}
	if alarm.Severity.Rank() < alarms.SeverityHigh.Rank() {
		return
	}
	equipment := n.lookupEquipment(ctx, alarm.EquipmentID)
	n.dispatch(ctx, "escalated", *alarm, equipment)
}

func buildTemplateData(eventType string, alarm alarms.AlarmRecord, equipment *masterdata.Equipment, reportURL string) TemplateData {
	equipmentName := alarm.EquipmentID
	location := ""
	if equipment != nil {
		if equipment.Name != "" {
			equipmentName = equipment.Name
		}
		location = equipment.Location
	}
	fault := alarm.FaultName
	if fault == "" {
		fault = string(alarm.MetricType)
	}

	return TemplateData{
		Equipment:    equipmentName,
		EquipmentID:  alarm.EquipmentID,
		Location:     location,
		Fault:        fault,
		MetricType:   string(alarm.MetricType),
		Point:        alarm.MonitoringPoint,
		TriggerValue: formatValue(alarm.AbnormalValue, alarm.Unit),
		Threshold:    alarms.FormatThresholdRange(alarm.UpperLimit, alarm.LowerLimit),
		TriggeredAt:  alarm.TriggeredAt.UTC().Format(time.RFC3339),
		Status:       statusLabel(alarm.Status),
		StatusCode:   alarm.Status,
		Severity:     severityLabel(alarm.Severity),
		Suggestion:   suggestionFor(alarm),
		ReportURL:    reportURL,
		Event:        eventType,
		EventLabel:   eventLabel(eventType),
	}
}

func statusLabel(status string) string {
	switch status {
	case alarms.StatusPending:
		return "待处理"
	case alarms.StatusProcessing:
		return "处理中"
	case alarms.StatusResolved:
		return "已解决"
	case alarms.StatusIgnored:
		return "已忽略"
	default:
		return status
	}
}

func eventLabel(event string) string {
	switch event {
	case alarmapp.AlarmEventCreated:
		return "触发"
	case alarms.StatusProcessing:
		return "受理"
	case alarms.StatusResolved:
		return "解除"
	case alarms.StatusIgnored:
		return "忽略"
	case "escalated":
		return "升级"
	default:
		return event
	}
}

func severityLabel(severity alarms.Severity) string {
	switch severity {
	case alarms.SeverityLow:
		return "提示"
	case alarms.SeverityMedium:
		return "一般"
	case alarms.SeverityHigh:
		return "重要"
	case alarms.SeverityCritical:
		return "紧急"
	default:
		return string(severity)
	}
}

func suggestionFor(alarm alarms.AlarmRecord) string {
	if alarm.RecommendedAction != "" {
		return alarm.RecommendedAction
	}
	switch alarm.Severity {
	case alarms.SeverityCritical, alarms.SeverityHigh:
		return "立即检查设备并排除故障"
	case alarms.SeverityMedium:
		return "核实测点读数并视情况处理"
	default:
		return "持续关注该测点读数"
	}
}

func formatValue(value float64, unit string) string {
	out := strconv.FormatFloat(value, 'f', -1, 64)
	if unit != "" {
		out += unit
	}
	return out
}

func (n *Notifier) shouldSend(alarmID, eventType, content string) bool {
	if n == nil {
		return false
	}
	if n.cooldown <= 0 && n.dedupeWindow <= 0 {
		return true
	}
	key := notificationKey(alarmID, eventType)
	now := n.clock.Now().UTC()
	hash := hashContent(content)

	n.mu.Lock()
	record, ok := n.sent[key]
	n.mu.Unlock()
	if !ok {
		return true
	}
	if n.cooldown > 0 && now.Sub(record.at) < n.cooldown {
		return false
	}
	if n.dedupeWindow > 0 && record.hash == hash && now.Sub(record.at) < n.dedupeWindow {
		return false
	}
	return true
}

func (n *Notifier) markSent(alarmID, eventType, content string) {
	if n == nil {
		return
	}
	key := notificationKey(alarmID, eventType)
	n.mu.Lock()
	n.sent[key] = sendRecord{
		at:   n.clock.Now().UTC(),
		hash: hashContent(content),
	}
	n.mu.Unlock()
}

func notificationKey(alarmID, eventType string) string {
	return alarmID + "|" + eventType
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
