package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	alarms "engineroom-monitor/internal/alarms/domain"
	alarmrepo "engineroom-monitor/internal/alarms/infrastructure/postgres"
	masterdata "engineroom-monitor/internal/masterdata/domain"
	"engineroom-monitor/internal/observability/metrics"
)

const (
	exportPageSize = 500
	exportMaxRows  = 5000
)

// EquipmentDirectory resolves equipment display names for exports.
type EquipmentDirectory interface {
	Get(ctx context.Context, id string) (*masterdata.Equipment, error)
}

// ExportHandler serves the alarm ledger as a downloadable file.
type ExportHandler struct {
	service   AlarmService
	equipment EquipmentDirectory
}

// NewExportHandler constructs an export handler. The equipment directory
// is optional; without it exports fall back to raw equipment IDs.
func NewExportHandler(service AlarmService, equipment EquipmentDirectory) (*ExportHandler, error) {
	if service == nil {
		return nil, errors.New("alarm export: nil service")
	}
	return &ExportHandler{service: service, equipment: equipment}, nil
}

// ServeHTTP handles GET /api/v1/alarms/export?format=xlsx|pdf plus the
// alarm list filters.
func (h *ExportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "xlsx"
	}
	if format != "xlsx" && format != "pdf" {
		http.Error(w, "format must be xlsx or pdf", http.StatusBadRequest)
		return
	}
	filter, err := parseAlarmFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	start := time.Now()
	records, err := h.collect(r.Context(), filter)
	if err != nil {
		metrics.ObserveAlarmExport(format, "error", time.Since(start))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	names := h.resolveNames(r.Context(), records)

	var payload []byte
	switch format {
	case "xlsx":
		payload, err = BuildAlarmLedgerXLSX(records, names)
	case "pdf":
		payload, err = BuildAlarmLedgerPDF(records, names)
	}
	if err != nil {
		metrics.ObserveAlarmExport(format, "error", time.Since(start))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	metrics.ObserveAlarmExport(format, "success", time.Since(start))

	filename := "alarms-" + time.Now().UTC().Format("20060102-150405") + "." + format
	if format == "xlsx" {
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	} else {
		w.Header().Set("Content-Type", "application/pdf")
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	_, _ = w.Write(payload)
}

// collect pages through the alarm list so exports are not capped at the
// single-request list limit. exportMaxRows bounds worst-case memory.
func (h *ExportHandler) collect(ctx context.Context, filter alarmrepo.AlarmFilter) ([]alarms.AlarmRecord, error) {
	filter.Limit = exportPageSize
	filter.Offset = 0

	var out []alarms.AlarmRecord
	for {
		page, _, err := h.service.ListAlarms(ctx, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < exportPageSize || len(out) >= exportMaxRows {
			if len(out) > exportMaxRows {
				out = out[:exportMaxRows]
			}
			return out, nil
		}
		filter.Offset += exportPageSize
	}
}

func (h *ExportHandler) resolveNames(ctx context.Context, records []alarms.AlarmRecord) map[string]string {
	names := make(map[string]string)
	if h.equipment == nil {
		return names
	}
	for _, record := range records {
		if _, seen := names[record.EquipmentID]; seen {
			continue
		}
		equipment, err := h.equipment.Get(ctx, record.EquipmentID)
		if err != nil || equipment == nil {
			names[record.EquipmentID] = ""
			continue
		}
		names[record.EquipmentID] = equipment.Name
	}
	return names
}

// BuildAlarmLedgerXLSX renders the alarm ledger workbook.
func BuildAlarmLedgerXLSX(records []alarms.AlarmRecord, names map[string]string) ([]byte, error) {
	f := excelize.NewFile()
	sheet := "报警台账"
	f.SetSheetName("Sheet1", sheet)

	headers := []string{"报警ID", "设备", "设备ID", "故障名称", "指标", "测点", "异常值", "阈值", "单位", "等级", "状态", "触发时间", "处理人", "处理时间", "处理备注"}
	for i, header := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(sheet, cell, header)
	}

	for i, record := range records {
		row := i + 2
		handledAt := ""
		if !record.HandledAt.IsZero() {
			handledAt = record.HandledAt.UTC().Format(time.RFC3339)
		}
		values := []any{
			record.ID,
			displayName(names, record.EquipmentID),
			record.EquipmentID,
			record.FaultName,
			string(record.MetricType),
			record.MonitoringPoint,
			record.AbnormalValue,
			alarms.FormatThresholdRange(record.UpperLimit, record.LowerLimit),
			record.Unit,
			string(record.Severity),
			record.Status,
			record.TriggeredAt.UTC().Format(time.RFC3339),
			record.Handler,
			handledAt,
			record.HandleNote,
		}
		for col, value := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				return nil, err
			}
			_ = f.SetCellValue(sheet, cell, value)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildAlarmLedgerPDF renders the alarm ledger as a PDF table. Core PDF
// fonts carry no CJK glyphs, so this surface sticks to ASCII columns;
// the XLSX export is the one with full fault names.
func BuildAlarmLedgerPDF(records []alarms.AlarmRecord, names map[string]string) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Engine Room Alarm Ledger")
	pdf.Ln(6)
	pdf.SetFont("Arial", "", 9)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s    Records: %d", time.Now().UTC().Format(time.RFC3339), len(records)))
	pdf.Ln(8)

	type column struct {
		title string
		width float64
	}
	columns := []column{
		{"Alarm ID", 34},
		{"Equipment", 36},
		{"Metric", 26},
		{"Point", 22},
		{"Value", 22},
		{"Range", 34},
		{"Severity", 20},
		{"Status", 22},
		{"Triggered (UTC)", 40},
	}

	writeHeader := func() {
		pdf.SetFont("Arial", "B", 8)
		for _, col := range columns {
			pdf.CellFormat(col.width, 6, col.title, "1", 0, "C", false, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont("Arial", "", 8)
	}
	writeHeader()

	for _, record := range records {
		if pdf.GetY() > 185 {
			pdf.AddPage()
			writeHeader()
		}
		cells := []string{
			record.ID,
			record.EquipmentID,
			string(record.MetricType),
			record.MonitoringPoint,
			strconv.FormatFloat(record.AbnormalValue, 'f', -1, 64) + record.Unit,
			asciiThresholdRange(record.UpperLimit, record.LowerLimit),
			string(record.Severity),
			record.Status,
			record.TriggeredAt.UTC().Format("2006-01-02 15:04:05"),
		}
		for i, col := range columns {
			pdf.CellFormat(col.width, 6, cells[i], "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func asciiThresholdRange(upper, lower *float64) string {
	var out string
	if upper != nil {
		out = "max " + strconv.FormatFloat(*upper, 'f', -1, 64)
	}
	if lower != nil {
		if out != "" {
			out += ", "
		}
		out += "min " + strconv.FormatFloat(*lower, 'f', -1, 64)
	}
	return out
}

func displayName(names map[string]string, equipmentID string) string {
	if name := names[equipmentID]; name != "" {
		return name
	}
	return equipmentID
}
