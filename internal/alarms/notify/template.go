package notify

import (
	"bytes"
	"errors"
	"text/template"
)

const DefaultTemplate = `【机舱报警{{.EventLabel}}】
设备: {{.Equipment}}
故障: {{.Fault}}
{{ if .Point }}测点: {{.Point}}
{{ end }}异常值: {{.TriggerValue}}
阈值: {{.Threshold}}
触发时间: {{.TriggeredAt}}
当前状态: {{.Status}}
等级: {{.Severity}}
处理建议: {{.Suggestion}}
{{ if .ReportURL }}详情: {{.ReportURL}}
{{ end }}`

// TemplateData provides fields for rendering notification content.
type TemplateData struct {
	Equipment    string
	EquipmentID  string
	Location     string
	Fault        string
	MetricType   string
	Point        string
	TriggerValue string
	Threshold    string
	TriggeredAt  string
	Status       string
	StatusCode   string
	Severity     string
	Suggestion   string
	ReportURL    string
	Event        string
	EventLabel   string
}

// Template renders notification content.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a notification template, falling back to DefaultTemplate.
func NewTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("alarm-notification").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("alarm template: nil")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
