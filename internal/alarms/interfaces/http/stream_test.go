package http

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	alarmapp "engineroom-monitor/internal/alarms/application"
	alarms "engineroom-monitor/internal/alarms/domain"
)

func streamLines(body io.Reader) <-chan string {
	lines := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()
	return lines
}

func waitForLine(t *testing.T, lines <-chan string, prefix string) string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed before expected line")
			}
			if strings.HasPrefix(line, prefix) {
				return line
			}
		case <-deadline:
			t.Fatalf("timed out waiting for line with prefix %q", prefix)
		}
	}
}

func TestStreamDeliversAlarmEvents(t *testing.T) {
	broker := NewSSEBroker()
	server := httptest.NewServer(NewStreamHandler(broker))
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/v1/alarms/stream")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type %q", got)
	}

	lines := streamLines(resp.Body)
	if line := waitForLine(t, lines, "event: "); line != "event: ready" {
		t.Fatalf("expected ready event first, got %q", line)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		broker.Notify(context.Background(), alarmapp.AlarmEvent{
			Type:  alarmapp.AlarmEventCreated,
			Alarm: sampleRecord("alarm-1"),
		})
	}()

	if line := waitForLine(t, lines, "event: "); line != "event: created" {
		t.Fatalf("expected created event, got %q", line)
	}
	data := waitForLine(t, lines, "data: ")
	if !strings.Contains(data, "alarm-1") {
		t.Fatalf("expected alarm payload, got %q", data)
	}
}

func TestStreamFiltersBelowMinSeverity(t *testing.T) {
	broker := NewSSEBroker()
	server := httptest.NewServer(NewStreamHandler(broker))
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/v1/alarms/stream?min_severity=high")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	lines := streamLines(resp.Body)
	waitForLine(t, lines, "event: ready")

	go func() {
		time.Sleep(50 * time.Millisecond)
		low := sampleRecord("alarm-low")
		low.Severity = alarms.SeverityLow
		broker.Notify(context.Background(), alarmapp.AlarmEvent{Type: alarmapp.AlarmEventCreated, Alarm: low})
		broker.Notify(context.Background(), alarmapp.AlarmEvent{
			Type:  alarmapp.AlarmEventCreated,
			Alarm: sampleRecord("alarm-high"),
		})
	}()

	waitForLine(t, lines, "event: created")
	data := waitForLine(t, lines, "data: ")
	if strings.Contains(data, "alarm-low") {
		t.Fatalf("low severity event should have been filtered, got %q", data)
	}
	if !strings.Contains(data, "alarm-high") {
		t.Fatalf("expected high severity event, got %q", data)
	}
}

func TestStreamRejectsUnknownSeverity(t *testing.T) {
	handler := NewStreamHandler(NewSSEBroker())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/alarms/stream?min_severity=loud", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}
