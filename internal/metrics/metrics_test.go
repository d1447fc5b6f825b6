package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestCollectorExposesInstruments(t *testing.T) {
	c := New()
	c.ToolCall("list_tasks", false)
	c.ToolCall("list_tasks", true)
	c.EventPublished("TASK_CREATED", 3)
	c.Spawn("claude", errors.New("boom"))
	c.SessionOpened("http")
	c.SessionOpened("ws")
	c.SessionClosed("ws")

	body := scrape(t, c)
	for _, want := range []string{
		`agentline_tool_calls_total{result="ok",tool="list_tasks"} 1`,
		`agentline_tool_calls_total{result="error",tool="list_tasks"} 1`,
		`agentline_events_published_total{type="TASK_CREATED"} 1`,
		`agentline_events_delivered_total 3`,
		`agentline_spawns_total{provider="claude",result="error"} 1`,
		`agentline_protocol_sessions{transport="http"} 1`,
		`agentline_protocol_sessions{transport="ws"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in scrape output", want)
		}
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.ToolCall("x", false)
	c.EventPublished("x", 1)
	c.Spawn("x", nil)
	c.SessionOpened("http")
	c.SessionClosed("http")
	if c.Handler() == nil {
		t.Fatalf("nil collector should still return a handler")
	}
}
