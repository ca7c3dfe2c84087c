package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/jg-phare/crew/pkg/childrpc"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for scanner.Scan() {
		var m map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			t.Fatalf("bad output line %q: %v", scanner.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func waitIdle(t *testing.T, h *stdioHost) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		busy := h.busy
		h.mu.Unlock()
		if !busy {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("host never went idle")
}

func TestPromptTurnEmitsEventsAndResponse(t *testing.T) {
	var buf bytes.Buffer
	h := newStdioHost(&buf)

	h.handle(childrpc.Request{Type: "request", ID: "1", Command: childrpc.CommandPrompt,
		Args: map[string]any{"text": "Review the diff\nand leave comments"}})
	waitIdle(t, h)

	lines := decodeLines(t, &buf)
	var types []string
	var delta string
	for _, m := range lines {
		typ, _ := m["type"].(string)
		types = append(types, typ)
		if typ == childrpc.EventMessageUpdate {
			ev := m["assistantMessageEvent"].(map[string]any)
			delta, _ = ev["text_delta"].(string)
		}
		if typ == "response" {
			if ok, _ := m["success"].(bool); !ok {
				t.Errorf("prompt response not successful: %v", m)
			}
		}
	}

	joined := strings.Join(types, ",")
	for _, want := range []string{"response", childrpc.EventAgentStart, childrpc.EventMessageUpdate, childrpc.EventAgentEnd} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing %q in output: %v", want, types)
		}
	}
	if !strings.Contains(delta, "Review the diff") {
		t.Errorf("reply = %q", delta)
	}
}

func TestPromptWhileBusyFails(t *testing.T) {
	var buf bytes.Buffer
	h := newStdioHost(&buf)
	h.mu.Lock()
	h.busy = true
	h.mu.Unlock()

	h.handle(childrpc.Request{Type: "request", ID: "2", Command: childrpc.CommandPrompt,
		Args: map[string]any{"text": "more work"}})

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("lines = %v", lines)
	}
	if ok, _ := lines[0]["success"].(bool); ok {
		t.Error("prompt while busy must fail")
	}
	if msg, _ := lines[0]["error"].(string); msg != "agent is busy" {
		t.Errorf("error = %q", msg)
	}
}

func TestAbortedTurnReportsEmptyReply(t *testing.T) {
	var buf bytes.Buffer
	h := newStdioHost(&buf)
	h.aborted = true
	h.busy = true

	h.runTurn("doomed work")

	for _, m := range decodeLines(t, &buf) {
		if typ, _ := m["type"].(string); typ == childrpc.EventMessageUpdate {
			t.Error("aborted turn must not stream a reply")
		}
	}
}

func TestGetStateAndSessionName(t *testing.T) {
	var buf bytes.Buffer
	h := newStdioHost(&buf)

	h.handle(childrpc.Request{Type: "request", ID: "3", Command: childrpc.CommandSetSessionName,
		Args: map[string]any{"name": "crew/agent1"}})
	h.handle(childrpc.Request{Type: "request", ID: "4", Command: childrpc.CommandGetState})

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("lines = %v", lines)
	}
	var resp childrpc.Response
	raw, _ := json.Marshal(lines[1])
	json.Unmarshal(raw, &resp)

	var state struct {
		State       string `json:"state"`
		SessionName string `json:"sessionName"`
	}
	if err := json.Unmarshal(resp.Data, &state); err != nil {
		t.Fatalf("state data: %v", err)
	}
	if state.State != "idle" || state.SessionName != "crew/agent1" {
		t.Errorf("state = %+v", state)
	}
}

func TestSteerQueuesWhileBusy(t *testing.T) {
	var buf bytes.Buffer
	h := newStdioHost(&buf)
	h.mu.Lock()
	h.busy = true
	h.mu.Unlock()

	h.handle(childrpc.Request{Type: "request", ID: "5", Command: childrpc.CommandSteer,
		Args: map[string]any{"text": "also check the tests"}})

	h.mu.Lock()
	queued := len(h.queue)
	h.busy = false
	h.mu.Unlock()
	if queued != 1 {
		t.Fatalf("queue = %d, want 1", queued)
	}

	lines := decodeLines(t, &buf)
	if ok, _ := lines[0]["success"].(bool); !ok {
		t.Errorf("steer while busy should succeed: %v", lines[0])
	}
}

func TestUnknownCommandRejected(t *testing.T) {
	var buf bytes.Buffer
	h := newStdioHost(&buf)
	h.handle(childrpc.Request{Type: "request", ID: "6", Command: "telepathy"})
	lines := decodeLines(t, &buf)
	if ok, _ := lines[0]["success"].(bool); ok {
		t.Error("unknown command must fail")
	}
}
