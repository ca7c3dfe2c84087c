package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/jg-phare/crew/pkg/childrpc"
	"github.com/jg-phare/crew/pkg/worker"
)

// runWorker is the worker-mode entrypoint: a stdio host speaking the
// leader's JSONL protocol, wrapped around the worker runtime and a
// minimal built-in agent.
func runWorker() {
	env := worker.EnvFromProcess()
	if !env.Enabled() {
		fmt.Fprintln(os.Stderr, "worker mode requires PI_TEAMS_TEAM_ID and PI_TEAMS_AGENT_NAME")
		os.Exit(2)
	}

	host := newStdioHost(os.Stdout)
	rt := worker.New(env, host)
	host.runtime = rt

	done := make(chan struct{})
	rt.OnShutdown(func(reason string) { close(done) })

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "worker start: %v\n", err)
		os.Exit(1)
	}

	eof := make(chan struct{})
	go func() {
		host.serve(os.Stdin)
		close(eof)
	}()

	select {
	case <-done:
		// Graceful handshake finished inside the runtime.
	case <-eof:
		rt.Shutdown("stdin closed")
	case <-ctx.Done():
		rt.Shutdown("terminated")
	}
}

// stdioHost serves the childrpc wire protocol on the process's standard
// streams and doubles as the worker's built-in agent: a prompt turn echoes
// an acknowledgment of the work as its result.
type stdioHost struct {
	runtime *worker.Runtime

	mu          sync.Mutex
	enc         *json.Encoder
	busy        bool
	aborted     bool
	sessionName string
	queue       []string
}

func newStdioHost(out io.Writer) *stdioHost {
	return &stdioHost{enc: json.NewEncoder(out)}
}

// SendUserMessage runs one agent turn asynchronously.
func (h *stdioHost) SendUserMessage(text string) error {
	h.mu.Lock()
	if h.busy {
		h.mu.Unlock()
		return fmt.Errorf("agent is busy")
	}
	h.busy = true
	h.aborted = false
	h.mu.Unlock()

	go h.runTurn(text)
	return nil
}

func (h *stdioHost) RequestAbort() {
	h.mu.Lock()
	h.aborted = true
	h.mu.Unlock()
}

func (h *stdioHost) SessionName() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionName
}

func (h *stdioHost) SetSessionName(name string) {
	h.mu.Lock()
	h.sessionName = name
	h.mu.Unlock()
}

// runTurn produces the built-in agent's reply: an acknowledgment quoting
// the first line of the request. Steered text queued during the turn is
// folded into the reply.
func (h *stdioHost) runTurn(text string) {
	h.emit(map[string]any{"type": childrpc.EventAgentStart})

	h.mu.Lock()
	extra := strings.Join(h.queue, "\n")
	h.queue = nil
	aborted := h.aborted
	h.mu.Unlock()

	reply := ""
	if !aborted {
		reply = "Acknowledged: " + firstLine(text)
		if extra != "" {
			reply += "\nAlso noted: " + firstLine(extra)
		}
		h.emit(map[string]any{
			"type":                  childrpc.EventMessageUpdate,
			"assistantMessageEvent": map[string]any{"text_delta": reply},
		})
	}

	h.emit(map[string]any{"type": childrpc.EventAgentEnd})

	h.mu.Lock()
	h.busy = false
	h.mu.Unlock()

	if h.runtime != nil {
		h.runtime.OnAgentEnd(reply)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func (h *stdioHost) emit(v any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enc.Encode(v)
}

// serve reads requests from the leader until EOF.
func (h *stdioHost) serve(in io.Reader) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req childrpc.Request
		if err := json.Unmarshal(line, &req); err != nil || req.Type != "request" {
			continue
		}
		h.handle(req)
	}
}

func (h *stdioHost) handle(req childrpc.Request) {
	respond := func(data any, err error) {
		resp := childrpc.Response{Type: "response", ID: req.ID, Command: req.Command, Success: err == nil}
		if err != nil {
			resp.Error = err.Error()
		} else if data != nil {
			raw, merr := json.Marshal(data)
			if merr == nil {
				resp.Data = raw
			}
		}
		h.emit(resp)
	}

	text, _ := req.Args["text"].(string)
	switch req.Command {
	case childrpc.CommandPrompt:
		respond(nil, h.SendUserMessage(text))
	case childrpc.CommandSteer, childrpc.CommandFollowUp:
		h.mu.Lock()
		busy := h.busy
		if busy {
			h.queue = append(h.queue, text)
		}
		h.mu.Unlock()
		if busy {
			respond(nil, nil)
		} else {
			respond(nil, h.SendUserMessage(text))
		}
	case childrpc.CommandAbort:
		h.RequestAbort()
		respond(nil, nil)
	case childrpc.CommandGetState:
		h.mu.Lock()
		state := "idle"
		if h.busy {
			state = "streaming"
		}
		data := map[string]any{"state": state, "sessionName": h.sessionName}
		h.mu.Unlock()
		respond(data, nil)
	case childrpc.CommandSetSessionName:
		name, _ := req.Args["name"].(string)
		h.SetSessionName(name)
		respond(nil, nil)
	default:
		respond(nil, fmt.Errorf("unknown command %q", req.Command))
	}
}
