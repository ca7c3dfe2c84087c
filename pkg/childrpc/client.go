// Package childrpc drives a long-running child process over newline-
// delimited JSON on its standard streams. The leader uses one Client per
// worker as a fast path for interactive operations; the mailbox flow alone
// is sufficient for correctness.
package childrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// State is the observable lifecycle state of the child.
type State string

const (
	StateStarting  State = "starting"
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateStopped   State = "stopped"
	StateError     State = "error"
)

// Commands understood by worker processes.
const (
	CommandPrompt         = "prompt"
	CommandSteer          = "steer"
	CommandFollowUp       = "follow_up"
	CommandAbort          = "abort"
	CommandGetState       = "get_state"
	CommandSetSessionName = "set_session_name"
)

// Event types emitted by the child on stdout.
const (
	EventAgentStart    = "agent_start"
	EventAgentEnd      = "agent_end"
	EventMessageUpdate = "message_update"
)

const (
	// Scanner buffers for the JSONL stream.
	initialScannerBuffer = 64 * 1024
	maxScannerBuffer     = 10 * 1024 * 1024

	defaultCallTimeout = 60 * time.Second
	defaultBootDelay   = 200 * time.Millisecond
	killEscalation     = time.Second
	maxStderrBuffer    = 64 * 1024
)

// ErrStopped is returned for calls pending when the child stops.
var ErrStopped = errors.New("child process stopped")

// Request is one command sent to the child.
type Request struct {
	Type    string         `json:"type"` // always "request"
	ID      string         `json:"id"`
	Command string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
}

// Response resolves a pending Request by correlation id.
type Response struct {
	Type    string          `json:"type"` // "response"
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Event is any non-response line the child emits on stdout.
type Event struct {
	Type string
	Raw  json.RawMessage
}

// messageUpdate is the slice of a message_update event the client tracks.
type messageUpdate struct {
	AssistantMessageEvent struct {
		TextDelta string `json:"text_delta"`
	} `json:"assistantMessageEvent"`
}

// StartOptions configures the child process.
type StartOptions struct {
	Argv      []string // argv[0] is the binary
	Dir       string
	Env       []string
	BootDelay time.Duration // wait after spawn before going idle
}

// Client is the RPC driver for one child process.
type Client struct {
	name string

	mu            sync.Mutex
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	state         State
	pending       map[string]chan Response
	listeners     []func(Event)
	onClose       []func()
	lastAssistant strings.Builder
	stderrTail    strings.Builder
	closed        bool

	callTimeout time.Duration
	readerDone  chan struct{}
	procDone    chan struct{}
}

// NewClient creates an unstarted client labeled with the child's name.
func NewClient(name string) *Client {
	return &Client{
		name:        name,
		state:       StateStarting,
		pending:     make(map[string]chan Response),
		callTimeout: defaultCallTimeout,
		readerDone:  make(chan struct{}),
		procDone:    make(chan struct{}),
	}
}

// Name returns the child's label.
func (c *Client) Name() string { return c.name }

// State returns the child's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnEvent registers a listener for agent events. Listeners run on the read
// goroutine and must not block.
func (c *Client) OnEvent(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// OnClose registers a callback invoked once when the child process exits.
func (c *Client) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

// LastAssistantText returns the assistant text accumulated during the most
// recent agent turn.
func (c *Client) LastAssistantText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAssistant.String()
}

// StderrTail returns the most recent stderr output, for diagnostics.
func (c *Client) StderrTail() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stderrTail.String()
}

// Start spawns the child and begins pumping its streams. After a brief boot
// interval the child is considered idle.
func (c *Client) Start(ctx context.Context, opts StartOptions) error {
	if len(opts.Argv) == 0 {
		return fmt.Errorf("child argv is required")
	}
	if opts.BootDelay <= 0 {
		opts.BootDelay = defaultBootDelay
	}

	cmd := exec.CommandContext(ctx, opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		c.mu.Lock()
		c.state = StateError
		c.mu.Unlock()
		return fmt.Errorf("spawn %s: %w", c.name, err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.stdin = stdin
	c.mu.Unlock()

	go c.readLoop(stdout)
	go c.stderrLoop(stderr)
	go c.waitLoop()

	time.Sleep(opts.BootDelay)
	c.mu.Lock()
	if c.state == StateStarting {
		c.state = StateIdle
	}
	c.mu.Unlock()
	return nil
}

// Call sends a command and waits for the matching response, up to the
// per-call timeout.
func (c *Client) Call(ctx context.Context, command string, args map[string]any) (json.RawMessage, error) {
	id := uuid.New().String()
	req := Request{Type: "request", ID: id, Command: command, Args: args}

	ch := make(chan Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("call %s: %w", command, ErrStopped)
	}
	c.pending[id] = ch
	stdin := c.stdin
	c.mu.Unlock()

	if stdin == nil {
		c.dropPending(id)
		return nil, fmt.Errorf("call %s: child not started", command)
	}

	data, err := json.Marshal(req)
	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("write request: %w", err)
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if !resp.Success {
			if resp.Error == "" {
				resp.Error = "command failed"
			}
			return nil, fmt.Errorf("%s: %s", command, resp.Error)
		}
		return resp.Data, nil
	case <-timer.C:
		c.dropPending(id)
		return nil, fmt.Errorf("call %s timed out after %s", command, c.callTimeout)
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case <-c.procDone:
		return nil, fmt.Errorf("call %s: %w", command, ErrStopped)
	}
}

// Prompt sends a new user prompt to the child agent.
func (c *Client) Prompt(ctx context.Context, text string) error {
	_, err := c.Call(ctx, CommandPrompt, map[string]any{"text": text})
	return err
}

// Steer injects mid-turn guidance into the running agent.
func (c *Client) Steer(ctx context.Context, text string) error {
	_, err := c.Call(ctx, CommandSteer, map[string]any{"text": text})
	return err
}

// FollowUp queues a message for after the current turn.
func (c *Client) FollowUp(ctx context.Context, text string) error {
	_, err := c.Call(ctx, CommandFollowUp, map[string]any{"text": text})
	return err
}

// Abort asks the child agent to stop its current turn.
func (c *Client) Abort(ctx context.Context) error {
	_, err := c.Call(ctx, CommandAbort, nil)
	return err
}

// GetState fetches the child's self-reported state blob.
func (c *Client) GetState(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, CommandGetState, nil)
}

// SetSessionName sets the child's cosmetic session label.
func (c *Client) SetSessionName(ctx context.Context, name string) error {
	_, err := c.Call(ctx, CommandSetSessionName, map[string]any{"name": name})
	return err
}

// Stop shuts the child down: best-effort abort, SIGTERM, SIGKILL after one
// second. Pending calls fail with ErrStopped. Safe to call more than once.
func (c *Client) Stop() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cmd := c.cmd
	stdin := c.stdin
	c.state = StateStopped
	c.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		c.failPending()
		return nil
	}

	// Best-effort abort before the signal; ignore failures.
	c.bestEffortAbort()

	if stdin != nil {
		stdin.Close()
	}
	cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-c.procDone:
	case <-time.After(killEscalation):
		cmd.Process.Kill()
		<-c.procDone
	}

	c.failPending()
	return nil
}

// bestEffortAbort issues an abort without going through Call's pending
// bookkeeping (the client is already marked closed).
func (c *Client) bestEffortAbort() {
	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		return
	}
	req := Request{Type: "request", ID: uuid.New().String(), Command: CommandAbort}
	if data, err := json.Marshal(req); err == nil {
		stdin.Write(append(data, '\n'))
	}
}

func (c *Client) readLoop(stdout io.Reader) {
	defer close(c.readerDone)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, initialScannerBuffer), maxScannerBuffer)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			continue // not JSON; ignore
		}

		if probe.Type == "response" {
			var resp Response
			if err := json.Unmarshal(line, &resp); err != nil {
				continue
			}
			c.deliver(resp)
			continue
		}

		raw := make(json.RawMessage, len(line))
		copy(raw, line)
		c.handleEvent(Event{Type: probe.Type, Raw: raw})
	}
}

func (c *Client) handleEvent(ev Event) {
	c.mu.Lock()
	switch ev.Type {
	case EventAgentStart:
		if !c.closed {
			c.state = StateStreaming
		}
		c.lastAssistant.Reset()
	case EventAgentEnd:
		if !c.closed {
			c.state = StateIdle
		}
	case EventMessageUpdate:
		var mu messageUpdate
		if err := json.Unmarshal(ev.Raw, &mu); err == nil {
			c.lastAssistant.WriteString(mu.AssistantMessageEvent.TextDelta)
		}
	}
	listeners := make([]func(Event), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

func (c *Client) deliver(resp Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan Response)
	c.mu.Unlock()
	for id, ch := range pending {
		ch <- Response{ID: id, Success: false, Error: ErrStopped.Error()}
	}
}

func (c *Client) stderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, initialScannerBuffer), maxScannerBuffer)
	for scanner.Scan() {
		c.mu.Lock()
		if c.stderrTail.Len() > maxStderrBuffer {
			c.stderrTail.Reset()
		}
		c.stderrTail.WriteString(scanner.Text())
		c.stderrTail.WriteString("\n")
		c.mu.Unlock()
	}
}

func (c *Client) waitLoop() {
	<-c.readerDone
	err := c.cmd.Wait()
	close(c.procDone)

	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	if wasClosed || err == nil {
		c.state = StateStopped
	} else {
		c.state = StateError
	}
	callbacks := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	c.failPending()
	for _, fn := range callbacks {
		fn()
	}
}
