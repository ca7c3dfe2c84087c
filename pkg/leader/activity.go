package leader

import (
	"encoding/json"
	"time"

	"github.com/jg-phare/crew/pkg/childrpc"
)

// Activity is the leader's running picture of what one worker is doing,
// built from its message_update stream. All fields are best-effort; a
// worker that emits bare text deltas still updates LastSeen.
type Activity struct {
	LastSeen     time.Time
	CurrentTool  string
	ToolCount    int
	InputTokens  int
	OutputTokens int
}

// activityUpdate is the slice of a message_update event the tracker reads.
type activityUpdate struct {
	ToolUseEvent struct {
		Name string `json:"name"`
	} `json:"toolUseEvent"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// trackActivity folds one event into the named worker's activity record.
func (r *Runtime) trackActivity(name string, ev childrpc.Event) {
	var upd activityUpdate
	if ev.Type == childrpc.EventMessageUpdate {
		json.Unmarshal(ev.Raw, &upd)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	tm, ok := r.teammates[name]
	if !ok {
		return
	}
	tm.activity.LastSeen = time.Now()
	tm.lastActivity = tm.activity.LastSeen

	switch ev.Type {
	case childrpc.EventAgentEnd:
		tm.activity.CurrentTool = ""
	case childrpc.EventMessageUpdate:
		if upd.ToolUseEvent.Name != "" {
			tm.activity.CurrentTool = upd.ToolUseEvent.Name
			tm.activity.ToolCount++
		}
		tm.activity.InputTokens += upd.Usage.InputTokens
		tm.activity.OutputTokens += upd.Usage.OutputTokens
	}
}

// ActivityFor returns a snapshot of the named worker's activity.
func (r *Runtime) ActivityFor(name string) (Activity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tm, ok := r.teammates[name]
	if !ok {
		return Activity{}, false
	}
	return tm.activity, true
}
