package tasks

import (
	"os"
	"testing"

	"github.com/jg-phare/crew/pkg/teamfs"
)

func TestClearCompleted(t *testing.T) {
	s := newTestStore(t)
	a := mustCreate(t, s, "a")
	b := mustCreate(t, s, "b")

	s.Claim(a.ID, "agent1", false)
	s.Complete(a.ID, "agent1", "done")

	result, err := s.Clear(ClearCompleted, "")
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if len(result.Deleted) != 1 || result.Deleted[0] != a.ID {
		t.Errorf("deleted = %v", result.Deleted)
	}
	if len(result.Skipped) != 1 || result.Skipped[0] != b.ID {
		t.Errorf("skipped = %v", result.Skipped)
	}

	if got, _ := s.Get(a.ID); got != nil {
		t.Error("completed task should be gone")
	}
	if got, _ := s.Get(b.ID); got == nil {
		t.Error("pending task should survive")
	}
}

func TestClearAllKeepsHighwater(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "a")
	mustCreate(t, s, "b")

	result, err := s.Clear(ClearAll, "")
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if len(result.Deleted) != 2 {
		t.Fatalf("deleted = %v", result.Deleted)
	}

	// The allocator keeps counting; ids never repeat after a clear.
	next := mustCreate(t, s, "c")
	if next.ID != "3" {
		t.Errorf("expected id 3 after clear, got %s", next.ID)
	}
	if _, err := os.Stat(teamfs.HighwaterPath(s.Dir())); err != nil {
		t.Errorf("highwater file must survive a clear: %v", err)
	}
}

func TestClearWithIDPattern(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 12; i++ {
		mustCreate(t, s, "task")
	}

	// "1*" matches 1 and 10..12 but nothing else.
	result, err := s.Clear(ClearAll, "1*")
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if len(result.Deleted) != 4 {
		t.Fatalf("deleted = %v", result.Deleted)
	}
	for _, id := range result.Deleted {
		if id[0] != '1' {
			t.Errorf("deleted id %s does not match pattern", id)
		}
	}
	if got, _ := s.Get("2"); got == nil {
		t.Error("non-matching task must survive")
	}

	// Alternation picks out exact ids.
	result, err = s.Clear(ClearAll, "{2,5}")
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if len(result.Deleted) != 2 {
		t.Errorf("deleted = %v", result.Deleted)
	}
}

func TestClearInvalidPattern(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Clear(ClearAll, "[unclosed"); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}

func TestClearInvalidMode(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Clear(ClearMode("everything"), ""); err == nil {
		t.Fatal("expected error for invalid mode")
	}
}

func TestClearEmptyDirectory(t *testing.T) {
	s := newTestStore(t)
	result, err := s.Clear(ClearAll, "")
	if err != nil {
		t.Fatalf("Clear on missing dir: %v", err)
	}
	if len(result.Deleted) != 0 || len(result.Skipped) != 0 {
		t.Errorf("unexpected result: %+v", result)
	}
}
