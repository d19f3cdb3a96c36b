package chunk

import (
	"strings"
	"testing"
)

// TestSplitSingleSegment keeps short text in one segment.
func TestSplitSingleSegment(t *testing.T) {
	text := "alice: hi\nbob: hello\nalice: bye"
	segs := Split(text, 1000)

	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	s := segs[0]
	if s.Index != 0 || s.Text != text || s.Messages != 3 {
		t.Errorf("unexpected segment: %+v", s)
	}
	if s.StartChar != 0 || s.EndChar != len(text) {
		t.Errorf("offsets = [%d,%d], want [0,%d]", s.StartChar, s.EndChar, len(text))
	}
}

// TestSplitGreedyBoundary verifies messages accumulate until the next one
// would exceed the budget, and that no message is ever split.
func TestSplitGreedyBoundary(t *testing.T) {
	msgs := []string{
		strings.Repeat("a", 40),
		strings.Repeat("b", 40),
		strings.Repeat("c", 40),
		strings.Repeat("d", 40),
	}
	text := strings.Join(msgs, "\n")

	// Budget fits two 40-char messages plus one separator (81), not three.
	segs := Split(text, 85)
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segs))
	}
	if segs[0].Text != msgs[0]+"\n"+msgs[1] {
		t.Errorf("segment 0 = %q", segs[0].Text)
	}
	if segs[1].Text != msgs[2]+"\n"+msgs[3] {
		t.Errorf("segment 1 = %q", segs[1].Text)
	}
	for i, s := range segs {
		if s.Index != i {
			t.Errorf("segment %d has index %d", i, s.Index)
		}
		if s.Messages != 2 {
			t.Errorf("segment %d message count = %d, want 2", i, s.Messages)
		}
	}
}

// TestSplitOffsetsMapBack checks that every segment is the exact substring of
// the input named by its offsets.
func TestSplitOffsetsMapBack(t *testing.T) {
	var lines []string
	for i := 0; i < 50; i++ {
		lines = append(lines, strings.Repeat("x", 20+i%7))
	}
	text := strings.Join(lines, "\n")

	segs := Split(text, 100)
	if len(segs) < 2 {
		t.Fatalf("expected multiple segments, got %d", len(segs))
	}
	for _, s := range segs {
		if text[s.StartChar:s.EndChar] != s.Text {
			t.Errorf("segment %d offsets do not map back to its text", s.Index)
		}
		if len(s.Text) > 100 {
			t.Errorf("segment %d exceeds budget: %d chars", s.Index, len(s.Text))
		}
	}
}

// TestSplitOversizedMessage emits a single over-budget message as its own
// segment instead of truncating it.
func TestSplitOversizedMessage(t *testing.T) {
	huge := strings.Repeat("z", 500)
	text := "small one\n" + huge + "\nsmall two"

	segs := Split(text, 100)
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segs))
	}
	if segs[1].Text != huge {
		t.Errorf("oversized message was altered: %d chars", len(segs[1].Text))
	}
	if !segs[1].Oversized(100) {
		t.Error("segment 1 should report oversized")
	}
	if segs[0].Oversized(100) {
		t.Error("segment 0 should not report oversized")
	}
}

// TestSplitEmptyInput returns no segments for blank text.
func TestSplitEmptyInput(t *testing.T) {
	if segs := Split("", 100); segs != nil {
		t.Errorf("expected nil for empty text, got %d segments", len(segs))
	}
	if segs := Split("\n\n  \n", 100); segs != nil {
		t.Errorf("expected nil for whitespace text, got %d segments", len(segs))
	}
}

// TestSplitBlankLinesInsideSegment keeps blank lines but does not count them
// as messages.
func TestSplitBlankLinesInsideSegment(t *testing.T) {
	text := "first\n\nsecond"
	segs := Split(text, 1000)

	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	if segs[0].Text != text {
		t.Errorf("blank line dropped: %q", segs[0].Text)
	}
	if segs[0].Messages != 2 {
		t.Errorf("Messages = %d, want 2", segs[0].Messages)
	}
}

// TestSplitDefaultBudget applies the default when the budget is zero.
func TestSplitDefaultBudget(t *testing.T) {
	text := strings.Repeat("m\n", 100) + "m"
	segs := Split(text, 0)
	if len(segs) != 1 {
		t.Errorf("expected 1 segment under the default budget, got %d", len(segs))
	}
}
