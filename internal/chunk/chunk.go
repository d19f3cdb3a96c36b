// Package chunk splits masked transcript text into ordered, bounded segments
// for sequential analysis. The atomic unit is a message (one line): a message
// is never split across segments, and segment order is positional and final.
package chunk

import "strings"

// DefaultBudget is the character budget used when the model has no specific
// context-window entry.
const DefaultBudget = 60_000

// Segment is one bounded slice of the masked text.
type Segment struct {
	Index     int
	StartChar int
	EndChar   int
	Text      string
	Messages  int
}

// Oversized reports whether this segment alone exceeded the budget. Such a
// segment holds a single message that could not be split further.
func (s Segment) Oversized(budget int) bool {
	return len(s.Text) > budget
}

// Split divides text into segments by greedily accumulating whole messages
// until the next one would exceed the budget. A single message larger than
// the budget becomes its own oversized segment rather than being truncated.
func Split(text string, budget int) []Segment {
	if budget <= 0 {
		budget = DefaultBudget
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	messages := strings.Split(text, "\n")

	var segments []Segment
	var (
		curStart    = 0
		curLen      = 0 // length of accumulated text including separators
		curMessages = 0
		offset      = 0 // start offset of the current message within text
	)

	flush := func(end int) {
		seg := text[curStart:end]
		if strings.TrimSpace(seg) != "" {
			segments = append(segments, Segment{
				Index:     len(segments),
				StartChar: curStart,
				EndChar:   end,
				Text:      seg,
				Messages:  curMessages,
			})
		}
		curStart = end
		curLen = 0
		curMessages = 0
	}

	for i, msg := range messages {
		msgLen := len(msg)
		// +1 for the newline that joins this message to the accumulated text.
		need := msgLen
		if curLen > 0 {
			need++
		}

		if curLen > 0 && curLen+need > budget {
			// Close the current segment before this message; the separating
			// newline belongs to neither side.
			flush(offset - 1)
			curStart = offset
			need = msgLen
		}

		curLen += need
		if strings.TrimSpace(msg) != "" {
			curMessages++
		}

		offset += msgLen
		if i < len(messages)-1 {
			offset++ // the newline consumed by Split
		}
	}

	if curLen > 0 {
		flush(len(text))
	}

	return segments
}
