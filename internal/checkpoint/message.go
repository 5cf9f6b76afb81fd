package checkpoint

import (
	"fmt"
	"strconv"
	"strings"
)

// Event is the transition a checkpoint records.
type Event string

const (
	EventAdvance   Event = "advance"
	EventRetry     Event = "retry"
	EventLoopBack  Event = "loop-back"
	EventFailed    Event = "failed"
	EventCancelled Event = "cancelled"
	EventCompleted Event = "completed"

	// EventMarkerEdit records markers edited by an operator outside any run.
	EventMarkerEdit Event = "marker-edit"
)

// Terminal reports whether the event ends a run.
func (e Event) Terminal() bool {
	switch e {
	case EventFailed, EventCancelled, EventCompleted:
		return true
	}
	return false
}

// Trailer keys.
const (
	TrailerEpic    = "Epic"
	TrailerRun     = "Run"
	TrailerPhase   = "Phase"
	TrailerEvent   = "Event"
	TrailerNext    = "Next"
	TrailerAttempt = "Attempt"
	TrailerRounds  = "Rounds"
	TrailerState   = "State"
	TrailerReason  = "Reason"
	TrailerError   = "Error"
)

// Message is the structured content of a checkpoint commit.
type Message struct {
	EpicID string
	RunID  string

	// Phase is the phase that produced the transition; Next is the phase
	// the run resumes at, empty when the pipeline is done.
	Phase string
	Event Event
	Next  string

	Attempt int
	Rounds  int
	State   string
	Reason  string
	// Error is the failure kind for failed and cancelled events.
	Error string
}

// Subject returns the commit subject line.
func (m Message) Subject() string {
	s := fmt.Sprintf("epicflow(%s): %s %s", m.EpicID, m.Phase, m.Event)
	if m.Phase == "" {
		s = fmt.Sprintf("epicflow(%s): %s", m.EpicID, m.Event)
	}
	if m.Next != "" && m.Next != m.Phase {
		s += " -> " + m.Next
	}
	return s
}

// Format renders the commit message: subject, blank line, trailers.
func (m Message) Format() string {
	var b strings.Builder
	b.WriteString(m.Subject())
	b.WriteString("\n\n")

	write := func(key, value string) {
		if value == "" {
			return
		}
		b.WriteString(key)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteByte('\n')
	}
	write(TrailerEpic, m.EpicID)
	write(TrailerRun, m.RunID)
	write(TrailerPhase, m.Phase)
	write(TrailerEvent, string(m.Event))
	write(TrailerNext, m.Next)
	write(TrailerAttempt, strconv.Itoa(m.Attempt))
	write(TrailerRounds, strconv.Itoa(m.Rounds))
	write(TrailerState, m.State)
	write(TrailerReason, oneLine(m.Reason))
	write(TrailerError, m.Error)
	return b.String()
}

// ParseMessage extracts a Message from a commit message. ok is false when
// the message carries no Epic trailer.
func ParseMessage(raw string) (m Message, ok bool) {
	for _, line := range trailerBlock(raw) {
		key, value, found := strings.Cut(line, ": ")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case TrailerEpic:
			m.EpicID = value
		case TrailerRun:
			m.RunID = value
		case TrailerPhase:
			m.Phase = value
		case TrailerEvent:
			m.Event = Event(value)
		case TrailerNext:
			m.Next = value
		case TrailerAttempt:
			m.Attempt, _ = strconv.Atoi(value)
		case TrailerRounds:
			m.Rounds, _ = strconv.Atoi(value)
		case TrailerState:
			m.State = value
		case TrailerReason:
			m.Reason = value
		case TrailerError:
			m.Error = value
		}
	}
	return m, m.EpicID != ""
}

// trailerBlock returns the lines of the last paragraph.
func trailerBlock(raw string) []string {
	raw = strings.TrimRight(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	if i := strings.LastIndex(raw, "\n\n"); i >= 0 {
		raw = raw[i+2:]
	}
	return strings.Split(raw, "\n")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
