package transport

import "fmt"

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Exhausted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Exhausted:
		return "exhausted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Action is a side effect the driver of a Machine must carry out.
type Action int

const (
	Dial Action = iota + 1
	ScheduleRetry
	CancelRetry
	HangUp
)

func (a Action) String() string {
	switch a {
	case Dial:
		return "dial"
	case ScheduleRetry:
		return "schedule-retry"
	case CancelRetry:
		return "cancel-retry"
	case HangUp:
		return "hang-up"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

type Transition struct {
	From, To State
	Actions  []Action
}

func (t Transition) Changed() bool { return t.From != t.To }

func (t Transition) Has(a Action) bool {
	for _, x := range t.Actions {
		if x == a {
			return true
		}
	}
	return false
}

// Machine is the connection lifecycle with a bounded, fixed-delay retry
// policy. It performs no I/O: every event returns the actions to run.
type Machine struct {
	state       State
	attempts    int
	maxAttempts int
}

func NewMachine(maxAttempts int) *Machine {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Machine{maxAttempts: maxAttempts}
}

func (m *Machine) State() State     { return m.state }
func (m *Machine) Attempts() int    { return m.attempts }
func (m *Machine) MaxAttempts() int { return m.maxAttempts }

func (m *Machine) to(s State, actions ...Action) Transition {
	t := Transition{From: m.state, To: s, Actions: actions}
	m.state = s
	return t
}

// Connect starts a fresh dial. Out of Disconnected or Exhausted the
// attempt counter restarts at zero; out of Reconnecting the pending timer
// is skipped and the count kept.
func (m *Machine) Connect() Transition {
	switch m.state {
	case Connected, Connecting:
		return m.to(m.state)
	case Reconnecting:
		return m.to(Connecting, CancelRetry, Dial)
	default:
		m.attempts = 0
		return m.to(Connecting, Dial)
	}
}

func (m *Machine) Opened() Transition {
	if m.state != Connecting {
		// the dial outlived a disconnect
		return m.to(m.state, HangUp)
	}
	m.attempts = 0
	return m.to(Connected, CancelRetry)
}

// Closed handles the end of a connection or a failed dial. Only unclean
// closes consume retry attempts.
func (m *Machine) Closed(clean bool) Transition {
	switch m.state {
	case Connected, Connecting:
	default:
		return m.to(m.state)
	}
	if clean {
		return m.to(Disconnected)
	}
	if m.attempts >= m.maxAttempts {
		return m.to(Exhausted)
	}
	m.attempts++
	return m.to(Reconnecting, ScheduleRetry)
}

func (m *Machine) RetryDue() Transition {
	if m.state != Reconnecting {
		return m.to(m.state)
	}
	return m.to(Connecting, Dial)
}

func (m *Machine) Disconnect() Transition {
	switch m.state {
	case Disconnected:
		return m.to(Disconnected)
	case Connected, Connecting:
		return m.to(Disconnected, CancelRetry, HangUp)
	default:
		return m.to(Disconnected, CancelRetry)
	}
}
