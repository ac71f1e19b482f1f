package pipeline

import "fmt"

type State string

const (
	StateIdle          State = "IDLE"
	StateLoadingPolicy State = "LOADING_POLICY"
	StateExecutingStep State = "EXECUTING_STEP"
	StateFinalizing    State = "FINALIZING"
	StateSigned        State = "SIGNED"

	StateVerifying   State = "VERIFYING"
	StateVerified    State = "VERIFIED"
	StateChainBroken State = "CHAIN_BROKEN"
)

var transitions = map[State][]State{
	StateIdle:          {StateLoadingPolicy, StateVerifying},
	StateLoadingPolicy: {StateExecutingStep},
	StateExecutingStep: {StateExecutingStep, StateFinalizing},
	StateFinalizing:    {StateSigned},
	StateVerifying:     {StateVerified, StateChainBroken},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// machine tracks one run or verification. Failures leave it in the state
// where they happened.
type machine struct {
	state   State
	history []State
	observe func(from, to State)
}

func newMachine(observe func(from, to State)) *machine {
	return &machine{state: StateIdle, history: []State{StateIdle}, observe: observe}
}

func (m *machine) to(next State) error {
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			from := m.state
			m.state = next
			m.history = append(m.history, next)
			if m.observe != nil {
				m.observe(from, next)
			}
			return nil
		}
	}
	return fmt.Errorf("illegal transition %s -> %s", m.state, next)
}
