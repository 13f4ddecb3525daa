package attestation

import "fmt"

// FlowState represents the state of one attestation flow instance.
type FlowState string

const (
	StateInit                 FlowState = "init"
	StateVerificationPending  FlowState = "verification_pending"
	StateVerificationFailed   FlowState = "verification_failed"
	StateVerificationApproved FlowState = "verification_approved"
	StateIdentifierAssigned   FlowState = "identifier_assigned"
	StateBadgeMinted          FlowState = "badge_minted"
	StateTokenIssued          FlowState = "token_issued"
)

// Terminal returns true for states the flow cannot leave.
func (s FlowState) Terminal() bool {
	return s == StateVerificationFailed || s == StateTokenIssued
}

// flowTransitions defines the allowed flow state transitions.
var flowTransitions = map[FlowState][]FlowState{
	StateInit:                 {StateVerificationPending},
	StateVerificationPending:  {StateVerificationFailed, StateVerificationApproved},
	StateVerificationApproved: {StateIdentifierAssigned},
	StateIdentifierAssigned:   {StateBadgeMinted},
	StateBadgeMinted:          {StateTokenIssued},
}

// FlowError is a structured error for invalid flow transitions.
type FlowError struct {
	Code    string    `json:"code"`
	From    FlowState `json:"from"`
	To      FlowState `json:"to"`
	Message string    `json:"message"`
}

func (e *FlowError) Error() string {
	return e.Message
}

// FlowMachine validates attestation flow transitions.
type FlowMachine struct {
	transitions map[FlowState][]FlowState
}

// NewFlowMachine creates a machine with the default HAAP transition table.
func NewFlowMachine() *FlowMachine {
	return &FlowMachine{transitions: flowTransitions}
}

// ValidateTransition checks if a transition from->to is allowed.
func (m *FlowMachine) ValidateTransition(from, to FlowState) error {
	for _, allowed := range m.transitions[from] {
		if allowed == to {
			return nil
		}
	}
	code := "FLOW_INVALID_TRANSITION"
	if from.Terminal() {
		code = "FLOW_TERMINAL_STATE"
	}
	return &FlowError{
		Code:    code,
		From:    from,
		To:      to,
		Message: fmt.Sprintf("no flow transition from %s to %s", from, to),
	}
}

// flow tracks the state of a single ExecuteFlow invocation and asserts the
// state-machine ordering as the manager works through the pipeline.
type flow struct {
	machine *FlowMachine
	state   FlowState
}

func newFlow(machine *FlowMachine) *flow {
	return &flow{machine: machine, state: StateInit}
}

func (f *flow) advance(to FlowState) error {
	if err := f.machine.ValidateTransition(f.state, to); err != nil {
		return err
	}
	f.state = to
	return nil
}
