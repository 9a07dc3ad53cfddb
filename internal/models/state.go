// Package models defines workflow state types for the dispenser session controller.
package models

import "fmt"

// WorkflowState represents the current stage of a dispensing session.
// Exactly one value is active per controller at any time.
type WorkflowState string

const (
	// StateWaitingForUser is the idle state; no session is open.
	StateWaitingForUser WorkflowState = "WAITING_FOR_USER"
	// StateMonitoringDistance tracks the approaching user's distance.
	StateMonitoringDistance WorkflowState = "MONITORING_DISTANCE"
	// StateFaceRecognition waits for the recognition boundary's decision.
	StateFaceRecognition WorkflowState = "FACE_RECOGNITION"
	// StateRegisterNewUser collects profile details for an unknown face.
	StateRegisterNewUser WorkflowState = "REGISTER_NEW_USER"
	// StateRegistrationSuccess shows the registration confirmation screen.
	StateRegistrationSuccess WorkflowState = "REGISTRATION_SUCCESS"
	// StateDispensingPill holds the dispensing screen while hardware runs.
	StateDispensingPill WorkflowState = "DISPENSING_PILL"
	// StateGeneratingAdvice holds while the advice payload is prepared.
	StateGeneratingAdvice WorkflowState = "GENERATING_ADVICE"
	// StateSpeakingAdvice plays the advice back to the user.
	StateSpeakingAdvice WorkflowState = "SPEAKING_ADVICE"
	// StateSessionSuccess shows the completion screen before auto-return.
	StateSessionSuccess WorkflowState = "SESSION_SUCCESS"
	// StateError is reachable from any active state and requires a reset.
	StateError WorkflowState = "ERROR"
)

// IsValidWorkflowState reports whether s is a known state value.
func IsValidWorkflowState(s WorkflowState) bool {
	switch s {
	case StateWaitingForUser, StateMonitoringDistance, StateFaceRecognition,
		StateRegisterNewUser, StateRegistrationSuccess, StateDispensingPill,
		StateGeneratingAdvice, StateSpeakingAdvice, StateSessionSuccess, StateError:
		return true
	default:
		return false
	}
}

// Phase groups workflow states into the coarse stages shown by the UI.
type Phase string

const (
	PhaseIdle             Phase = "IDLE"
	PhaseAuthentication   Phase = "AUTHENTICATION"
	PhaseDispensing       Phase = "DISPENSING"
	PhaseAdviceCompletion Phase = "ADVICE_COMPLETION"
	PhaseFault            Phase = "FAULT"
)

// PhaseForState maps a workflow state to its UI phase. The switch is
// exhaustive so adding a state is a compile-visible decision point.
func PhaseForState(s WorkflowState) Phase {
	switch s {
	case StateWaitingForUser:
		return PhaseIdle
	case StateMonitoringDistance, StateFaceRecognition, StateRegisterNewUser:
		return PhaseAuthentication
	case StateDispensingPill:
		return PhaseDispensing
	case StateGeneratingAdvice, StateSpeakingAdvice, StateSessionSuccess, StateRegistrationSuccess:
		return PhaseAdviceCompletion
	case StateError:
		return PhaseFault
	default:
		// Unknown states are treated as faults rather than silently idling.
		return PhaseFault
	}
}

// StateTransition is one entry in the session timeline.
type StateTransition struct {
	Timestamp string `json:"timestamp"`
	From      string `json:"from"`
	To        string `json:"to"`
	Note      string `json:"note"`
}

// String implements fmt.Stringer for log output.
func (s WorkflowState) String() string {
	return string(s)
}

var _ fmt.Stringer = StateWaitingForUser
