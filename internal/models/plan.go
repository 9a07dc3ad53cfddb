package models

// DispenseReason explains why a plan selects medications.
type DispenseReason string

const (
	// ReasonScheduledDueNow selects the medications inside the due window.
	ReasonScheduledDueNow DispenseReason = "scheduled_due_now"
	// ReasonManualOverride selects medications by operator request.
	ReasonManualOverride DispenseReason = "manual_override"
)

// Plan status tokens surfaced to the boundary layer.
const (
	PlanStatusReady = "READY"
	PlanStatusNoDue = "NO_DUE"
)

// Override selection modes for manual dispenses.
const (
	OverrideModeAllActive = "all_active"
	OverrideModePrimary   = "primary"
)

// PlanItem is one selected medication with its resolved dose count.
type PlanItem struct {
	MedID        string `json:"med_id,omitempty"`
	Name         string `json:"name"`
	Dosage       string `json:"dosage"`
	DoseCount    int    `json:"dose_count"`
	ServoChannel int    `json:"servo_channel"`
	MatchedTime  string `json:"matched_time,omitempty"`
	MinutesDelta int    `json:"minutes_delta"`
}

// ScheduledMedication is a schedule classification result for one medication.
type ScheduledMedication struct {
	MedicationEntry
	MatchedTime  string `json:"matched_time,omitempty"`
	MinutesDelta int    `json:"minutes_delta"`
}

// ScheduleSnapshot is the compact due/upcoming view embedded in plans and
// handed to the advice generator.
type ScheduleSnapshot struct {
	DatetimeLocal string                `json:"datetime_local"`
	Timezone      string                `json:"timezone"`
	DueNow        []ScheduledMedication `json:"due_now"`
	Upcoming      []ScheduledMedication `json:"upcoming"`
}

// DispensePlan is the derived, transient set of per-channel actions for one
// dispense event. Invariant: the channel counts sum to TotalActions, which
// equals the sum of the item dose counts.
type DispensePlan struct {
	Status                  string           `json:"status"`
	Message                 string           `json:"message"`
	ShouldDispense          bool             `json:"should_dispense"`
	Reason                  DispenseReason   `json:"reason"`
	ManualOverrideAvailable bool             `json:"manual_override_available"`
	ChannelCounts           [4]int           `json:"channel_counts"`
	TotalActions            int              `json:"total_actions"`
	Items                   []PlanItem       `json:"items"`
	PrimaryChannel          int              `json:"primary_channel"`
	PrimaryDose             string           `json:"primary_dose"`
	SummaryMedications      []string         `json:"summary_medications"`
	SummaryText             string           `json:"summary_medications_text"`
	Schedule                ScheduleSnapshot `json:"schedule_context"`

	// Transport annotations filled in when the plan is actually sent.
	RequestID   string `json:"request_id,omitempty"`
	Transport   string `json:"transport,omitempty"`
	Protocol    string `json:"protocol,omitempty"`
	FrameFormat string `json:"frame_format,omitempty"`
	FrameHex    string `json:"frame_hex,omitempty"`
}

// UARTCommand is the hardware command derived from a dispense plan.
type UARTCommand struct {
	Cmd           string `json:"cmd"`
	RequestID     string `json:"request_id"`
	UserID        string `json:"user_id"`
	Skipped       bool   `json:"skipped,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Channel       int    `json:"channel,omitempty"`
	Dose          string `json:"dose,omitempty"`
	DoseCount     int    `json:"dose_count,omitempty"`
	Medication    string `json:"medication,omitempty"`
	Transport     string `json:"transport"`
	Port          string `json:"port"`
	Baud          int    `json:"baud"`
	Protocol      string `json:"protocol"`
	FrameFormat   string `json:"frame_format,omitempty"`
	ChannelCounts [4]int `json:"channel_counts"`
	FrameHex      string `json:"frame_hex,omitempty"`
	FrameBytes    []byte `json:"frame_bytes,omitempty"`
}

// UARTResult is the (possibly synthesized) hardware acknowledgement.
// Degraded acknowledgements count as success for state-machine purposes but
// keep the original failure's diagnostic message for observability.
type UARTResult struct {
	Ack            bool           `json:"ack"`
	RequestID      string         `json:"request_id,omitempty"`
	Status         string         `json:"status"`
	Message        string         `json:"message,omitempty"`
	RawAck         string         `json:"raw_ack,omitempty"`
	Protocol       string         `json:"protocol,omitempty"`
	HardwareOnline bool           `json:"hardware_online"`
	Degraded       bool           `json:"degraded"`
	ChannelCounts  [4]int         `json:"channel_counts"`
	AckCounts      []int          `json:"ack_counts,omitempty"`
	AckPayload     map[string]any `json:"ack_payload,omitempty"`
	FrameFormat    string         `json:"frame_format,omitempty"`
	FrameHex       string         `json:"frame_hex,omitempty"`
	Transport      string         `json:"transport,omitempty"`
	Port           string         `json:"port,omitempty"`
	Baud           int            `json:"baud,omitempty"`
	PowerDomain    string         `json:"power_domain,omitempty"`
}

// Dispense audit result codes.
const (
	DispenseResultSuccess = "SUCCESS"
	DispenseResultSkipped = "SKIPPED"
	DispenseResultFailed  = "FAILED"
	DispenseResultError   = "ERROR"
)

// DispenseEvent is one append-only dispense audit record.
type DispenseEvent struct {
	Timestamp  string `json:"timestamp"`
	UserID     string `json:"user_id"`
	Medication string `json:"medication"`
	Result     string `json:"result"`
	Details    string `json:"details"`
}
