package models

// Session result codes written to the session-summary audit log.
const (
	SessionResultSuccess      = "SESSION_SUCCESS"
	SessionResultRegistration = "REGISTRATION_SUCCESS"
	SessionResultManualReset  = "MANUAL_RESET"
	SessionResultError        = "ERROR"
)

// MaxTimelineEntries caps the per-session transition timeline.
const MaxTimelineEntries = 50

// AdviceSummary is the advice slice of a session record.
type AdviceSummary struct {
	Source             string             `json:"source,omitempty"`
	Model              string             `json:"model,omitempty"`
	SideEffects        []string           `json:"side_effects,omitempty"`
	EnvironmentSummary EnvironmentSummary `json:"environment_summary,omitempty"`
	ScheduleGuidance   []string           `json:"schedule_guidance,omitempty"`
}

// SessionContext is the mutable record of one monitoring cycle. It is
// created when monitoring starts and cleared when the controller returns to
// WAITING_FOR_USER.
type SessionContext struct {
	SessionID   string             `json:"session_id"`
	StartedAt   string             `json:"started_at"`
	Finalized   bool               `json:"finalized"`
	UserID      string             `json:"user_id,omitempty"`
	Recognition *RecognitionResult `json:"recognition,omitempty"`
	Plan        *DispensePlan      `json:"dispense_payload,omitempty"`
	UARTAck     *UARTResult        `json:"uart_ack,omitempty"`
	Advice      *AdviceSummary     `json:"advice,omitempty"`
	Timeline    []StateTransition  `json:"timeline"`
}

// AppendTimeline records a transition, keeping only the most recent
// MaxTimelineEntries entries.
func (c *SessionContext) AppendTimeline(event StateTransition) {
	c.Timeline = append(c.Timeline, event)
	if overflow := len(c.Timeline) - MaxTimelineEntries; overflow > 0 {
		c.Timeline = c.Timeline[overflow:]
	}
}

// SessionSummary is the immutable audit snapshot written exactly once per
// session, derived from a finalized SessionContext.
type SessionSummary struct {
	Timestamp         string             `json:"timestamp"`
	SessionID         string             `json:"session_id"`
	StartedAt         string             `json:"started_at"`
	EndedAt           string             `json:"ended_at"`
	Result            string             `json:"result"`
	Note              string             `json:"note"`
	UserID            string             `json:"user_id"`
	RecognitionSource string             `json:"recognition_source,omitempty"`
	Recognition       *RecognitionResult `json:"recognition,omitempty"`
	Plan              *DispensePlan      `json:"dispense_payload,omitempty"`
	UARTAck           *UARTResult        `json:"uart_ack,omitempty"`
	AdviceSource      string             `json:"advice_source,omitempty"`
	Advice            *AdviceSummary     `json:"advice,omitempty"`
	Timeline          []StateTransition  `json:"timeline"`
}

// AdvicePayload is the normalized advice result, produced either by the
// remote generator or the local rule engine. The controller treats both
// sources transparently.
type AdvicePayload struct {
	Medication          string             `json:"medication"`
	SideEffects         []string           `json:"side_effects"`
	Advice              string             `json:"advice"`
	ScheduleGuidance    []string           `json:"schedule_guidance,omitempty"`
	EnvironmentGuidance []string           `json:"environment_guidance,omitempty"`
	Source              string             `json:"source"`
	Model               string             `json:"model,omitempty"`
	EnvironmentSummary  EnvironmentSummary `json:"environment_summary,omitempty"`
	GeneratorError      string             `json:"generator_error,omitempty"`
}

// Advice payload sources.
const (
	AdviceSourceGenerator  = "generator"
	AdviceSourceLocalRules = "local_rule_engine"
)

// AdviceContext is what the controller supplies to the advice boundary.
type AdviceContext struct {
	Profile     UserProfile       `json:"profile"`
	Medications []MedicationEntry `json:"medications"`
	Schedule    ScheduleSnapshot  `json:"schedule_context"`
	Plan        *DispensePlan     `json:"dispense_plan,omitempty"`
}

// EnvironmentSummary condenses the local weather/air-quality context files
// for the advice prompt and the deterministic fallback guidance.
type EnvironmentSummary struct {
	Datetime        string   `json:"datetime,omitempty"`
	TemperatureC    *float64 `json:"temperature_c,omitempty"`
	WindSpeed       *float64 `json:"wind_speed,omitempty"`
	WindDirection   *float64 `json:"wind_direction,omitempty"`
	PrecipitationMM *float64 `json:"precipitation_mm,omitempty"`
	AQIUS           *float64 `json:"aqi_us,omitempty"`
	PM25            *float64 `json:"pm2_5,omitempty"`
	PM10            *float64 `json:"pm10,omitempty"`
	Sunrise         string   `json:"sunrise,omitempty"`
	Sunset          string   `json:"sunset,omitempty"`
	MoonPhase       string   `json:"moon_phase,omitempty"`
	Alerts          []string `json:"alerts,omitempty"`
}

// PendingEmbedding is the cross-process handoff record written by the
// recognition process and consumed during registration.
type PendingEmbedding struct {
	Embedding  []float64 `json:"embedding"`
	Model      string    `json:"model,omitempty"`
	CapturedAt string    `json:"captured_at,omitempty"`
}

// FrameMeta describes the most recent shared camera frame.
type FrameMeta struct {
	Path      string  `json:"path"`
	Width     int     `json:"width,omitempty"`
	Height    int     `json:"height,omitempty"`
	DistanceM float64 `json:"distance_m,omitempty"`
	WrittenAt string  `json:"written_at"`
	Sequence  uint64  `json:"sequence"`
}

// StatusSnapshot is the full polled view of controller state, including the
// derived affordance flags that gate which operation is currently legal.
type StatusSnapshot struct {
	State     WorkflowState `json:"state"`
	Phase     Phase         `json:"phase"`
	LastError string        `json:"last_error,omitempty"`

	DistanceThresholdM float64  `json:"distance_threshold_m"`
	CurrentDistanceM   *float64 `json:"current_distance_m,omitempty"`

	ActiveUser      *UserSummary       `json:"active_user,omitempty"`
	LastRecognition *RecognitionResult `json:"last_recognition,omitempty"`

	UARTTransport     string `json:"uart_transport"`
	UARTPort          string `json:"uart_port"`
	UARTBaud          int    `json:"uart_baud"`
	UARTProtocol      string `json:"uart_protocol"`
	UARTSerialEnabled bool   `json:"uart_serial_enabled"`
	HardwareDegrade   bool   `json:"hardware_degrade_mode"`
	MotorPowerDomain  string `json:"motor_power_domain"`
	ComputeNode       string `json:"compute_node"`
	CameraSource      string `json:"camera_source"`

	LastUARTCommand *UARTCommand  `json:"last_uart_command,omitempty"`
	LastUARTResult  *UARTResult   `json:"last_uart_result,omitempty"`
	LastPlan        *DispensePlan `json:"last_dispense_plan,omitempty"`

	AdviceText        string         `json:"advice_text,omitempty"`
	LastAdvicePayload *AdvicePayload `json:"last_advice_payload,omitempty"`
	IsSpeaking        bool           `json:"is_speaking"`

	SpeechSecondsRemaining           *int `json:"speech_seconds_remaining,omitempty"`
	AutoReturnSeconds                *int `json:"auto_return_seconds,omitempty"`
	DispenseSecondsRemaining         *int `json:"dispense_seconds_remaining,omitempty"`
	AdviceGenerationSecondsRemaining *int `json:"advice_generation_seconds_remaining,omitempty"`

	KnownUsers []UserSummary `json:"known_users"`

	CanStartMonitoring      bool `json:"can_start_monitoring"`
	CanSubmitDistance       bool `json:"can_submit_distance"`
	CanChooseRecognition    bool `json:"can_choose_recognition"`
	CanRegisterUser         bool `json:"can_register_user"`
	CanStopAdvice           bool `json:"can_stop_advice"`
	CanReset                bool `json:"can_reset"`
	ManualOverrideAvailable bool `json:"manual_override_available"`

	History            []StateTransition `json:"history"`
	SessionContext     *SessionContext   `json:"session_context,omitempty"`
	LastSessionSummary *SessionSummary   `json:"last_session_summary,omitempty"`
}

// OpResponse is the envelope every controller operation returns: the outcome
// plus a fresh status snapshot for the polling boundary layer.
type OpResponse struct {
	OK      bool           `json:"ok"`
	Message string         `json:"message"`
	Status  StatusSnapshot `json:"status"`

	// AdvicePayload is attached by the on-demand advice operation only.
	AdvicePayload *AdvicePayload `json:"advice_payload,omitempty"`
}
