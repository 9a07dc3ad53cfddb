// Package controller implements the dispenser session state machine.
//
// One Controller instance owns all mutable session state behind a single
// mutex. Every public operation acquires the mutex for its full duration and
// first runs the auto-progress step, so time-based transitions are driven
// cooperatively by whoever calls in — there is no background timer goroutine.
// A caller that stops polling freezes the session mid-stage; the boundary
// layer polls Status frequently enough that this never matters in practice.
package controller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sauron-health/dispenser/internal/advice"
	"github.com/sauron-health/dispenser/internal/models"
	"github.com/sauron-health/dispenser/internal/shared"
	"github.com/sauron-health/dispenser/internal/store"
	"github.com/sauron-health/dispenser/internal/uart"
	"github.com/sauron-health/dispenser/internal/util"
)

// Default timing parameters for the session stages.
const (
	DefaultDistanceThresholdM   = 0.7
	DefaultSuccessDisplay       = 8 * time.Second
	DefaultSpeechDuration       = 12 * time.Second
	DefaultDispenseDisplay      = 4 * time.Second
	DefaultAdviceGenerationHold = 1200 * time.Millisecond
	MaxSpeechSeconds            = 90
	MinSpeechSecondsWithoutText = 6
	MaxHistoryEntries           = 200
	SnapshotHistoryEntries      = 30
)

// Hardware topology labels reported in status snapshots.
const (
	ComputeNode  = "JETSON_LOCAL"
	CameraSource = "REALSENSE_LOCAL"
)

// DefaultRecognitionSource labels recognition decisions that arrive without
// an explicit source.
const DefaultRecognitionSource = "REALSENSE_LOCAL"

// Opts holds controller configuration.
type Opts struct {
	Profiles     store.ProfileStore
	Audit        store.AuditStore
	Transport    *uart.Transport
	AdviceClient *advice.Client
	Handoff      *shared.Dir
	ContextDir   string

	DistanceThresholdM   float64
	SuccessDisplay       time.Duration
	SpeechDuration       time.Duration
	DispenseDisplay      time.Duration
	AdviceGenerationHold time.Duration

	Clock func() time.Time
}

// Option configures the controller.
type Option func(*Opts)

// WithProfileStore sets the durable user-profile backend.
func WithProfileStore(s store.ProfileStore) Option {
	return func(o *Opts) { o.Profiles = s }
}

// WithAuditStore sets the append-only audit backend.
func WithAuditStore(s store.AuditStore) Option {
	return func(o *Opts) { o.Audit = s }
}

// WithTransport sets the hardware transport.
func WithTransport(t *uart.Transport) Option {
	return func(o *Opts) { o.Transport = t }
}

// WithAdviceClient sets the remote advice generator. A nil client selects
// the local rule engine.
func WithAdviceClient(c *advice.Client) Option {
	return func(o *Opts) { o.AdviceClient = c }
}

// WithHandoff sets the cross-process shared directory used for the
// pending-embedding handoff from the recognition process.
func WithHandoff(d *shared.Dir) Option {
	return func(o *Opts) { o.Handoff = d }
}

// WithContextDir sets the directory holding environment context files for
// advice generation.
func WithContextDir(dir string) Option {
	return func(o *Opts) { o.ContextDir = dir }
}

// WithDistanceThreshold sets the approach threshold in meters.
func WithDistanceThreshold(m float64) Option {
	return func(o *Opts) { o.DistanceThresholdM = m }
}

// WithSuccessDisplay sets how long the success/registration screen holds
// before auto-return.
func WithSuccessDisplay(d time.Duration) Option {
	return func(o *Opts) { o.SuccessDisplay = d }
}

// WithSpeechDuration sets the minimum speech playback duration.
func WithSpeechDuration(d time.Duration) Option {
	return func(o *Opts) { o.SpeechDuration = d }
}

// WithDispenseDisplay sets how long the dispensing screen holds.
func WithDispenseDisplay(d time.Duration) Option {
	return func(o *Opts) { o.DispenseDisplay = d }
}

// WithAdviceGenerationHold sets how long the advice-generation screen holds.
func WithAdviceGenerationHold(d time.Duration) Option {
	return func(o *Opts) { o.AdviceGenerationHold = d }
}

// WithClock injects the time source. Tests use this to drive auto-progress
// deterministically.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// Controller is the session state machine. All fields below the mutex are
// guarded by it.
type Controller struct {
	opts Opts

	mu sync.Mutex

	state     models.WorkflowState
	lastError string

	currentDistance *float64
	activeProfile   *models.UserProfile
	lastRecognition *models.RecognitionResult
	lastCommand     *models.UARTCommand
	lastResult      *models.UARTResult
	lastPlan        *models.DispensePlan
	adviceText      string
	lastAdvice      *models.AdvicePayload
	isSpeaking      bool

	manualOverrideAvailable bool

	// Stage deadlines; the zero time means no deadline is armed.
	speechEndsAt    time.Time
	autoReturnAt    time.Time
	dispenseEndsAt  time.Time
	adviceGenEndsAt time.Time

	history     []models.StateTransition
	session     *models.SessionContext
	lastSummary *models.SessionSummary
}

// New constructs a controller in WAITING_FOR_USER.
func New(options ...Option) *Controller {
	opts := Opts{
		DistanceThresholdM:   DefaultDistanceThresholdM,
		SuccessDisplay:       DefaultSuccessDisplay,
		SpeechDuration:       DefaultSpeechDuration,
		DispenseDisplay:      DefaultDispenseDisplay,
		AdviceGenerationHold: DefaultAdviceGenerationHold,
		Clock:                time.Now,
	}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.DispenseDisplay < 0 {
		opts.DispenseDisplay = 0
	}
	if opts.AdviceGenerationHold < 0 {
		opts.AdviceGenerationHold = 0
	}
	if opts.Transport == nil {
		opts.Transport = uart.NewTransport()
	}

	c := &Controller{
		opts:  opts,
		state: models.StateWaitingForUser,
	}
	c.recordEvent("INIT", string(c.state), "Controller initialized.")
	slog.Info("Controller.New: initialized",
		"distance_threshold_m", opts.DistanceThresholdM,
		"uart_port", opts.Transport.Port(),
		"uart_protocol", opts.Transport.Protocol())
	return c
}

func (c *Controller) now() time.Time {
	return c.opts.Clock().UTC()
}

func (c *Controller) nowISO() string {
	return c.now().Format(time.RFC3339)
}

// transition moves the machine to a new state and records the event on the
// global history and on the session timeline.
func (c *Controller) transition(to models.WorkflowState, note string) {
	from := c.state
	c.state = to
	c.recordEvent(string(from), string(to), note)
	stateTransitions.WithLabelValues(string(to)).Inc()
	slog.Info("Controller.transition", "from", from, "to", to, "note", note)
}

func (c *Controller) recordEvent(from, to, note string) {
	event := models.StateTransition{
		Timestamp: c.nowISO(),
		From:      from,
		To:        to,
		Note:      note,
	}
	c.history = append(c.history, event)
	if overflow := len(c.history) - MaxHistoryEntries; overflow > 0 {
		c.history = c.history[overflow:]
	}
	if c.session != nil {
		c.session.AppendTimeline(event)
	}
}

// startSession opens a fresh session context.
func (c *Controller) startSession() {
	c.session = &models.SessionContext{
		SessionID: "sess-" + uuid.NewString(),
		StartedAt: c.nowISO(),
	}
	sessionsStarted.Inc()
}

func (c *Controller) ensureSession() {
	if c.session == nil {
		c.startSession()
	}
}

// clearRuntime wipes everything tied to the current session, including the
// context itself and all armed deadlines.
func (c *Controller) clearRuntime(clearError bool) {
	c.currentDistance = nil
	c.activeProfile = nil
	c.lastRecognition = nil
	c.lastCommand = nil
	c.lastResult = nil
	c.lastPlan = nil
	c.adviceText = ""
	c.lastAdvice = nil
	c.isSpeaking = false
	c.manualOverrideAvailable = false
	c.speechEndsAt = time.Time{}
	c.autoReturnAt = time.Time{}
	c.dispenseEndsAt = time.Time{}
	c.adviceGenEndsAt = time.Time{}
	c.session = nil
	if clearError {
		c.lastError = ""
	}
}

// finalizeSession writes the session summary exactly once. The finalized
// flag makes a manual reset racing an auto-return write a single record.
func (c *Controller) finalizeSession(result, note string) {
	if c.session == nil || c.session.Finalized {
		return
	}
	c.session.Finalized = true
	summary := c.buildSummary(result, note)
	c.lastSummary = &summary
	if c.opts.Audit != nil {
		if err := c.opts.Audit.AppendSessionSummary(summary); err != nil {
			slog.Warn("Controller.finalizeSession: failed to append session summary",
				"session_id", summary.SessionID, "error", err)
		}
	}
	sessionsFinalized.WithLabelValues(result).Inc()
}

func (c *Controller) buildSummary(result, note string) models.SessionSummary {
	ctx := c.session
	summary := models.SessionSummary{
		Timestamp: c.nowISO(),
		SessionID: ctx.SessionID,
		StartedAt: ctx.StartedAt,
		EndedAt:   c.nowISO(),
		Result:    models.CleanText(result),
		Note:      models.CleanText(note),
		UserID:    models.SafeUserID(ctx.UserID),
		Timeline:  ctx.Timeline,
	}
	if ctx.Recognition != nil {
		summary.Recognition = ctx.Recognition
		summary.RecognitionSource = ctx.Recognition.Source
	}
	summary.Plan = ctx.Plan
	summary.UARTAck = ctx.UARTAck
	if ctx.Advice != nil {
		summary.Advice = ctx.Advice
		summary.AdviceSource = ctx.Advice.Source
	}
	return summary
}

// toError moves the whole session to ERROR. All deadlines are disarmed so
// auto-progress cannot fire out of the fault state; recovery requires an
// explicit Reset.
func (c *Controller) toError(message string) models.OpResponse {
	c.lastError = message
	c.isSpeaking = false
	c.speechEndsAt = time.Time{}
	c.autoReturnAt = time.Time{}
	c.dispenseEndsAt = time.Time{}
	c.adviceGenEndsAt = time.Time{}
	c.finalizeSession(models.SessionResultError, message)
	c.transition(models.StateError, message)
	slog.Error("Controller.toError: session fault", "error", message)
	return c.respond(false, message)
}

// autoProgress evaluates stage deadlines and performs at most one transition
// per stage, in fixed order. Each stage disarms its own deadline before
// acting, so repeated polling is idempotent.
func (c *Controller) autoProgress(ctx context.Context) {
	now := c.now()

	if c.state == models.StateDispensingPill && !c.dispenseEndsAt.IsZero() && !now.Before(c.dispenseEndsAt) {
		c.dispenseEndsAt = time.Time{}
		// Stale advice from an earlier session must not flash on screen
		// while the new payload is being generated.
		c.adviceText = ""
		c.lastAdvice = nil
		c.ensureSession()
		c.session.Advice = nil
		c.transition(models.StateGeneratingAdvice, "Dispense completed. Preparing health advice.")
		c.adviceGenEndsAt = now.Add(c.opts.AdviceGenerationHold)
	}

	if c.state == models.StateGeneratingAdvice && !c.adviceGenEndsAt.IsZero() && !now.Before(c.adviceGenEndsAt) {
		c.adviceGenEndsAt = time.Time{}
		c.generateAdvice(ctx)
		c.isSpeaking = true
		c.speechEndsAt = now.Add(time.Duration(c.estimateSpeechSeconds()) * time.Second)
		c.transition(models.StateSpeakingAdvice, "Health advice ready and speaking has started.")
	}

	if c.state == models.StateSpeakingAdvice && !c.speechEndsAt.IsZero() && !now.Before(c.speechEndsAt) {
		c.isSpeaking = false
		c.speechEndsAt = time.Time{}
		c.transition(models.StateSessionSuccess, "Advice playback finished. Session complete.")
		c.autoReturnAt = now.Add(c.opts.SuccessDisplay)
		c.finalizeSession(models.SessionResultSuccess, "Advice playback completed.")
	}

	if (c.state == models.StateRegistrationSuccess || c.state == models.StateSessionSuccess) &&
		!c.autoReturnAt.IsZero() && !now.Before(c.autoReturnAt) {
		c.clearRuntime(true)
		c.transition(models.StateWaitingForUser, "Returned to initial start screen.")
	}
}

// secondsUntil converts a deadline into a non-negative countdown, or nil
// when the deadline is not armed.
func (c *Controller) secondsUntil(when time.Time, now time.Time) *int {
	if when.IsZero() {
		return nil
	}
	remaining := int(when.Sub(now).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	return &remaining
}

// snapshot builds the full polled status view. Caller holds the mutex.
func (c *Controller) snapshot() models.StatusSnapshot {
	now := c.now()
	t := c.opts.Transport
	snap := models.StatusSnapshot{
		State:     c.state,
		Phase:     models.PhaseForState(c.state),
		LastError: c.lastError,

		DistanceThresholdM: c.opts.DistanceThresholdM,
		CurrentDistanceM:   c.currentDistance,

		LastRecognition: c.lastRecognition,

		UARTTransport:     uart.TransportName,
		UARTPort:          t.Port(),
		UARTBaud:          t.Baud(),
		UARTProtocol:      t.Protocol(),
		UARTSerialEnabled: t.SerialEnabled(),
		HardwareDegrade:   t.OfflineFallback(),
		MotorPowerDomain:  uart.PowerDomain,
		ComputeNode:       ComputeNode,
		CameraSource:      CameraSource,

		LastUARTCommand: c.lastCommand,
		LastUARTResult:  c.lastResult,
		LastPlan:        c.lastPlan,

		AdviceText:        c.adviceText,
		LastAdvicePayload: c.lastAdvice,
		IsSpeaking:        c.isSpeaking,

		SpeechSecondsRemaining:           c.secondsUntil(c.speechEndsAt, now),
		AutoReturnSeconds:                c.secondsUntil(c.autoReturnAt, now),
		DispenseSecondsRemaining:         c.secondsUntil(c.dispenseEndsAt, now),
		AdviceGenerationSecondsRemaining: c.secondsUntil(c.adviceGenEndsAt, now),

		KnownUsers: c.listKnownUsers(),

		CanStartMonitoring:      c.state == models.StateWaitingForUser,
		CanSubmitDistance:       c.state == models.StateMonitoringDistance,
		CanChooseRecognition:    c.state == models.StateFaceRecognition,
		CanRegisterUser:         c.state == models.StateRegisterNewUser,
		CanStopAdvice:           c.state == models.StateSpeakingAdvice,
		CanReset:                c.state != models.StateWaitingForUser,
		ManualOverrideAvailable: c.manualOverrideAvailable,

		SessionContext:     c.session,
		LastSessionSummary: c.lastSummary,
	}
	if c.activeProfile != nil {
		snap.ActiveUser = profileSummary(*c.activeProfile)
	}
	if tailStart := len(c.history) - SnapshotHistoryEntries; tailStart > 0 {
		snap.History = c.history[tailStart:]
	} else {
		snap.History = c.history
	}
	return snap
}

func (c *Controller) respond(ok bool, message string) models.OpResponse {
	return models.OpResponse{
		OK:      ok,
		Message: message,
		Status:  c.snapshot(),
	}
}

func (c *Controller) listKnownUsers() []models.UserSummary {
	if c.opts.Profiles == nil {
		return nil
	}
	profiles, err := c.opts.Profiles.ListProfiles()
	if err != nil {
		slog.Warn("Controller.listKnownUsers: failed to list profiles", "error", err)
		return nil
	}
	users := make([]models.UserSummary, 0, len(profiles))
	for _, p := range profiles {
		if summary := profileSummary(p); summary != nil {
			users = append(users, *summary)
		}
	}
	return users
}

func profileSummary(p models.UserProfile) *models.UserSummary {
	id := models.SafeUserID(p.ID)
	if id == "" {
		return nil
	}
	summary := models.UserSummary{ID: id, Name: p.Name}
	if meds := models.NormalizeMedications(p); len(meds) > 0 {
		summary.Medication = meds[0].Name
		summary.ServoChannel = meds[0].ServoChannel
	}
	return &summary
}

// resolveUserID resolves an explicit id, falling back to the first known
// user when none is supplied.
func (c *Controller) resolveUserID(userID string) string {
	if candidate := models.SafeUserID(userID); candidate != "" {
		return candidate
	}
	known := c.listKnownUsers()
	if len(known) == 0 {
		return ""
	}
	return known[0].ID
}

// resolveProfileForAPI resolves the profile an out-of-band request refers
// to: explicit id first (healed to the most recent same-name record), then
// the active session profile, then the first known user.
func (c *Controller) resolveProfileForAPI(userID string) *models.UserProfile {
	if c.opts.Profiles == nil {
		return nil
	}
	if safeID := models.SafeUserID(userID); safeID != "" {
		profile, err := c.opts.Profiles.LoadProfile(safeID)
		if err != nil || profile == nil {
			return nil
		}
		if preferred := c.preferMostRecentByName(profile.Name); preferred != nil {
			return preferred
		}
		return profile
	}
	if c.activeProfile != nil {
		if preferred := c.preferMostRecentByName(c.activeProfile.Name); preferred != nil {
			return preferred
		}
		return c.activeProfile
	}
	known := c.listKnownUsers()
	if len(known) == 0 {
		return nil
	}
	profile, err := c.opts.Profiles.LoadProfile(known[0].ID)
	if err != nil {
		return nil
	}
	return profile
}

func (c *Controller) preferMostRecentByName(name string) *models.UserProfile {
	if c.opts.Profiles == nil || models.CleanText(name) == "" {
		return nil
	}
	preferred, err := c.opts.Profiles.FindProfileByName(name)
	if err != nil {
		slog.Warn("Controller.preferMostRecentByName: lookup failed", "name", name, "error", err)
		return nil
	}
	return preferred
}

func newRequestID() string {
	return util.GenerateRandomID("disp-", 12)
}
