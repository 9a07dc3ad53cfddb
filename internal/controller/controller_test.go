package controller

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/sauron-health/dispenser/internal/models"
	"github.com/sauron-health/dispenser/internal/schedule"
	"github.com/sauron-health/dispenser/internal/store"
	"github.com/sauron-health/dispenser/internal/uart"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

type memAudit struct {
	events    []models.DispenseEvent
	summaries []models.SessionSummary
}

func (m *memAudit) AppendDispenseEvent(event models.DispenseEvent) error {
	m.events = append(m.events, event)
	return nil
}

func (m *memAudit) AppendSessionSummary(summary models.SessionSummary) error {
	m.summaries = append(m.summaries, summary)
	return nil
}

func (m *memAudit) ListDispenseEvents(limit int) ([]models.DispenseEvent, error) {
	return m.events, nil
}

func (m *memAudit) ListSessionSummaries(limit int) ([]models.SessionSummary, error) {
	return m.summaries, nil
}

type testEnv struct {
	controller *Controller
	profiles   *store.FileProfileStore
	audit      *memAudit
	clock      *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	profiles, err := store.NewFileProfileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileProfileStore failed: %v", err)
	}
	audit := &memAudit{}
	clock := &fakeClock{now: time.Date(2025, 6, 15, 8, 0, 0, 0, time.UTC)}
	transport := uart.NewTransport(uart.WithSerialEnabled(false))
	c := New(
		WithProfileStore(profiles),
		WithAuditStore(audit),
		WithTransport(transport),
		WithClock(clock.Now),
	)
	return &testEnv{controller: c, profiles: profiles, audit: audit, clock: clock}
}

func testPhotoDataURL() string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("fake-jpeg-bytes"))
}

// saveProfile stores a profile whose single medication is scheduled at the
// given times. Timezone is pinned so schedule classification is stable.
func (e *testEnv) saveProfile(t *testing.T, id, name string, times []string) models.UserProfile {
	t.Helper()
	saved, err := e.profiles.SaveProfile(models.UserProfile{
		ID:       id,
		Name:     name,
		Timezone: "UTC",
		Medications: []models.MedicationEntry{
			{Name: "Aspirin", Dosage: "2 tablets", Times: times, ServoChannel: 1, Active: true},
		},
	})
	if err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}
	return saved
}

// driveToRecognition walks start -> distance -> FACE_RECOGNITION.
func (e *testEnv) driveToRecognition(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if resp := e.controller.StartMonitoring(ctx); !resp.OK {
		t.Fatalf("StartMonitoring failed: %s", resp.Message)
	}
	if resp := e.controller.UpdateDistance(ctx, 0.5); !resp.OK {
		t.Fatalf("UpdateDistance failed: %s", resp.Message)
	}
	if got := e.controller.Status(ctx).Status.State; got != models.StateFaceRecognition {
		t.Fatalf("expected FACE_RECOGNITION, got %s", got)
	}
}

func TestStartMonitoringOpensSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp := env.controller.StartMonitoring(ctx)
	if !resp.OK {
		t.Fatalf("StartMonitoring failed: %s", resp.Message)
	}
	if resp.Status.State != models.StateMonitoringDistance {
		t.Errorf("expected MONITORING_DISTANCE, got %s", resp.Status.State)
	}
	if resp.Status.SessionContext == nil {
		t.Fatal("expected an open session context")
	}
	if resp.Status.SessionContext.SessionID == "" {
		t.Error("expected a non-empty session id")
	}

	again := env.controller.StartMonitoring(ctx)
	if again.OK {
		t.Error("expected second StartMonitoring to be rejected")
	}
}

func TestUpdateDistanceFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.controller.StartMonitoring(ctx)

	far := env.controller.UpdateDistance(ctx, 2.0)
	if !far.OK {
		t.Fatalf("UpdateDistance(2.0) failed: %s", far.Message)
	}
	if far.Status.State != models.StateMonitoringDistance {
		t.Errorf("expected to remain in MONITORING_DISTANCE, got %s", far.Status.State)
	}
	if !strings.Contains(far.Message, "closer") {
		t.Errorf("expected move-closer message, got %q", far.Message)
	}

	if resp := env.controller.UpdateDistance(ctx, -1); resp.OK {
		t.Error("expected non-positive distance to be rejected")
	}

	near := env.controller.UpdateDistance(ctx, 0.5)
	if !near.OK {
		t.Fatalf("UpdateDistance(0.5) failed: %s", near.Message)
	}
	if near.Status.State != models.StateFaceRecognition {
		t.Errorf("expected FACE_RECOGNITION, got %s", near.Status.State)
	}
}

func TestOperationsRejectedOutsideAllowedStates(t *testing.T) {
	ctx := context.Background()
	operations := []struct {
		name    string
		allowed map[models.WorkflowState]bool
		invoke  func(c *Controller) models.OpResponse
	}{
		{
			name:    "StartMonitoring",
			allowed: map[models.WorkflowState]bool{models.StateWaitingForUser: true},
			invoke:  func(c *Controller) models.OpResponse { return c.StartMonitoring(ctx) },
		},
		{
			name:    "UpdateDistance",
			allowed: map[models.WorkflowState]bool{models.StateMonitoringDistance: true},
			invoke:  func(c *Controller) models.OpResponse { return c.UpdateDistance(ctx, 1.0) },
		},
		{
			name:    "SetRecognitionResult",
			allowed: map[models.WorkflowState]bool{models.StateFaceRecognition: true},
			invoke: func(c *Controller) models.OpResponse {
				return c.SetRecognitionResult(ctx, models.RecognitionResult{MatchType: "new"})
			},
		},
		{
			name:    "RegisterNewUser",
			allowed: map[models.WorkflowState]bool{models.StateRegisterNewUser: true},
			invoke: func(c *Controller) models.OpResponse {
				return c.RegisterNewUser(ctx, models.RegistrationRequest{
					Name:         "Alice",
					Medication:   "Aspirin",
					PhotoDataURL: testPhotoDataURL(),
				})
			},
		},
		{
			name:    "StopAdvice",
			allowed: map[models.WorkflowState]bool{models.StateSpeakingAdvice: true},
			invoke:  func(c *Controller) models.OpResponse { return c.StopAdvice(ctx) },
		},
	}

	states := []models.WorkflowState{
		models.StateWaitingForUser,
		models.StateMonitoringDistance,
		models.StateFaceRecognition,
		models.StateRegisterNewUser,
		models.StateRegistrationSuccess,
		models.StateDispensingPill,
		models.StateGeneratingAdvice,
		models.StateSpeakingAdvice,
		models.StateSessionSuccess,
		models.StateError,
	}

	for _, op := range operations {
		for _, state := range states {
			if op.allowed[state] {
				continue
			}
			t.Run(op.name+"_in_"+string(state), func(t *testing.T) {
				env := newTestEnv(t)
				env.controller.state = state
				resp := op.invoke(env.controller)
				if resp.OK {
					t.Fatalf("%s unexpectedly accepted in %s", op.name, state)
				}
				if env.controller.state != state {
					t.Errorf("state changed from %s to %s on rejected call", state, env.controller.state)
				}
			})
		}
	}
}

func TestRecognitionExistingDueNowDispensesAndLogsSuccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	// Clock is 08:00 UTC; the 08:00 dose is inside the due window.
	env.saveProfile(t, "alice-1", "Alice", []string{"08:00"})
	env.driveToRecognition(t)

	resp := env.controller.SetRecognitionResult(ctx, models.RecognitionResult{
		MatchType: "existing",
		UserID:    "alice-1",
	})
	if !resp.OK {
		t.Fatalf("SetRecognitionResult failed: %s", resp.Message)
	}
	if resp.Status.State != models.StateDispensingPill {
		t.Errorf("expected DISPENSING_PILL, got %s", resp.Status.State)
	}
	if resp.Status.LastPlan == nil || !resp.Status.LastPlan.ShouldDispense {
		t.Fatal("expected a plan that dispenses")
	}
	if resp.Status.LastPlan.Status != models.PlanStatusReady {
		t.Errorf("expected READY plan, got %s", resp.Status.LastPlan.Status)
	}
	if resp.Status.LastUARTResult == nil || !resp.Status.LastUARTResult.Ack {
		t.Fatal("expected an acknowledged exchange")
	}
	if !resp.Status.LastUARTResult.Degraded {
		t.Error("expected degraded ack with serial disabled")
	}

	if len(env.audit.events) != 1 {
		t.Fatalf("expected 1 dispense event, got %d", len(env.audit.events))
	}
	event := env.audit.events[0]
	if event.Result != models.DispenseResultSuccess {
		t.Errorf("expected SUCCESS event, got %s", event.Result)
	}
	if !strings.Contains(event.Details, "uart=USB_UART") {
		t.Errorf("expected transport details, got %q", event.Details)
	}
	if event.UserID != "alice-1" {
		t.Errorf("expected user alice-1, got %s", event.UserID)
	}
}

func TestRecognitionExistingNoDueLogsSkipped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	// 20:00 dose is hours away from the 08:00 clock: nothing is due.
	env.saveProfile(t, "bob-1", "Bob", []string{"20:00"})
	env.driveToRecognition(t)

	resp := env.controller.SetRecognitionResult(ctx, models.RecognitionResult{
		MatchType: "existing",
		UserID:    "bob-1",
	})
	if !resp.OK {
		t.Fatalf("SetRecognitionResult failed: %s", resp.Message)
	}
	plan := resp.Status.LastPlan
	if plan == nil {
		t.Fatal("expected a plan")
	}
	if plan.ShouldDispense {
		t.Error("expected should_dispense=false")
	}
	if plan.Status != models.PlanStatusNoDue {
		t.Errorf("expected NO_DUE, got %s", plan.Status)
	}
	if !resp.Status.ManualOverrideAvailable {
		t.Error("expected manual override to be flagged available")
	}
	result := resp.Status.LastUARTResult
	if result == nil || !result.Ack || result.Degraded {
		t.Fatal("expected synthesized ack=true degraded=false for NO_DUE")
	}

	if len(env.audit.events) != 1 {
		t.Fatalf("expected 1 dispense event, got %d", len(env.audit.events))
	}
	if env.audit.events[0].Result != models.DispenseResultSkipped {
		t.Errorf("expected SKIPPED event, got %s", env.audit.events[0].Result)
	}
}

func TestAutoProgressDrivenByStatusAlone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.saveProfile(t, "alice-1", "Alice", []string{"08:00"})
	env.driveToRecognition(t)
	env.controller.SetRecognitionResult(ctx, models.RecognitionResult{MatchType: "existing", UserID: "alice-1"})

	// Not yet past the dispense hold.
	if got := env.controller.Status(ctx).Status.State; got != models.StateDispensingPill {
		t.Fatalf("expected DISPENSING_PILL, got %s", got)
	}

	env.clock.Advance(DefaultDispenseDisplay + time.Second)
	if got := env.controller.Status(ctx).Status.State; got != models.StateGeneratingAdvice {
		t.Fatalf("expected GENERATING_ADVICE after dispense hold, got %s", got)
	}

	env.clock.Advance(DefaultAdviceGenerationHold + time.Second)
	snap := env.controller.Status(ctx).Status
	if snap.State != models.StateSpeakingAdvice {
		t.Fatalf("expected SPEAKING_ADVICE after generation hold, got %s", snap.State)
	}
	if !snap.IsSpeaking {
		t.Error("expected is_speaking=true")
	}
	if snap.AdviceText == "" {
		t.Error("expected composed advice text")
	}
	if snap.LastAdvicePayload == nil || snap.LastAdvicePayload.Source != models.AdviceSourceLocalRules {
		t.Error("expected local rule engine payload with nil advice client")
	}
	if snap.SpeechSecondsRemaining == nil {
		t.Fatal("expected a speech countdown")
	}

	env.clock.Advance(time.Duration(MaxSpeechSeconds+1) * time.Second)
	snap = env.controller.Status(ctx).Status
	if snap.State != models.StateSessionSuccess {
		t.Fatalf("expected SESSION_SUCCESS after speech, got %s", snap.State)
	}
	if len(env.audit.summaries) != 1 {
		t.Fatalf("expected 1 session summary, got %d", len(env.audit.summaries))
	}
	if env.audit.summaries[0].Result != models.SessionResultSuccess {
		t.Errorf("expected SESSION_SUCCESS summary, got %s", env.audit.summaries[0].Result)
	}

	env.clock.Advance(DefaultSuccessDisplay + time.Second)
	snap = env.controller.Status(ctx).Status
	if snap.State != models.StateWaitingForUser {
		t.Fatalf("expected WAITING_FOR_USER after auto-return, got %s", snap.State)
	}
	if snap.SessionContext != nil {
		t.Error("expected session context to be cleared on return to idle")
	}
	// Finalize-once: the manual reset after auto-return must not add a record.
	env.controller.Reset(ctx)
	if len(env.audit.summaries) != 1 {
		t.Errorf("expected summary count to stay at 1 after reset, got %d", len(env.audit.summaries))
	}
}

func TestResetFinalizesOpenSessionOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.controller.StartMonitoring(ctx)

	resp := env.controller.Reset(ctx)
	if !resp.OK {
		t.Fatalf("Reset failed: %s", resp.Message)
	}
	if resp.Status.State != models.StateWaitingForUser {
		t.Errorf("expected WAITING_FOR_USER, got %s", resp.Status.State)
	}
	if len(env.audit.summaries) != 1 {
		t.Fatalf("expected 1 MANUAL_RESET summary, got %d", len(env.audit.summaries))
	}
	if env.audit.summaries[0].Result != models.SessionResultManualReset {
		t.Errorf("expected MANUAL_RESET, got %s", env.audit.summaries[0].Result)
	}

	// Reset with no open session writes nothing.
	env.controller.Reset(ctx)
	if len(env.audit.summaries) != 1 {
		t.Errorf("expected summary count to stay at 1, got %d", len(env.audit.summaries))
	}
}

func TestRegisterNewUserFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.driveToRecognition(t)
	env.controller.SetRecognitionResult(ctx, models.RecognitionResult{MatchType: "new"})

	resp := env.controller.RegisterNewUser(ctx, models.RegistrationRequest{
		Name:     "Carol Smith",
		Timezone: "UTC",
		Medications: []models.MedicationEntry{
			{Name: "Loratadine", Dosage: "1 tablet", Times: []string{"08:00"}, ServoChannel: 2, Active: true},
		},
		PhotoDataURL: testPhotoDataURL(),
	})
	if !resp.OK {
		t.Fatalf("RegisterNewUser failed: %s", resp.Message)
	}
	if resp.Status.State != models.StateRegistrationSuccess {
		t.Errorf("expected REGISTRATION_SUCCESS, got %s", resp.Status.State)
	}
	if len(env.audit.summaries) != 1 || env.audit.summaries[0].Result != models.SessionResultRegistration {
		t.Fatalf("expected one REGISTRATION_SUCCESS summary, got %+v", env.audit.summaries)
	}

	users := env.controller.ListUsers(ctx)
	if len(users) != 1 {
		t.Fatalf("expected 1 known user, got %d", len(users))
	}
	if users[0].Medication != "Loratadine" {
		t.Errorf("expected Loratadine, got %s", users[0].Medication)
	}
}

func TestSameNameReRegistrationReusesID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	register := func() models.OpResponse {
		env.driveToRecognition(t)
		env.controller.SetRecognitionResult(ctx, models.RecognitionResult{MatchType: "new"})
		return env.controller.RegisterNewUser(ctx, models.RegistrationRequest{
			Name:         "Carol Smith",
			Medication:   "Loratadine",
			Dosage:       "1 tablet",
			PhotoDataURL: testPhotoDataURL(),
		})
	}

	first := register()
	if !first.OK {
		t.Fatalf("first registration failed: %s", first.Message)
	}
	firstID := first.Status.SessionContext.UserID

	env.controller.Reset(ctx)
	env.clock.Advance(time.Hour)

	second := register()
	if !second.OK {
		t.Fatalf("second registration failed: %s", second.Message)
	}
	if !strings.Contains(second.Message, "overwrite") {
		t.Errorf("expected overwrite message, got %q", second.Message)
	}
	secondID := second.Status.SessionContext.UserID
	if secondID != firstID {
		t.Errorf("expected reused id %s, got %s", firstID, secondID)
	}

	users := env.controller.ListUsers(ctx)
	if len(users) != 1 {
		t.Errorf("expected a single profile after same-name overwrite, got %d", len(users))
	}
}

func TestRegisterNewUserValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.driveToRecognition(t)
	env.controller.SetRecognitionResult(ctx, models.RecognitionResult{MatchType: "new"})

	resp := env.controller.RegisterNewUser(ctx, models.RegistrationRequest{
		Medication:   "Aspirin",
		PhotoDataURL: testPhotoDataURL(),
	})
	if resp.OK {
		t.Error("expected missing name to be rejected")
	}
	if resp.Status.State != models.StateRegisterNewUser {
		t.Errorf("expected to remain in REGISTER_NEW_USER, got %s", resp.Status.State)
	}
}

func TestManualOverrideRejectedWhenIdle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.saveProfile(t, "alice-1", "Alice", nil)

	resp := env.controller.ManualOverrideDispense(ctx, "alice-1", schedule.Override{})
	if resp.OK {
		t.Error("expected manual override to be rejected while idle")
	}
}

func TestManualOverrideDispensesActiveSet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.saveProfile(t, "bob-1", "Bob", []string{"20:00"})
	env.driveToRecognition(t)
	env.controller.SetRecognitionResult(ctx, models.RecognitionResult{MatchType: "existing", UserID: "bob-1"})

	resp := env.controller.ManualOverrideDispense(ctx, "", schedule.Override{Mode: models.OverrideModeAllActive})
	if !resp.OK {
		t.Fatalf("ManualOverrideDispense failed: %s", resp.Message)
	}
	if resp.Status.State != models.StateDispensingPill {
		t.Errorf("manual override must not change state, got %s", resp.Status.State)
	}
	plan := resp.Status.LastPlan
	if plan == nil || !plan.ShouldDispense {
		t.Fatal("expected an override plan that dispenses")
	}
	if plan.Reason != models.ReasonManualOverride {
		t.Errorf("expected manual_override reason, got %s", plan.Reason)
	}
	if resp.Status.ManualOverrideAvailable {
		t.Error("expected override availability to clear after execution")
	}

	// NO_DUE skip first, then the override SUCCESS.
	if len(env.audit.events) != 2 {
		t.Fatalf("expected 2 dispense events, got %d", len(env.audit.events))
	}
	last := env.audit.events[1]
	if last.Result != models.DispenseResultSuccess {
		t.Errorf("expected SUCCESS, got %s", last.Result)
	}
	if !strings.Contains(last.Details, "manual_override") {
		t.Errorf("expected manual_override details, got %q", last.Details)
	}
}

func TestStopAdviceFinalizesSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.saveProfile(t, "alice-1", "Alice", []string{"08:00"})
	env.driveToRecognition(t)
	env.controller.SetRecognitionResult(ctx, models.RecognitionResult{MatchType: "existing", UserID: "alice-1"})
	env.clock.Advance(DefaultDispenseDisplay + time.Second)
	env.controller.Status(ctx)
	env.clock.Advance(DefaultAdviceGenerationHold + time.Second)
	env.controller.Status(ctx)

	resp := env.controller.StopAdvice(ctx)
	if !resp.OK {
		t.Fatalf("StopAdvice failed: %s", resp.Message)
	}
	if resp.Status.State != models.StateSessionSuccess {
		t.Errorf("expected SESSION_SUCCESS, got %s", resp.Status.State)
	}
	if resp.Status.IsSpeaking {
		t.Error("expected speaking to stop")
	}
	if len(env.audit.summaries) != 1 || env.audit.summaries[0].Result != models.SessionResultSuccess {
		t.Fatalf("expected one SESSION_SUCCESS summary, got %+v", env.audit.summaries)
	}
}

func TestAdviceRequestReturnsPayload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.saveProfile(t, "alice-1", "Alice", []string{"08:00"})

	resp := env.controller.AdviceRequest(ctx, "alice-1")
	if !resp.OK {
		t.Fatalf("AdviceRequest failed: %s", resp.Message)
	}
	if resp.AdvicePayload == nil {
		t.Fatal("expected an advice payload")
	}
	if resp.AdvicePayload.Source != models.AdviceSourceLocalRules {
		t.Errorf("expected local rule engine source, got %s", resp.AdvicePayload.Source)
	}
	if len(resp.AdvicePayload.SideEffects) == 0 {
		t.Error("expected side effects in the payload")
	}
}

func TestRecordDispenseAppendsEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.saveProfile(t, "alice-1", "Alice", nil)

	resp := env.controller.RecordDispense(ctx, "alice-1", "", "", "")
	if !resp.OK {
		t.Fatalf("RecordDispense failed: %s", resp.Message)
	}
	if len(env.audit.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(env.audit.events))
	}
	event := env.audit.events[0]
	if event.Result != models.DispenseResultSuccess {
		t.Errorf("expected SUCCESS default, got %s", event.Result)
	}
	if event.Medication != "Aspirin" {
		t.Errorf("expected profile medication fallback, got %s", event.Medication)
	}
}

func TestRecognitionUnknownUserRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.driveToRecognition(t)

	resp := env.controller.SetRecognitionResult(ctx, models.RecognitionResult{
		MatchType: "existing",
		UserID:    "nobody",
	})
	if resp.OK {
		t.Error("expected unknown user to be rejected")
	}
	if resp.Status.State != models.StateFaceRecognition {
		t.Errorf("expected to remain in FACE_RECOGNITION, got %s", resp.Status.State)
	}

	bad := env.controller.SetRecognitionResult(ctx, models.RecognitionResult{MatchType: "maybe"})
	if bad.OK {
		t.Error("expected unsupported match_type to be rejected")
	}
}

func TestEstimateSpeechSeconds(t *testing.T) {
	env := newTestEnv(t)
	c := env.controller

	c.adviceText = ""
	if got := c.estimateSpeechSeconds(); got != int(DefaultSpeechDuration.Seconds()) {
		t.Errorf("expected minimum %d for empty text, got %d", int(DefaultSpeechDuration.Seconds()), got)
	}

	c.adviceText = strings.Repeat("word ", 500)
	if got := c.estimateSpeechSeconds(); got != MaxSpeechSeconds {
		t.Errorf("expected clamp to %d, got %d", MaxSpeechSeconds, got)
	}

	c.adviceText = "short advice"
	if got := c.estimateSpeechSeconds(); got != int(DefaultSpeechDuration.Seconds()) {
		t.Errorf("expected minimum duration for short text, got %d", got)
	}
}

func TestSnapshotAffordanceFlags(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	snap := env.controller.Status(ctx).Status
	if !snap.CanStartMonitoring || snap.CanSubmitDistance || snap.CanReset {
		t.Errorf("unexpected idle flags: %+v", snap)
	}

	env.controller.StartMonitoring(ctx)
	snap = env.controller.Status(ctx).Status
	if snap.CanStartMonitoring || !snap.CanSubmitDistance || !snap.CanReset {
		t.Errorf("unexpected monitoring flags: %+v", snap)
	}
}
