package controller

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/sauron-health/dispenser/internal/models"
	"github.com/sauron-health/dispenser/internal/schedule"
)

// Status returns the current snapshot. Polling Status alone is enough to
// drive every time-based transition.
func (c *Controller) Status(ctx context.Context) models.OpResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoProgress(ctx)
	return c.respond(true, "")
}

// ListUsers returns the known-user summaries.
func (c *Controller) ListUsers(ctx context.Context) []models.UserSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoProgress(ctx)
	return c.listKnownUsers()
}

// StartMonitoring opens a new session and begins distance tracking. Valid
// only from WAITING_FOR_USER.
func (c *Controller) StartMonitoring(ctx context.Context) models.OpResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoProgress(ctx)
	if c.state != models.StateWaitingForUser {
		return c.respond(false, "System is already running.")
	}

	c.clearRuntime(true)
	c.startSession()
	c.transition(models.StateMonitoringDistance, "Monitoring for user distance from camera.")
	return c.respond(true, "Monitoring started. Waiting for user to move within threshold distance.")
}

// UpdateDistance reports a new measured distance. Valid only while
// MONITORING_DISTANCE; transitions to FACE_RECOGNITION once the user is
// within the threshold.
func (c *Controller) UpdateDistance(ctx context.Context, distanceM float64) models.OpResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoProgress(ctx)
	if c.state != models.StateMonitoringDistance {
		return c.respond(false, "Distance updates are only accepted while monitoring distance.")
	}
	if distanceM <= 0 {
		return c.respond(false, "Distance must be a positive number.")
	}

	rounded := math.Round(distanceM*100) / 100
	c.currentDistance = &rounded
	if rounded <= c.opts.DistanceThresholdM {
		c.transition(models.StateFaceRecognition,
			fmt.Sprintf("User reached %.2fm. Running local face recognition.", rounded))
		return c.respond(true, "User is close enough. Submit local recognition result (new or existing).")
	}

	remaining := math.Round((rounded-c.opts.DistanceThresholdM)*100) / 100
	return c.respond(true, fmt.Sprintf("User detected at %.2fm. Move %.2fm closer.", rounded, remaining))
}

// SetRecognitionResult consumes the recognition boundary's decision. Valid
// only in FACE_RECOGNITION. A "new" match moves to registration; an
// "existing" match resolves the profile and runs the dispense flow.
func (c *Controller) SetRecognitionResult(ctx context.Context, result models.RecognitionResult) models.OpResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoProgress(ctx)
	if c.state != models.StateFaceRecognition {
		return c.respond(false, "Recognition selection is only valid in FACE_RECOGNITION state.")
	}

	matchType := strings.ToLower(models.CleanText(result.MatchType))
	source := strings.ToUpper(models.CleanText(result.Source))
	if source == "" {
		source = DefaultRecognitionSource
	}

	if matchType == "new" {
		c.ensureSession()
		c.lastRecognition = &models.RecognitionResult{
			MatchType:  "new",
			Source:     source,
			Confidence: result.Confidence,
		}
		c.session.Recognition = c.lastRecognition
		c.transition(models.StateRegisterNewUser,
			"Local face recognition did not match. Switching to new user registration.")
		return c.respond(true, "New user path selected. Fill in details and capture a face photo.")
	}
	if matchType != "existing" {
		return c.respond(false, "match_type must be either 'new' or 'existing'.")
	}

	resolvedID := c.resolveUserID(result.UserID)
	if resolvedID == "" {
		return c.respond(false, "No existing user selected. Register a user first or pick one from the list.")
	}
	profile, err := c.opts.Profiles.LoadProfile(resolvedID)
	if err != nil || profile == nil {
		return c.respond(false, "Selected user profile was not found on disk.")
	}

	// Same-name overwrite can leave duplicate historical ids on disk. If
	// recognition returns an older duplicate, prefer the most recently
	// updated profile for that name so dispense and advice use current data.
	if preferred := c.preferMostRecentByName(profile.Name); preferred != nil && preferred.ID != resolvedID {
		resolvedID = preferred.ID
		profile = preferred
	}

	c.activeProfile = profile
	c.ensureSession()
	c.lastRecognition = &models.RecognitionResult{
		MatchType:  "existing",
		UserID:     resolvedID,
		Source:     source,
		Confidence: result.Confidence,
	}
	c.session.UserID = resolvedID
	c.session.Recognition = c.lastRecognition
	c.transition(models.StateDispensingPill,
		fmt.Sprintf("Local recognition matched existing user: %s.", profile.Name))

	if !c.executeDispense(*profile, nil) {
		c.logDispense(resolvedID, planMedicationText(c.lastPlan, *profile),
			models.DispenseResultFailed, c.dispenseDetails(""))
		return c.toError("Failed to dispense pill for existing user.")
	}

	outcome := models.DispenseResultSuccess
	if c.lastResult != nil && strings.EqualFold(c.lastResult.Status, models.PlanStatusNoDue) {
		outcome = models.DispenseResultSkipped
	}
	c.logDispense(resolvedID, planMedicationText(c.lastPlan, *profile), outcome, c.dispenseDetails(""))
	c.dispenseEndsAt = c.now().Add(c.opts.DispenseDisplay)
	return c.respond(true,
		"Existing user recognized. Dispensing UI active; advice will start after dispense stage completes.")
}

// RegisterNewUser validates and persists a new profile. Valid only in
// REGISTER_NEW_USER. Re-registering a name overwrites the most recently
// updated profile sharing that name rather than creating a duplicate.
func (c *Controller) RegisterNewUser(ctx context.Context, req models.RegistrationRequest) models.OpResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoProgress(ctx)
	if c.state != models.StateRegisterNewUser {
		return c.respond(false, "User registration is only available in REGISTER_NEW_USER state.")
	}
	if err := req.Validate(); err != nil {
		return c.respond(false, err.Error())
	}

	name := models.CleanText(req.Name)
	existing := c.preferMostRecentByName(name)
	isOverwrite := existing != nil
	userID := ""
	createdAt := ""
	if existing != nil {
		userID = models.SafeUserID(existing.ID)
		createdAt = existing.CreatedAt
	}
	if userID == "" {
		userID = buildUserID(name, c.now())
	}

	imagePath := ""
	if c.opts.Profiles != nil {
		path, err := c.opts.Profiles.SaveFacePhoto(userID, req.PhotoDataURL)
		if err != nil {
			return c.respond(false, err.Error())
		}
		imagePath = path
	}

	language := models.CleanText(req.Language)
	if language == "" {
		language = models.DefaultLanguage
	}
	profile := models.UserProfile{
		ID:            userID,
		Name:          name,
		Age:           models.CleanText(req.Age),
		Language:      language,
		Timezone:      models.CleanText(req.Timezone),
		Notes:         models.CleanText(req.Notes),
		Medication:    models.CleanText(req.Medication),
		Dosage:        models.CleanText(req.Dosage),
		ServoChannel:  models.ClampServoChannel(req.ServoChannel, models.MinServoChannel),
		ScheduleTimes: req.ScheduleTimes,
		Medications:   req.Medications,
		ImagePath:     imagePath,
		CreatedAt:     createdAt,
	}
	profile = models.NormalizeProfile(profile)
	if profile.Medication == "" && len(profile.Medications) > 0 {
		profile.Medication = profile.Medications[0].Name
		profile.Dosage = profile.Medications[0].Dosage
	}

	saved, err := c.opts.Profiles.SaveProfile(profile)
	if err != nil {
		return c.respond(false, fmt.Sprintf("failed to save profile: %v", err))
	}
	c.attachPendingEmbedding(saved.ID)

	c.activeProfile = &saved
	c.ensureSession()
	c.session.UserID = saved.ID

	note := fmt.Sprintf("Registered new user %s.", saved.ID)
	message := "Registration successful. Returning to start screen shortly."
	transitionNote := fmt.Sprintf("Registered new user %s.", name)
	if isOverwrite {
		note = fmt.Sprintf("Updated existing user %s by same-name overwrite.", saved.ID)
		message = "Profile updated (same-name overwrite). Returning to start screen shortly."
		transitionNote = fmt.Sprintf("Updated existing user profile for %s.", name)
	}
	c.transition(models.StateRegistrationSuccess, transitionNote)
	c.autoReturnAt = c.now().Add(c.opts.SuccessDisplay)
	c.finalizeSession(models.SessionResultRegistration, note)
	return c.respond(true, message)
}

// ManualOverrideDispense dispenses outside the schedule. Valid whenever a
// session is active; it never changes state on success.
func (c *Controller) ManualOverrideDispense(ctx context.Context, userID string, override schedule.Override) models.OpResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoProgress(ctx)

	profile := c.activeProfile
	if profile == nil {
		profile = c.resolveProfileForAPI(userID)
	}
	if profile == nil {
		return c.respond(false, "No active user profile is available for manual override.")
	}
	if c.state == models.StateWaitingForUser {
		return c.respond(false, "Manual override is only available during an active session.")
	}

	override.Enabled = true
	if override.Mode == "" {
		override.Mode = models.OverrideModeAllActive
	}
	if !c.executeDispense(*profile, &override) {
		return c.toError("Manual override dispense failed.")
	}

	c.logDispense(profile.ID, planMedicationText(c.lastPlan, *profile),
		models.DispenseResultSuccess, c.dispenseDetails("manual_override "))
	c.manualOverrideAvailable = false
	return c.respond(true, "Manual override dispense executed.")
}

// StopAdvice ends speech playback early. Valid only while SPEAKING_ADVICE.
func (c *Controller) StopAdvice(ctx context.Context) models.OpResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoProgress(ctx)
	if c.state != models.StateSpeakingAdvice {
		return c.respond(false, "Advice can only be stopped while SPEAKING_ADVICE is active.")
	}

	c.isSpeaking = false
	c.speechEndsAt = time.Time{}
	c.transition(models.StateSessionSuccess, "Advice stopped by user. Session complete.")
	c.autoReturnAt = c.now().Add(c.opts.SuccessDisplay)
	c.finalizeSession(models.SessionResultSuccess, "Advice stopped by user.")
	return c.respond(true, "Advice stopped. Session complete. Returning to start screen shortly.")
}

// Reset finalizes any open session as MANUAL_RESET and returns to the start
// screen. Valid from every state; it intentionally skips auto-progress so a
// stuck deadline cannot race the reset.
func (c *Controller) Reset(ctx context.Context) models.OpResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.finalizeSession(models.SessionResultManualReset, "User/operator reset the workflow.")
	}
	c.clearRuntime(true)
	c.transition(models.StateWaitingForUser, "Manual reset.")
	return c.respond(true, "Reset to initial start screen.")
}

// RecordDispense appends an externally observed dispense event to the audit
// log without touching session state.
func (c *Controller) RecordDispense(ctx context.Context, userID, medication, result, details string) models.OpResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoProgress(ctx)

	profile := c.resolveProfileForAPI(userID)
	if profile == nil {
		return c.respond(false, "User profile not found for dispense logging.")
	}

	medText := models.CleanText(medication)
	if medText == "" {
		medText = planMedicationText(nil, *profile)
	}
	resultCode := models.CleanText(result)
	if resultCode == "" {
		resultCode = models.DispenseResultSuccess
	}
	detailText := models.CleanText(details)
	if detailText == "" {
		detailText = "manual dispense endpoint"
	}
	c.logDispense(profile.ID, medText, resultCode, detailText)
	return c.respond(true, "Dispense event logged.")
}

// AdviceRequest generates an advice payload on demand for a resolved user,
// outside the normal session flow.
func (c *Controller) AdviceRequest(ctx context.Context, userID string) models.OpResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoProgress(ctx)

	profile := c.resolveProfileForAPI(userID)
	if profile == nil {
		return c.respond(false, "User profile not found for advice generation.")
	}

	payload := c.generatePayloadFor(ctx, *profile)
	c.lastAdvice = &payload
	c.ensureSession()
	c.session.Advice = adviceSummaryFromPayload(payload)

	response := c.respond(true, "Advice payload generated.")
	response.AdvicePayload = &payload
	return response
}

// DispenseLog lists the most recent dispense audit events.
func (c *Controller) DispenseLog(ctx context.Context, limit int) ([]models.DispenseEvent, error) {
	c.mu.Lock()
	c.autoProgress(ctx)
	audit := c.opts.Audit
	c.mu.Unlock()
	if audit == nil {
		return nil, nil
	}
	return audit.ListDispenseEvents(limit)
}

// SessionLog lists the most recent session summaries.
func (c *Controller) SessionLog(ctx context.Context, limit int) ([]models.SessionSummary, error) {
	c.mu.Lock()
	c.autoProgress(ctx)
	audit := c.opts.Audit
	c.mu.Unlock()
	if audit == nil {
		return nil, nil
	}
	return audit.ListSessionSummaries(limit)
}

// attachPendingEmbedding consumes the handoff file written by the
// recognition process, if any, and stores the template for the new user.
func (c *Controller) attachPendingEmbedding(userID string) {
	if c.opts.Handoff == nil || c.opts.Profiles == nil {
		return
	}
	pending, err := c.opts.Handoff.TakePendingEmbedding()
	if err != nil || pending == nil {
		return
	}
	if err := c.opts.Profiles.SaveEmbedding(userID, pending.Embedding, pending.Model, "pending_handoff"); err != nil {
		slog.Warn("Controller.attachPendingEmbedding: failed to save embedding",
			"user_id", userID, "error", err)
	}
}

func buildUserID(name string, now time.Time) string {
	return fmt.Sprintf("%s-%s", models.SlugifyName(name), now.UTC().Format("20060102150405"))
}
