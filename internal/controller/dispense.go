package controller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sauron-health/dispenser/internal/advice"
	"github.com/sauron-health/dispenser/internal/models"
	"github.com/sauron-health/dispenser/internal/schedule"
	"github.com/sauron-health/dispenser/internal/uart"
)

// executeDispense builds the plan, sends the hardware command, and records
// the acknowledgement. A NO_DUE plan short-circuits into a synthesized
// skipped acknowledgement without touching the transport. Returns whether
// the exchange counts as acknowledged; a degraded acknowledgement counts.
func (c *Controller) executeDispense(profile models.UserProfile, override *schedule.Override) bool {
	userID := models.SafeUserID(profile.ID)
	now := c.now()
	requestID := newRequestID()

	var ov schedule.Override
	if override != nil {
		ov = *override
	}
	plan := schedule.BuildPlan(profile, now, ov)
	c.manualOverrideAvailable = plan.ManualOverrideAvailable

	c.ensureSession()
	c.session.UserID = userID
	t := c.opts.Transport

	if !plan.ShouldDispense {
		status := strings.ToUpper(plan.Status)
		cmd := models.UARTCommand{
			Cmd:       "DISPENSE",
			RequestID: requestID,
			UserID:    userID,
			Skipped:   true,
			Reason:    status,
			Transport: uart.TransportName,
			Port:      t.Port(),
			Baud:      t.Baud(),
			Protocol:  t.Protocol(),
		}
		result := models.UARTResult{
			Ack:            true,
			RequestID:      requestID,
			Status:         status,
			Message:        plan.Message,
			Protocol:       t.Protocol(),
			HardwareOnline: false,
			Degraded:       false,
			ChannelCounts:  plan.ChannelCounts,
			Transport:      uart.TransportName,
			Port:           t.Port(),
			Baud:           t.Baud(),
			PowerDomain:    uart.PowerDomain,
		}
		c.lastCommand = &cmd
		c.lastResult = &result
		c.lastPlan = &plan
		c.session.Plan = &plan
		c.session.UARTAck = &result
		slog.Info("Controller.executeDispense: nothing due, skipping hardware",
			"user_id", userID, "request_id", requestID)
		return true
	}

	frame := uart.EncodeFrame(plan.ChannelCounts)
	frameHex := uart.FrameHex(frame)
	cmd := models.UARTCommand{
		Cmd:           "DISPENSE",
		RequestID:     requestID,
		UserID:        userID,
		Channel:       plan.PrimaryChannel,
		Dose:          plan.PrimaryDose,
		DoseCount:     plan.TotalActions,
		Medication:    plan.SummaryText,
		Transport:     uart.TransportName,
		Port:          t.Port(),
		Baud:          t.Baud(),
		Protocol:      t.Protocol(),
		FrameFormat:   uart.FrameFormat,
		ChannelCounts: plan.ChannelCounts,
		FrameHex:      frameHex,
		FrameBytes:    frame,
	}
	c.lastCommand = &cmd

	plan.RequestID = requestID
	plan.Transport = uart.TransportName
	plan.Protocol = t.Protocol()
	plan.FrameFormat = uart.FrameFormat
	plan.FrameHex = frameHex
	c.lastPlan = &plan
	c.session.Plan = &plan

	result := t.Exchange(cmd)
	c.lastResult = &result
	c.session.UARTAck = &result
	if result.Degraded {
		degradedAcks.Inc()
	}
	slog.Info("Controller.executeDispense: exchange complete",
		"user_id", userID, "request_id", requestID,
		"status", result.Status, "ack", result.Ack, "degraded", result.Degraded)
	return result.Ack
}

// logDispense appends one dispense audit event.
func (c *Controller) logDispense(userID, medication, result, details string) {
	dispenseResults.WithLabelValues(result).Inc()
	if c.opts.Audit == nil {
		return
	}
	event := models.DispenseEvent{
		Timestamp:  c.nowISO(),
		UserID:     models.SafeUserID(userID),
		Medication: medication,
		Result:     result,
		Details:    details,
	}
	if err := c.opts.Audit.AppendDispenseEvent(event); err != nil {
		slog.Warn("Controller.logDispense: failed to append dispense event",
			"user_id", userID, "error", err)
	}
}

// dispenseDetails renders the standard transport diagnostic suffix for a
// dispense log entry.
func (c *Controller) dispenseDetails(prefix string) string {
	status := "UNKNOWN"
	if c.lastResult != nil && c.lastResult.Status != "" {
		status = c.lastResult.Status
	}
	return fmt.Sprintf("%suart=%s status=%s", prefix, uart.TransportName, status)
}

// planMedicationText resolves the medication text written to dispense audit
// events.
func planMedicationText(plan *models.DispensePlan, profile models.UserProfile) string {
	if m := models.CleanText(profile.Medication); m != "" {
		return m
	}
	if meds := models.NormalizeMedications(profile); len(meds) > 0 {
		return meds[0].Name
	}
	if plan != nil {
		return plan.SummaryText
	}
	return ""
}

// generatePayloadFor builds the advice context and asks the generator for a
// payload; the local rule engine answers when the client is nil or fails.
func (c *Controller) generatePayloadFor(ctx context.Context, profile models.UserProfile) models.AdvicePayload {
	schedCtx := schedule.BuildContext(profile, c.now())
	adviceCtx := models.AdviceContext{
		Profile:     profile,
		Medications: models.NormalizeMedications(profile),
		Schedule:    schedCtx.Snapshot(),
		Plan:        c.lastPlan,
	}
	return advice.GeneratePayload(ctx, c.opts.AdviceClient, adviceCtx, c.opts.ContextDir)
}

// generateAdvice produces the session's advice payload and the spoken text.
// Called from auto-progress when the generation hold elapses.
func (c *Controller) generateAdvice(ctx context.Context) {
	var profile models.UserProfile
	if c.activeProfile != nil {
		profile = *c.activeProfile
	}
	payload := c.generatePayloadFor(ctx, profile)
	c.lastAdvice = &payload
	c.ensureSession()
	c.session.Advice = adviceSummaryFromPayload(payload)
	c.adviceText = composeSpeechText(profile, payload)
}

func adviceSummaryFromPayload(payload models.AdvicePayload) *models.AdviceSummary {
	return &models.AdviceSummary{
		Source:             payload.Source,
		Model:              payload.Model,
		SideEffects:        payload.SideEffects,
		EnvironmentSummary: payload.EnvironmentSummary,
		ScheduleGuidance:   payload.ScheduleGuidance,
	}
}

// composeSpeechText flattens the advice payload into the sentence sequence
// handed to the speech layer.
func composeSpeechText(profile models.UserProfile, payload models.AdvicePayload) string {
	var parts []string
	if name := models.CleanText(profile.Name); name != "" {
		parts = append(parts, fmt.Sprintf("Hello %s.", name))
	}
	medication := models.CleanText(payload.Medication)
	if medication == "" {
		medication = planMedicationText(nil, profile)
	}
	if medication != "" {
		parts = append(parts, fmt.Sprintf("You just received %s.", medication))
	}
	if effects := cleanList(payload.SideEffects, 3); len(effects) > 0 {
		parts = append(parts, fmt.Sprintf("Common side effects may include %s.", strings.Join(effects, ", ")))
	}
	if text := models.CleanText(payload.Advice); text != "" {
		parts = append(parts, text)
	}
	if guidance := cleanList(payload.ScheduleGuidance, 3); len(guidance) > 0 {
		parts = append(parts, "Timing reminder: "+strings.Join(guidance, " "))
	}
	if env := cleanList(payload.EnvironmentGuidance, 3); len(env) > 0 {
		parts = append(parts, "Today: "+strings.Join(env, " "))
	}
	return models.CleanText(strings.Join(parts, " "))
}

func cleanList(items []string, limit int) []string {
	var out []string
	for _, item := range items {
		if clean := models.CleanText(item); clean != "" {
			out = append(out, clean)
			if len(out) >= limit {
				break
			}
		}
	}
	return out
}

// estimateSpeechSeconds predicts how long playback of the composed advice
// text takes, clamped so a slow browser TTS cannot outlive the stage.
func (c *Controller) estimateSpeechSeconds() int {
	minSeconds := int(c.opts.SpeechDuration.Seconds())
	if c.adviceText == "" {
		if minSeconds < MinSpeechSecondsWithoutText {
			return MinSpeechSecondsWithoutText
		}
		return minSeconds
	}
	words := len(strings.Fields(c.adviceText))
	estimated := int(float64(words)/2.2) + 3
	if estimated > MaxSpeechSeconds {
		estimated = MaxSpeechSeconds
	}
	if estimated < minSeconds {
		estimated = minSeconds
	}
	return estimated
}
