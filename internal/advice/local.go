package advice

import (
	"fmt"
	"strings"

	"github.com/sauron-health/dispenser/internal/models"
)

// BuildLocalPayload produces the deterministic rule-engine advice used
// whenever the remote generator is disabled or fails. Keyword rules cover
// the medications the pilot units actually stock; everything else gets the
// generic guidance.
func BuildLocalPayload(ctx models.AdviceContext) models.AdvicePayload {
	medication := models.CleanText(primaryMedicationName(ctx))
	if medication == "" {
		medication = "your medication"
	}
	medLower := strings.ToLower(medication)

	sideEffects := []string{"drowsiness", "stomach discomfort", "mild headache"}
	adviceText := "Drink more water and avoid intense activity if you feel unwell."

	switch {
	case strings.Contains(medLower, "ibuprofen"):
		sideEffects = []string{"stomach discomfort", "nausea", "dizziness"}
		adviceText = "Take with food and avoid alcohol today."
	case strings.Contains(medLower, "loratadine"):
		sideEffects = []string{"dry mouth", "mild drowsiness", "headache"}
		adviceText = "Avoid driving if you feel sleepy and stay hydrated."
	case strings.Contains(medLower, "amoxicillin"):
		sideEffects = []string{"stomach upset", "diarrhea", "skin rash"}
		adviceText = "Finish the full course and contact a doctor if rash worsens."
	}

	var scheduleGuidance []string
	if len(ctx.Schedule.DueNow) > 0 {
		var names []string
		for _, med := range ctx.Schedule.DueNow {
			if name := models.CleanText(med.Name); name != "" {
				names = append(names, name)
			}
		}
		if len(names) > 4 {
			names = names[:4]
		}
		if len(names) > 0 {
			scheduleGuidance = append(scheduleGuidance, fmt.Sprintf("Due now: %s.", strings.Join(names, ", ")))
		}
	} else {
		scheduleGuidance = append(scheduleGuidance, "No medication is due right now. Use manual override only if needed.")
	}
	if len(ctx.Schedule.Upcoming) > 0 {
		next := ctx.Schedule.Upcoming[0]
		nextName := models.CleanText(next.Name)
		if nextName == "" {
			nextName = "medication"
		}
		nextTime := models.CleanText(next.MatchedTime)
		if nextTime == "" {
			nextTime = "later"
		}
		scheduleGuidance = append(scheduleGuidance, fmt.Sprintf("Next scheduled dose: %s at %s.", nextName, nextTime))
	}
	if len(scheduleGuidance) > 3 {
		scheduleGuidance = scheduleGuidance[:3]
	}

	return models.AdvicePayload{
		Medication:       medication,
		SideEffects:      sideEffects,
		Advice:           adviceText,
		ScheduleGuidance: scheduleGuidance,
		Source:           models.AdviceSourceLocalRules,
	}
}

// primaryMedicationName picks the most relevant medication for advice: the
// plan's primary dispense target when present, otherwise the first active
// medication on the profile.
func primaryMedicationName(ctx models.AdviceContext) string {
	if ctx.Plan != nil {
		for _, item := range ctx.Plan.Items {
			if item.Name != "" {
				return item.Name
			}
		}
	}
	for _, med := range ctx.Medications {
		if med.Active && med.Name != "" {
			return med.Name
		}
	}
	for _, med := range ctx.Medications {
		if med.Name != "" {
			return med.Name
		}
	}
	return ""
}
