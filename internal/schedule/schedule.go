// Package schedule classifies medication schedules against a reference time
// and builds dispense plans. Every function is pure: the same (profile, now)
// input always yields the same output.
package schedule

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sauron-health/dispenser/internal/models"
)

// Window and clamp constants for schedule classification.
const (
	// DueWindowMinutes is the ± window around a scheduled time within which
	// a medication counts as due now.
	DueWindowMinutes = 30
	// UpcomingWindowMinutes is how far ahead a dose is reported as upcoming.
	UpcomingWindowMinutes = 120
	// MinDoseCount and MaxDoseCount clamp the dose extracted from free text.
	MinDoseCount = 1
	MaxDoseCount = 20
	// MaxSelected caps how many medications one plan may carry.
	MaxSelected = models.MaxMedications
)

var (
	hhmmPattern     = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)
	firstIntPattern = regexp.MustCompile(`(\d+)`)
)

// ParseTimeHHMM parses an HH:MM string into minutes since midnight.
// Returns ok=false for anything that is not a valid 24h time.
func ParseTimeHHMM(value string) (int, bool) {
	m := hhmmPattern.FindStringSubmatch(models.CleanText(value))
	if m == nil {
		return 0, false
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, false
	}
	return hh*60 + mm, true
}

// ParseDoseCount extracts the first integer found in a dosage string,
// defaulting to 1 and clamping to [MinDoseCount, MaxDoseCount]. This mirrors
// the deployed heuristic; it performs no unit validation.
func ParseDoseCount(dosage string) int {
	m := firstIntPattern.FindStringSubmatch(models.CleanText(dosage))
	if m == nil {
		return MinDoseCount
	}
	count, err := strconv.Atoi(m[1])
	if err != nil {
		return MinDoseCount
	}
	if count < MinDoseCount {
		return MinDoseCount
	}
	if count > MaxDoseCount {
		return MaxDoseCount
	}
	return count
}

// Context is the full schedule classification for a profile at a reference
// time: which active medications are due now, which are upcoming, and the
// whole active set.
type Context struct {
	LocalTime time.Time
	Timezone  string
	DueNow    []models.ScheduledMedication
	Upcoming  []models.ScheduledMedication
	AllActive []models.MedicationEntry
}

// Snapshot converts the context to its wire form.
func (c Context) Snapshot() models.ScheduleSnapshot {
	return models.ScheduleSnapshot{
		DatetimeLocal: c.LocalTime.Format(time.RFC3339),
		Timezone:      c.Timezone,
		DueNow:        c.DueNow,
		Upcoming:      c.Upcoming,
	}
}

// localTimeFor resolves the profile's timezone, falling back to now's own
// location when the zone name is missing or unknown.
func localTimeFor(profile models.UserProfile, now time.Time) (time.Time, string) {
	zone := models.CleanText(profile.Timezone)
	if zone != "" {
		if loc, err := time.LoadLocation(zone); err == nil {
			return now.In(loc), zone
		}
	}
	local := now.Local()
	return local, local.Location().String()
}

// BuildContext classifies every active medication on the profile against the
// reference time. For each medication the first time inside the due window
// wins; otherwise the closest upcoming time within the upcoming window is
// reported. Due-now entries sort by (channel, name), upcoming by (delta,
// channel). Both lists are capped at MaxSelected.
func BuildContext(profile models.UserProfile, now time.Time) Context {
	localNow, zone := localTimeFor(profile, now)
	nowMinutes := localNow.Hour()*60 + localNow.Minute()

	ctx := Context{LocalTime: localNow, Timezone: zone}
	for _, med := range models.NormalizeMedications(profile) {
		if !med.Active {
			continue
		}
		ctx.AllActive = append(ctx.AllActive, med)

		matchedDue := false
		bestUpcoming := -1
		bestUpcomingTime := ""
		for _, raw := range med.Times {
			target, ok := ParseTimeHHMM(raw)
			if !ok {
				continue
			}
			diff := target - nowMinutes
			if abs(diff) <= DueWindowMinutes {
				ctx.DueNow = append(ctx.DueNow, models.ScheduledMedication{
					MedicationEntry: med,
					MatchedTime:     fmt.Sprintf("%02d:%02d", target/60, target%60),
					MinutesDelta:    diff,
				})
				matchedDue = true
				break
			}
			if diff > 0 && diff <= UpcomingWindowMinutes {
				if bestUpcoming < 0 || diff < bestUpcoming {
					bestUpcoming = diff
					bestUpcomingTime = fmt.Sprintf("%02d:%02d", target/60, target%60)
				}
			}
		}
		if !matchedDue && bestUpcoming >= 0 {
			ctx.Upcoming = append(ctx.Upcoming, models.ScheduledMedication{
				MedicationEntry: med,
				MatchedTime:     bestUpcomingTime,
				MinutesDelta:    bestUpcoming,
			})
		}
	}

	sort.SliceStable(ctx.DueNow, func(i, j int) bool {
		if ctx.DueNow[i].ServoChannel != ctx.DueNow[j].ServoChannel {
			return ctx.DueNow[i].ServoChannel < ctx.DueNow[j].ServoChannel
		}
		return ctx.DueNow[i].Name < ctx.DueNow[j].Name
	})
	sort.SliceStable(ctx.Upcoming, func(i, j int) bool {
		if ctx.Upcoming[i].MinutesDelta != ctx.Upcoming[j].MinutesDelta {
			return ctx.Upcoming[i].MinutesDelta < ctx.Upcoming[j].MinutesDelta
		}
		return ctx.Upcoming[i].ServoChannel < ctx.Upcoming[j].ServoChannel
	})

	if len(ctx.DueNow) > MaxSelected {
		ctx.DueNow = ctx.DueNow[:MaxSelected]
	}
	if len(ctx.Upcoming) > MaxSelected {
		ctx.Upcoming = ctx.Upcoming[:MaxSelected]
	}
	if len(ctx.AllActive) > MaxSelected {
		ctx.AllActive = ctx.AllActive[:MaxSelected]
	}
	return ctx
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Override describes a manual dispense request. Mode is consulted only when
// Channels is empty.
type Override struct {
	Enabled  bool
	Mode     string
	Channels []int
}

// BuildPlan computes the dispense plan for a profile at the reference time.
// Without an override the plan selects exactly the due-now set; with an
// override it selects over the active set per the requested mode. A plan
// with no actions carries NO_DUE and flags manual override as available —
// dispensing never happens silently when nothing is due.
func BuildPlan(profile models.UserProfile, now time.Time, override Override) models.DispensePlan {
	ctx := BuildContext(profile, now)

	var selected []models.ScheduledMedication
	reason := models.ReasonScheduledDueNow
	switch {
	case override.Enabled:
		reason = models.ReasonManualOverride
		selected = selectForOverride(ctx, override)
	case len(ctx.DueNow) > 0:
		selected = ctx.DueNow
	}

	plan := models.DispensePlan{
		Reason:   reason,
		Schedule: ctx.Snapshot(),
	}
	for _, med := range selected {
		if len(plan.Items) >= MaxSelected {
			break
		}
		ch := models.ClampServoChannel(med.ServoChannel, models.MinServoChannel)
		dosage := models.CleanText(med.Dosage)
		if dosage == "" {
			dosage = "1 unit"
		}
		count := ParseDoseCount(dosage)
		plan.ChannelCounts[ch-1] += count
		plan.Items = append(plan.Items, models.PlanItem{
			MedID:        med.ID,
			Name:         med.Name,
			Dosage:       dosage,
			DoseCount:    count,
			ServoChannel: ch,
			MatchedTime:  med.MatchedTime,
			MinutesDelta: med.MinutesDelta,
		})
	}

	for _, c := range plan.ChannelCounts {
		plan.TotalActions += c
	}
	for _, item := range plan.Items {
		plan.SummaryMedications = append(plan.SummaryMedications, item.Name)
	}
	plan.ShouldDispense = plan.TotalActions > 0
	plan.PrimaryChannel = models.MinServoChannel
	plan.PrimaryDose = "1 unit"
	if len(plan.Items) > 0 {
		plan.PrimaryChannel = plan.Items[0].ServoChannel
		plan.PrimaryDose = plan.Items[0].Dosage
	}
	if len(plan.SummaryMedications) > 0 {
		plan.SummaryText = strings.Join(plan.SummaryMedications, ", ")
	} else {
		plan.SummaryText = "no_medication_due"
	}
	if plan.ShouldDispense {
		plan.Status = models.PlanStatusReady
		plan.Message = "Dispense plan ready."
	} else {
		plan.Status = models.PlanStatusNoDue
		plan.Message = "No medication due right now. Manual override is available."
		plan.ManualOverrideAvailable = true
	}
	return plan
}

// selectForOverride resolves the override selection: an explicit channel
// set, the primary (first due-or-active) item, or the whole active set.
func selectForOverride(ctx Context, override Override) []models.ScheduledMedication {
	if len(override.Channels) > 0 {
		wanted := make(map[int]bool, len(override.Channels))
		for _, ch := range override.Channels {
			wanted[models.ClampServoChannel(ch, models.MinServoChannel)] = true
		}
		var out []models.ScheduledMedication
		for _, med := range ctx.AllActive {
			if wanted[models.ClampServoChannel(med.ServoChannel, models.MinServoChannel)] {
				out = append(out, models.ScheduledMedication{MedicationEntry: med})
			}
		}
		return out
	}

	switch override.Mode {
	case models.OverrideModePrimary, "due_or_primary":
		if len(ctx.DueNow) > 0 {
			return ctx.DueNow[:1]
		}
		if len(ctx.AllActive) > 0 {
			return []models.ScheduledMedication{{MedicationEntry: ctx.AllActive[0]}}
		}
		return nil
	default: // all_active
		if len(ctx.AllActive) > 0 {
			out := make([]models.ScheduledMedication, 0, len(ctx.AllActive))
			for _, med := range ctx.AllActive {
				out = append(out, models.ScheduledMedication{MedicationEntry: med})
			}
			return out
		}
		return ctx.DueNow
	}
}
