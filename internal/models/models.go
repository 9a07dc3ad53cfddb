// Package models defines the core data structures for the dispenser.
//
// It includes user profiles, medication schedules, dispense plans, and the
// session records shared across modules.
package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Validation constants for profile and registration input.
const (
	// MaxMedications is the number of medication slots a profile may fill.
	MaxMedications = 4
	// MinServoChannel and MaxServoChannel bound the physical channel range.
	MinServoChannel = 1
	MaxServoChannel = 4
	// MaxWarningTags caps the warning tags stored per medication.
	MaxWarningTags = 6
	// DefaultLanguage is applied when a registration omits one.
	DefaultLanguage = "en-US"
)

// Error variables for validation failures shared across modules.
var (
	ErrNameRequired        = errors.New("name is required for registration")
	ErrMedicationRequired  = errors.New("at least one medication is required")
	ErrPhotoRequired       = errors.New("a captured face photo is required")
	ErrDuplicateChannel    = errors.New("each active medication must use a unique servo channel (1-4)")
	ErrTooManyMedications  = errors.New("at most 4 medications per profile are supported")
	ErrInvalidUserID       = errors.New("invalid user id")
	ErrInvalidImagePayload = errors.New("invalid image payload")
)

// MedicationEntry is one medication slot on a profile.
type MedicationEntry struct {
	ID           string   `json:"id,omitempty"`
	Name         string   `json:"name"`
	Dosage       string   `json:"dosage,omitempty"`
	Times        []string `json:"times,omitempty"` // HH:MM strings
	ServoChannel int      `json:"servo_channel"`
	Active       bool     `json:"active"`
	MealRelation string   `json:"meal_relation,omitempty"`
	WarningTags  []string `json:"warning_tags,omitempty"`
}

// UserProfile is the durable per-user record. The legacy single-medication
// fields (Medication, Dosage, ServoChannel, ScheduleTimes) are retained for
// stored records written by older firmware; NormalizeProfile migrates them
// into Medications once on load.
type UserProfile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Age      string `json:"age,omitempty"`
	Language string `json:"language,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Notes    string `json:"notes,omitempty"`

	// Legacy single-medication fields.
	Medication    string   `json:"medication,omitempty"`
	Dosage        string   `json:"dosage,omitempty"`
	ServoChannel  int      `json:"servo_channel,omitempty"`
	ScheduleTimes []string `json:"schedule_times,omitempty"`

	Medications []MedicationEntry `json:"medications,omitempty"`

	ImagePath          string `json:"image_path,omitempty"`
	FaceEmbeddingPath  string `json:"face_embedding_path,omitempty"`
	FaceEmbeddingDim   int    `json:"face_embedding_dim,omitempty"`
	FaceEmbeddingModel string `json:"face_embedding_model,omitempty"`
	LegacySource       string `json:"legacy_source,omitempty"`

	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

var (
	safeIDPattern    = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
	slugPattern      = regexp.MustCompile(`[^a-z0-9]+`)
	whitespaceSquash = regexp.MustCompile(`\s+`)
)

// SafeUserID strips every character that is not allowed in a user id.
func SafeUserID(value string) string {
	return strings.TrimSpace(safeIDPattern.ReplaceAllString(value, ""))
}

// SlugifyName lowercases a display name into a filesystem-safe slug.
func SlugifyName(name string) string {
	slug := strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if slug == "" {
		slug = "user"
	}
	return slug
}

// CleanText collapses whitespace runs and trims the result.
func CleanText(value string) string {
	return whitespaceSquash.ReplaceAllString(strings.TrimSpace(value), " ")
}

// ClampServoChannel forces a channel into the valid 1-4 range, substituting
// def when value is out of range on the low end of parsing (zero value).
func ClampServoChannel(value, def int) int {
	if value == 0 {
		value = def
	}
	if value < MinServoChannel {
		return MinServoChannel
	}
	if value > MaxServoChannel {
		return MaxServoChannel
	}
	return value
}

// CanonicalNameKey folds a display name for soft-key comparison.
func CanonicalNameKey(name string) string {
	return strings.ToLower(CleanText(name))
}

// NormalizeProfile returns a copy of p with its medication list migrated to
// the normalized shape. Invoked once on load so business logic never
// branches on the legacy single-medication fields.
func NormalizeProfile(p UserProfile) UserProfile {
	out := p
	out.ID = SafeUserID(p.ID)
	out.Name = CleanText(p.Name)
	out.Medications = NormalizeMedications(p)
	return out
}

// NormalizeMedications produces the active medication list for a profile,
// synthesizing a single entry from the legacy fields when the newer list is
// absent. Channels are clamped and the list is capped at MaxMedications.
func NormalizeMedications(p UserProfile) []MedicationEntry {
	var meds []MedicationEntry
	defaultChannel := ClampServoChannel(p.ServoChannel, MinServoChannel)
	for idx, item := range p.Medications {
		name := CleanText(item.Name)
		if name == "" {
			continue
		}
		dosage := CleanText(item.Dosage)
		if dosage == "" {
			dosage = CleanText(p.Dosage)
		}
		if dosage == "" {
			dosage = "1 unit"
		}
		id := SafeUserID(item.ID)
		if id == "" {
			id = fmt.Sprintf("med-%d", len(meds)+1)
		}
		channelDefault := defaultChannel
		if p.ServoChannel == 0 {
			channelDefault = ClampServoChannel(idx+1, MinServoChannel)
		}
		entry := MedicationEntry{
			ID:           id,
			Name:         name,
			Dosage:       dosage,
			ServoChannel: ClampServoChannel(item.ServoChannel, channelDefault),
			Times:        cleanTimes(item.Times),
			Active:       item.Active,
			MealRelation: CleanText(item.MealRelation),
			WarningTags:  cleanTags(item.WarningTags),
		}
		meds = append(meds, entry)
		if len(meds) >= MaxMedications {
			break
		}
	}
	if len(meds) > 0 {
		return meds
	}

	// Legacy single-medication record.
	name := CleanText(p.Medication)
	if name == "" {
		return nil
	}
	dosage := CleanText(p.Dosage)
	if dosage == "" {
		dosage = "1 unit"
	}
	return []MedicationEntry{{
		ID:           "med-1",
		Name:         name,
		Dosage:       dosage,
		ServoChannel: defaultChannel,
		Times:        cleanTimes(p.ScheduleTimes),
		Active:       true,
	}}
}

func cleanTimes(times []string) []string {
	var out []string
	for _, t := range times {
		if clean := CleanText(t); clean != "" {
			out = append(out, clean)
		}
	}
	return out
}

func cleanTags(tags []string) []string {
	var out []string
	for _, t := range tags {
		if clean := CleanText(t); clean != "" {
			out = append(out, clean)
			if len(out) >= MaxWarningTags {
				break
			}
		}
	}
	return out
}

// UserSummary is the compact per-user entry exposed in status snapshots.
type UserSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Medication   string `json:"medication,omitempty"`
	ServoChannel int    `json:"servo_channel,omitempty"`
}

// RegistrationRequest is the payload accepted while in REGISTER_NEW_USER.
type RegistrationRequest struct {
	Name          string            `json:"name"`
	Age           string            `json:"age,omitempty"`
	Language      string            `json:"language,omitempty"`
	Timezone      string            `json:"timezone,omitempty"`
	Notes         string            `json:"notes,omitempty"`
	Medication    string            `json:"medication,omitempty"`
	Dosage        string            `json:"dosage,omitempty"`
	ServoChannel  int               `json:"servo_channel,omitempty"`
	ScheduleTimes []string          `json:"schedule_times,omitempty"`
	Medications   []MedicationEntry `json:"medications,omitempty"`
	PhotoDataURL  string            `json:"photo_data_url"`
}

// Validate checks the registration payload against the profile invariants:
// required name, at least one medication (list or legacy fields), a captured
// photo, and channel uniqueness among active medications.
func (r *RegistrationRequest) Validate() error {
	if CleanText(r.Name) == "" {
		return ErrNameRequired
	}
	if CleanText(r.Medication) == "" && len(validMedications(r.Medications)) == 0 {
		return ErrMedicationRequired
	}
	if strings.TrimSpace(r.PhotoDataURL) == "" {
		return ErrPhotoRequired
	}
	meds := validMedications(r.Medications)
	if len(meds) > MaxMedications {
		return ErrTooManyMedications
	}
	seen := make(map[int]bool)
	for _, med := range meds {
		if !med.Active {
			continue
		}
		ch := ClampServoChannel(med.ServoChannel, ClampServoChannel(r.ServoChannel, MinServoChannel))
		if seen[ch] {
			return ErrDuplicateChannel
		}
		seen[ch] = true
	}
	return nil
}

func validMedications(meds []MedicationEntry) []MedicationEntry {
	var out []MedicationEntry
	for _, m := range meds {
		if CleanText(m.Name) != "" {
			out = append(out, m)
		}
	}
	return out
}

// RecognitionResult is the decision supplied by the recognition boundary.
type RecognitionResult struct {
	MatchType  string   `json:"match_type"` // "new" or "existing"
	UserID     string   `json:"user_id,omitempty"`
	Source     string   `json:"source,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Embedding is a stored biometric template for one user.
type Embedding struct {
	UserID    string    `json:"user_id"`
	Vector    []float64 `json:"embedding"`
	Dim       int       `json:"dim"`
	Model     string    `json:"model"`
	Source    string    `json:"source"`
	UpdatedAt string    `json:"updated_at"`
}
