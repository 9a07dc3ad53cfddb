package advice

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sauron-health/dispenser/internal/models"
)

func loadJSONObject(path string) map[string]any {
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		slog.Debug("advice: ignoring malformed context file", "path", path, "error", err)
		return map[string]any{}
	}
	if obj == nil {
		return map[string]any{}
	}
	return obj
}

func subObject(parent map[string]any, keys ...string) map[string]any {
	for _, key := range keys {
		if child, ok := parent[key].(map[string]any); ok {
			return child
		}
	}
	return map[string]any{}
}

func floatField(obj map[string]any, key string) *float64 {
	raw, ok := obj[key]
	if !ok {
		return nil
	}
	value, ok := raw.(float64)
	if !ok {
		return nil
	}
	return &value
}

func stringField(obj map[string]any, key string) string {
	if value, ok := obj[key].(string); ok {
		return value
	}
	return ""
}

// LoadEnvironmentSummary reads the general-data context files from dir and
// condenses them into the summary attached to every advice payload. An
// unreadable directory yields an empty summary, never an error.
func LoadEnvironmentSummary(dir string) models.EnvironmentSummary {
	weather := loadJSONObject(filepath.Join(dir, "weather.json"))
	air := loadJSONObject(filepath.Join(dir, "air_quality.json"))
	sun := loadJSONObject(filepath.Join(dir, "sun.json"))
	moon := loadJSONObject(filepath.Join(dir, "moon.json"))
	alerts := loadJSONObject(filepath.Join(dir, "alerts.json"))
	timeInfo := loadJSONObject(filepath.Join(dir, "time.json"))

	weatherCurrent := subObject(weather, "current", "current_weather")
	airCurrent := subObject(air, "current")
	sunResults := subObject(sun, "results")

	summary := models.EnvironmentSummary{
		Datetime:        stringField(timeInfo, "datetime"),
		TemperatureC:    floatField(weatherCurrent, "temperature_2m"),
		WindSpeed:       floatField(weatherCurrent, "wind_speed_10m"),
		WindDirection:   floatField(weatherCurrent, "wind_direction_10m"),
		PrecipitationMM: floatField(weatherCurrent, "precipitation"),
		AQIUS:           floatField(airCurrent, "us_aqi"),
		PM25:            floatField(airCurrent, "pm2_5"),
		PM10:            floatField(airCurrent, "pm10"),
		Sunrise:         stringField(sunResults, "sunrise"),
		Sunset:          stringField(sunResults, "sunset"),
		MoonPhase:       stringField(moon, "moonphase"),
	}

	if features, ok := alerts["features"].([]any); ok {
		for _, raw := range features {
			if len(summary.Alerts) >= 3 {
				break
			}
			feature, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			props, ok := feature["properties"].(map[string]any)
			if !ok {
				continue
			}
			headline := models.CleanText(stringField(props, "headline"))
			if headline == "" {
				headline = models.CleanText(stringField(props, "event"))
			}
			if headline != "" {
				summary.Alerts = append(summary.Alerts, headline)
			}
		}
	}
	return summary
}

// EnvironmentNote derives a short deterministic safety note from the
// environment summary, used when the remote generator is unavailable.
func EnvironmentNote(env models.EnvironmentSummary) string {
	if len(env.Alerts) > 0 {
		return "A weather alert is active today, so follow local safety guidance and avoid unnecessary travel."
	}

	var notes []string
	if env.AQIUS != nil && *env.AQIUS >= 100 {
		notes = append(notes, "Air quality is elevated, so limit strenuous outdoor activity if you feel sensitive.")
	}
	if env.TemperatureC != nil && *env.TemperatureC <= 0 {
		notes = append(notes, "It is cold outside today, so dress warmly before going out.")
	}
	if env.PrecipitationMM != nil && *env.PrecipitationMM > 0 {
		notes = append(notes, "There is precipitation today, so be careful on slippery surfaces.")
	}
	if len(notes) > 2 {
		notes = notes[:2]
	}
	if len(notes) == 0 {
		return ""
	}
	if len(notes) == 1 {
		return notes[0]
	}
	return notes[0] + " " + notes[1]
}
