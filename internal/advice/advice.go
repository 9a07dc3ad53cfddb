// Package advice generates per-user medication advice, preferring the
// OpenAI chat API and degrading to a deterministic local rule engine when
// the API is unavailable or returns unusable output.
package advice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/sauron-health/dispenser/internal/models"
)

// ErrNoChoicesReturned indicates the chat API responded without any choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

const systemPrompt = "You are a professional medication safety assistant for a smart pill dispenser.\n" +
	"Return ONLY strict JSON. No markdown. No extra text.\n" +
	"JSON schema:\n" +
	"{\"side_effects\": [\"...\", \"...\", \"...\"], \"advice\": \"...\"}\n\n" +
	"Constraints:\n" +
	"- side_effects: array of 1-3 short common side effects in plain English\n" +
	"- advice: 1-2 concise sentences that combine medication safety + today's environment context\n" +
	"- Keep language simple and safe; do not diagnose"

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter bridges the real OpenAI completion service to the
// chatService interface.
type completionsAdapter struct {
	svc openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the advice client.
type Opts struct {
	APIKey string
	Model  string
}

// Option configures the advice client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key explicitly instead of reading the
// OPENAI_API_KEY environment variable.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the default chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps the OpenAI chat completion service for advice generation.
type Client struct {
	chat  chatService
	model string
}

// NewClient initializes an advice client. The API key comes from options or
// the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("advice.NewClient initialized", "model", cfg.Model)
	return &Client{chat: completionsAdapter{svc: cli.Chat.Completions}, model: cfg.Model}, nil
}

// Model reports the configured chat model.
func (c *Client) Model() string {
	return c.model
}

// GeneratePrompt sends the system and user prompts to the chat API and
// returns the raw completion text.
func (c *Client) GeneratePrompt(ctx context.Context, system, user string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	}
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// GeneratePayload produces the normalized advice payload for a session. The
// client may be nil (generator disabled); failures of any kind fall back to
// the local rule engine with an environment note appended, so the caller
// always receives a usable payload.
func GeneratePayload(ctx context.Context, client *Client, adviceCtx models.AdviceContext, contextDir string) models.AdvicePayload {
	fallback := BuildLocalPayload(adviceCtx)
	env := LoadEnvironmentSummary(contextDir)
	fallback.EnvironmentSummary = env

	if client == nil {
		slog.Debug("advice.GeneratePayload: generator disabled, using local rules")
		return withEnvironmentNote(fallback, env)
	}

	userPrompt := buildUserPrompt(adviceCtx, env)
	text, err := client.GeneratePrompt(ctx, systemPrompt, userPrompt)
	if err != nil {
		slog.Error("advice.GeneratePayload: generator call failed", "error", err)
		fallback = withEnvironmentNote(fallback, env)
		fallback.GeneratorError = err.Error()
		return fallback
	}

	sideEffects, adviceText := normalizeGeneratedPayload(extractJSONCandidate(text))
	if len(sideEffects) == 0 {
		slog.Debug("advice.GeneratePayload: unusable generator output, using local rules")
		fallback = withEnvironmentNote(fallback, env)
		fallback.GeneratorError = "invalid_or_empty_response"
		return fallback
	}

	slog.Debug("advice.GeneratePayload: generator succeeded", "model", client.model, "side_effects", len(sideEffects))
	return models.AdvicePayload{
		Medication:         fallback.Medication,
		SideEffects:        sideEffects,
		Advice:             adviceText,
		ScheduleGuidance:   fallback.ScheduleGuidance,
		Source:             models.AdviceSourceGenerator,
		Model:              client.model,
		EnvironmentSummary: env,
	}
}

func withEnvironmentNote(payload models.AdvicePayload, env models.EnvironmentSummary) models.AdvicePayload {
	note := EnvironmentNote(env)
	if note == "" {
		return payload
	}
	if payload.Advice == "" {
		payload.Advice = note
	} else {
		payload.Advice = strings.TrimSpace(payload.Advice) + " " + note
	}
	return payload
}

// buildUserPrompt renders the user profile, schedule and environment
// context lines of the advice prompt.
func buildUserPrompt(adviceCtx models.AdviceContext, env models.EnvironmentSummary) string {
	name := models.CleanText(adviceCtx.Profile.Name)
	if name == "" {
		name = "user"
	}
	medication := models.CleanText(primaryMedicationName(adviceCtx))
	if medication == "" {
		medication = "unknown medication"
	}

	var dosage string
	var times []string
	for _, med := range adviceCtx.Medications {
		if !strings.EqualFold(med.Name, medication) {
			continue
		}
		dosage = models.CleanText(med.Dosage)
		times = med.Times
		break
	}
	if dosage == "" {
		dosage = "unknown"
	}
	schedule := strings.Join(times, ", ")
	if schedule == "" {
		schedule = "unknown"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "User name: %s\n", name)
	fmt.Fprintf(&b, "Medication: %s\n", medication)
	fmt.Fprintf(&b, "Dosage: %s\n", dosage)
	fmt.Fprintf(&b, "Schedule times: %s\n\n", schedule)
	b.WriteString("Today's environment context (from local weather/time APIs):\n")
	fmt.Fprintf(&b, "- Local datetime: %s\n", orNA(env.Datetime))
	fmt.Fprintf(&b, "- Temperature (C): %s\n", floatOrNA(env.TemperatureC))
	fmt.Fprintf(&b, "- Wind speed: %s\n", floatOrNA(env.WindSpeed))
	fmt.Fprintf(&b, "- Wind direction: %s\n", floatOrNA(env.WindDirection))
	fmt.Fprintf(&b, "- Precipitation (mm): %s\n", floatOrNA(env.PrecipitationMM))
	fmt.Fprintf(&b, "- Air Quality US AQI: %s\n", floatOrNA(env.AQIUS))
	fmt.Fprintf(&b, "- PM2.5: %s\n", floatOrNA(env.PM25))
	fmt.Fprintf(&b, "- PM10: %s\n", floatOrNA(env.PM10))
	fmt.Fprintf(&b, "- Sunrise: %s\n", orNA(env.Sunrise))
	fmt.Fprintf(&b, "- Sunset: %s\n", orNA(env.Sunset))
	fmt.Fprintf(&b, "- Moon phase: %s\n", orNA(env.MoonPhase))
	fmt.Fprintf(&b, "- Active alerts (up to 3): %s\n", strings.Join(env.Alerts, "; "))
	return b.String()
}

func orNA(value string) string {
	if value == "" {
		return "N/A"
	}
	return value
}

func floatOrNA(value *float64) string {
	if value == nil {
		return "N/A"
	}
	return fmt.Sprintf("%g", *value)
}
