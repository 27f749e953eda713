// Package analysis summarizes finished calls with an LLM and raises health
// alerts for the ward's guardian.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/damso/damso/internal/database"
	"github.com/damso/damso/internal/database/models"
	"github.com/damso/damso/internal/eventbus"
	"github.com/damso/damso/internal/metrics"
	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

// ErrCallNotFound is returned when the call to analyze does not exist.
var ErrCallNotFound = errors.New("call not found")

const (
	maxTags           = 5
	maxTokens         = 1000
	painWindowDays    = 3
	painAlertMentions = 2
	lowMoodThreshold  = 0.3
	emptyTranscript   = "(대화 내용 없음)"
)

const systemPrompt = `당신은 어르신과 AI(다미)의 대화를 분석하는 전문가입니다.
다음 JSON 형식으로 분석 결과를 반환해주세요:
{
  "summary": "대화 요약 (2-3문장, 한국어)",
  "mood": "positive" | "neutral" | "negative",
  "moodScore": 0.0 ~ 1.0 (감정 점수, 1이 가장 긍정적),
  "tags": ["키워드1", "키워드2", ...] (최대 5개, 한국어),
  "healthKeywords": {
    "pain": 언급 횟수 (숫자) 또는 null,
    "sleep": "good" | "bad" | "mentioned" 또는 null,
    "meal": "regular" | "irregular" | "mentioned" 또는 null,
    "medication": "compliant" | "non-compliant" | "mentioned" 또는 null
  }
}`

// ChatClient is the subset of the OpenAI client used for analysis.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Analysis is the model's reading of one conversation.
type Analysis struct {
	Summary        string                `json:"summary"`
	Mood           string                `json:"mood"`
	MoodScore      float64               `json:"moodScore"`
	Tags           []string              `json:"tags"`
	HealthKeywords models.HealthKeywords `json:"healthKeywords"`
}

// Result is returned by AnalyzeCall and GetSummary.
type Result struct {
	CallID          string                `json:"callId"`
	WardID          *string               `json:"wardId"`
	SummaryID       string                `json:"summaryId"`
	Summary         string                `json:"summary"`
	Mood            string                `json:"mood"`
	MoodScore       float64               `json:"moodScore"`
	Tags            []string              `json:"tags"`
	HealthKeywords  models.HealthKeywords `json:"healthKeywords"`
	DurationMinutes *float64              `json:"duration"`
	CreatedAt       time.Time             `json:"createdAt"`
}

// Service runs call analyses.
type Service struct {
	client    ChatClient // nil when no API key is configured
	model     string
	calls     database.CallRepository
	summaries database.SummaryRepository
	alerts    database.HealthAlertRepository
	events    eventbus.Publisher
}

// NewService creates a Service. A nil client makes every analysis use the
// canned result.
func NewService(client ChatClient, model string, calls database.CallRepository,
	summaries database.SummaryRepository, alerts database.HealthAlertRepository, events eventbus.Publisher) *Service {
	if client == nil {
		slog.Warn("openai api key not set, call analysis will use the canned result")
	}
	return &Service{
		client:    client,
		model:     model,
		calls:     calls,
		summaries: summaries,
		alerts:    alerts,
		events:    events,
	}
}

// NewOpenAIClient returns a client for apiKey, or nil when the key is empty.
func NewOpenAIClient(apiKey string) ChatClient {
	if apiKey == "" {
		return nil
	}
	return openai.NewClient(apiKey)
}

// AnalyzeCall analyzes a call, stores exactly one summary for it and raises
// any health alerts the result calls for.
func (s *Service) AnalyzeCall(ctx context.Context, callID string) (*Result, error) {
	if _, err := uuid.Parse(callID); err != nil {
		return nil, ErrCallNotFound
	}
	input, err := s.calls.GetForAnalysis(ctx, callID)
	if err != nil {
		return nil, err
	}
	if input == nil {
		return nil, ErrCallNotFound
	}

	transcript := ""
	if input.Transcript != nil {
		transcript = *input.Transcript
	}
	a := s.analyze(ctx, callID, transcript)

	summary := &models.CallSummary{
		CallID:         callID,
		WardID:         input.WardID,
		Summary:        a.Summary,
		Mood:           a.Mood,
		MoodScore:      a.MoodScore,
		Tags:           a.Tags,
		HealthKeywords: a.HealthKeywords,
	}
	if err := s.summaries.Create(ctx, summary); err != nil {
		return nil, err
	}

	if input.WardID != nil && input.GuardianID != nil {
		if err := s.checkHealthAlerts(ctx, *input.WardID, *input.GuardianID, a); err != nil {
			return nil, err
		}
	}

	slog.Info("call analyzed", "call_id", callID, "mood", a.Mood, "summary_id", summary.ID)

	wardID := ""
	if input.WardID != nil {
		wardID = *input.WardID
	}
	mood := a.Mood
	s.events.Publish(ctx, eventbus.CallSummaryCreated{
		CallID:         callID,
		WardID:         wardID,
		SummaryID:      summary.ID,
		Mood:           &mood,
		HealthKeywords: mentionedKeywords(a.HealthKeywords),
		Timestamp:      time.Now(),
	})

	res := toResult(summary)
	res.DurationMinutes = input.DurationMinutes
	return res, nil
}

// AnalyzeTask is the worker handler for call analysis tasks.
func (s *Service) AnalyzeTask(ctx context.Context, raw json.RawMessage) error {
	var p struct {
		CallID string `json:"callId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decoding task payload: %w", err)
	}
	_, err := s.AnalyzeCall(ctx, p.CallID)
	return err
}

// GetSummary returns the latest stored analysis of a call.
func (s *Service) GetSummary(ctx context.Context, callID string) (*Result, error) {
	if _, err := uuid.Parse(callID); err != nil {
		return nil, ErrCallNotFound
	}
	sum, err := s.summaries.GetLatestByCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if sum == nil {
		return nil, ErrCallNotFound
	}
	return toResult(sum), nil
}

func toResult(s *models.CallSummary) *Result {
	return &Result{
		CallID:         s.CallID,
		WardID:         s.WardID,
		SummaryID:      s.ID,
		Summary:        s.Summary,
		Mood:           s.Mood,
		MoodScore:      s.MoodScore,
		Tags:           s.Tags,
		HealthKeywords: s.HealthKeywords,
		CreatedAt:      s.CreatedAt,
	}
}

// analyze asks the model for an analysis and falls back to the canned
// result on any failure.
func (s *Service) analyze(ctx context.Context, callID, transcript string) Analysis {
	if s.client == nil {
		return fallback(callID, "no_client", nil)
	}
	if transcript == "" {
		transcript = emptyTranscript
	}

	start := time.Now()
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		MaxTokens: maxTokens,
	})
	metrics.AnalysisLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return fallback(callID, "api_error", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return fallback(callID, "empty_response", nil)
	}

	a, err := parseAnalysis(resp.Choices[0].Message.Content)
	if err != nil {
		return fallback(callID, "parse_error", err)
	}
	return a
}

// rawAnalysis mirrors the model's JSON. Fields are kept raw and decoded one
// by one so a single malformed field does not discard the rest.
type rawAnalysis struct {
	Summary        json.RawMessage `json:"summary"`
	Mood           json.RawMessage `json:"mood"`
	MoodScore      json.RawMessage `json:"moodScore"`
	Tags           json.RawMessage `json:"tags"`
	HealthKeywords json.RawMessage `json:"healthKeywords"`
}

type rawHealthKeywords struct {
	Pain       json.RawMessage `json:"pain"`
	Sleep      json.RawMessage `json:"sleep"`
	Meal       json.RawMessage `json:"meal"`
	Medication json.RawMessage `json:"medication"`
}

// parseAnalysis decodes and normalizes the model output: unknown moods
// become neutral, the score is clamped to [0,1] with 0.5 when missing, at
// most five tags are kept and a pain level is rounded to an integer. A field
// of the wrong type is treated as missing. Only output that is not a JSON
// object is an error.
func parseAnalysis(content string) (Analysis, error) {
	var raw rawAnalysis
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return Analysis{}, fmt.Errorf("decoding model output: %w", err)
	}

	a := Analysis{
		MoodScore: 0.5,
		Tags:      []string{},
	}
	if v := rawString(raw.Summary); v != nil {
		a.Summary = *v
	}
	if v := rawString(raw.Mood); v != nil {
		a.Mood = *v
	}
	switch a.Mood {
	case models.MoodPositive, models.MoodNeutral, models.MoodNegative:
	default:
		a.Mood = models.MoodNeutral
	}
	if v := rawNumber(raw.MoodScore); v != nil {
		a.MoodScore = min(1, max(0, *v))
	}

	var items []json.RawMessage
	if json.Unmarshal(raw.Tags, &items) == nil {
		for _, it := range items {
			if v := rawString(it); v != nil && *v != "" {
				a.Tags = append(a.Tags, *v)
			}
		}
	}
	if len(a.Tags) > maxTags {
		a.Tags = a.Tags[:maxTags]
	}

	var hk rawHealthKeywords
	if json.Unmarshal(raw.HealthKeywords, &hk) == nil {
		if v := rawNumber(hk.Pain); v != nil {
			pain := int(math.Round(*v))
			a.HealthKeywords.Pain = &pain
		}
		a.HealthKeywords.Sleep = rawString(hk.Sleep)
		a.HealthKeywords.Meal = rawString(hk.Meal)
		a.HealthKeywords.Medication = rawString(hk.Medication)
	}
	return a, nil
}

// rawString returns the value when raw is a JSON string.
func rawString(raw json.RawMessage) *string {
	var v string
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil {
		return nil
	}
	return &v
}

// rawNumber returns the value when raw is a finite JSON number.
func rawNumber(raw json.RawMessage) *float64 {
	var v float64
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func fallback(callID, reason string, err error) Analysis {
	metrics.AnalysisFallbacks.WithLabelValues(reason).Inc()
	slog.Warn("call analysis using canned result", "call_id", callID, "reason", reason, "error", err)
	return cannedAnalysis()
}

// cannedAnalysis is the fixed result used when the model is unavailable.
func cannedAnalysis() Analysis {
	sleep, meal := "good", "regular"
	return Analysis{
		Summary:   "어르신께서 오늘 날씨가 좋다고 말씀하시며 즐거워하셨습니다. 손주들 이야기를 하시며 웃으셨고, 건강 상태는 양호해 보입니다.",
		Mood:      models.MoodPositive,
		MoodScore: 0.85,
		Tags:      []string{"날씨", "손주", "긍정적"},
		HealthKeywords: models.HealthKeywords{
			Sleep: &sleep,
			Meal:  &meal,
		},
	}
}

// checkHealthAlerts raises a warning when pain was mentioned on at least
// two calls in the last three days (this one included) and an info alert
// when the mood is strongly negative.
func (s *Service) checkHealthAlerts(ctx context.Context, wardID, guardianID string, a Analysis) error {
	if a.HealthKeywords.Pain != nil && *a.HealthKeywords.Pain > 0 {
		count, err := s.summaries.CountRecentPainMentions(ctx, wardID, painWindowDays)
		if err != nil {
			return err
		}
		if count >= painAlertMentions {
			alert := &models.HealthAlert{
				WardID:     wardID,
				GuardianID: guardianID,
				AlertType:  models.AlertWarning,
				Message:    fmt.Sprintf("%d일 연속 통증 관련 단어가 감지되었습니다", count),
			}
			if err := s.alerts.Create(ctx, alert); err != nil {
				return err
			}
			slog.Info("health alert created", "ward_id", wardID, "type", "pain", "count", count)
		}
	}

	if a.Mood == models.MoodNegative && a.MoodScore < lowMoodThreshold {
		alert := &models.HealthAlert{
			WardID:     wardID,
			GuardianID: guardianID,
			AlertType:  models.AlertInfo,
			Message:    "어르신의 기분이 좋지 않아 보입니다. 관심이 필요합니다.",
		}
		if err := s.alerts.Create(ctx, alert); err != nil {
			return err
		}
		slog.Info("health alert created", "ward_id", wardID, "type", "mood")
	}
	return nil
}

// mentionedKeywords lists the health keywords the analysis filled in.
func mentionedKeywords(k models.HealthKeywords) []string {
	out := []string{}
	if k.Pain != nil && *k.Pain > 0 {
		out = append(out, "pain")
	}
	if k.Sleep != nil {
		out = append(out, "sleep")
	}
	if k.Meal != nil {
		out = append(out, "meal")
	}
	if k.Medication != nil {
		out = append(out, "medication")
	}
	return out
}
