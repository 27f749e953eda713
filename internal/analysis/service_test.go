package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/damso/damso/internal/database/models"
	"github.com/damso/damso/internal/eventbus"
	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChat struct {
	content string
	err     error
	req     openai.ChatCompletionRequest
	calls   int
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.calls++
	f.req = req
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: f.content}}},
	}, nil
}

// callsStub serves analysis inputs; the lifecycle methods are unused here.
type callsStub struct {
	inputs map[string]*models.CallAnalysisInput
}

func (f *callsStub) CreateRinging(context.Context, *models.Call, time.Duration) (bool, error) {
	return false, nil
}
func (f *callsStub) Transition(context.Context, string, string, ...string) (*models.Call, error) {
	return nil, nil
}
func (f *callsStub) GetByID(context.Context, string) (*models.Call, error) { return nil, nil }
func (f *callsStub) GetWithWardInfo(context.Context, string) (*models.CallWardInfo, error) {
	return nil, nil
}
func (f *callsStub) GetForAnalysis(_ context.Context, id string) (*models.CallAnalysisInput, error) {
	return f.inputs[id], nil
}
func (f *callsStub) CountByState(context.Context) (map[string]int64, error) { return nil, nil }

type fakeSummaries struct {
	created   []*models.CallSummary
	painCount int
}

func (f *fakeSummaries) Create(_ context.Context, s *models.CallSummary) error {
	s.ID = uuid.NewString()
	f.created = append(f.created, s)
	return nil
}

func (f *fakeSummaries) GetLatestByCall(_ context.Context, callID string) (*models.CallSummary, error) {
	for i := len(f.created) - 1; i >= 0; i-- {
		if f.created[i].CallID == callID {
			return f.created[i], nil
		}
	}
	return nil, nil
}

func (f *fakeSummaries) ListRecentByWard(context.Context, string, int) ([]models.CallSummary, error) {
	return nil, nil
}

func (f *fakeSummaries) CountRecentPainMentions(context.Context, string, int) (int, error) {
	return f.painCount, nil
}

type fakeAlerts struct {
	created []*models.HealthAlert
}

func (f *fakeAlerts) Create(_ context.Context, a *models.HealthAlert) error {
	f.created = append(f.created, a)
	return nil
}

func (f *fakeAlerts) ListByGuardian(context.Context, string, int) ([]models.HealthAlert, error) {
	return nil, nil
}

type recordingBus struct {
	events []eventbus.Event
}

func (b *recordingBus) Publish(_ context.Context, ev eventbus.Event) {
	b.events = append(b.events, ev)
}

func strp(s string) *string { return &s }
func intp(v int) *int { return &v }

type fixture struct {
	svc       *Service
	chat      *fakeChat
	calls     *callsStub
	summaries *fakeSummaries
	alerts    *fakeAlerts
	bus       *recordingBus
	callID    string
}

func newFixture(t *testing.T, chat *fakeChat) *fixture {
	t.Helper()
	callID := uuid.NewString()
	dur := 12.5
	f := &fixture{
		chat:      chat,
		calls:     &callsStub{inputs: map[string]*models.CallAnalysisInput{}},
		summaries: &fakeSummaries{},
		alerts:    &fakeAlerts{},
		bus:       &recordingBus{},
		callID:    callID,
	}
	f.calls.inputs[callID] = &models.CallAnalysisInput{
		CallID:          callID,
		WardID:          strp("ward-1"),
		GuardianID:      strp("guardian-1"),
		DurationMinutes: &dur,
	}
	var client ChatClient
	if chat != nil {
		client = chat
	}
	f.svc = NewService(client, "gpt-4o-mini", f.calls, f.summaries, f.alerts, f.bus)
	return f
}

func TestAnalyzeCall_NoClientUsesCannedResult(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.svc.AnalyzeCall(context.Background(), f.callID)
	require.NoError(t, err)

	canned := cannedAnalysis()
	assert.Equal(t, canned.Summary, res.Summary)
	assert.Equal(t, models.MoodPositive, res.Mood)
	assert.Equal(t, 0.85, res.MoodScore)
	assert.Equal(t, []string{"날씨", "손주", "긍정적"}, res.Tags)
	require.NotNil(t, res.DurationMinutes)
	assert.Equal(t, 12.5, *res.DurationMinutes)

	require.Len(t, f.summaries.created, 1)
	assert.Empty(t, f.alerts.created)

	require.Len(t, f.bus.events, 1)
	ev := f.bus.events[0].(eventbus.CallSummaryCreated)
	assert.Equal(t, res.SummaryID, ev.SummaryID)
	assert.Equal(t, []string{"sleep", "meal"}, ev.HealthKeywords)
}

func TestAnalyzeCall_UsesModelOutput(t *testing.T) {
	chat := &fakeChat{content: `{"summary":"허리가 아프다고 하셨습니다.","mood":"neutral","moodScore":1.7,
		"tags":["a","b","c","d","e","f","g"],"healthKeywords":{"pain":2,"sleep":"bad","meal":null,"medication":null}}`}
	f := newFixture(t, chat)
	f.summaries.painCount = 1

	res, err := f.svc.AnalyzeCall(context.Background(), f.callID)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o-mini", chat.req.Model)
	assert.Equal(t, 1000, chat.req.MaxTokens)
	require.NotNil(t, chat.req.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, chat.req.ResponseFormat.Type)
	assert.Equal(t, emptyTranscript, chat.req.Messages[1].Content)

	assert.Equal(t, "허리가 아프다고 하셨습니다.", res.Summary)
	assert.Equal(t, 1.0, res.MoodScore, "score is clamped")
	assert.Len(t, res.Tags, 5)
	require.NotNil(t, res.HealthKeywords.Pain)
	assert.Equal(t, 2, *res.HealthKeywords.Pain)
	assert.Empty(t, f.alerts.created, "a single pain mention raises nothing")
}

func TestAnalyzeCall_FallbackOnFailures(t *testing.T) {
	tests := []struct {
		name string
		chat *fakeChat
	}{
		{"api error", &fakeChat{err: errors.New("429 rate limited")}},
		{"empty content", &fakeChat{content: ""}},
		{"invalid json", &fakeChat{content: "not json"}},
		{"not an object", &fakeChat{content: `["negative"]`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.chat)
			res, err := f.svc.AnalyzeCall(context.Background(), f.callID)
			require.NoError(t, err)
			assert.Equal(t, cannedAnalysis().Summary, res.Summary)
			assert.Equal(t, 1, tt.chat.calls)
		})
	}
}

func TestAnalyzeCall_PainAlert(t *testing.T) {
	chat := &fakeChat{content: `{"summary":"s","mood":"neutral","moodScore":0.5,"tags":[],"healthKeywords":{"pain":1}}`}
	f := newFixture(t, chat)
	f.summaries.painCount = 3

	_, err := f.svc.AnalyzeCall(context.Background(), f.callID)
	require.NoError(t, err)

	require.Len(t, f.alerts.created, 1)
	a := f.alerts.created[0]
	assert.Equal(t, models.AlertWarning, a.AlertType)
	assert.Equal(t, "3일 연속 통증 관련 단어가 감지되었습니다", a.Message)
	assert.Equal(t, "ward-1", a.WardID)
	assert.Equal(t, "guardian-1", a.GuardianID)
}

func TestAnalyzeCall_LowMoodAlert(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantAlert bool
	}{
		{"strongly negative", `{"summary":"s","mood":"negative","moodScore":0.1}`, true},
		{"mildly negative", `{"summary":"s","mood":"negative","moodScore":0.3}`, false},
		{"low but neutral", `{"summary":"s","mood":"neutral","moodScore":0.1}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, &fakeChat{content: tt.content})
			_, err := f.svc.AnalyzeCall(context.Background(), f.callID)
			require.NoError(t, err)
			if tt.wantAlert {
				require.Len(t, f.alerts.created, 1)
				assert.Equal(t, models.AlertInfo, f.alerts.created[0].AlertType)
			} else {
				assert.Empty(t, f.alerts.created)
			}
		})
	}
}

func TestAnalyzeCall_NoGuardianSkipsAlerts(t *testing.T) {
	f := newFixture(t, &fakeChat{content: `{"summary":"s","mood":"negative","moodScore":0.0}`})
	f.calls.inputs[f.callID].GuardianID = nil

	_, err := f.svc.AnalyzeCall(context.Background(), f.callID)
	require.NoError(t, err)
	assert.Empty(t, f.alerts.created)
	assert.Len(t, f.summaries.created, 1)
}

func TestAnalyzeCall_NotFound(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.AnalyzeCall(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrCallNotFound)
	_, err = f.svc.AnalyzeCall(context.Background(), "bogus")
	assert.ErrorIs(t, err, ErrCallNotFound)
	assert.Empty(t, f.summaries.created)
}

func TestGetSummary(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.GetSummary(context.Background(), f.callID)
	assert.ErrorIs(t, err, ErrCallNotFound)

	_, err = f.svc.AnalyzeCall(context.Background(), f.callID)
	require.NoError(t, err)

	res, err := f.svc.GetSummary(context.Background(), f.callID)
	require.NoError(t, err)
	assert.Equal(t, f.callID, res.CallID)
}

func TestAnalyzeTask(t *testing.T) {
	f := newFixture(t, nil)
	raw, _ := json.Marshal(map[string]string{"callId": f.callID})
	require.NoError(t, f.svc.AnalyzeTask(context.Background(), raw))
	assert.Len(t, f.summaries.created, 1)

	err := f.svc.AnalyzeTask(context.Background(), json.RawMessage(`{"callId":"`+uuid.NewString()+`"}`))
	assert.ErrorIs(t, err, ErrCallNotFound)
}

func TestParseAnalysis_Defaults(t *testing.T) {
	a, err := parseAnalysis(`{"summary":"x","mood":"ecstatic"}`)
	require.NoError(t, err)
	assert.Equal(t, models.MoodNeutral, a.Mood)
	assert.Equal(t, 0.5, a.MoodScore)
	assert.Equal(t, []string{}, a.Tags)

	a, err = parseAnalysis(`{"moodScore":-2}`)
	require.NoError(t, err)
	assert.Equal(t, 0.0, a.MoodScore)
}

func TestAnalyzeCall_LooseFieldTypesKeepNegativeResult(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantPain *int
		alerts   []string
	}{
		{
			name:     "fractional pain",
			content:  `{"summary":"무릎이 아프시대요","mood":"negative","moodScore":0.1,"healthKeywords":{"pain":2.0}}`,
			wantPain: intp(2),
			alerts:   []string{models.AlertWarning, models.AlertInfo},
		},
		{
			name:    "tags as string",
			content: `{"summary":"우울해 하셨습니다","mood":"negative","moodScore":0.1,"tags":"우울"}`,
			alerts:  []string{models.AlertInfo},
		},
		{
			name:    "non-numeric pain",
			content: `{"summary":"s","mood":"negative","moodScore":0.1,"healthKeywords":{"pain":"yes","sleep":3}}`,
			alerts:  []string{models.AlertInfo},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, &fakeChat{content: tt.content})
			f.summaries.painCount = 2

			res, err := f.svc.AnalyzeCall(context.Background(), f.callID)
			require.NoError(t, err)

			assert.NotEqual(t, cannedAnalysis().Summary, res.Summary)
			assert.Equal(t, models.MoodNegative, res.Mood)
			assert.Equal(t, 0.1, res.MoodScore)
			assert.Equal(t, tt.wantPain, res.HealthKeywords.Pain)

			var got []string
			for _, a := range f.alerts.created {
				got = append(got, a.AlertType)
			}
			assert.ElementsMatch(t, tt.alerts, got)
		})
	}
}

func TestParseAnalysis_LenientFields(t *testing.T) {
	a, err := parseAnalysis(`{"summary":42,"mood":"positive","moodScore":"high",
		"tags":["a",7,"",null,"b"],"healthKeywords":{"pain":1.6,"meal":"regular","sleep":false}}`)
	require.NoError(t, err)
	assert.Equal(t, "", a.Summary)
	assert.Equal(t, models.MoodPositive, a.Mood)
	assert.Equal(t, 0.5, a.MoodScore)
	assert.Equal(t, []string{"a", "b"}, a.Tags)
	require.NotNil(t, a.HealthKeywords.Pain)
	assert.Equal(t, 2, *a.HealthKeywords.Pain)
	require.NotNil(t, a.HealthKeywords.Meal)
	assert.Equal(t, "regular", *a.HealthKeywords.Meal)
	assert.Nil(t, a.HealthKeywords.Sleep)

	a, err = parseAnalysis(`{"healthKeywords":"none","tags":{"x":1}}`)
	require.NoError(t, err)
	assert.Nil(t, a.HealthKeywords.Pain)
	assert.Equal(t, []string{}, a.Tags)

	_, err = parseAnalysis(`"negative"`)
	assert.Error(t, err)
}
