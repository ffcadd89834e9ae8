package evaluate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/elonfeng/polieval/internal/retry"
	"github.com/elonfeng/polieval/pkg/rating"
	"github.com/elonfeng/polieval/pkg/source"
)

var fastRetry = retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

func step8(t *testing.T) rating.Scale {
	t.Helper()
	s, err := rating.Lookup("step8")
	require.NoError(t, err)
	return s
}

func sampleItems() []source.Item {
	return []source.Item{
		{ID: "item-1", SubjectID: "p1", Category: source.CategoryIntegrity, Title: "청렴 관련 보도"},
		{ID: "item-2", SubjectID: "p1", Category: source.CategoryIntegrity, Title: "재산 공개"},
	}
}

func TestValidate(t *testing.T) {
	evs := []Evaluation{
		{ItemID: "a", SubjectID: "p1", Category: "integrity", Evaluator: "gemini", RatingLabel: "+3", Score: 6},
		{ItemID: "b", SubjectID: "p1", Category: "public_interest", Evaluator: "gemini", RatingLabel: "x", Score: 0},
		{ItemID: "c", SubjectID: "p1", Category: "integrity", Evaluator: "gemini", RatingLabel: "+3", Score: 3},
		{ItemID: "d", SubjectID: "p1", Category: "integrity", Evaluator: "gemini", RatingLabel: "great", Score: 0},
		{ItemID: "e", SubjectID: "p1", Category: "charisma", Evaluator: "gemini", RatingLabel: "+1", Score: 2},
		{ItemID: "", SubjectID: "p1", Category: "integrity", Evaluator: "gemini", RatingLabel: "+1", Score: 2},
	}

	valid, rejected := Validate(step8(t), evs)
	require.Len(t, valid, 2)
	require.Len(t, rejected, 4)

	assert.Equal(t, ID("a", "gemini"), valid[0].ID)
	assert.Equal(t, source.CategoryPublicInterest, valid[1].Category)
	assert.Equal(t, rating.Exclude, valid[1].RatingLabel)

	reasons := []string{}
	for _, r := range rejected {
		assert.ErrorIs(t, r.Err, ErrInvalidEvaluation)
		reasons = append(reasons, r.Reason())
	}
	assert.Equal(t, []string{"score_mismatch", "invalid_label", "unknown_category", "missing_field"}, reasons)
	assert.Contains(t, rejected[1].Error(), `"great"`)
}

func TestParseBatch(t *testing.T) {
	doc := `[
	  {"collected_item_id":"a","subject_id":"p1","category":"vision","evaluator_agent":"claude","rating_label":"+2","score":4,"rationale":"clear plan"},
	  {"collected_item_id":"b","subject_id":"p1","category":"vision","rating":"-1"},
	  {"collected_item_id":"c","subject_id":"p1","category":"vision","rating_label":"+2","score":2},
	  {"collected_item_id":"d","subject_id":"p1","category":"vision","rating_label":"0"}
	]`
	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	valid, rejected, err := ParseBatch(strings.NewReader(doc), step8(t), "human", now)
	require.NoError(t, err)
	require.Len(t, valid, 2)
	require.Len(t, rejected, 2)

	assert.Equal(t, "claude", valid[0].Evaluator)
	assert.Equal(t, "human", valid[1].Evaluator)
	assert.Equal(t, -2, valid[1].Score)
	assert.Equal(t, now, valid[1].EvaluatedAt)

	assert.ErrorIs(t, rejected[0].Err, rating.ErrScoreMismatch)
	assert.ErrorIs(t, rejected[1].Err, rating.ErrInvalidLabel)
}

func TestParseBatchRejectsMalformedJSON(t *testing.T) {
	_, _, err := ParseBatch(strings.NewReader(`{"not":"an array"}`), step8(t), "human", time.Now())
	assert.Error(t, err)
}

func TestParseResponseFenced(t *testing.T) {
	raw := "```json\n[{\"id\":\"item-1\",\"rating\":\"+2\",\"rationale\":\"ok\"},{\"id\":\"item-2\",\"rating\":-3}]\n```"
	results, err := parseResponse(raw)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "+2", results[0].label())
	assert.Equal(t, "-3", results[1].label())

	_, err = parseResponse("I cannot do that")
	assert.Error(t, err)
}

func TestAssembleKeepsUnknownLabelsForValidation(t *testing.T) {
	items := sampleItems()
	results := []result{
		{ID: "item-1", Rating: json.RawMessage(`"+4"`)},
		{ID: "item-2", Rating: json.RawMessage(`"+9"`)},
		{ID: "item-1", Rating: json.RawMessage(`"-4"`)},
		{ID: "ghost", Rating: json.RawMessage(`"+1"`)},
	}

	evs := assemble("gemini", step8(t), items, results, time.Now())
	require.Len(t, evs, 2)
	assert.Equal(t, 8, evs[0].Score)

	valid, rejected := Validate(step8(t), evs)
	assert.Len(t, valid, 1)
	require.Len(t, rejected, 1)
	assert.Equal(t, "item-2", rejected[0].ItemID)
}

func TestBuildPromptListsScaleAndItems(t *testing.T) {
	subject := source.Subject{ID: "p1", Name: "홍길동", Party: "무소속", Position: "국회의원"}
	prompt := buildPrompt(step8(t), subject, sampleItems())

	assert.Contains(t, prompt, "홍길동 (무소속 국회의원)")
	assert.Contains(t, prompt, "+4, +3, +2, +1, -1, -2, -3, -4, X")
	assert.Contains(t, prompt, "ID: item-2")
}

func TestRunBatchesContinuesAfterFailedChunk(t *testing.T) {
	var calls atomic.Int32
	g := &Gemini{
		name:  "gemini",
		scale: step8(t),
		opts:  GeminiOptions{BatchSize: 1, Retry: retry.Policy{MaxAttempts: 1}},
		generate: func(_ context.Context, prompt string) (string, error) {
			if calls.Add(1) == 1 {
				return "", retry.Permanent(errors.New("quota"))
			}
			return `[{"id":"item-2","rating":"-1","rationale":"hidden assets"}]`, nil
		},
	}

	evs, err := g.Evaluate(context.Background(), source.Subject{ID: "p1", Name: "홍길동"}, sampleItems())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota")
	require.Len(t, evs, 1)
	assert.Equal(t, "item-2", evs[0].ItemID)
	assert.Equal(t, -2, evs[0].Score)
}

func TestChatOpenAI(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if calls.Load() == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"[{\"id\":\"item-1\",\"rating\":\"+1\"},{\"id\":\"item-2\",\"rating\":\"X\"}]"}}]}`))
	}))
	defer srv.Close()

	c := NewChat("gpt", step8(t), ChatOptions{Provider: "openai", APIKey: "sk-test", BaseURL: srv.URL, Retry: fastRetry})
	evs, err := c.Evaluate(context.Background(), source.Subject{ID: "p1", Name: "홍길동"}, sampleItems())
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, 2, evs[0].Score)
	assert.Equal(t, rating.Exclude, evs[1].RatingLabel)
	assert.Equal(t, "gpt", evs[0].Evaluator)
	assert.Equal(t, int32(2), calls.Load())
}

func TestChatAnthropicClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"bad key"}`))
	}))
	defer srv.Close()

	c := NewChat("", step8(t), ChatOptions{Provider: "anthropic", APIKey: "key", BaseURL: srv.URL, Retry: fastRetry})
	assert.Equal(t, "anthropic", c.Name())

	_, err := c.Evaluate(context.Background(), source.Subject{ID: "p1"}, sampleItems())
	var se *retry.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestChatEmptyItems(t *testing.T) {
	c := NewChat("gpt", step8(t), ChatOptions{Provider: "openai"})
	evs, err := c.Evaluate(context.Background(), source.Subject{}, nil)
	assert.NoError(t, err)
	assert.Empty(t, evs)
}

func TestNewGeminiRequiresKey(t *testing.T) {
	_, err := NewGemini(context.Background(), "gemini", step8(t), GeminiOptions{})
	assert.Error(t, err)
}

func TestGeminiRetriesOnlyTransientAPIErrors(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		calls int32
	}{
		{"bad request", genai.APIError{Code: http.StatusBadRequest, Message: "invalid argument"}, 1},
		{"forbidden", genai.APIError{Code: http.StatusForbidden, Message: "API key not valid"}, 1},
		{"rate limited", genai.APIError{Code: http.StatusTooManyRequests, Message: "quota"}, 3},
		{"unavailable", genai.APIError{Code: http.StatusServiceUnavailable, Message: "overloaded"}, 3},
		{"transport", errors.New("connection reset"), 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			g := &Gemini{
				name:  "gemini",
				scale: step8(t),
				opts:  GeminiOptions{BatchSize: 10, Retry: fastRetry},
				generate: func(context.Context, string) (string, error) {
					calls.Add(1)
					return "", geminiError(tc.err)
				},
			}

			_, err := g.Evaluate(context.Background(), source.Subject{ID: "p1", Name: "홍길동"}, sampleItems())
			require.Error(t, err)
			assert.Equal(t, tc.calls, calls.Load())
		})
	}
}
