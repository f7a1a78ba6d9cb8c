// Package llm is the question-generation and answer-grading collaborator.
// The core treats it as an external service: generation failures abort a
// session before it reaches ready, grading failures are scoped to one
// submitted answer.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ludus-app/ludus-server/internal/game"
)

var ErrNoQuestions = errors.New("llm: model returned no questions")

// CorrectThreshold is the grading score above which an answer counts as
// correct, matching the reference grader's 0-100 scale.
const CorrectThreshold = 70

type ProblemSpec struct {
	Content string `json:"content"`
	Count   int    `json:"count"`
}

type Generator interface {
	GenerateQuestions(ctx context.Context, specs []ProblemSpec) ([]game.Question, error)
}

type Grader interface {
	GradeAnswer(ctx context.Context, q game.Question, answer string) (game.GradingResult, error)
}

// Client talks to an Ollama-compatible completion endpoint and parses the
// JSON the model is instructed to emit.
type Client struct {
	baseURL string
	model   string
	http    *http.Client
}

func NewClient(baseURL, model string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		http:    &http.Client{Timeout: 90 * time.Second},
	}
}

var (
	_ Generator = (*Client)(nil)
	_ Grader    = (*Client)(nil)
)

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{Model: c.model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm: completion: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm: completion: unexpected status %d", resp.StatusCode)
	}
	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("llm: decode completion: %w", err)
	}
	return out.Response, nil
}

type questionPayload struct {
	Question        string `json:"question"`
	ReferenceAnswer string `json:"reference_answer"`
	Hint            string `json:"hint"`
	Explanation     string `json:"explanation"`
}

func (c *Client) GenerateQuestions(ctx context.Context, specs []ProblemSpec) ([]game.Question, error) {
	var questions []game.Question
	for _, spec := range specs {
		if spec.Content == "" || spec.Count <= 0 {
			continue
		}
		prompt := fmt.Sprintf(`Create %d quiz questions about %q.
Respond with only a JSON array, each element shaped as:
{"question": "...", "reference_answer": "...", "hint": "...", "explanation": "..."}`,
			spec.Count, spec.Content)
		raw, err := c.complete(ctx, prompt)
		if err != nil {
			return nil, err
		}
		var parsed []questionPayload
		if err := json.Unmarshal([]byte(ExtractJSON(raw)), &parsed); err != nil {
			return nil, fmt.Errorf("llm: parse questions: %w", err)
		}
		for _, p := range parsed {
			if p.Question == "" {
				continue
			}
			questions = append(questions, game.Question{
				ID:              uuid.NewString(),
				Prompt:          p.Question,
				ReferenceAnswer: p.ReferenceAnswer,
				Hint:            p.Hint,
				Explanation:     p.Explanation,
				ProblemType:     spec.Content,
			})
		}
	}
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}
	return questions, nil
}

type gradingPayload struct {
	Score     int    `json:"score"`
	IsCorrect bool   `json:"is_correct"`
	Feedback  string `json:"feedback"`
}

func (c *Client) GradeAnswer(ctx context.Context, q game.Question, answer string) (game.GradingResult, error) {
	prompt := fmt.Sprintf(`Grade the answer to a quiz question on a 0-100 scale.
Question: %s
Reference answer: %s
Submitted answer: %s
Respond with only a JSON object shaped as:
{"score": 0, "is_correct": false, "feedback": "..."}`,
		q.Prompt, q.ReferenceAnswer, answer)
	raw, err := c.complete(ctx, prompt)
	if err != nil {
		return game.GradingResult{}, err
	}
	var parsed gradingPayload
	if err := json.Unmarshal([]byte(ExtractJSON(raw)), &parsed); err != nil {
		return game.GradingResult{}, fmt.Errorf("llm: parse grading: %w", err)
	}
	// The score decides correctness even if the model contradicts itself.
	correct := parsed.IsCorrect || parsed.Score > CorrectThreshold
	return game.GradingResult{IsCorrect: correct, Score: parsed.Score, Feedback: parsed.Feedback}, nil
}

// ExtractJSON strips code fences and surrounding prose, returning the
// first JSON value in the text. Models wrap their output often enough
// that this cannot be skipped.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	s = strings.TrimSpace(s)
	for _, open := range []byte{'[', '{'} {
		start := strings.IndexByte(s, open)
		if start < 0 {
			continue
		}
		closing := byte(']')
		if open == '{' {
			closing = '}'
		}
		end := strings.LastIndexByte(s, closing)
		if end > start {
			return s[start : end+1]
		}
	}
	return s
}

// ExactMatchGrader grades by case-insensitive comparison with the
// reference answer. Used when no model endpoint is configured.
type ExactMatchGrader struct{}

var _ Grader = ExactMatchGrader{}

func (ExactMatchGrader) GradeAnswer(_ context.Context, q game.Question, answer string) (game.GradingResult, error) {
	if strings.EqualFold(strings.TrimSpace(q.ReferenceAnswer), strings.TrimSpace(answer)) {
		return game.GradingResult{IsCorrect: true, Score: 100, Feedback: "Correct!"}, nil
	}
	return game.GradingResult{IsCorrect: false, Score: 0, Feedback: "Incorrect."}, nil
}
