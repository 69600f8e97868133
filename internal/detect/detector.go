// Package detect implements the language-model question classifier used by
// the transcribe-then-detect path.
//
// The [Detector] sends one completed utterance to an [llm.Provider] and asks
// it to extract the contained question, if any, as a structured JSON field.
// The response is parsed defensively: markdown fences are stripped, a narrow
// pattern extraction covers mangled JSON, and any remaining parse failure is
// treated as "no question" rather than an error — the real-time pipeline must
// never stall on classifier noise.
package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/qsift/qsift/pkg/provider/llm"
)

const (
	defaultTemperature = 0.1
	defaultMaxTokens   = 256
)

const systemPrompt = `You are a question extraction assistant listening to one side of a live business conversation.

Your task: decide whether the provided utterance contains a question directed at the listener, and if so extract it.

Rules:
- Extract ONLY questions the speaker is asking. Never answer them.
- Return the question verbatim as spoken, without rephrasing or translating.
- Rhetorical filler ("いいですよね" as agreement, "right?" as a tag) is NOT a question.
- If the utterance contains no question, return null.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{"question": "<extracted question>" or null, "confidence": <0.0-1.0>}`

// detectorResponse is the expected JSON structure returned by the model.
type detectorResponse struct {
	Question   *string  `json:"question"`
	Confidence *float64 `json:"confidence"`
}

// questionFieldRe recovers the question string from structurally broken JSON
// that still carries the field.
var questionFieldRe = regexp.MustCompile(`"question"\s*:\s*"((?:[^"\\]|\\.)+)"`)

// Result is one classifier verdict.
type Result struct {
	// Question is the extracted question text; empty when none was found.
	Question string

	// Confidence is the model's reported confidence, 1.0 when the model
	// omitted the field.
	Confidence float64
}

// Found reports whether a question was extracted.
func (r Result) Found() bool { return r.Question != "" }

// Option is a functional option for configuring a [Detector].
type Option func(*Detector)

// WithTemperature sets the sampling temperature. Default: 0.1.
func WithTemperature(temp float64) Option {
	return func(d *Detector) {
		d.temperature = temp
	}
}

// WithMaxTokens bounds the completion length. Default: 256.
func WithMaxTokens(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.maxTokens = n
		}
	}
}

// Detector classifies completed utterances via an [llm.Provider]. It is
// stateless per call and safe for concurrent use.
//
// Model selection follows the one-provider-per-model pattern: construct the
// [llm.Provider] with the desired model rather than overriding per request.
type Detector struct {
	llm         llm.Provider
	temperature float64
	maxTokens   int
}

// New returns a Detector backed by the given [llm.Provider].
func New(provider llm.Provider, opts ...Option) *Detector {
	d := &Detector{
		llm:         provider,
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Detect classifies utterance text. A nil error with an empty Result.Question
// means "no question" — that includes every malformed model response.
// Context cancellation and transport errors are returned as non-nil errors.
func (d *Detector) Detect(ctx context.Context, text string) (Result, error) {
	req := llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Temperature:  d.temperature,
		MaxTokens:    d.maxTokens,
		Messages: []llm.Message{
			{Role: "user", Content: text},
		},
	}

	resp, err := d.llm.Complete(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("question detector: complete: %w", err)
	}

	return parseResponse(resp.Content), nil
}

// parseResponse extracts the classifier verdict from raw model output.
// Every failure mode collapses to the zero Result ("no question").
func parseResponse(content string) Result {
	cleaned := stripMarkdown(content)

	var r detectorResponse
	if err := json.Unmarshal([]byte(cleaned), &r); err == nil {
		if r.Question == nil || strings.TrimSpace(*r.Question) == "" {
			return Result{}
		}
		conf := 1.0
		if r.Confidence != nil && *r.Confidence > 0 && *r.Confidence <= 1 {
			conf = *r.Confidence
		}
		return Result{Question: strings.TrimSpace(*r.Question), Confidence: conf}
	}

	// Mangled JSON: recover the question field alone when it survived.
	if m := questionFieldRe.FindStringSubmatch(cleaned); m != nil {
		var q string
		if err := json.Unmarshal([]byte(`"`+m[1]+`"`), &q); err == nil {
			q = strings.TrimSpace(q)
			if q != "" && !strings.EqualFold(q, "null") {
				return Result{Question: q, Confidence: 1.0}
			}
		}
	}

	return Result{}
}

// stripMarkdown removes optional markdown code fences (```json ... ```) that
// some models wrap around JSON output.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
