package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Field length limits for caller-supplied universe content.
const (
	MinHeadlineLen  = 10
	MaxHeadlineLen  = 240
	MinQuestionLen  = 12
	MaxQuestionLen  = 220
	MinOptionLen    = 3
	MaxOptionLen    = 180
	MaxRationaleLen = 500
	MinScenarios    = 1
	MaxScenarios    = 10
	MinStoryHashLen = 10
	MaxToneLen      = 200

	MinTargetCount     = 3
	MaxTargetCount     = 6
	DefaultTargetCount = 4
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodePrecondition       = "PRECONDITION_FAILED"
	ErrCodeUpstream           = "UPSTREAM_ERROR"
	ErrCodeUpstreamTimeout    = "UPSTREAM_TIMEOUT"
	ErrCodeContractViolation  = "LEDGER_CONTRACT_VIOLATION"
	ErrCodeExhaustedRetries   = "AGENT_RETRIES_EXHAUSTED"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// AnonymousCaller is the caller identity used when a request names none.
const AnonymousCaller = "anonymous"

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Database string `json:"database"`
	Dialect  string `json:"dialect"`
	Signer   string `json:"signer,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}

// DraftScenariosRequest is the request body for POST /api/ai/universes/draft-scenarios.
type DraftScenariosRequest struct {
	Headline    string  `json:"headline"`
	TargetCount int     `json:"targetCount,omitempty"`
	Tone        *string `json:"tone,omitempty"`
}

// DraftScenariosResponse is returned after a successful planning run.
type DraftScenariosResponse struct {
	UniverseDraftID string          `json:"universeDraftId"`
	Scenarios       []ScenarioDraft `json:"scenarios"`
	Debug           AgentDebug      `json:"debug"`
}

// AgentDebug summarizes how a generative agent reached its result.
type AgentDebug struct {
	Source   string   `json:"source"`
	Attempts int      `json:"attempts"`
	Model    string   `json:"model"`
	Errors   []string `json:"errors"`
}

// PublishRequest is the request body for POST /api/universes/publish.
type PublishRequest struct {
	UniverseDraftID *string         `json:"universeDraftId,omitempty"`
	Headline        string          `json:"headline"`
	Scenarios       []ScenarioDraft `json:"scenarios"`
}

// PublishResponse reports the ledger identifiers bound during publication.
type PublishResponse struct {
	UniverseID       string              `json:"universeId"`
	LedgerUniverseID uint64              `json:"chainUniverseId"`
	TxHash           string              `json:"txHash,omitempty"`
	Resumed          bool                `json:"resumed"`
	Scenarios        []PublishedScenario `json:"scenarios"`
}

// PublishedScenario pairs a local scenario with its ledger identifier.
type PublishedScenario struct {
	ScenarioID       string `json:"scenarioId"`
	LedgerScenarioID uint64 `json:"chainScenarioId"`
	TxHash           string `json:"txHash,omitempty"`
}

// NarrativeResponse is returned after a narrative is composed and persisted.
type NarrativeResponse struct {
	UniverseID string            `json:"universeId"`
	Story      string            `json:"story"`
	StoryHash  string            `json:"storyHash"`
	Metadata   NarrativeMetadata `json:"metadata"`
	Debug      AgentDebug        `json:"debug"`
}

// NarrativeMetadata describes the composed narrative.
type NarrativeMetadata struct {
	Format        string   `json:"format"`
	WinnerSummary []string `json:"winnerSummary"`
}

// SealRequest is the request body for POST /api/universes/{ref}/seal.
// An empty StoryHash seals with the hash of the freshly composed narrative.
type SealRequest struct {
	StoryHash string `json:"storyHash,omitempty"`
}

// SealResponse reports the hash recorded on the ledger.
type SealResponse struct {
	UniverseID       string `json:"universeId"`
	LedgerUniverseID uint64 `json:"chainUniverseId"`
	StoryHash        string `json:"storyHash"`
	NarrativeHash    string `json:"narrativeHash"`
	TxHash           string `json:"txHash"`
}

// ReconcileRequest is the request body for POST /api/universes/{ref}/reconcile.
type ReconcileRequest struct {
	TxHash string `json:"txHash"`
}

// FieldProblem is one field-level validation failure.
type FieldProblem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects field-level problems found in caller input.
type ValidationError struct {
	Problems []FieldProblem
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Field+": "+p.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Problems = append(e.Problems, FieldProblem{Field: field, Message: fmt.Sprintf(format, args...)})
}

// orNil returns e when it carries problems, nil otherwise.
func (e *ValidationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// NewValidationError builds a ValidationError with a single problem.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Problems: []FieldProblem{{Field: field, Message: message}}}
}

// NormalizeText trims surrounding whitespace and collapses internal runs of
// whitespace into single spaces.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func checkLen(v *ValidationError, field, value string, lo, hi int) {
	n := utf8.RuneCountInString(value)
	switch {
	case n < lo:
		v.add(field, "must be at least %d characters", lo)
	case hi > 0 && n > hi:
		v.add(field, "must be at most %d characters", hi)
	}
}

// Validate normalizes and checks a draft request. TargetCount of zero is
// replaced with DefaultTargetCount.
func (r *DraftScenariosRequest) Validate() error {
	v := &ValidationError{}
	r.Headline = NormalizeText(r.Headline)
	checkLen(v, "headline", r.Headline, MinHeadlineLen, MaxHeadlineLen)
	if r.TargetCount == 0 {
		r.TargetCount = DefaultTargetCount
	}
	if r.TargetCount < MinTargetCount || r.TargetCount > MaxTargetCount {
		v.add("targetCount", "must be between %d and %d", MinTargetCount, MaxTargetCount)
	}
	if r.Tone != nil {
		tone := NormalizeText(*r.Tone)
		if utf8.RuneCountInString(tone) > MaxToneLen {
			v.add("tone", "must be at most %d characters", MaxToneLen)
		}
		r.Tone = &tone
	}
	return v.orNil()
}

// Validate normalizes and checks a publish request.
func (r *PublishRequest) Validate() error {
	v := &ValidationError{}
	r.Headline = NormalizeText(r.Headline)
	checkLen(v, "headline", r.Headline, MinHeadlineLen, MaxHeadlineLen)
	if r.UniverseDraftID != nil && strings.TrimSpace(*r.UniverseDraftID) == "" {
		v.add("universeDraftId", "must not be blank")
	}
	if n := len(r.Scenarios); n < MinScenarios || n > MaxScenarios {
		v.add("scenarios", "must contain between %d and %d scenarios", MinScenarios, MaxScenarios)
	}
	for i := range r.Scenarios {
		validateDraft(v, fmt.Sprintf("scenarios[%d]", i), &r.Scenarios[i])
	}
	return v.orNil()
}

// ValidateScenarioDrafts normalizes a draft set in place and checks its
// question, option and rationale lengths against the publish limits. The
// planner runs it on every generated batch.
func ValidateScenarioDrafts(drafts []ScenarioDraft) error {
	v := &ValidationError{}
	for i := range drafts {
		validateDraft(v, fmt.Sprintf("scenarios[%d]", i), &drafts[i])
	}
	return v.orNil()
}

func validateDraft(v *ValidationError, prefix string, d *ScenarioDraft) {
	d.Question = NormalizeText(d.Question)
	d.Rationale = NormalizeText(d.Rationale)
	checkLen(v, prefix+".question", d.Question, MinQuestionLen, MaxQuestionLen)
	if utf8.RuneCountInString(d.Rationale) > MaxRationaleLen {
		v.add(prefix+".rationale", "must be at most %d characters", MaxRationaleLen)
	}
	if len(d.Options) != OptionsPerScenario {
		v.add(prefix+".options", "must contain exactly %d options", OptionsPerScenario)
		return
	}
	for j := range d.Options {
		d.Options[j] = NormalizeText(d.Options[j])
		checkLen(v, fmt.Sprintf("%s.options[%d]", prefix, j), d.Options[j], MinOptionLen, MaxOptionLen)
	}
}

// Validate checks a seal request. An empty hash is allowed.
func (r *SealRequest) Validate() error {
	r.StoryHash = strings.TrimSpace(r.StoryHash)
	if r.StoryHash == "" {
		return nil
	}
	v := &ValidationError{}
	checkLen(v, "storyHash", r.StoryHash, MinStoryHashLen, 0)
	return v.orNil()
}

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// IsTxHash reports whether s is a 0x-prefixed 32-byte hex transaction hash.
func IsTxHash(s string) bool { return txHashPattern.MatchString(s) }

// Validate checks a reconcile request.
func (r *ReconcileRequest) Validate() error {
	r.TxHash = strings.TrimSpace(r.TxHash)
	if !IsTxHash(r.TxHash) {
		return NewValidationError("txHash", "must be a 0x-prefixed 32-byte hex transaction hash")
	}
	return nil
}
