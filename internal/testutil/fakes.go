package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/outcomefi/outcome/internal/ledger"
	"github.com/outcomefi/outcome/internal/ledger/ledgertest"
	"github.com/outcomefi/outcome/internal/model"
	"github.com/outcomefi/outcome/internal/service/llm"
)

// Ledger identity used by tests: the RFC 8032 test key and its account address.
const (
	TestSignerSeed    = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"
	TestSignerAddress = "0x63c5215e87770d17b9f4cd47c777e322f4eb152cfd2054c1080fd9d57c48913b"
)

// NewLedgerClient returns a ledger client signing with the test key against
// the fake fullnode, with short poll and confirmation timeouts.
func NewLedgerClient(t testing.TB, node *ledgertest.Fullnode) *ledger.Client {
	t.Helper()
	signer, err := ledger.ParsePrivateKey(TestSignerSeed)
	if err != nil {
		t.Fatalf("testutil: parse signer: %v", err)
	}
	c, err := ledger.New(ledger.Options{
		FullnodeURL:   node.URL(),
		ModuleAddress: TestSignerAddress,
		ModuleName:    "outcome_fi",
		Signer:        signer,
		Logger:        TestLogger(),
		PollInterval:  5 * time.Millisecond,
		TxTimeout:     2 * time.Second,
	})
	if err != nil {
		t.Fatalf("testutil: ledger client: %v", err)
	}
	return c
}

// ScriptedLLM is a generative backend that replays queued replies in order.
// Each reply is a string or an error. Requests are recorded.
type ScriptedLLM struct {
	mu       sync.Mutex
	replies  []any
	requests []llm.Request
}

// Push queues replies.
func (s *ScriptedLLM) Push(replies ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, replies...)
}

// Requests returns the recorded requests.
func (s *ScriptedLLM) Requests() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Request(nil), s.requests...)
}

func (s *ScriptedLLM) next(req llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.replies) == 0 {
		return "", errors.New("scripted llm: no reply queued")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	if err, ok := r.(error); ok {
		return "", err
	}
	return r.(string), nil
}

// GenerateJSON implements llm.Client.
func (s *ScriptedLLM) GenerateJSON(_ context.Context, req llm.Request) (json.RawMessage, error) {
	out, err := s.next(req)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

// GenerateText implements llm.Client.
func (s *ScriptedLLM) GenerateText(_ context.Context, req llm.Request) (string, error) {
	return s.next(req)
}

// Model implements llm.Client.
func (s *ScriptedLLM) Model() string { return "scripted/test" }

// PlanReply renders a planner reply with n scenarios built around topic.
// topic must contain a word of at least four letters from the headline.
func PlanReply(n int, topic string) string {
	drafts := Drafts(n, topic)
	b, _ := json.Marshal(map[string]any{"scenarios": drafts})
	return string(b)
}

// Drafts returns n valid scenario drafts built around topic.
func Drafts(n int, topic string) []model.ScenarioDraft {
	out := make([]model.ScenarioDraft, n)
	for i := range out {
		out[i] = model.ScenarioDraft{
			Question:  fmt.Sprintf("Will the %s question number %d resolve early?", topic, i+1),
			Options:   []string{"Yes, early", "On schedule", "Delayed", "Abandoned"},
			Rationale: "Tracks how fast the story moves.",
		}
	}
	return out
}

// Story returns a markdown story long enough to pass the composer.
func Story(tag string) string {
	return "## Breaking Context\n" + tag + " " + strings.Repeat("The vote settled the question and the city moved on. ", 5) +
		"\n## Market & Policy Reaction\nMarkets shrugged.\n## Operational Fallout\nOperators adapted.\n## Forward Outlook\nSteady."
}
