// Package universes provides the universe lifecycle workflows shared by the
// HTTP API, the MCP server and the operator CLI: drafting scenarios with the
// planner agent, publishing a universe and its scenarios to the ledger,
// composing the final narrative and sealing its hash on the ledger.
//
// The ledger is authoritative for phases, votes and winners. The draft store
// holds content, the ledger id bindings and a refreshable cache of ledger
// state. Workflows run their steps sequentially and never compensate: a
// partial failure leaves earlier bindings in place and a re-run resumes.
package universes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/outcomefi/outcome/internal/config"
	"github.com/outcomefi/outcome/internal/ledger"
	"github.com/outcomefi/outcome/internal/model"
	"github.com/outcomefi/outcome/internal/service/agents"
	"github.com/outcomefi/outcome/internal/telemetry"
)

// Store is the subset of the draft store used by the workflows.
type Store interface {
	CreateUniverseDraft(ctx context.Context, headline, createdBy string) (model.Universe, error)
	GetUniverse(ctx context.Context, id string) (model.Universe, error)
	ResolveUniverseReference(ctx context.Context, ref string) (model.Universe, error)
	GetUniverseWithScenarios(ctx context.Context, id string) (model.UniverseWithScenarios, error)
	ListUniverses(ctx context.Context, limit, offset int) ([]model.Universe, error)
	UpdateUniverseHeadline(ctx context.Context, id, headline string) (model.Universe, error)
	BindUniverseToLedger(ctx context.Context, id string, ledgerID uint64) (model.Universe, error)
	SetPendingCreate(ctx context.Context, id, txHash string, expiresAt time.Time) (model.Universe, error)
	ClearPendingCreate(ctx context.Context, id string) (model.Universe, error)
	SaveNarrative(ctx context.Context, id, text, hash string) (model.Universe, error)
	MarkComplete(ctx context.Context, id, confirmedHash string) (model.Universe, error)
	ReplaceDraftScenarios(ctx context.Context, universeID string, drafts []model.ScenarioDraft) ([]model.Scenario, error)
	ListScenarios(ctx context.Context, universeID string) ([]model.Scenario, error)
	BindScenarioToLedger(ctx context.Context, id string, ledgerID uint64) (model.Scenario, error)
	RefreshScenarioCache(ctx context.Context, id string, snap model.ScenarioSnapshot) (model.Scenario, error)
	RecordAgentRun(ctx context.Context, run model.AgentRun) (model.AgentRun, error)
	ListAgentRuns(ctx context.Context, universeID string) ([]model.AgentRun, error)
}

// Gateway is the subset of the ledger client used by the workflows.
type Gateway interface {
	PrepareCreateUniverse(ctx context.Context, headline string) (*ledger.PreparedTx, error)
	SubmitCreateUniverse(ctx context.Context, p *ledger.PreparedTx) (ledger.CreatedUniverse, error)
	AddScenario(ctx context.Context, universeID uint64, question string, options []string) (ledger.AddedScenario, error)
	SealUniverse(ctx context.Context, universeID uint64, storyHash string) (string, error)
	UniverseCreatedByTx(ctx context.Context, txHash string) (ledger.CreatedUniverse, error)
	GetUniverse(ctx context.Context, universeID uint64) (model.UniverseSnapshot, error)
	FetchUniverseState(ctx context.Context, universeID uint64) (model.UniverseSnapshot, error)
}

// Planner drafts scenarios for a headline.
type Planner interface {
	Plan(ctx context.Context, in agents.PlanInput) (agents.PlanResult, error)
	Model() string
}

// Composer writes the final story of a universe.
type Composer interface {
	Compose(ctx context.Context, in agents.ComposeInput) (agents.Narrative, error)
	Model() string
}

// Options configures a Service.
type Options struct {
	// SealPolicy is config.SealPolicyTrustCaller (default) or
	// config.SealPolicyStrict.
	SealPolicy string
	Logger     *slog.Logger
	// Now is the clock used to decide whether a pending create_universe
	// has expired. Defaults to time.Now.
	Now func() time.Time
}

// pendingCreateGrace is added to a pending create_universe expiry before
// the transaction is treated as dropped.
const pendingCreateGrace = time.Minute

// Service runs the universe workflows.
type Service struct {
	store    Store
	gateway  Gateway
	planner  Planner
	composer Composer
	strict   bool
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	workflowRuns     metric.Int64Counter
	workflowDuration metric.Float64Histogram
}

// New creates a Service.
func New(store Store, gateway Gateway, planner Planner, composer Composer, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	meter := telemetry.Meter("outcome/universes")
	runs, _ := meter.Int64Counter("outcome.workflow.runs",
		metric.WithDescription("Universe workflow runs by workflow and outcome"),
	)
	dur, _ := meter.Float64Histogram("outcome.workflow.duration",
		metric.WithDescription("Universe workflow duration (ms)"),
		metric.WithUnit("ms"),
	)
	return &Service{
		store:            store,
		gateway:          gateway,
		planner:          planner,
		composer:         composer,
		strict:           opts.SealPolicy == config.SealPolicyStrict,
		logger:           logger,
		tracer:           telemetry.Tracer("outcome/universes"),
		now:              now,
		workflowRuns:     runs,
		workflowDuration: dur,
	}
}

// start opens a workflow span. The returned func must be deferred with a
// pointer to the named error result.
func (s *Service) start(ctx context.Context, workflow string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, "universes."+workflow, trace.WithAttributes(attrs...))
	return ctx, func(errp *error) {
		outcome := "ok"
		if err := *errp; err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		set := metric.WithAttributes(
			attribute.String("workflow", workflow),
			attribute.String("outcome", outcome),
		)
		if s.workflowRuns != nil {
			s.workflowRuns.Add(ctx, 1, set)
		}
		if s.workflowDuration != nil {
			s.workflowDuration.Record(ctx, float64(time.Since(started).Milliseconds()), set)
		}
	}
}

// DraftScenarios creates a DRAFT universe for the headline, asks the planner
// for scenarios and stores them as the universe's draft set. The agent run is
// recorded whether or not the planner succeeds.
func (s *Service) DraftScenarios(ctx context.Context, req model.DraftScenariosRequest, createdBy string) (resp model.DraftScenariosResponse, err error) {
	ctx, end := s.start(ctx, "DraftScenarios")
	defer end(&err)

	if err := req.Validate(); err != nil {
		return model.DraftScenariosResponse{}, err
	}
	tone := ""
	if req.Tone != nil {
		tone = *req.Tone
	}

	u, err := s.store.CreateUniverseDraft(ctx, req.Headline, createdBy)
	if err != nil {
		return model.DraftScenariosResponse{}, fmt.Errorf("universes: draft: %w", err)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("outcome.universe_id", u.ID))

	in := agents.PlanInput{Headline: req.Headline, TargetCount: req.TargetCount, Tone: tone}
	res, planErr := s.planner.Plan(ctx, in)
	s.recordRun(ctx, u.ID, model.AgentScenarioPlanner, s.planner.Model(), agents.PlannerPromptVersion,
		map[string]any{"headline": in.Headline, "targetCount": agents.ClampTargetCount(in.TargetCount), "tone": tone},
		runOutput(map[string]any{"scenarios": res.Drafts}, res.Trail, planErr))
	if planErr != nil {
		return model.DraftScenariosResponse{}, fmt.Errorf("universes: draft: %w", planErr)
	}

	if _, err := s.store.ReplaceDraftScenarios(ctx, u.ID, res.Drafts); err != nil {
		return model.DraftScenariosResponse{}, fmt.Errorf("universes: draft: store scenarios: %w", err)
	}

	return model.DraftScenariosResponse{
		UniverseDraftID: u.ID,
		Scenarios:       res.Drafts,
		Debug:           debugInfo(s.planner.Model(), res.Trail),
	}, nil
}

// Publish puts a universe and its scenarios on the ledger.
//
// An unbound universe has its headline and full scenario set overwritten from
// the request before create_universe is submitted. The transaction hash is
// stored before submission; a later Publish of the same draft first settles
// that transaction and adopts the ledger universe it created. A universe that
// is already bound is resumed: its stored set must equal the request,
// create_universe is not submitted again, and only scenarios without a ledger
// id are added.
func (s *Service) Publish(ctx context.Context, req model.PublishRequest, createdBy string) (resp model.PublishResponse, err error) {
	ctx, end := s.start(ctx, "Publish")
	defer end(&err)

	if err := req.Validate(); err != nil {
		return model.PublishResponse{}, err
	}

	var u model.Universe
	if req.UniverseDraftID != nil {
		u, err = s.store.GetUniverse(ctx, *req.UniverseDraftID)
	} else {
		u, err = s.store.CreateUniverseDraft(ctx, req.Headline, createdBy)
	}
	if err != nil {
		return model.PublishResponse{}, fmt.Errorf("universes: publish: %w", err)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("outcome.universe_id", u.ID))
	resp.UniverseID = u.ID

	if !u.Published() && u.PendingCreate != nil {
		if u, err = s.settlePendingCreate(ctx, u); err != nil {
			return model.PublishResponse{}, err
		}
	}

	if !u.Published() {
		if u.Headline != req.Headline {
			if u, err = s.store.UpdateUniverseHeadline(ctx, u.ID, req.Headline); err != nil {
				return model.PublishResponse{}, fmt.Errorf("universes: publish: %w", err)
			}
		}
		if _, err := s.store.ReplaceDraftScenarios(ctx, u.ID, req.Scenarios); err != nil {
			return model.PublishResponse{}, fmt.Errorf("universes: publish: %w", err)
		}

		prepared, err := s.gateway.PrepareCreateUniverse(ctx, u.Headline)
		if err != nil {
			return model.PublishResponse{}, fmt.Errorf("universes: publish: create universe: %w", err)
		}
		if u, err = s.store.SetPendingCreate(ctx, u.ID, prepared.Hash, prepared.ExpiresAt); err != nil {
			return model.PublishResponse{}, fmt.Errorf("universes: publish: record pending create: %w", err)
		}
		created, err := s.gateway.SubmitCreateUniverse(ctx, prepared)
		if err != nil {
			var timeout *ledger.TimeoutError
			if errors.As(err, &timeout) {
				s.logger.Warn("publish: create_universe unconfirmed, reconcile with the tx hash",
					"universe_id", u.ID, "tx_hash", timeout.TxHash)
			}
			return model.PublishResponse{}, fmt.Errorf("universes: publish: create universe: %w", err)
		}
		if u, err = s.store.BindUniverseToLedger(ctx, u.ID, created.LedgerID); err != nil {
			return model.PublishResponse{}, fmt.Errorf("universes: publish: bind universe %d: %w", created.LedgerID, err)
		}
		resp.TxHash = created.TxHash
		s.logger.Info("publish: universe created on ledger",
			"universe_id", u.ID, "ledger_id", created.LedgerID, "tx_hash", created.TxHash)
	} else {
		stored, err := s.store.ListScenarios(ctx, u.ID)
		if err != nil {
			return model.PublishResponse{}, fmt.Errorf("universes: publish: %w", err)
		}
		if !sameScenarioSet(stored, req.Scenarios) {
			return model.PublishResponse{}, fmt.Errorf("universes: publish %s: %w", u.ID, ErrScenarioSetMismatch)
		}
		if _, err := s.gateway.GetUniverse(ctx, *u.LedgerID); err != nil {
			return model.PublishResponse{}, fmt.Errorf("universes: publish: confirm ledger universe %d: %w", *u.LedgerID, err)
		}
		resp.Resumed = true
		s.logger.Info("publish: resuming bound universe", "universe_id", u.ID, "ledger_id", *u.LedgerID)
	}
	resp.LedgerUniverseID = *u.LedgerID

	scenarios, err := s.store.ListScenarios(ctx, u.ID)
	if err != nil {
		return model.PublishResponse{}, fmt.Errorf("universes: publish: %w", err)
	}
	if len(scenarios) != len(req.Scenarios) {
		return model.PublishResponse{}, fmt.Errorf("universes: publish: %d stored, %d requested: %w",
			len(scenarios), len(req.Scenarios), ErrScenarioCountMismatch)
	}

	for _, sc := range scenarios {
		if sc.Published() {
			resp.Scenarios = append(resp.Scenarios, model.PublishedScenario{ScenarioID: sc.ID, LedgerScenarioID: *sc.LedgerID})
			continue
		}
		added, err := s.gateway.AddScenario(ctx, *u.LedgerID, sc.Question, sc.Options)
		if err != nil {
			return model.PublishResponse{}, fmt.Errorf("universes: publish: add scenario %d: %w", sc.Position, err)
		}
		if _, err := s.store.BindScenarioToLedger(ctx, sc.ID, added.LedgerID); err != nil {
			return model.PublishResponse{}, fmt.Errorf("universes: publish: bind scenario %d: %w", added.LedgerID, err)
		}
		resp.Scenarios = append(resp.Scenarios, model.PublishedScenario{
			ScenarioID:       sc.ID,
			LedgerScenarioID: added.LedgerID,
			TxHash:           added.TxHash,
		})
	}
	return resp, nil
}

// settlePendingCreate resolves the create_universe recorded on an unbound
// universe. A committed transaction is adopted and the universe returned
// bound. A failed or expired one is cleared so the caller submits again.
// While the transaction may still commit it returns ErrCreatePending.
func (s *Service) settlePendingCreate(ctx context.Context, u model.Universe) (model.Universe, error) {
	pending := *u.PendingCreate
	created, err := s.gateway.UniverseCreatedByTx(ctx, pending.TxHash)
	var failed *ledger.TxFailedError
	switch {
	case err == nil:
		u, err = s.store.BindUniverseToLedger(ctx, u.ID, created.LedgerID)
		if err != nil {
			return model.Universe{}, fmt.Errorf("universes: publish: bind universe %d: %w", created.LedgerID, err)
		}
		s.logger.Info("publish: adopted committed create_universe",
			"universe_id", u.ID, "ledger_id", created.LedgerID, "tx_hash", pending.TxHash)
		return u, nil
	case errors.As(err, &failed):
		s.logger.Warn("publish: pending create_universe failed, submitting again",
			"universe_id", u.ID, "tx_hash", pending.TxHash, "vm_status", failed.VMStatus)
	case errors.Is(err, ledger.ErrNotFound) && s.now().After(pending.ExpiresAt.Add(pendingCreateGrace)):
		s.logger.Warn("publish: pending create_universe expired, submitting again",
			"universe_id", u.ID, "tx_hash", pending.TxHash, "expired_at", pending.ExpiresAt)
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, ledger.ErrTimeout):
		return model.Universe{}, fmt.Errorf("universes: publish %s: tx %s: %w", u.ID, pending.TxHash, ErrCreatePending)
	default:
		return model.Universe{}, fmt.Errorf("universes: publish: settle pending create: %w", err)
	}
	u, err = s.store.ClearPendingCreate(ctx, u.ID)
	if err != nil {
		return model.Universe{}, fmt.Errorf("universes: publish: %w", err)
	}
	return u, nil
}

// sameScenarioSet compares question and options, in order.
func sameScenarioSet(stored []model.Scenario, drafts []model.ScenarioDraft) bool {
	if len(stored) != len(drafts) {
		return false
	}
	for i, sc := range stored {
		d := drafts[i]
		if sc.Question != d.Question || len(sc.Options) != len(d.Options) {
			return false
		}
		for j := range sc.Options {
			if sc.Options[j] != d.Options[j] {
				return false
			}
		}
	}
	return true
}

// GetUniverse returns a universe and its scenarios by local or ledger id.
func (s *Service) GetUniverse(ctx context.Context, ref string) (model.UniverseWithScenarios, error) {
	u, err := s.store.ResolveUniverseReference(ctx, ref)
	if err != nil {
		return model.UniverseWithScenarios{}, fmt.Errorf("universes: get %s: %w", ref, err)
	}
	return s.store.GetUniverseWithScenarios(ctx, u.ID)
}

// List bounds.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// ListUniverses returns universes newest first. limit is clamped to
// [1, MaxListLimit] with DefaultListLimit for zero.
func (s *Service) ListUniverses(ctx context.Context, limit, offset int) ([]model.Universe, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)
	offset = max(offset, 0)
	return s.store.ListUniverses(ctx, limit, offset)
}

// ListAgentRuns returns the agent runs recorded for a universe, oldest first.
func (s *Service) ListAgentRuns(ctx context.Context, ref string) ([]model.AgentRun, error) {
	u, err := s.store.ResolveUniverseReference(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("universes: runs %s: %w", ref, err)
	}
	return s.store.ListAgentRuns(ctx, u.ID)
}

// RefreshScenarios mirrors ledger phase, votes and winner into the scenario
// cache of a published universe.
func (s *Service) RefreshScenarios(ctx context.Context, ref string) (out model.UniverseWithScenarios, err error) {
	ctx, end := s.start(ctx, "RefreshScenarios")
	defer end(&err)

	u, err := s.publishedUniverse(ctx, ref)
	if err != nil {
		return model.UniverseWithScenarios{}, err
	}
	snap, err := s.gateway.FetchUniverseState(ctx, *u.LedgerID)
	if err != nil {
		return model.UniverseWithScenarios{}, fmt.Errorf("universes: refresh: %w", err)
	}
	if err := s.refreshCache(ctx, u.ID, snap); err != nil {
		return model.UniverseWithScenarios{}, err
	}
	return s.store.GetUniverseWithScenarios(ctx, u.ID)
}

func (s *Service) refreshCache(ctx context.Context, universeID string, snap model.UniverseSnapshot) error {
	byLedgerID := make(map[uint64]model.ScenarioSnapshot, len(snap.Scenarios))
	for _, sc := range snap.Scenarios {
		byLedgerID[sc.ID] = sc
	}
	local, err := s.store.ListScenarios(ctx, universeID)
	if err != nil {
		return fmt.Errorf("universes: refresh: %w", err)
	}
	for _, sc := range local {
		if !sc.Published() {
			continue
		}
		ls, ok := byLedgerID[*sc.LedgerID]
		if !ok {
			s.logger.Warn("refresh: bound scenario missing from ledger universe",
				"scenario_id", sc.ID, "ledger_id", *sc.LedgerID)
			continue
		}
		if _, err := s.store.RefreshScenarioCache(ctx, sc.ID, ls); err != nil {
			return fmt.Errorf("universes: refresh scenario %s: %w", sc.ID, err)
		}
	}
	return nil
}

// ReconcileUniverseTx binds a universe to the ledger universe created by an
// already committed create_universe transaction. It recovers a publish whose
// confirmation wait timed out without submitting a second create_universe.
func (s *Service) ReconcileUniverseTx(ctx context.Context, ref string, req model.ReconcileRequest) (u model.Universe, err error) {
	ctx, end := s.start(ctx, "ReconcileUniverseTx", attribute.String("outcome.tx_hash", req.TxHash))
	defer end(&err)

	if err := req.Validate(); err != nil {
		return model.Universe{}, err
	}
	u, err = s.store.ResolveUniverseReference(ctx, ref)
	if err != nil {
		return model.Universe{}, fmt.Errorf("universes: reconcile %s: %w", ref, err)
	}
	created, err := s.gateway.UniverseCreatedByTx(ctx, req.TxHash)
	if err != nil {
		return model.Universe{}, fmt.Errorf("universes: reconcile: %w", err)
	}
	snap, err := s.gateway.GetUniverse(ctx, created.LedgerID)
	if err != nil {
		return model.Universe{}, fmt.Errorf("universes: reconcile: %w", err)
	}
	if snap.Headline != u.Headline {
		return model.Universe{}, fmt.Errorf("universes: reconcile: ledger universe %d headline %q: %w",
			created.LedgerID, snap.Headline, ErrLedgerMismatch)
	}
	u, err = s.store.BindUniverseToLedger(ctx, u.ID, created.LedgerID)
	if err != nil {
		return model.Universe{}, fmt.Errorf("universes: reconcile: %w", err)
	}
	s.logger.Info("reconcile: universe bound", "universe_id", u.ID, "ledger_id", created.LedgerID, "tx_hash", req.TxHash)
	return u, nil
}

func (s *Service) publishedUniverse(ctx context.Context, ref string) (model.Universe, error) {
	u, err := s.store.ResolveUniverseReference(ctx, ref)
	if err != nil {
		return model.Universe{}, fmt.Errorf("universes: %s: %w", ref, err)
	}
	if !u.Published() {
		return model.Universe{}, fmt.Errorf("universes: %s: %w", u.ID, ErrNotPublished)
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("outcome.universe_id", u.ID),
		attribute.Int64("outcome.ledger_id", int64(*u.LedgerID)), //nolint:gosec // ledger ids fit the stored int64 range
	)
	return u, nil
}

// recordRun appends an agent run. A failed write is logged, not returned:
// the run record never decides the workflow outcome.
func (s *Service) recordRun(ctx context.Context, universeID, agent, modelName, promptVersion string, input, output any) {
	in, err := json.Marshal(input)
	if err != nil {
		s.logger.Error("agent run: encode input", "agent", agent, "error", err)
		return
	}
	out, err := json.Marshal(output)
	if err != nil {
		s.logger.Error("agent run: encode output", "agent", agent, "error", err)
		return
	}
	run := model.AgentRun{
		AgentName:     agent,
		Input:         in,
		Output:        out,
		Model:         modelName,
		PromptVersion: promptVersion,
	}
	if universeID != "" {
		run.UniverseID = &universeID
	}
	if _, err := s.store.RecordAgentRun(ctx, run); err != nil {
		s.logger.Error("agent run: record", "agent", agent, "universe_id", universeID, "error", err)
	}
}

// runOutput merges the attempt trail into an agent's output payload, or
// describes the failure when err is set.
func runOutput(result map[string]any, trail agents.Trail, err error) map[string]any {
	out := map[string]any{"attempts": trail.Attempts, "errors": nonNil(trail.Errors)}
	if err != nil {
		out["error"] = err.Error()
		return out
	}
	for k, v := range result {
		out[k] = v
	}
	return out
}

func debugInfo(modelName string, trail agents.Trail) model.AgentDebug {
	return model.AgentDebug{
		Source:   "llm",
		Attempts: trail.Attempts,
		Model:    modelName,
		Errors:   nonNil(trail.Errors),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
