package universes

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/outcomefi/outcome/internal/model"
	"github.com/outcomefi/outcome/internal/service/agents"
)

// ComposeNarrative reads the universe's current state from the ledger,
// composes a story from its resolved scenarios and stores it, moving the
// universe to PARTIAL. A universe with no resolved scenario is left untouched.
func (s *Service) ComposeNarrative(ctx context.Context, ref string) (resp model.NarrativeResponse, err error) {
	ctx, end := s.start(ctx, "ComposeNarrative")
	defer end(&err)

	u, err := s.sealable(ctx, ref)
	if err != nil {
		return model.NarrativeResponse{}, err
	}
	n, err := s.composeAndSave(ctx, u)
	if err != nil {
		return model.NarrativeResponse{}, err
	}
	return model.NarrativeResponse{
		UniverseID: u.ID,
		Story:      n.Story,
		StoryHash:  n.Hash,
		Metadata:   n.Metadata,
		Debug:      debugInfo(s.composer.Model(), n.Trail),
	}, nil
}

// Seal records a story hash on the ledger and marks the universe COMPLETE.
//
// When the universe is PARTIAL and its stored hash equals the supplied hash,
// the stored narrative is sealed as is. Otherwise a fresh narrative is
// composed and stored first. The hash written to the ledger is the supplied
// one, or the narrative's own hash when none is supplied. Under the strict
// policy a supplied hash that differs from the narrative hash is rejected
// before any ledger write.
func (s *Service) Seal(ctx context.Context, ref string, req model.SealRequest) (resp model.SealResponse, err error) {
	ctx, end := s.start(ctx, "Seal")
	defer end(&err)

	if err := req.Validate(); err != nil {
		return model.SealResponse{}, err
	}
	u, err := s.sealable(ctx, ref)
	if err != nil {
		return model.SealResponse{}, err
	}

	var narrativeHash string
	if u.Status == model.StatusPartial && req.StoryHash != "" &&
		u.FinalStoryHash != nil && *u.FinalStoryHash == req.StoryHash {
		if _, err := s.resolvedState(ctx, u); err != nil {
			return model.SealResponse{}, err
		}
		narrativeHash = *u.FinalStoryHash
		s.logger.Info("seal: reusing stored narrative", "universe_id", u.ID)
	} else {
		n, err := s.composeAndSave(ctx, u)
		if err != nil {
			return model.SealResponse{}, err
		}
		narrativeHash = n.Hash
	}

	hash := req.StoryHash
	if hash == "" {
		hash = narrativeHash
	}
	if hash != narrativeHash {
		if s.strict {
			return model.SealResponse{}, fmt.Errorf("universes: seal %s: supplied %s, narrative %s: %w",
				u.ID, hash, narrativeHash, ErrHashMismatch)
		}
		s.logger.Warn("seal: supplied hash differs from narrative hash",
			"universe_id", u.ID, "story_hash", hash, "narrative_hash", narrativeHash)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("outcome.story_hash", hash))

	txHash, err := s.gateway.SealUniverse(ctx, *u.LedgerID, hash)
	if err != nil {
		return model.SealResponse{}, fmt.Errorf("universes: seal: %w", err)
	}
	if _, err := s.store.MarkComplete(ctx, u.ID, hash); err != nil {
		return model.SealResponse{}, fmt.Errorf("universes: seal: ledger sealed in %s but store not updated: %w", txHash, err)
	}
	s.logger.Info("seal: universe sealed", "universe_id", u.ID, "ledger_id", *u.LedgerID, "tx_hash", txHash)

	return model.SealResponse{
		UniverseID:       u.ID,
		LedgerUniverseID: *u.LedgerID,
		StoryHash:        hash,
		NarrativeHash:    narrativeHash,
		TxHash:           txHash,
	}, nil
}

// sealable resolves a published universe that is not yet COMPLETE.
func (s *Service) sealable(ctx context.Context, ref string) (model.Universe, error) {
	u, err := s.publishedUniverse(ctx, ref)
	if err != nil {
		return model.Universe{}, err
	}
	if u.Status == model.StatusComplete {
		return model.Universe{}, fmt.Errorf("universes: %s: %w", u.ID, ErrAlreadySealed)
	}
	return u, nil
}

// resolvedState reads the universe from the ledger and returns its resolved
// scenarios, refreshing the scenario cache. It fails with
// ErrNoResolvedScenarios, and writes nothing, when none is resolved.
func (s *Service) resolvedState(ctx context.Context, u model.Universe) ([]agents.ResolvedScenario, error) {
	snap, err := s.gateway.FetchUniverseState(ctx, *u.LedgerID)
	if err != nil {
		return nil, fmt.Errorf("universes: read ledger state: %w", err)
	}
	resolved := agents.ResolvedFromSnapshot(snap)
	if len(resolved) == 0 {
		return nil, fmt.Errorf("universes: %s: %w", u.ID, ErrNoResolvedScenarios)
	}
	if err := s.refreshCache(ctx, u.ID, snap); err != nil {
		return nil, err
	}
	return resolved, nil
}

// composeAndSave runs the composer over a fresh ledger read and stores the
// result. Nothing is written when the ledger reports no resolved scenario.
func (s *Service) composeAndSave(ctx context.Context, u model.Universe) (agents.Narrative, error) {
	resolved, err := s.resolvedState(ctx, u)
	if err != nil {
		return agents.Narrative{}, err
	}

	in := agents.ComposeInput{Headline: u.Headline, Resolved: resolved}
	n, composeErr := s.composer.Compose(ctx, in)
	s.recordRun(ctx, u.ID, model.AgentNarrativeComposer, s.composer.Model(), agents.ComposerPromptVersion,
		map[string]any{"headline": in.Headline, "resolvedScenarios": in.Resolved},
		runOutput(map[string]any{"story": n.Story, "storyHash": n.Hash, "metadata": n.Metadata}, n.Trail, composeErr))
	if composeErr != nil {
		return agents.Narrative{}, fmt.Errorf("universes: compose: %w", composeErr)
	}

	if _, err := s.store.SaveNarrative(ctx, u.ID, n.Story, n.Hash); err != nil {
		return agents.Narrative{}, fmt.Errorf("universes: compose: save narrative: %w", err)
	}
	return n, nil
}
