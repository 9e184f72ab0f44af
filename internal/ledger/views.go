package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/outcomefi/outcome/internal/model"
)

// maxHydrationConcurrency bounds concurrent view calls while hydrating a universe.
const maxHydrationConcurrency = 8

type viewRequest struct {
	Function      string   `json:"function"`
	TypeArguments []string `json:"type_arguments"`
	Arguments     []any    `json:"arguments"`
}

// view calls a module view function and returns its result tuple. A tuple
// consisting of a single vector is unwrapped to the vector's elements.
func (c *Client) view(ctx context.Context, fn string, args ...any) ([]json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	var out []json.RawMessage
	err := c.do(ctx, http.MethodPost, "/view", viewRequest{
		Function:      c.function(fn),
		TypeArguments: []string{},
		Arguments:     args,
	}, &out)
	if err != nil {
		return nil, classify(fn, err)
	}
	return unwrapTuple(out), nil
}

func unwrapTuple(values []json.RawMessage) []json.RawMessage {
	if len(values) != 1 {
		return values
	}
	trimmed := bytes.TrimSpace(values[0])
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return values
	}
	var inner []json.RawMessage
	if err := json.Unmarshal(trimmed, &inner); err != nil {
		return values
	}
	return inner
}

// u64Arg encodes a u64 the way the fullnode expects it in JSON arguments.
func u64Arg(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// decodeU64 accepts both the string encoding used for u64/u128 and plain
// JSON numbers used for small integer types.
func decodeU64(raw json.RawMessage) (uint64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseUint(s, 10, 64)
	}
	var n uint64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("not an unsigned integer: %s", truncate(string(raw), 64))
	}
	return n, nil
}

func decodeU64s(raw json.RawMessage) ([]uint64, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("not a vector: %s", truncate(string(raw), 64))
	}
	return decodeU64List(items)
}

func decodeU64List(items []json.RawMessage) ([]uint64, error) {
	out := make([]uint64, 0, len(items))
	for _, item := range items {
		v, err := decodeU64(item)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("not a string: %s", truncate(string(raw), 64))
	}
	return s, nil
}

func decodeStrings(raw json.RawMessage) ([]string, error) {
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("not a string vector: %s", truncate(string(raw), 64))
	}
	return out, nil
}

func malformed(fn string, err error) error {
	return fmt.Errorf("ledger: %s: %w: %v", fn, ErrContractViolation, err)
}

// GetUniverse reads the universe header. Scenarios are not hydrated; use
// FetchUniverseState for that.
func (c *Client) GetUniverse(ctx context.Context, universeID uint64) (model.UniverseSnapshot, error) {
	const fn = "get_universe"
	tuple, err := c.view(ctx, fn, u64Arg(universeID))
	if err != nil {
		return model.UniverseSnapshot{}, err
	}
	if len(tuple) < 6 {
		return model.UniverseSnapshot{}, malformed(fn, fmt.Errorf("expected 6 values, got %d", len(tuple)))
	}

	var snap model.UniverseSnapshot
	if snap.ID, err = decodeU64(tuple[0]); err != nil {
		return model.UniverseSnapshot{}, malformed(fn, err)
	}
	if snap.Headline, err = decodeString(tuple[1]); err != nil {
		return model.UniverseSnapshot{}, malformed(fn, err)
	}
	if snap.ScenarioIDs, err = decodeU64s(tuple[2]); err != nil {
		return model.UniverseSnapshot{}, malformed(fn, err)
	}
	status, err := decodeU64(tuple[3])
	if err != nil || status > 255 {
		return model.UniverseSnapshot{}, malformed(fn, fmt.Errorf("status: %v", tuple[3]))
	}
	snap.Status = uint8(status)
	if snap.FinalStoryHash, err = decodeString(tuple[4]); err != nil {
		return model.UniverseSnapshot{}, malformed(fn, err)
	}
	if snap.Admin, err = decodeString(tuple[5]); err != nil {
		return model.UniverseSnapshot{}, malformed(fn, err)
	}
	return snap, nil
}

// ListUniverseScenarios returns the ledger scenario ids of a universe in
// ledger order.
func (c *Client) ListUniverseScenarios(ctx context.Context, universeID uint64) ([]uint64, error) {
	const fn = "list_universe_scenarios"
	tuple, err := c.view(ctx, fn, u64Arg(universeID))
	if err != nil {
		return nil, err
	}
	ids, err := decodeU64List(tuple)
	if err != nil {
		return nil, malformed(fn, err)
	}
	return ids, nil
}

// GetScenario reads one scenario. VoteCounts is left empty; see GetVoteCounts.
func (c *Client) GetScenario(ctx context.Context, scenarioID uint64) (model.ScenarioSnapshot, error) {
	const fn = "get_scenario"
	tuple, err := c.view(ctx, fn, u64Arg(scenarioID))
	if err != nil {
		return model.ScenarioSnapshot{}, err
	}
	if len(tuple) < 7 {
		return model.ScenarioSnapshot{}, malformed(fn, fmt.Errorf("expected 7 values, got %d", len(tuple)))
	}

	var snap model.ScenarioSnapshot
	if snap.ID, err = decodeU64(tuple[0]); err != nil {
		return model.ScenarioSnapshot{}, malformed(fn, err)
	}
	if snap.UniverseID, err = decodeU64(tuple[1]); err != nil {
		return model.ScenarioSnapshot{}, malformed(fn, err)
	}
	if snap.Question, err = decodeString(tuple[2]); err != nil {
		return model.ScenarioSnapshot{}, malformed(fn, err)
	}
	if snap.Choices, err = decodeStrings(tuple[3]); err != nil {
		return model.ScenarioSnapshot{}, malformed(fn, err)
	}
	phase, err := decodeU64(tuple[4])
	if err != nil {
		return model.ScenarioSnapshot{}, malformed(fn, err)
	}
	snap.Phase = model.ScenarioPhase(phase) //nolint:gosec // u8 on the ledger
	if snap.TotalVotes, err = decodeU64(tuple[5]); err != nil {
		return model.ScenarioSnapshot{}, malformed(fn, err)
	}
	winning, err := decodeU64(tuple[6])
	if err != nil {
		return model.ScenarioSnapshot{}, malformed(fn, err)
	}
	snap.WinningChoice = int(winning) //nolint:gosec // u8 on the ledger
	return snap, nil
}

// GetVoteCounts returns the per-option vote counts of a scenario.
func (c *Client) GetVoteCounts(ctx context.Context, scenarioID uint64) ([]uint64, error) {
	const fn = "get_vote_counts"
	tuple, err := c.view(ctx, fn, u64Arg(scenarioID))
	if err != nil {
		return nil, err
	}
	counts, err := decodeU64List(tuple)
	if err != nil {
		return nil, malformed(fn, err)
	}
	return counts, nil
}

// HasVoted reports whether address has voted in any scenario.
func (c *Client) HasVoted(ctx context.Context, address string) (bool, error) {
	return c.boolView(ctx, "has_voted", address)
}

// HasVotedInScenario reports whether address has voted in the given scenario.
func (c *Client) HasVotedInScenario(ctx context.Context, scenarioID uint64, address string) (bool, error) {
	return c.boolView(ctx, "has_voted_in_scenario", u64Arg(scenarioID), address)
}

func (c *Client) boolView(ctx context.Context, fn string, args ...any) (bool, error) {
	tuple, err := c.view(ctx, fn, args...)
	if err != nil {
		return false, err
	}
	if len(tuple) == 0 {
		return false, nil
	}
	var b bool
	if err := json.Unmarshal(tuple[0], &b); err != nil {
		return false, malformed(fn, err)
	}
	return b, nil
}

// FetchUniverseState reads a universe and hydrates every scenario with its
// vote counts. Reads fan out concurrently; the first failure cancels the rest.
func (c *Client) FetchUniverseState(ctx context.Context, universeID uint64) (model.UniverseSnapshot, error) {
	var (
		snap model.UniverseSnapshot
		ids  []uint64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snap, err = c.GetUniverse(gctx, universeID)
		return err
	})
	g.Go(func() error {
		var err error
		ids, err = c.ListUniverseScenarios(gctx, universeID)
		return err
	})
	if err := g.Wait(); err != nil {
		return model.UniverseSnapshot{}, err
	}
	snap.ScenarioIDs = ids

	scenarios := make([]model.ScenarioSnapshot, len(ids))
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(maxHydrationConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			s, err := c.GetScenario(gctx, id)
			if err != nil {
				return err
			}
			s.VoteCounts, err = c.GetVoteCounts(gctx, id)
			if err != nil {
				return err
			}
			scenarios[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.UniverseSnapshot{}, err
	}
	snap.Scenarios = scenarios
	return snap, nil
}
