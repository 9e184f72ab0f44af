// Command outcomectl is the operator CLI for an outcome server.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/outcomefi/outcome/internal/model"
)

var rootCmd = &cobra.Command{
	Use:   "outcomectl",
	Short: "Operate an outcome server",
	Long: `outcomectl drives the universe workflows of an outcome server over HTTP.

- draft: ask the planner for scenarios for a headline (creates a DRAFT universe)
- publish: write a universe and its scenarios to the ledger (resumable)
- compose / seal: write the closing narrative and record its hash on the ledger
- refresh / reconcile: repair the local cache after ledger-side changes

Admin operations need --caller set to the admin address.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OUTCOMECTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "outcome server base URL")
	rootCmd.PersistentFlags().String("caller", "", "caller address sent as X-User-Address")
	rootCmd.PersistentFlags().Duration("timeout", 10*time.Minute, "request timeout")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("caller", rootCmd.PersistentFlags().Lookup("caller"))
	_ = viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(draftCmd())
	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(composeCmd())
	rootCmd.AddCommand(sealCmd())
	rootCmd.AddCommand(refreshCmd())
	rootCmd.AddCommand(reconcileCmd())
}

func client() *apiClient {
	return newAPIClient(viper.GetString("server"), viper.GetString("caller"), viper.GetDuration("timeout"))
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := client().health(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(h)
		},
	}
}

func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List universes, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			items, err := client().listUniverses(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"ID", "Ledger", "Status", "Headline", "Created"})
			for _, u := range items {
				tw.AppendRow(table.Row{u.ID, ledgerID(u.LedgerID), u.Status, truncate(u.Headline, 60), u.CreatedAt.Format(time.RFC3339)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "maximum universes to list")
	cmd.Flags().Int("offset", 0, "universes to skip")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <ref>",
		Short: "Show a universe by local id or ledger id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := client().getUniverse(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printUniverse(u)
		},
	}
}

func runsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runs <ref>",
		Short: "List the generative agent runs of a universe",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := client().listRuns(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(runs)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"ID", "Agent", "Model", "Prompt", "Created"})
			for _, r := range runs {
				tw.AppendRow(table.Row{r.ID, r.AgentName, r.Model, r.PromptVersion, r.CreatedAt.Format(time.RFC3339)})
			}
			tw.Render()
			return nil
		},
	}
}

func draftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "draft <headline>",
		Short: "Draft scenarios for a headline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt("count")
			req := model.DraftScenariosRequest{Headline: args[0], TargetCount: count}
			if tone, _ := cmd.Flags().GetString("tone"); tone != "" {
				req.Tone = &tone
			}
			resp, err := client().draft(cmd.Context(), req)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(resp)
			}
			fmt.Printf("draft %s (%d attempts, model %s)\n", resp.UniverseDraftID, resp.Debug.Attempts, resp.Debug.Model)
			return printDrafts(resp.Scenarios)
		},
	}
	cmd.Flags().Int("count", 0, "target scenario count (3-6, default 4)")
	cmd.Flags().String("tone", "", "tone hint for the planner")
	return cmd
}

func publishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a universe to the ledger",
		Long: `Publish a universe to the ledger.

The scenarios file holds a JSON array of {"question","options","rationale"}
objects. With --draft the draft's headline and scenarios are used unless
--headline or --file override them. Re-running publish for a universe whose
earlier publish failed part way adds only the missing scenarios.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			draftID, _ := cmd.Flags().GetString("draft")
			headline, _ := cmd.Flags().GetString("headline")
			file, _ := cmd.Flags().GetString("file")
			c := client()

			req := model.PublishRequest{Headline: headline}
			if draftID != "" {
				req.UniverseDraftID = &draftID
				if headline == "" || file == "" {
					u, err := c.getUniverse(cmd.Context(), draftID)
					if err != nil {
						return err
					}
					if headline == "" {
						req.Headline = u.Headline
					}
					req.Scenarios = draftsOf(u.Scenarios)
				}
			}
			if file != "" {
				drafts, err := readDrafts(file)
				if err != nil {
					return err
				}
				req.Scenarios = drafts
			}
			if req.Headline == "" || len(req.Scenarios) == 0 {
				return fmt.Errorf("publish needs a headline and scenarios (use --draft or --headline with --file)")
			}

			resp, err := c.publish(cmd.Context(), req)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(resp)
			}
			fmt.Printf("universe %s bound to ledger universe %d (resumed: %t)\n", resp.UniverseID, resp.LedgerUniverseID, resp.Resumed)
			tw := newTable()
			tw.AppendHeader(table.Row{"Scenario", "Ledger", "Tx"})
			for _, sc := range resp.Scenarios {
				tw.AppendRow(table.Row{sc.ScenarioID, sc.LedgerScenarioID, sc.TxHash})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().String("draft", "", "draft universe id to publish")
	cmd.Flags().String("headline", "", "universe headline")
	cmd.Flags().String("file", "", "JSON file with the scenarios")
	return cmd
}

func composeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compose <ref>",
		Short: "Compose the closing narrative of a universe",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := client().compose(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(n)
			}
			fmt.Println(n.Story)
			fmt.Println()
			fmt.Println("story hash:", n.StoryHash)
			return nil
		},
	}
}

func sealCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seal <ref>",
		Short: "Record the narrative hash on the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, _ := cmd.Flags().GetString("hash")
			resp, err := client().seal(cmd.Context(), args[0], model.SealRequest{StoryHash: hash})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(resp)
			}
			fmt.Printf("sealed universe %s with %s in %s\n", resp.UniverseID, resp.StoryHash, resp.TxHash)
			if resp.StoryHash != resp.NarrativeHash {
				fmt.Printf("note: sealed hash differs from the narrative hash %s\n", resp.NarrativeHash)
			}
			return nil
		},
	}
	cmd.Flags().String("hash", "", "story hash to seal (default: hash of a freshly composed narrative)")
	return cmd
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <ref>",
		Short: "Refresh cached scenario state from the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := client().refresh(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printUniverse(u)
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <ref> <tx-hash>",
		Short: "Bind a universe to the ledger universe created by a committed transaction",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := client().reconcile(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(u)
			}
			fmt.Printf("universe %s bound to ledger universe %s (%s)\n", u.ID, ledgerID(u.LedgerID), u.Status)
			return nil
		},
	}
}

func printUniverse(u model.UniverseWithScenarios) error {
	if viper.GetBool("json") {
		return printJSON(u)
	}
	fmt.Printf("%s  %s  ledger=%s\n%s\n", u.ID, u.Status, ledgerID(u.LedgerID), u.Headline)
	if u.FinalStoryHash != nil {
		fmt.Println("story hash:", *u.FinalStoryHash)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"#", "Ledger", "Phase", "Question", "Winner", "Votes"})
	for _, sc := range u.Scenarios {
		winner := ""
		if sc.WinningChoice != nil && *sc.WinningChoice >= 0 && *sc.WinningChoice < len(sc.Options) {
			winner = sc.Options[*sc.WinningChoice]
		}
		tw.AppendRow(table.Row{sc.Position, ledgerID(sc.LedgerID), sc.Phase, truncate(sc.Question, 60), winner, fmt.Sprint(sc.VoteCounts)})
	}
	tw.Render()
	return nil
}

func printDrafts(drafts []model.ScenarioDraft) error {
	tw := newTable()
	tw.AppendHeader(table.Row{"#", "Question", "Options"})
	for i, d := range drafts {
		tw.AppendRow(table.Row{i + 1, d.Question, strings.Join(d.Options, " | ")})
	}
	tw.Render()
	return nil
}

func draftsOf(scenarios []model.Scenario) []model.ScenarioDraft {
	out := make([]model.ScenarioDraft, len(scenarios))
	for i, sc := range scenarios {
		out[i] = model.ScenarioDraft{Question: sc.Question, Options: sc.Options}
		if sc.Rationale != nil {
			out[i].Rationale = *sc.Rationale
		}
	}
	return out
}

func readDrafts(path string) ([]model.ScenarioDraft, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read scenarios: %w", err)
	}
	var drafts []model.ScenarioDraft
	if err := json.Unmarshal(raw, &drafts); err != nil {
		return nil, fmt.Errorf("parse scenarios %s: %w", path, err)
	}
	return drafts, nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func ledgerID(id *uint64) string {
	if id == nil {
		return "-"
	}
	return fmt.Sprint(*id)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
