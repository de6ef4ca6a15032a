package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/Kaffe-diem/kaffediem/internal/app"
	"github.com/Kaffe-diem/kaffediem/internal/codec"
	"github.com/Kaffe-diem/kaffediem/internal/collection"
	"github.com/Kaffe-diem/kaffediem/internal/ir"
	"github.com/Kaffe-diem/kaffediem/internal/journal"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database   string
	Session    string // optional - latest session when empty
	Collection string // optional - specific collection only
}

// ReplayMismatch is one input whose replayed outcome differs.
type ReplayMismatch struct {
	Seq      int64  `json:"seq"`
	ID       string `json:"id"`
	Recorded string `json:"recorded"`
	Replayed string `json:"replayed"`
}

// ReplayCollectionResult holds the replay result for a single collection.
type ReplayCollectionResult struct {
	Collection    string           `json:"collection"`
	Sort          string           `json:"sort"`
	Steps         int              `json:"steps"`
	Records       int              `json:"records"`
	Version       uint64           `json:"version"`
	Mismatches    []ReplayMismatch `json:"mismatches,omitempty"`
	Deterministic bool             `json:"deterministic"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Session          string                   `json:"session"`
	Collections      []ReplayCollectionResult `json:"collections"`
	AllDeterministic bool                     `json:"all_deterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a sync journal and verify determinism",
		Long: `Rebuild every collection cache of a recorded session from its journal.

Each collection is reduced twice with the sort the services use. Replay is
deterministic when both passes agree and every input produced the outcome
recorded live (applied, duplicate or ignored).

Exit codes:
  0 - All collections replayed deterministically
  1 - Determinism verification failed (differences detected)
  2 - Command error (journal not found, unknown session, etc.)

Examples:
  kaffediem replay --db ./kaffediem.db
  kaffediem replay --db ./kaffediem.db --session 0192f7c8-...
  kaffediem replay --db ./kaffediem.db --collection order --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to journal database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Session, "session", "", "session to replay (default: latest)")
	cmd.Flags().StringVar(&opts.Collection, "collection", "", "replay specific collection only")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	// Open would create a missing file.
	if _, err := os.Stat(opts.Database); err != nil {
		return WrapExitError(ExitCommandError, "journal not found", err)
	}
	j, err := journal.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer j.Close()

	session := opts.Session
	if session == "" {
		latest, err := j.LatestSession(ctx)
		if errors.Is(err, journal.ErrNoSession) {
			if opts.Format == "json" {
				return outputReplayJSON(cmd, ReplayResult{Collections: []ReplayCollectionResult{}, AllDeterministic: true})
			}
			fmt.Fprintln(cmd.OutOrStdout(), "No sessions found in journal.")
			return nil
		}
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read sessions", err)
		}
		session = latest.ID
	}

	var collections []string
	if opts.Collection != "" {
		collections = []string{opts.Collection}
	} else {
		collections, err = j.Collections(ctx, session)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list collections", err)
		}
		if len(collections) == 0 {
			return NewExitError(ExitCommandError, fmt.Sprintf("session %s not found or empty", session))
		}
	}

	result := ReplayResult{
		Session:          session,
		Collections:      make([]ReplayCollectionResult, 0, len(collections)),
		AllDeterministic: true,
	}
	dec := codec.NewDecoder(nil)
	for _, coll := range collections {
		entries, err := j.Entries(ctx, session, coll)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to read %s", coll), err)
		}
		collResult, err := replayAndVerifyCollection(entries, coll, dec)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay %s", coll), err)
		}
		result.Collections = append(result.Collections, collResult)
		if !collResult.Deterministic {
			result.AllDeterministic = false
		}
	}

	if opts.Format == "json" {
		return outputReplayJSON(cmd, result)
	}
	return outputReplayText(cmd, result, opts.Verbose)
}

// replayAndVerifyCollection replays a collection twice and checks that
// both passes agree with each other and with the recorded outcomes.
func replayAndVerifyCollection(entries []journal.Entry, coll string, dec *codec.Decoder) (ReplayCollectionResult, error) {
	sort, ok := app.SortFor(coll)
	if !ok {
		sort = collection.InsertionOrder
	}

	first, err := journal.Replay(entries, coll, sort, dec)
	if err != nil {
		return ReplayCollectionResult{}, fmt.Errorf("first replay failed: %w", err)
	}
	second, err := journal.Replay(entries, coll, sort, dec)
	if err != nil {
		return ReplayCollectionResult{}, fmt.Errorf("second replay failed: %w", err)
	}

	res := ReplayCollectionResult{
		Collection: coll,
		Sort:       sort.Name(),
		Steps:      first.Steps,
		Records:    len(first.Snapshot.Items),
		Version:    first.Snapshot.Version,
	}
	for _, m := range first.Mismatches {
		res.Mismatches = append(res.Mismatches, ReplayMismatch{
			Seq:      m.Seq,
			ID:       string(m.ID),
			Recorded: string(m.Recorded),
			Replayed: string(m.Replayed),
		})
	}
	res.Deterministic = first.Deterministic() && sameSnapshot(first.Snapshot, second.Snapshot)
	return res, nil
}

func sameSnapshot(a, b collection.Snapshot[ir.Record]) bool {
	if a.Version != b.Version {
		return false
	}
	return slices.EqualFunc(a.Items, b.Items, func(x, y ir.Record) bool {
		if x.ID != y.ID {
			return false
		}
		fx, errX := ir.Fingerprint(x)
		fy, errY := ir.Fingerprint(y)
		return errX == nil && errY == nil && fx == fy
	})
}

// outputReplayJSON outputs the replay result as JSON.
func outputReplayJSON(cmd *cobra.Command, result ReplayResult) error {
	response := CLIResponse{
		Status:  "ok",
		Data:    result,
		Session: result.Session,
	}

	if !result.AllDeterministic {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_DETERMINISM",
			Message: "determinism verification failed",
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}

	if !result.AllDeterministic {
		return NewExitError(ExitFailure, "determinism verification failed")
	}
	return nil
}

// outputReplayText outputs the replay result as text.
func outputReplayText(cmd *cobra.Command, result ReplayResult, verbose bool) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Replay Summary: session %s, %d collection(s)\n", result.Session, len(result.Collections))
	fmt.Fprintln(w)

	for _, c := range result.Collections {
		status := "✓"
		if !c.Deterministic {
			status = "✗"
		}

		fmt.Fprintf(w, "%s Collection: %s\n", status, c.Collection)
		fmt.Fprintf(w, "  Inputs: %d, records: %d, version: %d\n", c.Steps, c.Records, c.Version)
		if verbose {
			fmt.Fprintf(w, "  Sort: %s\n", c.Sort)
		}
		for _, m := range c.Mismatches {
			fmt.Fprintf(w, "  seq %d %s: recorded %s, replayed %s\n", m.Seq, m.ID, m.Recorded, m.Replayed)
		}
		fmt.Fprintln(w)
	}

	if result.AllDeterministic {
		fmt.Fprintln(w, "✓ All collections verified deterministic")
		return nil
	}

	fmt.Fprintln(w, "✗ Determinism verification failed")
	return NewExitError(ExitFailure, "determinism verification failed")
}
