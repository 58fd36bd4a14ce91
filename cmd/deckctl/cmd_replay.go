package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/capitalize-ai/deck-assistant/internal/command"
	"github.com/capitalize-ai/deck-assistant/internal/deck"
	"github.com/capitalize-ai/deck-assistant/internal/executor"
	"github.com/capitalize-ai/deck-assistant/internal/llm"
	"github.com/capitalize-ai/deck-assistant/internal/model"
	"github.com/capitalize-ai/deck-assistant/internal/service"
	"github.com/capitalize-ai/deck-assistant/internal/store"
	"github.com/capitalize-ai/deck-assistant/internal/stream"
	"github.com/capitalize-ai/deck-assistant/pkg/logger"
)

const replayThread = "replay"

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Apply a recorded model turn to a deck",
	Long: `Feed newline-delimited protocol frames through the approval pipeline and
print the resulting deck. Proposals are decided by --policy unless listed in
--approve or --reject.`,
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringP("document", "d", "", "Deck JSON file (required)")
	replayCmd.Flags().StringP("frames", "f", "-", "NDJSON frame file, - for stdin")
	replayCmd.Flags().String("policy", "approve", "Decision for unlisted proposals: approve or reject")
	replayCmd.Flags().StringSlice("approve", nil, "Invocation IDs to approve")
	replayCmd.Flags().StringSlice("reject", nil, "Invocation IDs to reject")
	replayCmd.Flags().StringP("output", "o", "", "Write the result here instead of stdout")
	_ = replayCmd.MarkFlagRequired("document")
}

// replayResult is what replay prints.
type replayResult struct {
	Document    *model.Document        `json:"document"`
	Invocations []model.ToolInvocation `json:"invocations"`
	Converged   bool                   `json:"converged"`
}

// decider picks the decision for a pending invocation.
type decider func(inv model.ToolInvocation) model.Decision

func newDecider(policy string, approve, reject []string) (decider, error) {
	var def model.Decision
	switch strings.ToLower(policy) {
	case "approve", "approved":
		def = model.DecisionApproved
	case "reject", "rejected":
		def = model.DecisionRejected
	default:
		return nil, fmt.Errorf("policy must be approve or reject, got %q", policy)
	}
	overrides := make(map[string]model.Decision)
	for _, id := range approve {
		overrides[id] = model.DecisionApproved
	}
	for _, id := range reject {
		if _, dup := overrides[id]; dup {
			return nil, fmt.Errorf("invocation %s is both approved and rejected", id)
		}
		overrides[id] = model.DecisionRejected
	}
	return func(inv model.ToolInvocation) model.Decision {
		if d, ok := overrides[inv.ID]; ok {
			return d
		}
		return def
	}, nil
}

func runReplay(cmd *cobra.Command, _ []string) error {
	docPath, _ := cmd.Flags().GetString("document")
	framesPath, _ := cmd.Flags().GetString("frames")
	policy, _ := cmd.Flags().GetString("policy")
	approve, _ := cmd.Flags().GetStringSlice("approve")
	reject, _ := cmd.Flags().GetStringSlice("reject")
	output, _ := cmd.Flags().GetString("output")
	verbose, _ := cmd.Flags().GetBool("verbose")

	decide, err := newDecider(policy, approve, reject)
	if err != nil {
		return err
	}

	log := logger.NewNop()
	if verbose {
		if log, err = logger.NewDevelopment(); err != nil {
			return err
		}
	}

	raw, err := os.ReadFile(docPath)
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}
	var doc model.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to parse document: %w", err)
	}

	in := cmd.InOrStdin()
	if framesPath != "-" {
		f, err := os.Open(framesPath)
		if err != nil {
			return fmt.Errorf("failed to open frames: %w", err)
		}
		defer f.Close()
		in = f
	}
	frames, err := stream.DecodeFrames(in, func(line int, err error) {
		fmt.Fprintf(cmd.ErrOrStderr(), "skipping line %d: %v\n", line, err)
	})
	if err != nil {
		return err
	}

	res, err := replay(cmd.Context(), &doc, frames, decide, log)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		defer f.Close()
		out = f
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Converged {
		return fmt.Errorf("live view diverged from the executed document")
	}
	return nil
}

// replay runs frames through an in-memory session and decides every proposal.
func replay(ctx context.Context, doc *model.Document, frames []model.Frame, decide decider, log *logger.Logger) (*replayResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if doc.ID == "" {
		doc.ID = "local"
	}
	deck.Normalize(doc)
	if err := deck.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid document: %w", err)
	}

	mem := store.NewMemory()
	if err := mem.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}
	writer := store.NewWriter(mem, store.WriterConfig{Sync: true, MaxElapsedTime: time.Second}, log)
	exec, err := executor.New(mem, writer, executor.NewLocalLocker(), executor.Config{CacheSize: 1}, log)
	if err != nil {
		return nil, err
	}
	svc := service.NewSessionService(command.NewRegistry(), exec, writer, mem, llm.Disabled(), service.SessionConfig{}, log)
	key := model.SessionKey{DocumentID: doc.ID, ThreadID: replayThread}

	msg, err := svc.Ingest(ctx, key, frames, nil)
	if err != nil {
		return nil, err
	}

	pending, err := svc.Pending(ctx, key)
	if err != nil {
		return nil, err
	}
	for _, inv := range pending {
		d := decide(inv)
		resp, err := svc.Decide(ctx, key, model.DecisionRequest{MessageID: inv.MessageID, InvocationID: inv.ID, Decision: d})
		if err != nil {
			return nil, fmt.Errorf("failed to decide %s: %w", inv.ID, err)
		}
		log.Debug("decided",
			zap.String("invocation_id", inv.ID),
			zap.String("decision", string(d)),
			zap.String("state", string(resp.Invocation.State)),
		)
	}

	invs := msg.Invocations()
	for i := range invs {
		if current, ok := svc.Invocation(key, invs[i].Key()); ok {
			invs[i] = current
		}
	}

	authoritative, err := exec.Document(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	live, err := svc.Document(ctx, key)
	if err != nil {
		return nil, err
	}

	return &replayResult{
		Document:    authoritative,
		Invocations: invs,
		Converged:   live.Version == authoritative.Version && reflect.DeepEqual(live.Items, authoritative.Items),
	}, nil
}
