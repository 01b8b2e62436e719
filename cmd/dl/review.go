package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"discoveryline/internal/app"
	"discoveryline/internal/contracts"
	"discoveryline/internal/conversation"
	"discoveryline/internal/domain"
	"discoveryline/internal/statemachine"
)

func reviewCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "review", Short: "Human review of a run's ranked opportunities"}
	cmd.AddCommand(reviewDecideCmd())
	cmd.AddCommand(reviewCompleteCmd())
	cmd.AddCommand(reviewSendBackCmd())
	cmd.AddCommand(reviewChainCmd())
	return cmd
}

func reviewDecideCmd() *cobra.Command {
	var d contracts.ReviewDecision
	var priority int
	cmd := &cobra.Command{
		Use:   "decide <run-id>",
		Short: "Record a decision for one opportunity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if priority > 0 {
				d.AdjustedPriority = &priority
			}
			d.Reviewer = viper.GetString("actor-id")
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				review, err := env.Checkpoints.RecordReviewDecision(statemachine.WithActor(ctx, d.Reviewer), args[0], d)
				if err != nil {
					return err
				}
				return printJSONOrText(review, func() {
					fmt.Printf("Recorded %s for %s (%d decision(s) so far)\n", d.Decision, d.OpportunityID, len(review.Decisions))
				})
			})
		},
	}
	cmd.Flags().StringVar(&d.OpportunityID, "opportunity", "", "opportunity id")
	cmd.Flags().StringVar(&d.Decision, "decision", "", "approve, reject, defer or send_back")
	cmd.Flags().StringVar(&d.Reasoning, "reasoning", "", "why")
	cmd.Flags().IntVar(&priority, "priority", 0, "adjusted priority (1 is highest)")
	cmd.Flags().StringVar(&d.SendBackToStage, "send-back-to", "", "target stage for send_back decisions")
	_ = cmd.MarkFlagRequired("opportunity")
	_ = cmd.MarkFlagRequired("decision")
	_ = cmd.MarkFlagRequired("reasoning")
	return cmd
}

func reviewCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <run-id>",
		Short: "Close human review and complete the run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := viper.GetString("actor-id")
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				run, err := env.Checkpoints.CompleteReview(ctx, args[0], actor)
				if err != nil {
					return err
				}
				env.Metrics.RunFinished(string(run.Status))
				return printRun(run)
			})
		},
	}
}

func reviewSendBackCmd() *cobra.Command {
	var target, reason string
	cmd := &cobra.Command{
		Use:   "send-back <run-id>",
		Short: "Send the run back to an earlier stage",
		Long:  "Opens a new attempt of the target stage; continue it with 'dl run resume'.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := domain.ParseStage(target)
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				se, err := env.Checkpoints.SendBack(ctx, args[0], stage, reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrText(se, func() {
					fmt.Printf("Run %s sent back to %s (attempt %d, conversation %s)\n", se.RunID, se.Stage, se.Attempt, stringOrEmpty(se.ConversationID))
				})
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target stage")
	cmd.Flags().StringVar(&reason, "reason", "", "why the stage is repeated")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func reviewChainCmd() *cobra.Command {
	var rank int
	cmd := &cobra.Command{
		Use:   "chain <run-id>",
		Short: "Show the artifacts behind a ranked opportunity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				chain, err := env.Checkpoints.OpportunityChain(ctx, args[0], rank)
				if err != nil {
					return err
				}
				return printJSON(chain)
			})
		},
	}
	cmd.Flags().IntVar(&rank, "rank", 1, "ranking position (1-based)")
	return cmd
}

func conversationCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "conversation", Short: "Read stage conversations"}
	cmd.AddCommand(conversationTailCmd())
	return cmd
}

func conversationTailCmd() *cobra.Command {
	var since int64
	var follow bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "tail <conversation-id>",
		Short: "Print decoded conversation turns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				for {
					entries, err := env.Checkpoints.History(ctx, args[0], since)
					if err != nil {
						return err
					}
					if err := printEntries(entries); err != nil {
						return err
					}
					if len(entries) > 0 {
						since = entries[len(entries)-1].Turn.ID
					}
					if !follow {
						return nil
					}
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(interval):
					}
				}
			})
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "only turns after this id")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling for new turns")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval with --follow")
	return cmd
}

func printEntries(entries []conversation.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if viper.GetBool("json") {
		return printJSON(entries)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Turn", "Role", "Kind", "Summary"})
	for _, e := range entries {
		tw.AppendRow(table.Row{e.Turn.ID, e.Turn.Role, e.Event.Kind(), summarize(e.Event)})
	}
	tw.Render()
	return nil
}

func summarize(ev conversation.Event) string {
	switch v := ev.(type) {
	case conversation.Message:
		return v.Text
	case conversation.AgentRequest:
		return fmt.Sprintf("%s round %d", v.Agent, v.Round)
	case conversation.AgentResponse:
		if v.Error != "" {
			return fmt.Sprintf("%s failed: %s", v.Agent, v.Error)
		}
		return fmt.Sprintf("%s replied (%d field(s))", v.Agent, len(v.Output))
	case conversation.CheckpointSubmit:
		return fmt.Sprintf("%s submitted %s attempt %d", v.Participant, v.Stage, v.Attempt)
	case conversation.StageTransition:
		if v.To == "" {
			return fmt.Sprintf("%s %s", v.Action, v.From)
		}
		return fmt.Sprintf("%s %s -> %s", v.Action, v.From, v.To)
	}
	return ""
}
