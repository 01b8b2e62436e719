package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"discoveryline/internal/app"
	"discoveryline/internal/collab"
	"discoveryline/internal/domain"
	"discoveryline/internal/orchestrator"
	"discoveryline/internal/statemachine"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "run", Short: "Execute and inspect pipeline runs"}
	cmd.AddCommand(runExecCmd())
	cmd.AddCommand(runResumeCmd())
	cmd.AddCommand(runListCmd())
	cmd.AddCommand(runShowCmd())
	cmd.AddCommand(runStagesCmd())
	cmd.AddCommand(runCheckpointsCmd())
	cmd.AddCommand(runEventsCmd())
	cmd.AddCommand(runStopCmd())
	cmd.AddCommand(runFailCmd())
	return cmd
}

func loadAgents(env *app.Env, scriptPath string) (orchestrator.Collaborators, error) {
	script, err := collab.LoadScript(scriptPath)
	if err != nil {
		return orchestrator.Collaborators{}, err
	}
	return app.Collaborators(script, env.Config)
}

func runExecCmd() *cobra.Command {
	var scriptPath, id, parent, contextFile string
	var contextPairs []string
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Create a run and drive it to human review",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, err := parseContext(contextFile, contextPairs)
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				agents, err := loadAgents(env, scriptPath)
				if err != nil {
					return err
				}
				run, err := env.Orchestrator(agents).Run(ctx, orchestrator.RunOptions{
					ID:          id,
					ParentRunID: parent,
					Metadata:    map[string]any{"started_by": viper.GetString("actor-id")},
					Context:     runCtx,
				})
				if err != nil {
					return err
				}
				return printRun(run)
			})
		},
	}
	cmd.Flags().StringVar(&scriptPath, "script", "", "collaborator script (YAML)")
	cmd.Flags().StringVar(&id, "id", "", "run id (generated when empty)")
	cmd.Flags().StringVar(&parent, "parent", "", "parent run id")
	cmd.Flags().StringVar(&contextFile, "context-file", "", "YAML or JSON file with the run context")
	cmd.Flags().StringArrayVar(&contextPairs, "context", nil, "context entry key=value (repeatable)")
	_ = cmd.MarkFlagRequired("script")
	return cmd
}

func parseContext(path string, pairs []string) (map[string]any, error) {
	out := map[string]any{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		// YAML is a superset of JSON.
		if err := yaml.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --context %q, want key=value", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func runResumeCmd() *cobra.Command {
	var scriptPath string
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Drive a running run from its active stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				agents, err := loadAgents(env, scriptPath)
				if err != nil {
					return err
				}
				run, err := env.Orchestrator(agents).Resume(ctx, args[0])
				if err != nil {
					return err
				}
				return printRun(run)
			})
		},
	}
	cmd.Flags().StringVar(&scriptPath, "script", "", "collaborator script (YAML)")
	_ = cmd.MarkFlagRequired("script")
	return cmd
}

func runListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				runs, err := env.Machine.ListRuns(ctx, status)
				if err != nil {
					return err
				}
				return printJSONOrText(runs, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "Status", "Stage", "Stages", "Invocations", "Failed", "Created"})
					for _, r := range runs {
						tw.AppendRow(table.Row{r.ID, r.Status, stageName(r.CurrentStage), r.StageExecutions, r.Invocations, r.FailedAttempts, r.CreatedAt})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func runShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its errors and warnings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				run, err := env.Machine.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printRun(run)
			})
		},
	}
}

func runStagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stages <run-id>",
		Short: "List stage executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				stages, err := env.Machine.ListStages(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrText(stages, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Stage", "Attempt", "Status", "Conversation", "Participants", "Sent back from", "Reason"})
					for _, se := range stages {
						tw.AppendRow(table.Row{se.Stage, se.Attempt, se.Status, stringOrEmpty(se.ConversationID), strings.Join(se.Participants, ","), stageName(se.SentBackFrom), se.SendBackReason})
					}
					tw.Render()
				})
			})
		},
	}
}

func runCheckpointsCmd() *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "checkpoints <run-id>",
		Short: "Print checkpoint artifacts of completed stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				prior, err := env.Checkpoints.PriorCheckpoints(ctx, args[0])
				if err != nil {
					return err
				}
				if stage != "" {
					st, err := domain.ParseStage(stage)
					if err != nil {
						return err
					}
					filtered := prior[:0]
					for _, c := range prior {
						if c.Stage == st {
							filtered = append(filtered, c)
						}
					}
					prior = filtered
				}
				return printJSON(prior)
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "only this stage")
	return cmd
}

func runEventsCmd() *cobra.Command {
	var after int64
	var limit int
	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Print the run's audit events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				evts, err := env.Repo.ListEvents(ctx, args[0], after, limit)
				if err != nil {
					return err
				}
				return printJSONOrText(evts, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
					for _, e := range evts {
						tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this id")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of events (0 for all)")
	return cmd
}

func runStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <run-id>",
		Short: "Stop a pending or running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				run, err := env.Machine.StopRun(statemachine.WithActor(ctx, viper.GetString("actor-id")), args[0])
				if err != nil {
					return err
				}
				env.Metrics.RunFinished(string(run.Status))
				return printRun(run)
			})
		},
	}
}

func runFailCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "fail <run-id>",
		Short: "Fail a run by hand, recording the message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				stage := ""
				if se, err := env.Machine.ActiveStage(ctx, args[0]); err == nil {
					stage = string(se.Stage)
				}
				run, err := env.Machine.FailRun(statemachine.WithActor(ctx, viper.GetString("actor-id")), args[0], domain.RunError{
					Stage:     stage,
					ErrorType: "manual",
					Message:   message,
				})
				if err != nil {
					return err
				}
				env.Metrics.RunFinished(string(run.Status))
				return printRun(run)
			})
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "failure message")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func printRun(run domain.Run) error {
	return printJSONOrText(run, func() {
		fmt.Printf("Run %s: %s", run.ID, run.Status)
		if run.CurrentStage != nil {
			fmt.Printf(" at %s", *run.CurrentStage)
		}
		fmt.Println()
		if run.ParentRunID != nil {
			fmt.Printf("Parent: %s\n", *run.ParentRunID)
		}
		for _, w := range run.Warnings {
			fmt.Printf("warning: %s\n", w)
		}
		for _, e := range run.Errors {
			fmt.Printf("error [%s] %s: %s\n", e.Stage, e.ErrorType, e.Message)
		}
	})
}

func stageName(s *domain.Stage) string {
	if s == nil {
		return ""
	}
	return string(*s)
}
