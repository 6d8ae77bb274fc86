package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xaenox/sandbot/internal/models"
	"github.com/xaenox/sandbot/internal/scheduler"
)

func newTasksCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage scheduled tasks",
	}

	cmd.AddCommand(
		newTasksListCmd(app),
		newTasksAddCmd(app),
		newTaskStatusCmd(app, "pause", "Pause a task", models.TaskActive, models.TaskPaused),
		newTaskStatusCmd(app, "resume", "Resume a paused task", models.TaskPaused, models.TaskActive),
		newTasksCancelCmd(app),
		newTasksRunsCmd(app),
	)

	return cmd
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func newTasksListCmd(app *app) *cobra.Command {
	var chatJID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tasks, err := app.store.ListTasks(cmd.Context(), chatJID)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tCHAT\tSCHEDULE\tSTATUS\tNEXT RUN\tLAST RESULT")
			for _, t := range tasks {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\t%s\t%s\n",
					t.ID, t.ChatJID, t.ScheduleType, t.ScheduleValue, t.Status, formatTime(t.NextRun), t.LastResult)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&chatJID, "chat", "", "Only tasks of this conversation")

	return cmd
}

func newTasksAddCmd(app *app) *cobra.Command {
	var (
		chatJID      string
		task         models.Task
		scheduleType string
		contextMode  string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Schedule a prompt for a conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conv, err := app.store.GetConversation(cmd.Context(), chatJID)
			if err != nil {
				return fmt.Errorf("conversation %s: %w", chatJID, err)
			}
			sched, err := scheduler.New(scheduler.Deps{
				Store:  app.store,
				Config: app.cfg,
				Logger: app.logger.Named("scheduler"),
			})
			if err != nil {
				return err
			}

			task.ScheduleType = models.ScheduleType(scheduleType)
			task.ContextMode = models.ContextMode(contextMode)
			if err := sched.CreateTask(cmd.Context(), conv, &task); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "created task %s, next run %s\n", task.ID, formatTime(task.NextRun))
			return nil
		},
	}

	cmd.Flags().StringVar(&chatJID, "chat", "", "Conversation the task belongs to")
	cmd.Flags().StringVar(&task.Prompt, "prompt", "", "Prompt the task runs")
	cmd.Flags().StringVar(&scheduleType, "type", string(models.ScheduleCron), "Schedule type: cron, interval or once")
	cmd.Flags().StringVar(&task.ScheduleValue, "value", "", "Cron expression, interval or timestamp")
	cmd.Flags().StringVar(&contextMode, "context", string(models.ContextIsolated), "Context mode: isolated or conversation")
	cmd.Flags().StringVar(&task.Model, "model", "", "Model override")
	cmd.Flags().Float64Var(&task.MaxBudgetUSD, "max-budget", 0, "Budget ceiling per run in USD")
	_ = cmd.MarkFlagRequired("chat")
	_ = cmd.MarkFlagRequired("prompt")
	_ = cmd.MarkFlagRequired("value")

	return cmd
}

func newTaskStatusCmd(app *app, use, short string, from, to models.TaskStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := app.store.GetTask(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("task %s: %w", args[0], err)
			}
			if task.Status != from {
				return fmt.Errorf("task %s is %s", task.ID, task.Status)
			}
			if err := app.store.UpdateTaskStatus(cmd.Context(), task.ID, to); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "task %s is %s\n", task.ID, to)
			return nil
		},
	}
}

func newTasksCancelCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.store.DeleteTask(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("task %s: %w", args[0], err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cancelled task %s\n", args[0])
			return nil
		},
	}
}

func newTasksRunsCmd(app *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs <task-id>",
		Short: "Show the latest runs of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := app.store.TaskRuns(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "RUN AT\tDURATION\tSTATUS\tRESULT")
			for _, r := range runs {
				result := r.Result
				if r.Status == models.RunError {
					result = r.Error
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					formatTime(&r.RunAt), r.Duration.Round(time.Millisecond), r.Status, result)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "Number of runs to show")

	return cmd
}
