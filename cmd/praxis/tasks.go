package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/praxisworks/praxis/internal/cron"
)

// buildTasksCmd creates the "tasks" command group that manages scheduled
// tasks directly against the on-disk store. These commands run offline: the
// server picks up changes at its next store reload, so restart serve mode
// after editing tasks it already loaded.
func buildTasksCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage scheduled tasks",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")

	cmd.AddCommand(
		buildTasksListCmd(&configPath),
		buildTasksAddCmd(&configPath),
		buildTasksRemoveCmd(&configPath),
		buildTasksEnableCmd(&configPath, true),
		buildTasksEnableCmd(&configPath, false),
		buildTasksHistoryCmd(&configPath),
	)
	return cmd
}

// openTaskStore loads the config only to locate the data directory.
func openTaskStore(configPath string) (*cron.Store, error) {
	cfg, _, err := loadConfig(configPath, false)
	if err != nil {
		return nil, err
	}
	return cron.NewStore(cfg.Storage.DataDir)
}

func buildTasksListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openTaskStore(*configPath)
			if err != nil {
				return err
			}
			tasks, err := store.LoadTasks()
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("没有已创建的定时任务。")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tTRIGGER\tSTATUS\tNEXT RUN\tCHAT")
			for _, t := range tasks {
				next := "-"
				if t.NextRun != nil {
					next = t.NextRun.Local().Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s/%s\n",
					t.ID, t.Name, t.TaskType, describeTrigger(t), t.Status, next, t.ChannelID, t.ChatID)
			}
			return w.Flush()
		},
	}
}

func describeTrigger(t *cron.Task) string {
	switch t.TriggerType {
	case cron.TriggerOnce:
		return "once@" + t.TriggerConfig.At.Local().Format("01-02 15:04")
	case cron.TriggerInterval:
		return fmt.Sprintf("every %ds", t.TriggerConfig.IntervalSeconds)
	case cron.TriggerCron:
		return "cron " + t.TriggerConfig.Expression
	default:
		return string(t.TriggerType)
	}
}

func buildTasksAddCmd(configPath *string) *cobra.Command {
	var (
		name     string
		taskType string
		message  string
		prompt   string
		channel  string
		chatID   string
		userID   string
		trigger  string
		at       string
		every    int
		cronExpr string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a scheduled task",
		Example: `  # One-shot reminder
  praxis tasks add --name 喝水 --type reminder --message "该喝水了" \
    --channel telegram --chat 123456 --trigger once --at 2026-08-27T09:00:00+08:00

  # Daily agent task
  praxis tasks add --name 日报 --type task --prompt "总结昨天的新闻" \
    --channel telegram --chat 123456 --trigger cron --cron "0 9 * * *"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openTaskStore(*configPath)
			if err != nil {
				return err
			}

			now := time.Now()
			t := &cron.Task{
				ID:          uuid.NewString(),
				Name:        name,
				TriggerType: cron.TriggerType(trigger),
				TaskType:    cron.TaskType(taskType),
				ChannelID:   channel,
				ChatID:      chatID,
				UserID:      userID,
				Enabled:     true,
				Status:      cron.StatusScheduled,
				Deletable:   true,
				CreatedAt:   now,
				UpdatedAt:   now,
			}

			switch t.TaskType {
			case cron.TaskReminder:
				if strings.TrimSpace(message) == "" {
					return fmt.Errorf("reminder tasks need --message")
				}
				t.ReminderMessage = message
			case cron.TaskAgent:
				if strings.TrimSpace(prompt) == "" {
					return fmt.Errorf("agent tasks need --prompt")
				}
				t.Prompt = prompt
			default:
				return fmt.Errorf("unknown task type %q (want reminder or task)", taskType)
			}
			if t.ChatID == "" {
				return fmt.Errorf("--chat is required")
			}

			switch t.TriggerType {
			case cron.TriggerOnce:
				fireAt, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("parse --at: %w", err)
				}
				t.TriggerConfig.At = fireAt
			case cron.TriggerInterval:
				t.TriggerConfig.IntervalSeconds = every
			case cron.TriggerCron:
				t.TriggerConfig.Expression = cronExpr
			default:
				return fmt.Errorf("unknown trigger %q (want once, interval or cron)", trigger)
			}

			trig, err := cron.BuildTrigger(t)
			if err != nil {
				return err
			}
			next, ok := trig.NextRun(now, nil)
			if !ok {
				return fmt.Errorf("trigger would never fire")
			}
			t.NextRun = &next

			tasks, err := store.LoadTasks()
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
			if err := store.SaveTasks(tasks); err != nil {
				return err
			}
			fmt.Printf("已创建任务 %s (%s)，下次运行 %s\n", t.Name, t.ID, next.Local().Format("2006-01-02 15:04:05"))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Task name")
	cmd.Flags().StringVar(&taskType, "type", "reminder", "Task type: reminder or task")
	cmd.Flags().StringVar(&message, "message", "", "Reminder message (reminder tasks)")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Agent prompt (agent tasks)")
	cmd.Flags().StringVar(&channel, "channel", "", "Delivery channel, e.g. telegram")
	cmd.Flags().StringVar(&chatID, "chat", "", "Delivery chat id")
	cmd.Flags().StringVar(&userID, "user", "", "User id the task runs as")
	cmd.Flags().StringVar(&trigger, "trigger", "once", "Trigger: once, interval or cron")
	cmd.Flags().StringVar(&at, "at", "", "Fire time, RFC3339 (once triggers)")
	cmd.Flags().IntVar(&every, "every", 0, "Interval seconds (interval triggers)")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "5-field cron expression (cron triggers)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

func buildTasksRemoveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <task-id>",
		Short: "Delete a scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openTaskStore(*configPath)
			if err != nil {
				return err
			}
			tasks, err := store.LoadTasks()
			if err != nil {
				return err
			}
			kept := tasks[:0]
			var removed *cron.Task
			for _, t := range tasks {
				if t.ID == args[0] {
					removed = t
					continue
				}
				kept = append(kept, t)
			}
			if removed == nil {
				return fmt.Errorf("task %s not found", args[0])
			}
			if !removed.Deletable {
				return fmt.Errorf("task %s is not deletable", args[0])
			}
			if err := store.SaveTasks(kept); err != nil {
				return err
			}
			fmt.Printf("已删除任务 %s\n", removed.Name)
			return nil
		},
	}
}

func buildTasksEnableCmd(configPath *string, enable bool) *cobra.Command {
	use, short := "enable <task-id>", "Enable a scheduled task"
	if !enable {
		use, short = "disable <task-id>", "Disable a scheduled task"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openTaskStore(*configPath)
			if err != nil {
				return err
			}
			tasks, err := store.LoadTasks()
			if err != nil {
				return err
			}
			var found *cron.Task
			for _, t := range tasks {
				if t.ID == args[0] {
					found = t
					break
				}
			}
			if found == nil {
				return fmt.Errorf("task %s not found", args[0])
			}
			now := time.Now()
			found.Enabled = enable
			found.UpdatedAt = now
			if enable {
				found.FailCount = 0
				trig, err := cron.BuildTrigger(found)
				if err != nil {
					return err
				}
				if next, ok := trig.NextRun(now, found.LastRun); ok {
					found.NextRun = &next
					found.Status = cron.StatusScheduled
				} else {
					found.NextRun = nil
					found.Status = cron.StatusCompleted
				}
			} else {
				found.NextRun = nil
				found.Status = cron.StatusDisabled
			}
			if err := store.SaveTasks(tasks); err != nil {
				return err
			}
			if enable {
				fmt.Printf("已启用任务 %s\n", found.Name)
			} else {
				fmt.Printf("已禁用任务 %s\n", found.Name)
			}
			return nil
		},
	}
}

func buildTasksHistoryCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [task-id]",
		Short: "Show recent task executions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openTaskStore(*configPath)
			if err != nil {
				return err
			}
			execs, err := store.LoadExecutions()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				filtered := execs[:0]
				for _, e := range execs {
					if e.TaskID == args[0] {
						filtered = append(filtered, e)
					}
				}
				execs = filtered
			}
			if len(execs) > limit {
				execs = execs[len(execs)-limit:]
			}
			if len(execs) == 0 {
				fmt.Println("没有执行记录。")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTASK\tRESULT\tDURATION\tDETAIL")
			for _, e := range execs {
				result, detail := "ok", e.Output
				if !e.Success {
					result, detail = "fail", e.Error
				}
				if len(detail) > 60 {
					detail = detail[:57] + "..."
				}
				detail = strings.ReplaceAll(detail, "\n", " ")
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.StartedAt.Local().Format("2006-01-02 15:04:05"), e.TaskName, result,
					e.Duration.Round(time.Millisecond), detail)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum executions to show")
	return cmd
}
