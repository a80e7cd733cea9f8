package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/valter-silva-au/taskwatch/internal/core"
	"github.com/valter-silva-au/taskwatch/pkg/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks (add, list, show, status, archive, depend)",
	Long: `Unified task management commands.

Add new tasks to the queue, list and inspect them, change status,
archive finished work, and declare dependencies between tasks.`,
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a new task to the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Tasks == nil {
			return fmt.Errorf("task service not initialized")
		}

		descFlag, _ := cmd.Flags().GetString("description")
		priorityFlag, _ := cmd.Flags().GetString("priority")
		projectFlag, _ := cmd.Flags().GetString("project")
		tagsFlag, _ := cmd.Flags().GetStringSlice("tags")
		subtasksFlag, _ := cmd.Flags().GetStringSlice("subtask")
		dependsFlag, _ := cmd.Flags().GetStringSlice("depends-on")

		task := models.Task{
			Title:       args[0],
			Description: descFlag,
			Priority:    models.Priority(priorityFlag),
			Project:     projectFlag,
			Tags:        tagsFlag,
			DependsOn:   dependsFlag,
		}
		for _, text := range subtasksFlag {
			task.Subtasks = append(task.Subtasks, models.Subtask{Text: text})
		}

		created, err := Tasks.Create(task)
		if err != nil {
			return fmt.Errorf("adding task: %w", err)
		}
		flushStore()

		fmt.Printf("Created task %s\n", created.ID)
		fmt.Printf("  Title:    %s\n", created.Title)
		fmt.Printf("  Status:   %s\n", created.Status)
		fmt.Printf("  Priority: %s\n", created.Priority)
		if len(created.Subtasks) > 0 {
			fmt.Printf("  Subtasks: %d\n", len(created.Subtasks))
		}
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, optionally filtered by status or project",
	RunE: func(cmd *cobra.Command, args []string) error {
		if Tasks == nil {
			return fmt.Errorf("task service not initialized")
		}

		statusFlag, _ := cmd.Flags().GetString("status")
		projectFlag, _ := cmd.Flags().GetString("project")

		filter := models.TaskFilter{Project: projectFlag}
		if statusFlag != "" {
			filter.Status = []models.TaskStatus{models.NormalizeStatus(models.TaskStatus(statusFlag))}
		}

		tasks := Tasks.Query(filter)
		if len(tasks) == 0 {
			fmt.Println("No tasks found.")
			return nil
		}

		for _, task := range tasks {
			marker := " "
			if blocked, _ := Tasks.IsBlocked(task.ID); blocked {
				marker = "!"
			}
			done := 0
			for _, st := range task.Subtasks {
				if st.Status == models.SubtaskCompleted {
					done++
				}
			}
			line := fmt.Sprintf("%s %-12s %-8s %s", marker, task.Status, task.Priority, task.Title)
			if len(task.Subtasks) > 0 {
				line += fmt.Sprintf(" [%d/%d]", done, len(task.Subtasks))
			}
			if task.ActiveAgent != nil {
				line += " (agent: " + task.ActiveAgent.SessionKey + ")"
			}
			fmt.Println(line)
			fmt.Printf("    id: %s\n", task.ID)
		}
		return nil
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show full task details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Tasks == nil {
			return fmt.Errorf("task service not initialized")
		}

		task, err := Tasks.Get(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Task %s\n", task.ID)
		fmt.Printf("  Title:    %s\n", task.Title)
		if task.Description != "" {
			fmt.Printf("  Desc:     %s\n", task.Description)
		}
		fmt.Printf("  Status:   %s\n", task.Status)
		fmt.Printf("  Priority: %s\n", task.Priority)
		if task.Project != "" {
			fmt.Printf("  Project:  %s\n", task.Project)
		}
		if len(task.DependsOn) > 0 {
			fmt.Printf("  Depends:  %v\n", task.DependsOn)
			if blocking, err := Tasks.BlockingTasks(task.ID); err == nil && len(blocking) > 0 {
				fmt.Printf("  Blocked by %d unmet dependencies\n", len(blocking))
			}
		}
		if len(task.BlockedReasons) > 0 {
			fmt.Printf("  Blocked reasons:\n")
			for _, reason := range task.BlockedReasons {
				fmt.Printf("    - %s\n", reason)
			}
		}
		if task.ActiveAgent != nil {
			fmt.Printf("  Agent:    %s\n", task.ActiveAgent.SessionKey)
		}
		if task.NeedsReview {
			fmt.Printf("  Needs review: agent-reported completion is unconfirmed\n")
		}
		for i, st := range task.Subtasks {
			fmt.Printf("  [%d] %-10s %s\n", i, st.Status, st.Text)
			if st.Note != "" {
				fmt.Printf("      note: %s\n", st.Note)
			}
		}
		return nil
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <task-id> <status>",
	Short: "Change a task's status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Tasks == nil {
			return fmt.Errorf("task service not initialized")
		}

		task, err := Tasks.SetStatus(args[0], models.TaskStatus(args[1]))
		if err != nil {
			return fmt.Errorf("updating status: %w", err)
		}
		flushStore()
		fmt.Printf("Task %s is now %s\n", task.ID, task.Status)
		return nil
	},
}

var taskArchiveCmd = &cobra.Command{
	Use:   "archive <task-id>",
	Short: "Archive a task, mirroring it to the historical record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Tasks == nil {
			return fmt.Errorf("task service not initialized")
		}

		task, err := Tasks.Archive(args[0])
		if err != nil {
			return fmt.Errorf("archiving task: %w", err)
		}
		flushStore()
		fmt.Printf("Archived task %s\n", task.ID)
		return nil
	},
}

var taskDependCmd = &cobra.Command{
	Use:   "depend <task-id> <depends-on-id>...",
	Short: "Declare that a task depends on other tasks",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Tasks == nil {
			return fmt.Errorf("task service not initialized")
		}

		task, err := Tasks.Get(args[0])
		if err != nil {
			return err
		}
		deps := append(append([]string(nil), task.DependsOn...), args[1:]...)
		if _, err := Tasks.Update(args[0], core.TaskUpdate{DependsOn: &deps}); err != nil {
			return fmt.Errorf("adding dependency: %w", err)
		}
		flushStore()
		fmt.Printf("Task %s now depends on %v\n", args[0], deps)
		return nil
	},
}

var subtaskCmd = &cobra.Command{
	Use:   "subtask",
	Short: "Manage subtasks (add, status, approve, reject)",
}

var subtaskAddCmd = &cobra.Command{
	Use:   "add <task-id> <text>",
	Short: "Add a subtask to a task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Tasks == nil {
			return fmt.Errorf("task service not initialized")
		}

		task, err := Tasks.Update(args[0], core.TaskUpdate{AddSubtasks: []string{args[1]}})
		if err != nil {
			return fmt.Errorf("adding subtask: %w", err)
		}
		flushStore()
		fmt.Printf("Added subtask %d to task %s\n", len(task.Subtasks)-1, task.ID)
		return nil
	},
}

var subtaskStatusCmd = &cobra.Command{
	Use:   "status <task-id> <index> <status>",
	Short: "Change a subtask's status as a given role",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Tasks == nil {
			return fmt.Errorf("task service not initialized")
		}

		index, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("parsing subtask index: %w", err)
		}
		roleFlag, _ := cmd.Flags().GetString("role")
		noteFlag, _ := cmd.Flags().GetString("note")

		_, err = Tasks.UpdateSubtaskStatus(args[0], index, models.SubtaskStatus(args[2]), models.Role(roleFlag), noteFlag)
		if err != nil {
			return fmt.Errorf("updating subtask: %w", err)
		}
		flushStore()
		fmt.Printf("Subtask %s[%d] is now %s\n", args[0], index, args[2])
		return nil
	},
}

var subtaskApproveCmd = &cobra.Command{
	Use:   "approve <task-id> <index>",
	Short: "Approve a subtask (orchestrator completes it)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Tasks == nil {
			return fmt.Errorf("task service not initialized")
		}

		index, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("parsing subtask index: %w", err)
		}
		if _, err := Tasks.ApproveSubtask(args[0], index); err != nil {
			return fmt.Errorf("approving subtask: %w", err)
		}
		flushStore()
		fmt.Printf("Approved subtask %s[%d]\n", args[0], index)
		return nil
	},
}

var subtaskRejectCmd = &cobra.Command{
	Use:   "reject <task-id> <index> <note>",
	Short: "Reject a subtask back to new with a note",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Tasks == nil {
			return fmt.Errorf("task service not initialized")
		}

		index, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("parsing subtask index: %w", err)
		}
		if _, err := Tasks.RejectSubtask(args[0], index, args[2]); err != nil {
			return fmt.Errorf("rejecting subtask: %w", err)
		}
		flushStore()
		fmt.Printf("Rejected subtask %s[%d]\n", args[0], index)
		return nil
	},
}

// flushStore closes the store so queued writes land before the process
// exits. Used by one-shot commands only; the daemon closes on shutdown.
func flushStore() {
	if TaskStore != nil {
		_ = TaskStore.Close()
	}
}

func init() {
	taskAddCmd.Flags().String("description", "", "Task description")
	taskAddCmd.Flags().String("priority", "normal", "Priority (urgent, high, normal, low, someday)")
	taskAddCmd.Flags().String("project", "", "Project reference")
	taskAddCmd.Flags().StringSlice("tags", nil, "Tags")
	taskAddCmd.Flags().StringSlice("subtask", nil, "Subtask text (repeatable)")
	taskAddCmd.Flags().StringSlice("depends-on", nil, "Task IDs this task depends on")

	taskListCmd.Flags().String("status", "", "Filter by status")
	taskListCmd.Flags().String("project", "", "Filter by project")

	subtaskStatusCmd.Flags().String("role", string(models.RoleOrchestrator), "Acting role (orchestrator or agent)")
	subtaskStatusCmd.Flags().String("note", "", "Review note")

	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskStatusCmd, taskArchiveCmd, taskDependCmd)
	subtaskCmd.AddCommand(subtaskAddCmd, subtaskStatusCmd, subtaskApproveCmd, subtaskRejectCmd)
	rootCmd.AddCommand(taskCmd, subtaskCmd)
}
