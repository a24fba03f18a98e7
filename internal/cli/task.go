package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shaiso/durable/internal/activity"
	"github.com/shaiso/durable/internal/domain"
	"github.com/shaiso/durable/internal/mq"
	"github.com/shaiso/durable/internal/repo"
	"github.com/shaiso/durable/internal/telemetry"
)

// ErrNoBroker — команда требует RabbitMQ, а он не настроен.
var ErrNoBroker = errors.New("rabbitmq is not configured")

// NewTaskCmd создаёт группу команд для управления задачами.
func NewTaskCmd(depsFn DepsFunc, outputFn func() *Output) *cobra.Command {
	var namespace string

	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage activity and workflow tasks",
	}
	cmd.PersistentFlags().StringVarP(&namespace, "namespace", "n", "default", "Namespace")

	nsFn := func() string { return namespace }

	cmd.AddCommand(
		newEnqueueActivityCmd(depsFn, outputFn, nsFn),
		newEnqueueWorkflowCmd(depsFn, outputFn, nsFn),
		newTaskListCmd(depsFn, outputFn, nsFn),
		newTaskShowCmd(depsFn, outputFn),
		newTaskCancelCmd(depsFn, outputFn),
		newTaskCompleteCmd(depsFn, outputFn),
		newTaskFailCmd(depsFn, outputFn),
		newTaskWatchCmd(depsFn, outputFn, nsFn),
	)

	return cmd
}

func newEnqueueActivityCmd(depsFn DepsFunc, outputFn func() *Output, nsFn func() string) *cobra.Command {
	var (
		queue            string
		input            string
		details          string
		workflowID       string
		runID            string
		workflowType     string
		activityID       string
		headers          []string
		startToClose     time.Duration
		heartbeatTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "enqueue-activity TYPE",
		Short: "Put an activity task into a task queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputJSON, err := parseJSONFlag("input", input)
			if err != nil {
				return err
			}
			detailsJSON, err := parseJSONFlag("heartbeat-details", details)
			if err != nil {
				return err
			}
			hdrs, err := parseKeyValues("header", headers)
			if err != nil {
				return err
			}

			if runID == "" {
				runID = uuid.NewString()
			}
			if activityID == "" {
				activityID = "1"
			}

			task := &domain.Task{
				Namespace:           nsFn(),
				TaskQueue:           queue,
				Kind:                domain.TaskKindActivity,
				TypeName:            args[0],
				WorkflowID:          workflowID,
				RunID:               runID,
				WorkflowType:        workflowType,
				ActivityID:          activityID,
				Input:               inputJSON,
				HeartbeatDetails:    detailsJSON,
				Headers:             hdrs,
				StartToCloseTimeout: startToClose,
				HeartbeatTimeout:    heartbeatTimeout,
			}
			return enqueue(cmd.Context(), depsFn, outputFn(), task)
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Task queue (required)")
	cmd.Flags().StringVar(&input, "input", "", "Activity input as JSON")
	cmd.Flags().StringVar(&details, "heartbeat-details", "", "Heartbeat details of a previous attempt as JSON")
	cmd.Flags().StringVar(&workflowID, "workflow-id", "", "Owning workflow ID")
	cmd.Flags().StringVar(&runID, "run-id", "", "Owning run ID (random if not specified)")
	cmd.Flags().StringVar(&workflowType, "workflow-type", "", "Owning workflow type")
	cmd.Flags().StringVar(&activityID, "activity-id", "", "Activity ID within the run (default 1)")
	cmd.Flags().StringSliceVar(&headers, "header", nil, "Header as KEY=VALUE (repeatable)")
	cmd.Flags().DurationVar(&startToClose, "start-to-close", 0, "Start-to-close timeout")
	cmd.Flags().DurationVar(&heartbeatTimeout, "heartbeat-timeout", 0, "Heartbeat timeout")
	_ = cmd.MarkFlagRequired("queue")

	return cmd
}

func newEnqueueWorkflowCmd(depsFn DepsFunc, outputFn func() *Output, nsFn func() string) *cobra.Command {
	var queue, input, workflowID, runID string

	cmd := &cobra.Command{
		Use:   "enqueue-workflow TYPE",
		Short: "Put a workflow task into a task queue",
		Long: "Put a workflow task into a task queue.\n\n" +
			"A run that already completed a workflow task on a sticky worker is routed to its sticky queue.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputJSON, err := parseJSONFlag("input", input)
			if err != nil {
				return err
			}
			if runID == "" {
				runID = uuid.NewString()
			}
			if workflowID == "" {
				workflowID = runID
			}

			task := &domain.Task{
				Namespace:    nsFn(),
				TaskQueue:    queue,
				Kind:         domain.TaskKindWorkflow,
				TypeName:     args[0],
				WorkflowID:   workflowID,
				RunID:        runID,
				WorkflowType: args[0],
				Input:        inputJSON,
			}
			return enqueue(cmd.Context(), depsFn, outputFn(), task)
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Task queue (required)")
	cmd.Flags().StringVar(&input, "input", "", "Workflow input as JSON")
	cmd.Flags().StringVar(&workflowID, "workflow-id", "", "Workflow ID (run ID if not specified)")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run ID (random if not specified)")
	_ = cmd.MarkFlagRequired("queue")

	return cmd
}

// enqueue ставит задачу и публикует task.ready.
func enqueue(ctx context.Context, depsFn DepsFunc, out *Output, task *domain.Task) error {
	deps, err := depsFn(ctx)
	if err != nil {
		return err
	}
	defer deps.close()

	if err := deps.Store.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}

	if deps.Publisher != nil {
		err := deps.Publisher.PublishTaskReady(ctx, mq.TaskReadyPayload{
			Namespace: task.Namespace,
			TaskQueue: task.TaskQueue,
			Token:     string(task.Token),
			Kind:      string(task.Kind),
		})
		if err != nil {
			// Задача уже в очереди, воркер найдёт её polling'ом.
			out.Error(fmt.Sprintf("publish task.ready: %v", err))
		}
	}

	out.Success(fmt.Sprintf("Task enqueued: %s", task.Token))
	out.Print(taskHeaders, [][]string{taskRow(&domain.TaskRecord{Task: *task, Status: domain.TaskStatusQueued})}, task)
	return nil
}

func newTaskListCmd(depsFn DepsFunc, outputFn func() *Output, nsFn func() string) *cobra.Command {
	var queue, status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			deps, err := depsFn(ctx)
			if err != nil {
				return err
			}
			defer deps.close()

			records, err := deps.Store.List(ctx, repo.ListFilter{
				Namespace: nsFn(),
				TaskQueue: queue,
				Status:    domain.TaskStatus(strings.ToUpper(status)),
				Limit:     limit,
			})
			if err != nil {
				return err
			}

			rows := make([][]string, len(records))
			for i := range records {
				rows[i] = taskRow(&records[i])
			}

			outputFn().Print(taskHeaders, rows, records)
			return nil
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Filter by task queue")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (QUEUED, RUNNING, COMPLETED, FAILED, CANCELED)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newTaskShowCmd(depsFn DepsFunc, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show TOKEN",
		Short: "Show task details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			deps, err := depsFn(ctx)
			if err != nil {
				return err
			}
			defer deps.close()

			rec, err := deps.Store.Get(ctx, []byte(args[0]))
			if err != nil {
				return fmt.Errorf("task %s: %w", args[0], err)
			}

			failure := ""
			if rec.Failure != nil {
				failure = rec.Failure.Message
			}

			outputFn().Fields(
				[]string{"TOKEN", "NAMESPACE", "QUEUE", "KIND", "TYPE", "WORKFLOW_ID", "RUN_ID", "ACTIVITY_ID",
					"ATTEMPT", "STATUS", "CANCEL_REQUESTED", "INPUT", "HEARTBEAT_DETAILS", "RESULT", "FAILURE",
					"SCHEDULED", "LAST_HEARTBEAT"},
				[]string{string(rec.Token), rec.Namespace, rec.TaskQueue, string(rec.Kind), rec.TypeName,
					rec.WorkflowID, rec.RunID, rec.ActivityID, strconv.Itoa(rec.Attempt), string(rec.Status),
					strconv.FormatBool(rec.CancelRequested), string(rec.Input), string(rec.HeartbeatDetails),
					string(rec.Result), failure, formatTime(&rec.ScheduledAt), formatTime(rec.LastHeartbeatAt)},
				rec,
			)
			return nil
		},
	}
}

func newTaskCancelCmd(depsFn DepsFunc, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel TOKEN",
		Short: "Request cancellation of a task",
		Long: "Request cancellation of a task.\n\n" +
			"A queued task is canceled immediately. A running activity learns about the request\n" +
			"from its next heartbeat.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			deps, err := depsFn(ctx)
			if err != nil {
				return err
			}
			defer deps.close()

			status, err := deps.Store.RequestCancel(ctx, []byte(args[0]))
			if err != nil {
				return fmt.Errorf("cancel task %s: %w", args[0], err)
			}

			out := outputFn()
			if status == domain.TaskStatusCanceled {
				out.Success(fmt.Sprintf("Task canceled: %s", args[0]))
			} else {
				out.Success(fmt.Sprintf("Cancellation requested: %s", args[0]))
			}
			return nil
		},
	}
}

func newTaskCompleteCmd(depsFn DepsFunc, outputFn func() *Output) *cobra.Command {
	var result string

	cmd := &cobra.Command{
		Use:   "complete ASYNC_TOKEN",
		Short: "Complete an asynchronous activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := activity.ParseAsyncToken(args[0])
			if err != nil {
				return err
			}
			resultJSON, err := parseJSONFlag("result", result)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			deps, err := depsFn(ctx)
			if err != nil {
				return err
			}
			defer deps.close()

			if err := deps.Client.RespondActivityTaskCompleted(ctx, token.Namespace, token.TaskToken, resultJSON); err != nil {
				return fmt.Errorf("complete activity %s: %w", token.ActivityID, err)
			}

			outputFn().Success(fmt.Sprintf("Activity completed: %s/%s", token.WorkflowID, token.ActivityID))
			return nil
		},
	}

	cmd.Flags().StringVar(&result, "result", "", "Activity result as JSON")
	return cmd
}

func newTaskFailCmd(depsFn DepsFunc, outputFn func() *Output) *cobra.Command {
	var message, errType string

	cmd := &cobra.Command{
		Use:   "fail ASYNC_TOKEN",
		Short: "Fail an asynchronous activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := activity.ParseAsyncToken(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			deps, err := depsFn(ctx)
			if err != nil {
				return err
			}
			defer deps.close()

			failure := &domain.Failure{Message: message, Type: errType}
			if err := deps.Client.RespondActivityTaskFailed(ctx, token.Namespace, token.TaskToken, failure); err != nil {
				return fmt.Errorf("fail activity %s: %w", token.ActivityID, err)
			}

			outputFn().Success(fmt.Sprintf("Activity failed: %s/%s", token.WorkflowID, token.ActivityID))
			return nil
		},
	}

	cmd.Flags().StringVar(&message, "message", "failed externally", "Failure message")
	cmd.Flags().StringVar(&errType, "type", "", "Failure type")
	return cmd
}

func newTaskWatchCmd(depsFn DepsFunc, outputFn func() *Output, nsFn func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print task.completed events until interrupted",
		Long: "Print task.completed events until interrupted.\n\n" +
			"Reads the shared tasks.completed queue, so events consumed here are not seen by other readers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			deps, err := depsFn(ctx)
			if err != nil {
				return err
			}
			defer deps.close()

			if deps.Conn == nil {
				return ErrNoBroker
			}

			out := outputFn()
			consumer := mq.NewConsumer(deps.Conn, telemetry.DiscardLogger(), mq.ConsumerConfig{
				Queue:   string(mq.QueueTasksCompleted),
				Handler: completedPrinter(out, nsFn()),
			})

			err = consumer.Start(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

// completedPrinter выводит события task.completed выбранного namespace.
func completedPrinter(out *Output, namespace string) mq.Handler {
	return func(ctx context.Context, d *mq.Delivery) error {
		if d.Message.Type != mq.MessageTypeTaskCompleted {
			return nil
		}

		payload, err := mq.ParsePayload[mq.TaskCompletedPayload](&d.Message)
		if err != nil {
			return nil
		}
		if namespace != "" && payload.Namespace != namespace {
			return nil
		}

		line := fmt.Sprintf("%s  %s  %s", d.Message.Timestamp.Format(time.RFC3339), payload.Token, payload.Status)
		if payload.Error != "" {
			line += "  " + payload.Error
		}
		out.Line(line, payload)
		return nil
	}
}

var taskHeaders = []string{"TOKEN", "KIND", "TYPE", "QUEUE", "RUN_ID", "ATTEMPT", "STATUS", "SCHEDULED"}

func taskRow(rec *domain.TaskRecord) []string {
	return []string{
		string(rec.Token),
		string(rec.Kind),
		rec.TypeName,
		rec.TaskQueue,
		rec.RunID,
		strconv.Itoa(rec.Attempt),
		string(rec.Status),
		formatTime(&rec.ScheduledAt),
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// parseKeyValues разбирает значения вида KEY=VALUE.
func parseKeyValues(flag string, values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}

	result := make(map[string]string, len(values))
	for _, kv := range values {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return nil, &FlagError{Flag: flag, Reason: fmt.Sprintf("invalid format %q, expected KEY=VALUE", kv)}
		}
		result[parts[0]] = parts[1]
	}
	return result, nil
}
