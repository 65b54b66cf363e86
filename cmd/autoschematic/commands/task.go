package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autoschematic-sh/autoschematic/pkg/connector/protocol"
	"github.com/autoschematic-sh/autoschematic/pkg/supervisor"
)

func newTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage long-running task processes",
		Long: `Spawn, message and inspect long-running task processes.

Tasks are child processes defined per prefix in the root configuration.
Unlike connectors they are addressed by message rather than by the
resource RPC surface, and they run until told to shut down.`,
	}

	cmd.AddCommand(newTaskSpawnCommand())
	cmd.AddCommand(newTaskSendCommand())
	cmd.AddCommand(newTaskListCommand())

	return cmd
}

func newTaskSpawnCommand() *cobra.Command {
	var (
		prefix string
	)

	cmd := &cobra.Command{
		Use:   "spawn <name>",
		Short: "Spawn a task process",
		Example: `  # Spawn the drift-watcher task in the prod prefix
  autoschematic task spawn drift-watcher --prefix prod`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			rt, ctx, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			pc, ok := rt.cfg.Prefixes[prefix]
			if !ok {
				return fmt.Errorf("no such prefix: %s", prefix)
			}
			def := pc.Task(name)
			if def == nil {
				return fmt.Errorf("no such task in prefix %s: %s", prefix, name)
			}

			key := supervisor.Key{Prefix: prefix, Name: name}
			task, err := rt.sup.SpawnTask(ctx, key, def)
			if err != nil {
				return fmt.Errorf("spawn task: %w", err)
			}

			log.Info().
				Str("prefix", prefix).
				Str("task", name).
				Str("state", string(task.State())).
				Msg("Task spawned")
			fmt.Printf("Task %s/%s is %s\n", prefix, name, task.State())

			// The task dies with this process, so hold the foreground until
			// it exits or the command is interrupted.
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if task.State() == supervisor.TaskDead {
						fmt.Printf("Task %s/%s exited\n", prefix, name)
						return nil
					}
				}
			}
		},
	}

	cmd.Flags().StringVarP(&prefix, "prefix", "p", "", "prefix the task is defined under")
	cmd.MarkFlagRequired("prefix")

	return cmd
}

func newTaskSendCommand() *cobra.Command {
	var (
		prefix  string
		msgType string
		body    string
	)

	cmd := &cobra.Command{
		Use:   "send <name>",
		Short: "Send a message to a running task",
		Long: `Send a typed message to a running task process.

The body, when given, must be a JSON value; it is delivered to the task
opaque and unvalidated. Sending the shut_down type begins a graceful
shutdown.`,
		Example: `  # Ask a task to reload
  autoschematic task send drift-watcher --prefix prod --type reload

  # Send a message with a payload
  autoschematic task send drift-watcher --prefix prod --type scan --body '{"subpath": "aws/s3"}'

  # Shut a task down
  autoschematic task send drift-watcher --prefix prod --type shut_down`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			msg := protocol.TaskMessage{Type: msgType}
			if body != "" {
				if !json.Valid([]byte(body)) {
					return fmt.Errorf("message body is not valid JSON")
				}
				msg.Body = json.RawMessage(body)
			}

			rt, ctx, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			key := supervisor.Key{Prefix: prefix, Name: name}
			if err := rt.sup.SendTaskMessage(ctx, key, msg); err != nil {
				return fmt.Errorf("send task message: %w", err)
			}

			fmt.Printf("Sent %s to task %s/%s\n", msgType, prefix, name)
			return nil
		},
	}

	cmd.Flags().StringVarP(&prefix, "prefix", "p", "", "prefix the task is defined under")
	cmd.Flags().StringVar(&msgType, "type", "", "message type, e.g. shut_down")
	cmd.Flags().StringVar(&body, "body", "", "JSON message payload")
	cmd.MarkFlagRequired("prefix")
	cmd.MarkFlagRequired("type")

	return cmd
}

func newTaskListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known task processes and their states",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			tasks := rt.sup.Tasks()
			if jsonOutput {
				reports := make([]map[string]string, 0, len(tasks))
				for _, t := range tasks {
					reports = append(reports, map[string]string{
						"prefix": t.Key.Prefix,
						"name":   t.Key.Name,
						"state":  string(t.State()),
					})
				}
				return printJSON(reports)
			}

			if len(tasks) == 0 {
				fmt.Println("No tasks registered.")
				return nil
			}
			for _, t := range tasks {
				fmt.Printf("  %s/%s: %s\n", t.Key.Prefix, t.Key.Name, t.State())
			}
			return nil
		},
	}

	return cmd
}
