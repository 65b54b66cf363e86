package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/autoschematic-sh/autoschematic/pkg/supervisor"
)

func newTopCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Show supervised child processes",
		Long: `Show a point-in-time health report for every supervised child
process: connectors first, then tasks, sorted by prefix and name.

Each entry carries the child's pid and its health classification. The
report covers children of this process only.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			reports := rt.sup.Top()
			if jsonOutput {
				return printJSON(reports)
			}

			if len(reports) == 0 {
				fmt.Println("No supervised children.")
				return nil
			}

			fmt.Printf("%-10s %-20s %-10s %-8s %-8s %-8s %-10s %s\n",
				"PREFIX", "NAME", "KIND", "PID", "STATUS", "CPU", "MEM", "STATE")
			for _, r := range reports {
				state := ""
				if r.State != supervisor.TaskState("") {
					state = string(r.State)
				}
				fmt.Printf("%-10s %-20s %-10s %-8d %-8s %-8s %-10s %s\n",
					r.Key.Prefix, r.Key.Name, r.Kind, r.Pid, r.Status.String(),
					fmt.Sprintf("%.1f%%", r.Status.CPUUsage*100),
					fmt.Sprintf("%dM", r.Status.Memory/(1<<20)), state)
			}
			return nil
		},
	}

	return cmd
}
