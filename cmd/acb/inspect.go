package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/anotherjesse/acb/internal/config"
	"github.com/anotherjesse/acb/internal/state"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		cfg, err := config.Load(config.ResolvePath(configFlag))
		if err != nil {
			return err
		}
		fmt.Printf("config OK: homeserver %s, bot %s, %d project(s)\n",
			cfg.HomeserverURL, cfg.BotUserID, len(cfg.Projects))
		for _, p := range cfg.Projects {
			fmt.Printf("  %s: repo %s, spark %s/%s\n",
				p.Key, p.Repo, p.Spark.Project, p.Spark.MainSpark)
		}
		return nil
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Print tasks from the state file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		cfg, err := config.Load(config.ResolvePath(configFlag))
		if err != nil {
			return err
		}

		st := state.NewStore(cfg.Runtime.StateFile).Load()
		tasks := make([]*state.Task, 0, len(st.Tasks))
		for _, t := range st.Tasks {
			tasks = append(tasks, t)
		}
		sort.Slice(tasks, func(i, j int) bool {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		})

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPROJECT\tROOM\tSANDBOX")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				t.ID, t.Status, t.ProjectKey, t.TaskRoomID, t.SandboxName)
		}
		return w.Flush()
	},
}
