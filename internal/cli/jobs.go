package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lanlift/lanlift/internal/store"
)

// newJobsCmd groups inspection and maintenance of persisted upload state.
func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage persisted upload state",
	}
	cmd.AddCommand(newJobsListCmd())
	cmd.AddCommand(newJobsDeleteCmd())
	return cmd
}

func newJobsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List persisted upload jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.StateDir, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			jobs, err := st.ListJobs()
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No persisted uploads.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "UPLOAD ID\tFILE\tSIZE\tPARTS\tSTATUS\tCREATED")
			for _, job := range jobs {
				done, err := st.CountCompleted(job.UploadID)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d/%d\t%s\t%s\n",
					job.UploadID, job.FileName, job.FileSize,
					done, job.TotalParts, job.Status,
					job.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}

func newJobsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <upload-id>",
		Short: "Delete a persisted upload job and its part rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.StateDir, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.DeleteJob(args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		},
	}
}
