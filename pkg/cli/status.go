package cli

import (
	"sort"
	"time"

	"github.com/spf13/cobra"
)

type statusReport struct {
	Models      []stateRow  `json:"models"`
	Loaded      []handleRow `json:"loaded"`
	CommittedMB int64       `json:"committed_mb"`
	ReservedMB  int64       `json:"reserved_mb"`
}

type stateRow struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

type handleRow struct {
	ID          string `json:"id"`
	Runtime     string `json:"runtime"`
	FootprintMB int64  `json:"footprint_mb"`
	LastUsed    string `json:"last_used"`
}

func NewStatusCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show lifecycle states and memory accounting",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := root.OutputOptions()
			orch := root.Orchestrator()

			report := statusReport{
				CommittedMB: orch.Memory().CommittedBytes() >> 20,
				ReservedMB:  orch.Memory().ReservedBytes() >> 20,
			}

			// Every registered model gets a state row, including ones with
			// no lifecycle activity yet.
			for _, d := range root.Registry().List() {
				report.Models = append(report.Models, stateRow{
					ID:    d.ID,
					State: string(orch.Lifecycle().State(d.ID)),
				})
			}
			sort.Slice(report.Models, func(i, j int) bool {
				return report.Models[i].ID < report.Models[j].ID
			})

			for _, h := range orch.Memory().Handles() {
				report.Loaded = append(report.Loaded, handleRow{
					ID:          h.ModelID,
					Runtime:     h.RuntimeID,
					FootprintMB: h.Footprint >> 20,
					LastUsed:    h.LastUsed.Format(time.RFC3339),
				})
			}
			sort.Slice(report.Loaded, func(i, j int) bool {
				return report.Loaded[i].ID < report.Loaded[j].ID
			})

			return PrintOutput(report, opts)
		},
	}
}
