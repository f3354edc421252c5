package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

type hwReport struct {
	Provider    string       `json:"provider"`
	TotalMB     int64        `json:"total_memory_mb"`
	AvailableMB int64        `json:"available_memory_mb"`
	Thermal     string       `json:"thermal"`
	Battery     string       `json:"battery"`
	Units       []computeRow `json:"compute_units"`
}

type computeRow struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Name     string `json:"name"`
	MemoryMB int64  `json:"memory_mb"`
}

func NewHWCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "hw",
		Short: "Show the detected hardware",
		Long:  "Display the hardware snapshot the runtime adapter selection works from.",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := root.OutputOptions()

			snap, err := root.provider.CurrentSnapshot(cmd.Context())
			if err != nil {
				PrintError(err, opts)
				return err
			}

			battery := "none"
			if snap.BatteryLevel >= 0 {
				battery = fmt.Sprintf("%.0f%%", snap.BatteryLevel*100)
				if snap.Charging {
					battery += " (charging)"
				}
			}

			report := hwReport{
				Provider:    root.provider.Name(),
				TotalMB:     snap.TotalMemory >> 20,
				AvailableMB: snap.AvailableMemory >> 20,
				Thermal:     string(snap.Thermal),
				Battery:     battery,
			}
			for _, u := range snap.ComputeUnits {
				report.Units = append(report.Units, computeRow{
					ID:       u.ID,
					Kind:     string(u.Kind),
					Name:     u.Name,
					MemoryMB: u.MemoryBytes >> 20,
				})
			}

			return PrintOutput(report, opts)
		},
	}
}
