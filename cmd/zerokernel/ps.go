package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPsCmd(flags *bootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "boot a kernel and print each CPU's runnable threads by priority band",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := flags.boot()
			if err != nil {
				return err
			}
			defer k.Close()

			for _, snap := range k.Sched.Snapshot() {
				fmt.Printf("cpu %d:\n", snap.CPU)
				hasRunnable := false
				for band := len(snap.Bands) - 1; band >= 0; band-- {
					tids := snap.Bands[band]
					if len(tids) == 0 {
						continue
					}
					hasRunnable = true
					fmt.Printf("  band %d: %v\n", band, tids)
				}
				if !hasRunnable {
					fmt.Println("  (idle)")
				}
			}
			return nil
		},
	}
}
