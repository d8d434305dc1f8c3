package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zeroos-project/kernel/internal/auditlog"
)

func newLogCmd(flags *bootFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "log",
		Short: "query or watch the audit log (spec §6 log_query/log_watch)",
	}

	var fromSeq, toSeq uint64
	var kind string
	var limit int
	query := &cobra.Command{
		Use:   "query",
		Short: "print records in [from, to] matching kind, in ascending sequence order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.auditPath == "" {
				return fmt.Errorf("log query needs --audit-path pointing at a running kernel's bbolt file")
			}
			k, err := flags.boot()
			if err != nil {
				return err
			}
			defer k.Close()

			records, err := k.Audit.Query(fromSeq, toSeq, auditlog.Filter{Kind: auditlog.Kind(kind)}, limit)
			if err != nil {
				return err
			}
			for _, r := range records {
				fmt.Printf("%d\t%s\tactor=%d\t%v\n", r.Seq, r.Kind, r.ActorPID, r.Fields)
			}
			return nil
		},
	}
	query.Flags().Uint64Var(&fromSeq, "from", 0, "lower sequence bound, inclusive")
	query.Flags().Uint64Var(&toSeq, "to", ^uint64(0), "upper sequence bound, inclusive")
	query.Flags().StringVar(&kind, "kind", "", "filter to one record kind (empty: all kinds)")
	query.Flags().IntVar(&limit, "limit", 100, "maximum records to print (0: unbounded)")

	watch := &cobra.Command{
		Use:   "watch",
		Short: "stream new records as they're appended until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.auditPath == "" {
				return fmt.Errorf("log watch needs --audit-path pointing at a running kernel's bbolt file")
			}
			k, err := flags.boot()
			if err != nil {
				return err
			}
			defer k.Close()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

			ch := k.LogWatch(auditlog.Filter{Kind: auditlog.Kind(kind)})
			for {
				select {
				case r, ok := <-ch:
					if !ok {
						return nil
					}
					fmt.Printf("%d\t%s\tactor=%d\t%v\n", r.Seq, r.Kind, r.ActorPID, r.Fields)
				case <-sigCh:
					return nil
				}
			}
		},
	}
	watch.Flags().StringVar(&kind, "kind", "", "filter to one record kind (empty: all kinds)")

	root.AddCommand(query, watch)
	return root
}
