package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/zeroos-project/kernel/internal/auditstream"
)

func newServeCmd(flags *bootFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "boot a kernel and expose its audit log over gRPC until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := flags.boot()
			if err != nil {
				return err
			}
			defer k.Close()

			lis, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", listen, err)
			}
			srv := auditstream.NewInstrumentedServer(k)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigCh
				srv.GracefulStop()
			}()

			log.G(cmd.Context()).WithField("addr", lis.Addr()).Info("auditstream listening")
			return srv.Serve(lis)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:7777", "address for the AuditStream gRPC service")
	return cmd
}
