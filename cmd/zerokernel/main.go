// Command zerokernel boots the capability-based microkernel core
// in-process and exposes its syscall surface through a handful of
// operator-facing subcommands: running one of spec §8's reference
// scenarios, listing runnable threads, and querying or watching the
// audit log, mirroring the cobra/pflag command-tree convention
// go.mod's direct requires commit to.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zeroos-project/kernel/internal/kernel"
)

// bootFlags are the persistent flags every subcommand shares to boot a
// Kernel with the same resource limits and audit backing.
type bootFlags struct {
	numCPU      int
	timeSlice   time.Duration
	auditPath   string
	maxCapSlots int
	wasm        bool
	verbose     bool
}

func (f *bootFlags) register(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.IntVar(&f.numCPU, "num-cpu", 1, "number of simulated CPUs")
	flags.DurationVar(&f.timeSlice, "time-slice", 10*time.Millisecond, "scheduler time slice")
	flags.StringVar(&f.auditPath, "audit-path", "", "bbolt file backing the audit log (empty: in-memory only)")
	flags.IntVar(&f.maxCapSlots, "max-cap-slots", 256, "capability table size per process")
	flags.BoolVar(&f.wasm, "wasm", false, "use the cooperative WASM substrate instead of the native timer")
	flags.BoolVarP(&f.verbose, "verbose", "v", false, "trace-level logging")
}

func (f *bootFlags) boot() (*kernel.Kernel, error) {
	logger := logrus.StandardLogger()
	if f.verbose {
		logger.SetLevel(logrus.TraceLevel)
	}
	return kernel.New(kernel.Config{
		NumCPU:      f.numCPU,
		TimeSlice:   f.timeSlice,
		AuditPath:   f.auditPath,
		MaxCapSlots: f.maxCapSlots,
		WASM:        f.wasm,
		Logger:      logger,
	})
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &bootFlags{}
	root := &cobra.Command{
		Use:           "zerokernel",
		Short:         "boot and operate the zero OS kernel core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags.register(root)
	root.AddCommand(
		newRunCmd(flags),
		newPsCmd(flags),
		newLogCmd(flags),
		newServeCmd(flags),
	)
	return root
}
