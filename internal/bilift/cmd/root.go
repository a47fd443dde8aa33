package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"bilift/internal/arch"
	"bilift/internal/config"
	"bilift/internal/logging"
	"bilift/internal/ui/colorize"
)

var (
	cfg    = config.Default()
	logger *logging.LoggerCloser
)

func init() {
	rootCmd.PersistentFlags().String("config", "", "JSON configuration file")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug logging")
	rootCmd.PersistentFlags().StringP("arch", "a", "", "Override the architecture (x86, x86_64, arm64)")
	rootCmd.PersistentFlags().Bool("no-color", false, "Plain listings")

	rootCmd.AddCommand(liftCmd, sectionsCmd, traceCmd, convertCmd, schemaCmd)
}

var rootCmd = &cobra.Command{
	Use:   "bilift",
	Short: "Lift machine code and execution traces to IL",
	Long: `bilift translates the executable sections of ELF and PE binaries, or
recorded execution traces, into an architecture independent IL.`,
	Example: `
# Lift every executable section
bilift lift /path/to/binary

# Lift a range at a rebased address
bilift lift --base 0x400000 --start 0x401000 --end 0x401040 /path/to/binary

# Stream the blocks of a trace that is still being recorded
bilift trace --json --follow --arch x86_64 run.jsonl
  `,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) {
		if logger != nil {
			logger.Close()
		}
	},
}

// setup layers the configuration file, the environment and the flags, in
// that order, and builds the logger.
func setup(cmd *cobra.Command, _ []string) error {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		c, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = c
	}
	if err := cfg.FromEnv(); err != nil {
		return err
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.LogLevel = "debug"
	}
	if a, _ := cmd.Flags().GetString("arch"); a != "" {
		cfg.Arch = a
	}
	if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
		cfg.NoColor = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger = logging.NewLogger()
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))
	return nil
}

func charmLogger() *log.Logger {
	if logger == nil {
		return log.New(os.Stderr)
	}
	return logger.Logger
}

// archOr returns the configured architecture override, or fallback.
func archOr(fallback arch.Arch) arch.Arch {
	if a, err := cfg.ArchOverride(); err == nil && a != arch.Unknown {
		return a
	}
	return fallback
}

func printer() *colorize.Printer {
	return colorize.NewPrinter(!cfg.NoColor && term.IsTerminal(os.Stdout.Fd()))
}

func parseAddr(cmd *cobra.Command, name string) (uint64, bool, error) {
	s, _ := cmd.Flags().GetString(name)
	if s == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, false, fmt.Errorf("--%s: %w", name, err)
	}
	return v, true, nil
}

// Execute runs the command line. Fang is bypassed when stdout is not a
// terminal so piped listings stay free of its styling.
func Execute() {
	ctx := context.Background()
	if !term.IsTerminal(os.Stdout.Fd()) {
		if err := rootCmd.ExecuteContext(ctx); err != nil {
			os.Exit(1)
		}
		return
	}
	if err := fang.Execute(ctx, rootCmd, fang.WithNotifySignal(os.Interrupt)); err != nil {
		os.Exit(1)
	}
}
