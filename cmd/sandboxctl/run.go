package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isdmx/scriptorium/config"
	"github.com/isdmx/scriptorium/logger"
	"github.com/isdmx/scriptorium/sandbox"
)

var (
	languageFlag  string
	timeLimitFlag time.Duration
	memoryFlag    int
	jsonFlag      bool
)

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Compile and run a source file",
	Long: `Run compiles (if needed) and runs the source file in the sandbox.

Standard input is passed to the program unless it is a terminal. Use "-" as
the file to read the source from standard input instead. The command exits
with the program's exit status, or 1 when the outcome is not success.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var languagesCmd = &cobra.Command{
	Use:   "languages",
	Short: "List the supported languages",
	Args:  cobra.NoArgs,
	RunE:  runLanguages,
}

func init() {
	runCmd.Flags().StringVarP(&languageFlag, "language", "l", "", "Language of the source file")
	runCmd.Flags().DurationVar(&timeLimitFlag, "time-limit", 0, "Run phase time limit (only lowers the configured limit)")
	runCmd.Flags().IntVar(&memoryFlag, "memory-mb", 0, "Memory limit in MB (only lowers the configured limit)")
	runCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the outcome as JSON")
	_ = runCmd.MarkFlagRequired("language")

	languagesCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the languages as JSON")

	rootCmd.AddCommand(runCmd, languagesCmd)
}

func openSandbox(ctx context.Context) (*sandbox.Sandbox, *zap.Logger, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, nil, err
	}

	log, err := logger.New("development", logLevelFlag)
	if err != nil {
		return nil, nil, err
	}

	runner, err := sandbox.NewRunner(ctx, log, cfg)
	if err != nil {
		return nil, nil, err
	}

	sb, err := sandbox.New(log, cfg, runner)
	if err != nil {
		_ = runner.Close()
		return nil, nil, err
	}
	return sb, log, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		source []byte
		stdin  []byte
		err    error
	)
	if args[0] == "-" {
		source, err = io.ReadAll(cmd.InOrStdin())
	} else {
		source, err = os.ReadFile(args[0])
		if err == nil && !isTerminal(os.Stdin) {
			stdin, err = io.ReadAll(cmd.InOrStdin())
		}
	}
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	sb, log, err := openSandbox(ctx)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck // stderr sync fails on some platforms
	defer func() {
		if err := sb.Close(); err != nil {
			log.Warn("failed to close sandbox", zap.Error(err))
		}
	}()

	out := sb.Execute(ctx, sandbox.Request{
		Language:      languageFlag,
		Source:        string(source),
		Stdin:         string(stdin),
		TimeLimit:     timeLimitFlag,
		MemoryLimitMB: memoryFlag,
	})

	if err := printOutcome(cmd.OutOrStdout(), cmd.ErrOrStderr(), &out, jsonFlag); err != nil {
		return err
	}
	return exitFor(&out)
}

func printOutcome(stdout, stderr io.Writer, out *sandbox.Outcome, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Fprint(stdout, out.Stdout)
	if out.Stdout != "" {
		fmt.Fprintln(stdout)
	}
	if out.Stderr != "" {
		fmt.Fprintln(stderr, out.Stderr)
	}
	if !out.OK() {
		fmt.Fprintf(stderr, "%s: %s\n", out.Kind, out.Message)
	}
	if out.Truncated {
		fmt.Fprintln(stderr, "(output truncated)")
	}
	return nil
}

// exitFor returns nil on success, the guest exit status when there is one,
// and status 1 otherwise.
func exitFor(out *sandbox.Outcome) error {
	if out.OK() {
		return nil
	}
	if out.ExitCode != nil && *out.ExitCode > 0 && *out.ExitCode < 256 {
		return &exitError{code: *out.ExitCode}
	}
	return &exitError{code: 1}
}

func runLanguages(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return err
	}
	registry, err := sandbox.NewRegistryFromConfig(cfg)
	if err != nil {
		return err
	}

	langs := registry.Languages()
	w := cmd.OutOrStdout()
	if jsonFlag {
		return json.NewEncoder(w).Encode(langs)
	}
	for _, l := range langs {
		kind := "interpreted"
		if l.Compiled {
			kind = "compiled"
		}
		fmt.Fprintf(w, "%-12s %-14s %s\n", l.Name, l.DisplayName, kind)
	}
	return nil
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return true
	}
	return info.Mode()&os.ModeCharDevice != 0
}
