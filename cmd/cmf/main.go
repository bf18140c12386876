// The cmf binary records, syncs and inspects pipeline lineage. Every
// subcommand produces exactly one CmdResult; main prints the message and
// exits with the code.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

// CmdResult is the single structured outcome of one command invocation.
type CmdResult struct {
	Code    int
	Message string
}

const (
	codeOK      = 0
	codeFailure = 1
	codeUsage   = 2
)

func ok(format string, args ...any) CmdResult {
	return CmdResult{Code: codeOK, Message: fmt.Sprintf(format, args...)}
}

func fail(format string, args ...any) CmdResult {
	return CmdResult{Code: codeFailure, Message: fmt.Sprintf(format, args...)}
}

func main() {
	// Duplicate flags are rejected before any command body runs.
	if flag, dup := duplicateFlag(os.Args[1:]); dup {
		fmt.Fprintf(os.Stderr, "duplicate argument %s\n", flag)
		os.Exit(codeUsage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(codeUsage)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cmf",
		Short:         "Common metadata framework: ML pipeline lineage tracking",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newInitCmd())
	root.AddCommand(newMetadataCmd())
	root.AddCommand(newArtifactCmd())
	return root
}

// emit prints the command result and exits non-zero on failure.
func emit(res CmdResult) {
	if res.Message != "" {
		fmt.Println(res.Message)
	}
	if res.Code != codeOK {
		os.Exit(res.Code)
	}
}

// duplicateFlag reports the first long flag that appears more than once on
// the command line.
func duplicateFlag(args []string) (string, bool) {
	seen := make(map[string]struct{})
	for _, arg := range args {
		if !strings.HasPrefix(arg, "--") {
			continue
		}
		name := arg
		if i := strings.Index(name, "="); i >= 0 {
			name = name[:i]
		}
		if _, ok := seen[name]; ok {
			return name, true
		}
		seen[name] = struct{}{}
	}
	return "", false
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}
