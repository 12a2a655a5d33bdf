// Command corevm is the host-side CLI for Core VM: it loads a module
// image, constructs a process/thread context, and dispatches to the
// entry-point resolver (C14). Two subcommands cover spec.md §6's CLI
// surface: `run` executes one entry point and exits with its i32
// result; `test` enumerates `<sub>::test_*` entries and reports
// pass/fail per function.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/xiaoxuan-lang/corevm/internal/capability"
	"github.com/xiaoxuan-lang/corevm/internal/entrypoint"
	"github.com/xiaoxuan-lang/corevm/internal/vmcontext"
	"github.com/xiaoxuan-lang/corevm/internal/vmerr"
)

func main() {
	app := &cli.App{
		Name:  "corevm",
		Usage: "run and test Core VM module images",
		Commands: []*cli.Command{
			runCommand(),
			testCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "corevm:", err)
		os.Exit(int(vmerr.TerminationPanic))
	}
}

var capabilityFlag = &cli.StringFlag{
	Name:  "capability",
	Usage: "path to a YAML capability record gating syscall/extcall/file access",
}

var verboseFlag = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "use a human console log encoder instead of JSON",
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "execute a program's entry point",
		ArgsUsage: "<program>[:<sub>] [args...]",
		Flags:     []cli.Flag{capabilityFlag, verboseFlag},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return cli.Exit("run requires a <program>[:<sub>] argument", int(vmerr.TerminationPanic))
			}
			programPath, entryName := splitProgramArg(c.Args().First())
			programArgs := c.Args().Tail()

			logger, err := buildLogger(c.Bool(verboseFlag.Name))
			if err != nil {
				return cli.Exit(err, int(vmerr.TerminationPanic))
			}
			defer logger.Sync()

			cap, err := loadCapability(c.String(capabilityFlag.Name))
			if err != nil {
				return cli.Exit(err, int(vmerr.TerminationPanic))
			}

			process, err := newProcess(programPath, programArgs, cap, logger)
			if err != nil {
				return cli.Exit(err, int(vmerr.TerminationPanic))
			}

			logger.Info("starting program", zap.String("program", programPath), zap.String("entry", entryName))
			exitCode, err := entrypoint.StartProgram(process, entryName, nil)
			if err != nil {
				code := vmerr.CodeFor(err)
				logger.Error("program terminated", zap.Error(err), zap.Uint32("termination_code", uint32(code)))
				return cli.Exit(err, int(code))
			}
			return cli.Exit("", int(exitCode))
		},
	}
}

func testCommand() *cli.Command {
	return &cli.Command{
		Name:      "test",
		Usage:     "run every <sub>::test_* entry and report pass/fail",
		ArgsUsage: "<program> [filter]",
		Flags:     []cli.Flag{capabilityFlag, verboseFlag},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return cli.Exit("test requires a <program> argument", int(vmerr.TerminationPanic))
			}
			programPath := c.Args().First()
			filter := c.Args().Get(1)

			logger, err := buildLogger(c.Bool(verboseFlag.Name))
			if err != nil {
				return cli.Exit(err, int(vmerr.TerminationPanic))
			}
			defer logger.Sync()

			cap, err := loadCapability(c.String(capabilityFlag.Name))
			if err != nil {
				return cli.Exit(err, int(vmerr.TerminationPanic))
			}

			process, err := newProcess(programPath, nil, cap, logger)
			if err != nil {
				return cli.Exit(err, int(vmerr.TerminationPanic))
			}

			names := matchingTestEntries(process.MainLinking().EntryPointNames(), filter)
			failures := 0
			for _, name := range names {
				result, runErr := entrypoint.RunEntry(process, name, nil)
				switch {
				case runErr != nil:
					failures++
					fmt.Printf("FAIL %s: %v\n", name, runErr)
				case result != 0:
					failures++
					fmt.Printf("FAIL %s: returned %d\n", name, result)
				default:
					fmt.Printf("PASS %s\n", name)
				}
			}
			fmt.Printf("%d tests, %d failed\n", len(names), failures)
			if failures > 0 {
				return cli.Exit("", 1)
			}
			return nil
		},
	}
}

// splitProgramArg separates "<program>" from its optional ":<sub>"
// suffix, defaulting to the `_start` entry name, per spec.md §6. The
// split is on the first colon: the entry name itself may contain "::"
// (e.g. "sub::test_one"), so splitting on the last colon would cut the
// entry name in two.
func splitProgramArg(arg string) (programPath, entryName string) {
	if idx := strings.Index(arg, ":"); idx >= 0 {
		return arg[:idx], arg[idx+1:]
	}
	return arg, "_start"
}

// matchingTestEntries filters name to those containing "::test_", then
// further by filter if non-empty.
func matchingTestEntries(names []string, filter string) []string {
	var out []string
	for _, n := range names {
		if !strings.Contains(n, "::test_") {
			continue
		}
		if filter != "" && !strings.Contains(n, filter) {
			continue
		}
		out = append(out, n)
	}
	return out
}

func loadCapability(path string) (*capability.Capability, error) {
	if path == "" {
		return &capability.Capability{}, nil
	}
	return capability.LoadFile(path)
}

func newProcess(programPath string, programArgs []string, cap *capability.Capability, logger *zap.Logger) (*vmcontext.ProcessContext, error) {
	img, err := os.ReadFile(programPath)
	if err != nil {
		return nil, fmt.Errorf("corevm: reading %s: %w", programPath, err)
	}
	return vmcontext.NewProcessContext([][]byte{img}, programPath, programArgs, cap, logger)
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
