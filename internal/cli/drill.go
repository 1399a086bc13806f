package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/lifeboat/internal/harness"
)

// DrillOptions holds flags for the drill command.
type DrillOptions struct {
	*RootOptions
	Filter string // scenario filter (glob pattern)
}

// DrillScenarioResult holds the result of a single drill.
type DrillScenarioResult struct {
	Name   string                 `json:"name" yaml:"name"`
	Pass   bool                   `json:"pass" yaml:"pass"`
	Errors []string               `json:"errors,omitempty" yaml:"errors,omitempty"`
	Trace  []harness.BatchOutcome `json:"trace,omitempty" yaml:"trace,omitempty"`
}

// DrillResult holds the overall drill result.
type DrillResult struct {
	Scenarios []DrillScenarioResult `json:"scenarios" yaml:"scenarios"`
	Passed    int                   `json:"passed" yaml:"passed"`
	Failed    int                   `json:"failed" yaml:"failed"`
	Total     int                   `json:"total" yaml:"total"`
}

func (r DrillResult) String() string {
	if r.Total == 0 {
		return "No scenarios found.\n"
	}
	var sb strings.Builder
	for _, s := range r.Scenarios {
		if s.Pass {
			fmt.Fprintf(&sb, "PASS %s\n", s.Name)
			continue
		}
		fmt.Fprintf(&sb, "FAIL %s\n", s.Name)
		for _, e := range s.Errors {
			for _, line := range strings.Split(strings.TrimRight(e, "\n"), "\n") {
				fmt.Fprintf(&sb, "    %s\n", line)
			}
		}
	}
	fmt.Fprintf(&sb, "\n%d passed, %d failed, %d total\n", r.Passed, r.Failed, r.Total)
	return sb.String()
}

// NewDrillCommand creates the drill command.
func NewDrillCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DrillOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "drill <scenarios-dir>",
		Short: "Rehearse restores against throwaway nodes",
		Long: `Run restore drills described by YAML scenario files.

Each drill seeds a source log, prepares a target node, pushes the backup
batch by batch (optionally injecting storage faults) and checks the
target afterwards. Nodes live in a temporary directory and are discarded.

Exit codes:
  0 - All drills passed
  1 - One or more drills failed
  2 - Command error (invalid paths, unparseable scenario, etc.)

Examples:
  lifeboat drill ./drills
  lifeboat drill ./drills --filter "conflict_*" --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrills(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	return cmd
}

func runDrills(opts *DrillOptions, dir string, cmd *cobra.Command) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", dir))
	}

	files, err := findScenarioFiles(dir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	logger := opts.logger()
	result := DrillResult{Scenarios: make([]DrillScenarioResult, 0, len(files)), Total: len(files)}
	for _, file := range files {
		scenario, err := harness.LoadScenario(file)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to load %s", file), err)
		}

		opts.formatter(cmd).VerboseLog("running drill %s", scenario.Name)
		run, err := harness.Run(cmd.Context(), scenario, logger)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("drill %s could not run", scenario.Name), err)
		}

		sr := DrillScenarioResult{Name: scenario.Name, Pass: run.Pass, Trace: run.Trace}
		if run.Pass {
			result.Passed++
		} else {
			sr.Errors = run.Errors
			result.Failed++
		}
		result.Scenarios = append(result.Scenarios, sr)
	}

	if err := opts.formatter(cmd).Success(result); err != nil {
		return err
	}
	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d drills failed", result.Failed, result.Total))
	}
	return nil
}

// findScenarioFiles lists the YAML files under dir, sorted, whose base
// name matches filter.
func findScenarioFiles(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			matched, err := filepath.Match(filter, strings.TrimSuffix(filepath.Base(path), ext))
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}
