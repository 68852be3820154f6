package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/randomizedcoder/go-interop-driver/internal/config"
	"github.com/randomizedcoder/go-interop-driver/internal/driver"
	"github.com/randomizedcoder/go-interop-driver/internal/history"
	"github.com/randomizedcoder/go-interop-driver/internal/suite"
)

func (a *app) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the suites and cases of the selected mappings",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.prepare(cmd); err != nil {
				return err
			}
			active, _, err := driver.SelectMappings(a.opts)
			if err != nil {
				return err
			}
			catalog, err := suite.LoadCatalog(a.opts.SuiteDir, driver.AllMappings())
			if err != nil {
				return &config.ConfigurationError{Err: err}
			}

			t := table.NewWriter()
			t.SetOutputMirror(a.stdout)
			t.SetStyle(table.StyleRounded)
			t.AppendHeader(table.Row{"SUITE", "CROSS", "CASES"})
			suites := 0
			for _, m := range active {
				for _, s := range catalog.Suites(m) {
					suites++
					cross := ""
					if s.Cross {
						cross = "yes"
					}
					t.AppendRow(table.Row{s.Path(), cross, strings.Join(caseNames(s.Cases, ""), ", ")})
				}
			}
			t.AppendFooter(table.Row{fmt.Sprintf("%d suites", suites), "", ""})
			t.Render()
			return nil
		},
	}
}

// caseNames flattens a case tree into slash separated names.
func caseNames(cases []*suite.TestCase, prefix string) []string {
	var out []string
	for _, tc := range cases {
		name := prefix + tc.Name
		out = append(out, name)
		out = append(out, caseNames(tc.Children, name+"/")...)
	}
	return out
}

func (a *app) matrixCmd() *cobra.Command {
	var showSkipped bool
	cmd := &cobra.Command{
		Use:   "matrix",
		Short: "Print the expanded plan and the skipped combinations",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.prepare(cmd); err != nil {
				return err
			}
			// Planning never touches the dashboard.
			d, err := a.newDriver(a.newLogger(false), false)
			if err != nil {
				return err
			}
			defer d.Close()

			plan, err := d.Plan()
			if err != nil {
				return err
			}
			plan.Render(a.stdout, showSkipped)
			if reasons := plan.Reasons(); len(reasons) > 0 {
				fmt.Fprintf(a.stdout, "\n%s:\n", plan.Describe())
				for _, r := range reasons {
					fmt.Fprintln(a.stdout, r)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showSkipped, "skipped", false, "Also list every skipped combination.")
	return cmd
}

func (a *app) historyCmd() *cobra.Command {
	var (
		runs  int
		tests bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print recent runs and per-test statistics",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.prepare(cmd); err != nil {
				return err
			}
			if a.opts.HistoryPath == "" {
				return &config.ConfigurationError{Err: errors.New("history is disabled (set --history)")}
			}
			store, err := history.Open(a.opts.HistoryPath)
			if err != nil {
				return err
			}
			defer store.Close()

			recent, err := store.Runs(runs)
			if err != nil {
				return fmt.Errorf("read runs: %w", err)
			}
			a.printRuns(recent)

			if !tests {
				return nil
			}
			all, err := store.Tests()
			if err != nil {
				return fmt.Errorf("read tests: %w", err)
			}
			fmt.Fprintln(a.stdout)
			a.printTests(all)
			return nil
		},
	}
	cmd.Flags().IntVar(&runs, "runs", 10, "Number of recent runs to show. 0 shows all.")
	cmd.Flags().BoolVar(&tests, "tests", false, "Also show per-test duration statistics.")
	return cmd
}

func (a *app) printRuns(runs []history.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(a.stdout, "No recorded runs.")
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(a.stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"RUN", "STARTED", "DURATION", "PASSED", "FAILED", "NOT RUN", "WORKERS"})
	for _, r := range runs {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		t.AppendRow(table.Row{
			id,
			r.Started.Local().Format(time.DateTime),
			r.Finished.Sub(r.Started).Round(time.Second),
			r.Passed,
			r.Failed,
			r.NotRun,
			r.Workers,
		})
	}
	t.Render()

	if failed := runs[0].FailedIDs; len(failed) > 0 {
		fmt.Fprintln(a.stdout, "\nFailed in the last run (--rerun-failed):")
		for _, id := range failed {
			fmt.Fprintf(a.stdout, "  %s\n", id)
		}
	}
}

func (a *app) printTests(all []*history.TestStats) {
	t := table.NewWriter()
	t.SetOutputMirror(a.stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"TEST", "RUNS", "AVG", "STDDEV", "MAX", "FAILURES", "LAST"})
	for _, s := range all {
		t.AppendRow(table.Row{
			s.Path,
			s.Count,
			s.AvgDuration.Round(time.Millisecond),
			s.StdDev().Round(time.Millisecond),
			s.MaxDuration.Round(time.Millisecond),
			s.Failures,
			s.LastStatus,
		})
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d tests", len(all)), "", "", "", "", "", ""})
	t.Render()
}
