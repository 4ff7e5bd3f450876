package harness

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RunnerOptions controls how a suite of tests executes.
type RunnerOptions struct {
	// Parallel bounds the number of tests running at once.
	Parallel int
	// Timeout applies per test; zero means no timeout.
	Timeout time.Duration
	// Pattern restricts execution to tests whose name contains it.
	Pattern string
	// Verbose also lists passing tests in the summary output.
	Verbose bool
}

// DefaultRunnerOptions returns the options used when none are given.
func DefaultRunnerOptions() *RunnerOptions {
	return &RunnerOptions{
		Parallel: 4,
		Timeout:  30 * time.Second,
	}
}

// TestResult is the outcome of a single test execution.
type TestResult struct {
	TestName    string
	Path        string
	Description string
	Success     bool
	Duration    time.Duration
	Error       error
}

// TestSummary aggregates the outcomes of a suite run.
type TestSummary struct {
	TotalTests    int
	PassedTests   int
	FailedTests   int
	TotalDuration time.Duration
	Results       []TestResult
}

// Runner executes model tests in parallel. A semaphore channel bounds
// concurrency; fixture isolation between concurrent tests comes from each
// test's run-scoped fixture identifier.
type Runner struct {
	opts       Options
	runnerOpts *RunnerOptions
	workerPool chan struct{}
}

// NewRunner creates a runner over shared per-test options.
func NewRunner(opts Options, runnerOpts *RunnerOptions) *Runner {
	if runnerOpts == nil {
		runnerOpts = DefaultRunnerOptions()
	}

	if runnerOpts.Parallel < 1 {
		runnerOpts.Parallel = 1
	}

	return &Runner{
		opts:       opts,
		runnerOpts: runnerOpts,
		workerPool: make(chan struct{}, runnerOpts.Parallel),
	}
}

// LoadDir reads every .yaml/.yml test file directly under dir. Each file may
// hold several tests; results come back in file, then document order.
func LoadDir(dir string) ([]RawTest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read test directory: %w", err)
	}

	names := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		if ext := filepath.Ext(entry.Name()); ext != ".yaml" && ext != ".yml" {
			continue
		}

		names = append(names, entry.Name())
	}

	sort.Strings(names)

	var tests []RawTest

	for _, name := range names {
		loaded, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}

		tests = append(tests, loaded...)
	}

	return tests, nil
}

// RunTests executes the given tests, honoring the pattern filter and the
// parallelism bound.
func (r *Runner) RunTests(ctx context.Context, tests []RawTest) *TestSummary {
	filtered := make([]RawTest, 0, len(tests))

	for _, test := range tests {
		if r.runnerOpts.Pattern != "" && !strings.Contains(test.Name, r.runnerOpts.Pattern) {
			continue
		}

		filtered = append(filtered, test)
	}

	summary := &TestSummary{
		TotalTests: len(filtered),
		Results:    make([]TestResult, 0, len(filtered)),
	}

	startTime := time.Now()

	results := make(chan TestResult, len(filtered))

	var wg sync.WaitGroup

	for _, test := range filtered {
		wg.Add(1)

		go func(raw RawTest) {
			defer wg.Done()

			results <- r.runWithTimeout(ctx, raw)
		}(test)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for result := range results {
		summary.Results = append(summary.Results, result)
		if result.Success {
			summary.PassedTests++
		} else {
			summary.FailedTests++
		}
	}

	sort.Slice(summary.Results, func(i, j int) bool {
		return summary.Results[i].TestName < summary.Results[j].TestName
	})

	summary.TotalDuration = time.Since(startTime)

	return summary
}

// RunSingleTest executes one test through the same semaphore and timeout
// path as a suite run.
func (r *Runner) RunSingleTest(ctx context.Context, raw RawTest) TestResult {
	return r.runWithTimeout(ctx, raw)
}

func (r *Runner) runWithTimeout(ctx context.Context, raw RawTest) TestResult {
	select {
	case r.workerPool <- struct{}{}:
		defer func() { <-r.workerPool }()
	case <-ctx.Done():
		return TestResult{TestName: raw.Name, Path: raw.Path, Error: ctx.Err()}
	}

	testCtx := ctx

	if r.runnerOpts.Timeout > 0 {
		var cancel context.CancelFunc

		testCtx, cancel = context.WithTimeout(ctx, r.runnerOpts.Timeout)
		defer cancel()
	}

	startTime := time.Now()

	description, err := r.runOne(testCtx, raw)

	return TestResult{
		TestName:    raw.Name,
		Path:        raw.Path,
		Description: description,
		Success:     err == nil,
		Duration:    time.Since(startTime),
		Error:       err,
	}
}

func (r *Runner) runOne(ctx context.Context, raw RawTest) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	mt, err := NewModelTest(raw, r.opts)
	if err != nil {
		return "", err
	}

	return mt.Description, mt.Run(ctx)
}

// PrintSummary writes the suite outcome to w, including rendered diffs for
// data mismatches.
func (r *Runner) PrintSummary(w io.Writer, summary *TestSummary) {
	fmt.Fprintf(w, "\n=== Test Summary ===\n")
	fmt.Fprintf(w, "Tests: %d total, %d passed, %d failed\n",
		summary.TotalTests, summary.PassedTests, summary.FailedTests)
	fmt.Fprintf(w, "Duration: %.3fs\n", summary.TotalDuration.Seconds())

	if r.runnerOpts.Verbose {
		for _, result := range summary.Results {
			if result.Success {
				fmt.Fprintf(w, "  ✅ %s (%.3fs)\n", result.TestName, result.Duration.Seconds())

				if result.Description != "" {
					fmt.Fprintf(w, "     %s\n", result.Description)
				}
			}
		}
	}

	if summary.FailedTests > 0 {
		fmt.Fprintf(w, "\nFailed tests:\n")

		for _, result := range summary.Results {
			if result.Success {
				continue
			}

			fmt.Fprintf(w, "  ❌ %s\n", result.TestName)

			if result.Description != "" {
				fmt.Fprintf(w, "    %s\n", result.Description)
			}

			if diff, ok := AsDiffError(result.Error); ok {
				for _, line := range strings.Split(FormatDiff(diff), "\n") {
					fmt.Fprintf(w, "    %s\n", line)
				}
			} else if result.Error != nil {
				fmt.Fprintf(w, "    Error: %v\n", result.Error)
			}
		}
	}

	if summary.FailedTests == 0 {
		fmt.Fprintf(w, "\nAll tests passed! ✅\n")
	} else {
		fmt.Fprintf(w, "\nSome tests failed! ❌\n")
	}
}
