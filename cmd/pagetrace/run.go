package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/spf13/cobra"

	"github.com/chosenoffset/pagetrace/pkg/pagetrace"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/logs"
)

var runOutput string

var runCmd = &cobra.Command{
	Use:   "run -- <command> [args...]",
	Short: "Run a command and print its console trace",
	Long: `Run executes a command inside a trace scope. Lines the command writes to
stdout are recorded as info entries, lines written to stderr as errors. When
the command exits, the console trace is printed (or written to --output).`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Enabled = true

		tracer, err := pagetrace.New(pagetrace.WithConfig(cfg), pagetrace.WithLogger(newLogger()))
		if err != nil {
			return err
		}

		stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
		fragment, runErr := tracer.TraceCLI(cmd.Context(), args, func(ctx context.Context) error {
			return runTraced(ctx, args, stdout, stderr)
		})

		if err := writeFragment(fragment, stdout); err != nil {
			return err
		}
		return runErr
	},
}

func init() {
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "write the trace to this file instead of stdout")
}

func runTraced(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	c := exec.CommandContext(ctx, args[0], args[1:]...)
	if path, err := exec.LookPath(args[0]); err == nil {
		if info, err := os.Stat(path); err == nil {
			pagetrace.TrackFile(ctx, path, info.Size())
		}
	}

	outPipe, err := c.StdoutPipe()
	if err != nil {
		return err
	}
	errPipe, err := c.StderrPipe()
	if err != nil {
		return err
	}
	if err := c.Start(); err != nil {
		return fmt.Errorf("start %s: %w", args[0], err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go capture(ctx, &wg, outPipe, stdout, logs.LevelInfo)
	go capture(ctx, &wg, errPipe, stderr, logs.LevelError)
	// Pipes must be drained before Wait closes them.
	wg.Wait()

	err = c.Wait()
	pagetrace.Record(ctx, logs.LevelLog, fmt.Sprintf("exit status %d", c.ProcessState.ExitCode()))
	return err
}

// maxLineSize is the longest output line recorded in the trace.
var maxLineSize = 1024 * 1024

func capture(ctx context.Context, wg *sync.WaitGroup, r io.Reader, echo io.Writer, level string) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, min(64*1024, maxLineSize)), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintln(echo, line)
		pagetrace.Record(ctx, level, line)
	}
	if err := scanner.Err(); err != nil {
		pagetrace.Record(ctx, logs.LevelError, fmt.Sprintf("output capture stopped: %v", err))
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(echo, r)
	}
}

func writeFragment(fragment string, stdout io.Writer) error {
	if fragment == "" {
		return nil
	}
	if runOutput == "" {
		_, err := fmt.Fprintln(stdout, fragment)
		return err
	}
	if err := os.WriteFile(runOutput, []byte(fragment+"\n"), 0o644); err != nil {
		return fmt.Errorf("write trace: %w", err)
	}
	return nil
}
