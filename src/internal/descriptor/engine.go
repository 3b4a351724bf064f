// Package descriptor wraps the external descriptor engine. The engine is an
// opaque tool: it reads a canonical molecule file and writes a CSV table of
// named numeric descriptors.
package descriptor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"bioact-main/src/internal/faults"
	"bioact-main/src/internal/tools/cmd"

	"golang.org/x/sync/semaphore"
)

// Engine computes a descriptor table from inputPath, writing its raw output
// to outputPath.
type Engine interface {
	Compute(ctx context.Context, inputPath, outputPath string) (*Table, error)
}

// Argument placeholders substituted per invocation.
const (
	PlaceholderInput  = "{input}"
	PlaceholderOutput = "{output}"
	PlaceholderDir    = "{dir}"
)

// ProcessEngine runs a command per invocation. Args may reference the
// placeholders above.
type ProcessEngine struct {
	Command  string
	Args     []string
	IDColumn string
	Timeout  time.Duration

	sem *semaphore.Weighted
}

// NewProcessEngine returns an engine allowing at most maxConcurrent
// simultaneous processes; maxConcurrent <= 0 means unlimited.
func NewProcessEngine(command string, args []string, timeout time.Duration, maxConcurrent int) *ProcessEngine {
	e := &ProcessEngine{
		Command:  command,
		Args:     args,
		IDColumn: DefaultIDColumn,
		Timeout:  timeout,
	}
	if maxConcurrent > 0 {
		e.sem = semaphore.NewWeighted(int64(maxConcurrent))
	}
	return e
}

func (e *ProcessEngine) Compute(ctx context.Context, inputPath, outputPath string) (*Table, error) {
	const op = "compute descriptors"

	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return nil, faults.Engine(op, fmt.Errorf("waiting for engine slot: %w", err))
		}
		defer e.sem.Release(1)
	}

	// Relative command and script paths resolve against the caller's
	// working directory; workspace paths are always passed absolute.
	inputPath, err := filepath.Abs(inputPath)
	if err != nil {
		return nil, faults.Engine(op, err)
	}
	outputPath, err = filepath.Abs(outputPath)
	if err != nil {
		return nil, faults.Engine(op, err)
	}
	spec := cmd.Spec{
		Name:    e.Command,
		Args:    e.expand(inputPath, outputPath, filepath.Dir(inputPath)),
		Timeout: e.Timeout,
	}
	res, err := cmd.Run(ctx, spec)
	if err != nil {
		_ = os.Remove(outputPath)
		slog.Warn("descriptor engine failed",
			"command", e.Command,
			"exit_code", res.ExitCode,
			"timed_out", res.TimedOut,
			"duration", res.Duration,
			"stderr", cmd.Tail(res.Stderr, 2048),
		)
		switch {
		case res.TimedOut:
			return nil, faults.Engine(op, fmt.Errorf("engine exceeded %s: %w", spec.Timeout, err))
		case errors.Is(err, context.Canceled):
			return nil, faults.Engine(op, fmt.Errorf("engine cancelled: %w", err))
		case res.ExitCode != 0:
			return nil, faults.Engine(op, fmt.Errorf("engine exited with status %d: %w", res.ExitCode, err))
		default:
			return nil, faults.Engine(op, err)
		}
	}
	slog.Debug("descriptor engine finished", "duration", res.Duration)

	info, err := os.Stat(outputPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, faults.Engine(op, errors.New("engine produced no output file"))
		}
		return nil, faults.Engine(op, err)
	}
	if info.Size() == 0 {
		return nil, faults.Engine(op, errors.New("engine produced an empty output file"))
	}

	f, err := os.Open(outputPath)
	if err != nil {
		return nil, faults.Engine(op, err)
	}
	defer f.Close()
	return ReadCSV(f, e.IDColumn)
}

func (e *ProcessEngine) expand(input, output, dir string) []string {
	r := strings.NewReplacer(PlaceholderInput, input, PlaceholderOutput, output, PlaceholderDir, dir)
	args := make([]string, len(e.Args))
	for i, a := range e.Args {
		args[i] = r.Replace(a)
	}
	return args
}

// PaDELOptions selects the fixed fingerprint configuration for PaDEL-Descriptor.
type PaDELOptions struct {
	Java             string
	Home             string
	Jar              string
	DescriptorTypes  string
	Heap             string
	Threads          int
	RemoveSalt       bool
	StandardizeNitro bool
	Fingerprints     bool
}

// NewPaDEL builds a ProcessEngine that runs PaDEL-Descriptor from opts.Home.
func NewPaDEL(opts PaDELOptions, timeout time.Duration, maxConcurrent int) *ProcessEngine {
	return NewProcessEngine(opts.Java, PaDELArgs(opts), timeout, maxConcurrent)
}

// PaDELArgs returns the java argv for one PaDEL invocation. Relative jar and
// descriptor-type paths resolve against opts.Home.
func PaDELArgs(opts PaDELOptions) []string {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(opts.Home, p)
	}
	heap := opts.Heap
	if heap == "" {
		heap = "1G"
	}
	args := []string{
		"-Xms" + heap,
		"-Xmx" + heap,
		"-Djava.awt.headless=true",
		"-jar", resolve(opts.Jar),
		"-retainorder",
	}
	if opts.RemoveSalt {
		args = append(args, "-removesalt")
	}
	if opts.StandardizeNitro {
		args = append(args, "-standardizenitro")
	}
	if opts.Fingerprints {
		args = append(args, "-fingerprints")
	}
	if opts.DescriptorTypes != "" {
		args = append(args, "-descriptortypes", resolve(opts.DescriptorTypes))
	}
	if opts.Threads > 0 {
		args = append(args, "-threads", strconv.Itoa(opts.Threads))
	}
	return append(args, "-dir", PlaceholderDir, "-file", PlaceholderOutput)
}
