package helper

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	chanerrors "github.com/maxpert/backupd/errors"
	"github.com/maxpert/backupd/interfaces"
	"github.com/maxpert/backupd/protocol"
)

const (
	// maxStatusLine bounds one line of engine output; longer lines go to the tail unparsed
	maxStatusLine = 1 << 20

	defaultKillGrace = 10 * time.Second
)

// RunnerConfig defines how engine processes are run
type RunnerConfig struct {
	MaxConcurrent   int
	OutputTailBytes int
	KillGracePeriod time.Duration
	Logger          *zap.Logger
	Metrics         Metrics
}

// Runner executes engine commands as child processes. At most MaxConcurrent
// run at once; further commands wait for a slot.
type Runner struct {
	config  RunnerConfig
	logger  *zap.Logger
	metrics Metrics
	slots   *semaphore.Weighted
	active  atomic.Int64
}

// NewRunner creates a runner
func NewRunner(config RunnerConfig) *Runner {
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = 1
	}
	if config.KillGracePeriod <= 0 {
		config.KillGracePeriod = defaultKillGrace
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Metrics == nil {
		config.Metrics = noopMetrics{}
	}
	return &Runner{
		config:  config,
		logger:  config.Logger.Named("runner"),
		metrics: config.Metrics,
		slots:   semaphore.NewWeighted(int64(config.MaxConcurrent)),
	}
}

// Active returns the number of running engine processes
func (r *Runner) Active() int {
	return int(r.active.Load())
}

// Run executes cmd and waits for it. A non-zero exit is a result, not an
// error. Cancelling ctx interrupts the process and kills it after the grace
// period; the call then returns a cancelled error. Exceeding cmd.Timeout is
// reported as a failed result.
func (r *Runner) Run(ctx context.Context, cmd protocol.CommandDescriptor, progress interfaces.ProgressSink) (*protocol.CommandResult, error) {
	if err := r.slots.Acquire(ctx, 1); err != nil {
		return nil, chanerrors.NewCancelled("waiting for command slot")
	}
	defer r.slots.Release(1)

	r.metrics.SetHelperActiveCommands(int(r.active.Add(1)))
	defer func() {
		r.metrics.SetHelperActiveCommands(int(r.active.Add(-1)))
	}()

	runCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	proc := exec.CommandContext(runCtx, cmd.Executable, cmd.Args...)
	proc.Dir = cmd.WorkDir
	proc.Env = environ(cmd.Env)
	proc.Cancel = func() error {
		return proc.Process.Signal(os.Interrupt)
	}
	proc.WaitDelay = r.config.KillGracePeriod

	tail := newTailBuffer(r.config.OutputTailBytes)
	proc.Stderr = tail
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return nil, chanerrors.NewEngineError("failed to open engine output", err)
	}

	started := time.Now()
	if err := proc.Start(); err != nil {
		return nil, chanerrors.NewEngineError(fmt.Sprintf("failed to start %s", cmd.Executable), err)
	}
	r.logger.Info("Engine started",
		zap.String("operation", string(cmd.Operation)),
		zap.String("executable", cmd.Executable),
		zap.Int("pid", proc.Process.Pid))

	r.pump(stdout, tail, progress)
	waitErr := proc.Wait()
	elapsed := time.Since(started)

	if ctx.Err() != nil {
		r.logger.Info("Engine cancelled",
			zap.String("operation", string(cmd.Operation)),
			zap.Duration("elapsed", elapsed))
		return nil, chanerrors.NewCancelled("execute " + string(cmd.Operation))
	}

	result := &protocol.CommandResult{Output: tail.String(), Duration: elapsed}
	switch {
	case proc.ProcessState != nil:
		result.ExitStatus = proc.ProcessState.ExitCode()
		if waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
			result.Error = waitErr.Error()
		}
	case waitErr != nil:
		return nil, chanerrors.NewEngineError("failed waiting for engine", waitErr)
	}
	if runCtx.Err() != nil {
		result.Error = fmt.Sprintf("timed out after %s", cmd.Timeout)
		if result.ExitStatus == 0 {
			result.ExitStatus = -1
		}
	}

	r.metrics.RecordHelperExecution(string(cmd.Operation), result.ExitStatus)
	fields := []zap.Field{
		zap.String("operation", string(cmd.Operation)),
		zap.Int("exit_status", result.ExitStatus),
		zap.Duration("elapsed", elapsed),
		zap.Bool("output_truncated", tail.Truncated()),
	}
	if result.ExitStatus != 0 {
		r.logger.Warn("Engine failed", append(fields, zap.String("error", result.Error))...)
	} else {
		r.logger.Info("Engine finished", fields...)
	}
	return result, nil
}

// pump forwards status lines as progress and everything else to the tail,
// until stdout closes
func (r *Runner) pump(stdout io.Reader, tail *tailBuffer, progress interfaces.ProgressSink) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), maxStatusLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if event, ok := parseStatus(line); ok {
			if progress != nil {
				progress(event)
			}
			continue
		}
		tail.Write(line)
		tail.Write([]byte{'\n'})
	}
	if err := scanner.Err(); err != nil {
		r.logger.Debug("Engine output not line oriented, copying raw", zap.Error(err))
		io.Copy(tail, stdout)
	}
}

// environ overlays vars on the helper's environment, in a stable order
func environ(vars map[string]string) []string {
	env := os.Environ()
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		env = append(env, name+"="+vars[name])
	}
	return env
}
