// Package runner executes dispatched jobs: inline scripts in-process,
// workflow code in a recyclable engine subprocess fed over stdio.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"reflect"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/cel-go/cel"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bifrost-hq/bifrost/common/models"
	"github.com/bifrost-hq/bifrost/common/workspace"
)

// Job is one execution handed to an engine: the hydrated context plus
// the workspace module bundle it may import.
type Job struct {
	Context *models.ExecutionContext  `json:"context"`
	Modules []workspace.ModuleSource  `json:"modules"`
}

// Engine runs one job to a terminal result. Engine errors (as opposed
// to user-code failures) are returned as errors; user-code failures
// come back inside the result with status failed.
type Engine interface {
	Execute(ctx context.Context, job *Job) (*models.ExecutionResult, error)
}

// InlineEngine evaluates inline scripts as CEL expressions against
// their parameters, entirely in-process.
type InlineEngine struct {
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewInlineEngine creates an inline-script engine
func NewInlineEngine() *InlineEngine {
	return &InlineEngine{cache: make(map[string]cel.Program)}
}

// Execute compiles (or reuses) the script and evaluates it with the
// job's parameters bound to `params`.
func (e *InlineEngine) Execute(ctx context.Context, job *Job) (*models.ExecutionResult, error) {
	start := time.Now()
	result := &models.ExecutionResult{ExecutionID: job.Context.ExecutionID}

	prg, err := e.program(job.Context.Code)
	if err != nil {
		result.Status = models.ExecutionFailed
		result.ErrorKind = "validation"
		result.ErrorMessage = err.Error()
		result.DurationMS = time.Since(start).Milliseconds()
		return result, nil
	}

	params := job.Context.Parameters
	if params == nil {
		params = map[string]interface{}{}
	}

	out, _, err := prg.ContextEval(ctx, map[string]interface{}{"params": params})
	result.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		result.Status = models.ExecutionFailed
		result.ErrorKind = "fatal"
		result.ErrorMessage = fmt.Sprintf("script evaluation failed: %v", err)
		return result, nil
	}

	native, err := out.ConvertToNative(reflect.TypeOf(&structpb.Value{}))
	if err != nil {
		result.Status = models.ExecutionFailed
		result.ErrorKind = "fatal"
		result.ErrorMessage = fmt.Sprintf("script produced unserializable value: %v", err)
		return result, nil
	}
	value, err := protojson.Marshal(native.(*structpb.Value))
	if err != nil {
		result.Status = models.ExecutionFailed
		result.ErrorKind = "fatal"
		result.ErrorMessage = fmt.Sprintf("script produced unserializable value: %v", err)
		return result, nil
	}

	result.Status = models.ExecutionSuccess
	result.Result = value
	return result, nil
}

func (e *InlineEngine) program(code string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[code]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("params", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create script env: %w", err)
	}

	ast, issues := env.Compile(code)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("script compilation error: %w", issues.Err())
	}

	prg, err = env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create script program: %w", err)
	}

	e.mu.Lock()
	e.cache[code] = prg
	e.mu.Unlock()
	return prg, nil
}

// SubprocessEngine runs workflow code in a fresh engine process per
// job. The process receives the job bundle as JSON on stdin and writes
// a JSON result to stdout; workspace modules never touch its
// filesystem. Resource metrics come from the OS after the process
// exits.
type SubprocessEngine struct {
	command []string
}

// NewSubprocessEngine creates a subprocess engine from a command line
// such as "python3 -m bifrost_engine".
func NewSubprocessEngine(command string) (*SubprocessEngine, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("engine command is empty")
	}
	return &SubprocessEngine{command: parts}, nil
}

// InstallRequirements runs the engine's install mode with the pip
// manifest on stdin. The engine installs into its own environment and
// exits non-zero on pip failure.
func (e *SubprocessEngine) InstallRequirements(ctx context.Context, requirements string) error {
	args := append(append([]string(nil), e.command[1:]...), "--install-requirements")
	cmd := exec.CommandContext(ctx, e.command[0], args...)
	cmd.Stdin = strings.NewReader(requirements)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("requirements install failed: %w (stderr: %s)", err, truncate(stderr.String(), 512))
	}
	return nil
}

// engineReply is the wire shape the engine process writes to stdout
type engineReply struct {
	Status       string           `json:"status"`
	Result       json.RawMessage  `json:"result,omitempty"`
	ErrorKind    string           `json:"error_kind,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Logs         []models.LogLine `json:"logs,omitempty"`
}

// Execute runs the engine process for one job
func (e *SubprocessEngine) Execute(ctx context.Context, job *Job) (*models.ExecutionResult, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.command[0], e.command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	result := &models.ExecutionResult{
		ExecutionID: job.Context.ExecutionID,
		DurationMS:  elapsed.Milliseconds(),
	}
	fillUsage(result, cmd)

	if ctx.Err() != nil {
		return nil, fmt.Errorf("engine interrupted: %w", ctx.Err())
	}

	reply := &engineReply{}
	if err := json.Unmarshal(stdout.Bytes(), reply); err != nil {
		if runErr != nil {
			return nil, fmt.Errorf("engine process failed: %w (stderr: %s)", runErr, truncate(stderr.String(), 512))
		}
		return nil, fmt.Errorf("malformed engine reply: %w", err)
	}

	result.Status = models.ExecutionStatus(reply.Status)
	result.Result = reply.Result
	result.ErrorKind = reply.ErrorKind
	result.ErrorMessage = reply.ErrorMessage
	result.Logs = reply.Logs

	if !result.Status.Terminal() {
		return nil, fmt.Errorf("engine reported non-terminal status %q", reply.Status)
	}
	return result, nil
}

// fillUsage records peak memory and cpu user+system time from the
// process's resource usage.
func fillUsage(result *models.ExecutionResult, cmd *exec.Cmd) {
	state := cmd.ProcessState
	if state == nil {
		return
	}
	if usage, ok := state.SysUsage().(*syscall.Rusage); ok && usage != nil {
		// Maxrss is kilobytes on Linux
		result.PeakMemoryKB = usage.Maxrss
	}
	result.CPUSeconds = state.UserTime().Seconds() + state.SystemTime().Seconds()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
