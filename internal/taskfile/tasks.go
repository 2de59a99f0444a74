package taskfile

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/cloud-shuttle/dray/internal/task"
)

// stderrTail bounds how much stderr is quoted in a run error
const stderrTail = 512

// CommandTask runs a shell command; it is complete once its output exists
type CommandTask struct {
	file *File
	name string
	decl *Decl
}

// Name returns the declared task name
func (c *CommandTask) Name() string { return c.name }

func (c *CommandTask) Kind() string { return KindCommand }

func (c *CommandTask) Params() task.Params {
	return task.Params{
		"name":    c.name,
		"command": c.decl.Command,
		"output":  c.file.resolve(c.decl.Output),
	}
}

func (c *CommandTask) Requires() ([]task.Task, error) {
	return c.file.build(c.decl.Requires)
}

// Output is nil when no output is declared, so the task always runs
func (c *CommandTask) Output() task.Target {
	if c.decl.Output == "" {
		return nil
	}
	return task.NewLocalFile(c.file.resolve(c.decl.Output))
}

func (c *CommandTask) Timeout() time.Duration {
	return time.Duration(c.decl.Timeout)
}

// Run executes the command through sh -c
func (c *CommandTask) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", c.decl.Command)
	cmd.Dir = c.file.resolve(c.decl.Dir)
	if cmd.Dir == "" {
		cmd.Dir = c.file.baseDir
	}
	cmd.Env = c.environ()

	var stderr bytes.Buffer
	cmd.Stdout = c.file.stdout()
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("command %s: %w", c.name, ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > stderrTail {
			msg = msg[len(msg)-stderrTail:]
		}
		if msg == "" {
			return fmt.Errorf("command %s: %w", c.name, err)
		}
		return fmt.Errorf("command %s: %w: %s", c.name, err, msg)
	}
	return nil
}

func (c *CommandTask) environ() []string {
	env := append(os.Environ(),
		"DRAY_TASK="+c.name,
		"DRAY_OUTPUT="+c.file.resolve(c.decl.Output),
	)
	keys := make([]string, 0, len(c.decl.Env))
	for k := range c.decl.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+c.decl.Env[k])
	}
	return env
}

// FileTask is an external task, complete when its path exists
type FileTask struct {
	file *File
	name string
	decl *Decl
}

// Name returns the declared task name
func (f *FileTask) Name() string { return f.name }

func (f *FileTask) Kind() string { return KindFile }

func (f *FileTask) Params() task.Params {
	return task.Params{"name": f.name, "path": f.file.resolve(f.decl.Path)}
}

func (f *FileTask) Requires() ([]task.Task, error) {
	return f.file.build(f.decl.Requires)
}

func (f *FileTask) Complete(ctx context.Context) (bool, error) {
	return task.NewLocalFile(f.file.resolve(f.decl.Path)).Exists(ctx)
}
