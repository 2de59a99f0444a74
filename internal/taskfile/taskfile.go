// Package taskfile loads dray workflow files.
//
// A workflow file is TOML declaring named tasks:
//
//	default = ["report"]
//
//	[tasks.extract]
//	command  = "fetch > out/extract.csv"
//	output   = "out/extract.csv"
//	requires = ["upstream"]
//	timeout  = "5m"
//
//	[tasks.upstream]
//	kind = "file"
//	path = "/data/upstream/_SUCCESS"
//
// Command tasks are runnable, file tasks are external. Relative paths are
// resolved against the directory holding the workflow file.
package taskfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/cloud-shuttle/dray/internal/config"
	"github.com/cloud-shuttle/dray/internal/task"
)

// Task kinds accepted in a workflow file
const (
	KindCommand = "command"
	KindFile    = "file"
)

var (
	// ErrUnknownTask is returned when a name is not declared in the file
	ErrUnknownTask = errors.New("unknown task")
	// ErrNoRoots is returned when no roots were named and the file has no default
	ErrNoRoots = errors.New("no root tasks given and no default declared")
)

// Duration accepts "5m" style durations or plain seconds in TOML
type Duration time.Duration

// UnmarshalText parses durations from TOML (e.g., "90s", "0.5")
func (d *Duration) UnmarshalText(text []byte) error {
	if strings.TrimSpace(string(text)) == "" {
		*d = 0
		return nil
	}
	v, err := config.ParseDelay(string(text))
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("negative duration %q", text)
	}
	*d = Duration(v)
	return nil
}

// Decl is the declaration of a single task
type Decl struct {
	Kind     string            `toml:"kind"`
	Command  string            `toml:"command"`
	Output   string            `toml:"output"`
	Path     string            `toml:"path"`
	Requires []string          `toml:"requires"`
	Timeout  Duration          `toml:"timeout"`
	Dir      string            `toml:"dir"`
	Env      map[string]string `toml:"env"`
}

// File is a parsed workflow file
type File struct {
	Default []string         `toml:"default"`
	Tasks   map[string]*Decl `toml:"tasks"`

	// Stdout receives command output; nil discards it
	Stdout io.Writer `toml:"-"`

	baseDir string
}

// Load reads and validates the workflow file at path
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow file: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}

	f, err := Parse(data, filepath.Dir(abs))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes and validates workflow TOML; relative paths resolve
// against baseDir
func Parse(data []byte, baseDir string) (*File, error) {
	f := &File{baseDir: baseDir}
	if _, err := toml.Decode(string(data), f); err != nil {
		return nil, err
	}
	for _, decl := range f.Tasks {
		if decl != nil && decl.Kind == "" {
			decl.Kind = KindCommand
		}
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks every task declaration
func (f *File) Validate() error {
	var errs []error
	for _, name := range f.Names() {
		decl := f.Tasks[name]
		if decl == nil {
			errs = append(errs, fmt.Errorf("task %s: empty declaration", name))
			continue
		}
		switch decl.Kind {
		case KindCommand:
			if strings.TrimSpace(decl.Command) == "" {
				errs = append(errs, fmt.Errorf("task %s: command is required", name))
			}
		case KindFile:
			if decl.Path == "" {
				errs = append(errs, fmt.Errorf("task %s: path is required", name))
			}
		default:
			errs = append(errs, fmt.Errorf("task %s: unknown kind %q", name, decl.Kind))
		}
		for _, dep := range decl.Requires {
			if _, ok := f.Tasks[dep]; !ok {
				errs = append(errs, fmt.Errorf("task %s requires %s: %w", name, dep, ErrUnknownTask))
			}
		}
	}
	for _, name := range f.Default {
		if _, ok := f.Tasks[name]; !ok {
			errs = append(errs, fmt.Errorf("default %s: %w", name, ErrUnknownTask))
		}
	}
	return errors.Join(errs...)
}

// Names returns the declared task names in sorted order
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tasks))
	for name := range f.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Roots builds the named tasks, or the default list when names is empty
func (f *File) Roots(names ...string) ([]task.Task, error) {
	if len(names) == 0 {
		names = f.Default
	}
	if len(names) == 0 {
		return nil, ErrNoRoots
	}
	return f.build(names)
}

// Task builds a fresh task value for name
func (f *File) Task(name string) (task.Task, error) {
	decl, ok := f.Tasks[name]
	if !ok || decl == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownTask)
	}
	switch decl.Kind {
	case KindFile:
		return &FileTask{file: f, name: name, decl: decl}, nil
	default:
		return &CommandTask{file: f, name: name, decl: decl}, nil
	}
}

func (f *File) build(names []string) ([]task.Task, error) {
	tasks := make([]task.Task, 0, len(names))
	for _, name := range names {
		t, err := f.Task(name)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (f *File) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || f.baseDir == "" {
		return path
	}
	return filepath.Join(f.baseDir, path)
}

func (f *File) stdout() io.Writer {
	if f.Stdout == nil {
		return io.Discard
	}
	return f.Stdout
}
