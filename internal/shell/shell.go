// Package shell runs the commands of a job on the machine of a runner.
package shell

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

// waitDelay bounds how long a canceled command may keep its output open through children
// that outlive it.
const waitDelay = 5 * time.Second

type CmdOption func(c *exec.Cmd)

func WorkDir(dir string) CmdOption {
	return func(c *exec.Cmd) {
		c.Dir = dir
	}
}

func Env(key, value string) CmdOption {
	return func(c *exec.Cmd) {
		if c.Env == nil {
			c.Env = os.Environ()
		}
		c.Env = append(c.Env, key+"="+value)
	}
}

// ExitError is a command that ran and exited with a non-zero code.
type ExitError struct {
	Name string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("'%s': error: exit code: %v", e.Name, e.Code)
}

func NewCmd(ctx context.Context, w io.Writer, name string, args []string, opt ...CmdOption) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = waitDelay
	killGroup(cmd)
	for _, opt := range opt {
		opt(cmd)
	}
	prefix := ""
	if cmd.Dir != "" {
		prefix = fmt.Sprintf("cd %s/ && ", cmd.Dir)
	}
	fmt.Fprintf(w, "$ %s%s\n", prefix, shellquote.Join(append([]string{name}, args...)...))
	return cmd
}

type Cmd func(ctx context.Context, w io.Writer) error

func ExecArgs(name string, args []string, opt ...CmdOption) Cmd {
	return func(ctx context.Context, w io.Writer) error {
		cmd := NewCmd(ctx, w, name, args, opt...)
		cmd.Stderr = w
		cmd.Stdout = w
		if err := cmd.Run(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if exitError, ok := err.(*exec.ExitError); ok {
				return &ExitError{Name: name, Code: exitError.ExitCode()}
			}
			return err
		}
		return nil
	}
}

// Script runs lines in a single shell so that directory changes and exported variables carry
// over. Each line is echoed before it runs and the first failing line stops the script.
func Script(lines []string, opt ...CmdOption) Cmd {
	var b strings.Builder
	b.WriteString("set -e\n")
	for _, line := range lines {
		fmt.Fprintf(&b, "echo %s\n", shellquote.Join("$ "+line))
		b.WriteString(line)
		b.WriteString("\n")
	}
	script := b.String()
	return func(ctx context.Context, w io.Writer) error {
		cmd := exec.CommandContext(ctx, "sh", "-c", script)
		cmd.WaitDelay = waitDelay
		killGroup(cmd)
		for _, opt := range opt {
			opt(cmd)
		}
		cmd.Stderr = w
		cmd.Stdout = w
		if err := cmd.Run(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if exitError, ok := err.(*exec.ExitError); ok {
				return &ExitError{Name: "script", Code: exitError.ExitCode()}
			}
			return err
		}
		return nil
	}
}

func (cmd Cmd) IgnoreError() Cmd {
	return func(ctx context.Context, w io.Writer) error {
		if err := cmd(ctx, w); err != nil {
			fmt.Fprintf(w, "ignoring error: %s\n", err)
		}
		return nil
	}
}

func Sequence(cmds ...Cmd) Cmd {
	return func(ctx context.Context, w io.Writer) error {
		for _, cmd := range cmds {
			if err := cmd(ctx, w); err != nil {
				return err
			}
		}
		return nil
	}
}
