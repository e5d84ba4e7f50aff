package utils

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// killGracePeriod is how long a process may keep its pipes open after it was killed
const killGracePeriod = 10 * time.Second

type CmdExecutor struct {
	log *zap.SugaredLogger
}

func NewExecutor(log *zap.SugaredLogger) *CmdExecutor {
	return &CmdExecutor{
		log: log,
	}
}

// Command describes a single invocation of an external binary.
// Args are passed as they are, no shell is involved.
type Command struct {
	Name string
	Args []string
	// Env is appended to the environment of the current process
	Env []string
	// Stdin is connected to the standard input of the process if set
	Stdin io.Reader
	// Timeout kills the process when exceeded, zero means no timeout
	Timeout time.Duration
}

// Execute runs the command, waits for it to exit and returns its combined output.
func (c *CmdExecutor) Execute(ctx context.Context, command *Command) (string, error) {
	commandWithPath, err := exec.LookPath(command.Name)
	if err != nil {
		return fmt.Sprintf("unable to find command:%s in path", command.Name), err
	}

	if command.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, command.Timeout)
		defer cancel()
	}

	// the environment is deliberately not logged, it carries credentials
	c.log.Infow("running command", "command", commandWithPath, "args", strings.Join(command.Args, " "))

	cmd := exec.CommandContext(ctx, commandWithPath, command.Args...) // nolint:gosec
	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env, command.Env...)
	cmd.Stdin = command.Stdin
	cmd.WaitDelay = killGracePeriod

	out, err := runCommandWithOutput(cmd, true)
	if err != nil && ctx.Err() != nil {
		return out, fmt.Errorf("%w (%w)", err, ctx.Err())
	}

	return out, err
}

func runCommandWithOutput(cmd *exec.Cmd, combinedOutput bool) (string, error) {
	var output []byte
	var err error

	if combinedOutput {
		output, err = cmd.CombinedOutput()
	} else {
		output, err = cmd.Output()
	}

	out := strings.TrimSpace(string(output))

	return out, err
}
