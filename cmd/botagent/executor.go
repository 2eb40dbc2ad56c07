package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// runCommands executes the task's commands in order inside a scratch
// workspace, stopping at the first nonzero exit. It returns one exit code
// per command started and the combined stdout/stderr of all of them.
func runCommands(ctx context.Context, commands [][]string, taskEnv map[string]string, logger *zap.Logger) ([]int, []byte) {
	workspace, err := os.MkdirTemp("", "dispatch-task-*")
	if err != nil {
		logger.Error("Failed to create workspace", zap.Error(err))
		return []int{-1}, []byte(fmt.Sprintf("workspace setup failed: %v", err))
	}
	defer os.RemoveAll(workspace)

	env := os.Environ()
	for key, value := range taskEnv {
		env = append(env, key+"="+value)
	}

	var exitCodes []int
	var output bytes.Buffer
	for i, argv := range commands {
		if len(argv) == 0 {
			exitCodes = append(exitCodes, -1)
			fmt.Fprintf(&output, "command %d is empty\n", i)
			break
		}

		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = workspace
		cmd.Env = env
		cmd.Stdout = &output
		cmd.Stderr = &output

		start := time.Now()
		runErr := cmd.Run()
		logger.Info("Command finished",
			zap.Int("index", i),
			zap.String("command", argv[0]),
			zap.Duration("duration", time.Since(start)),
			zap.Error(runErr))

		code := 0
		if runErr != nil {
			var exitErr *exec.ExitError
			if errors.As(runErr, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				// Startup failure: missing binary, killed by the deadline.
				code = -1
				fmt.Fprintf(&output, "command %d failed to run: %v\n", i, runErr)
			}
		}
		exitCodes = append(exitCodes, code)
		if code != 0 {
			break
		}
	}
	return exitCodes, output.Bytes()
}
