package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/vladimirvivien/gexe/exec"
)

// Runtime executes container engine CLI commands and returns their stdout.
// The context bounds the command's lifetime.
type Runtime interface {
	Output(ctx context.Context, command string) (string, error)
}

// GexeRuntime shells out to the engine binary.
type GexeRuntime struct{}

func (GexeRuntime) Output(ctx context.Context, command string) (string, error) {
	stdout := bytes.NewBufferString("")
	stderr := bytes.NewBufferString("")

	proc := exec.NewProcWithContext(ctx, command)
	proc.Command().Stdout = stdout
	proc.Command().Stderr = stderr

	proc.Start().Wait()

	err := proc.Err()
	if err != nil {
		sErr, _ := io.ReadAll(stderr)

		return "", fmt.Errorf("failed to run command (%w): stderr:%s", err, string(sErr))
	}

	sOutput, _ := io.ReadAll(stdout)

	return strings.TrimSpace(string(sOutput)), nil
}
