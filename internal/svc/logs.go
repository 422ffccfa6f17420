package svc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
)

// LogOptions configures log viewing.
type LogOptions struct {
	ServiceName string
	Follow      bool
	Lines       int
}

// LogCommand returns the command that shows the service's logs on goos.
func LogCommand(opts LogOptions, goos string) (string, []string, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = DefaultServiceName(ModeServe)
	}
	if opts.Lines <= 0 {
		opts.Lines = 50
	}

	switch goos {
	case "linux":
		args := []string{"-u", opts.ServiceName, "-n", strconv.Itoa(opts.Lines), "--no-pager"}
		if opts.Follow {
			args = append(args, "-f")
		}
		return "journalctl", args, nil
	case "darwin":
		// launchd writes the service's stdout and stderr here
		args := []string{"-n", strconv.Itoa(opts.Lines)}
		if opts.Follow {
			args = append(args, "-f")
		}
		args = append(args,
			fmt.Sprintf("/var/log/%s.err.log", opts.ServiceName),
			fmt.Sprintf("/var/log/%s.out.log", opts.ServiceName))
		return "tail", args, nil
	default:
		return "", nil, fmt.Errorf("log viewing not supported on %s; check the system event log for source %q", goos, opts.ServiceName)
	}
}

// ViewLogs streams the service logs to stdout until the viewer exits or ctx
// is cancelled.
func ViewLogs(ctx context.Context, opts LogOptions) error {
	name, args, err := LogCommand(opts, runtime.GOOS)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
