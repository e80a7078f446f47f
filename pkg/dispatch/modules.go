package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/fleetplay/pkg/engine"
	"github.com/openfroyo/fleetplay/pkg/transports/ssh"
)

// runCommand executes a command without shell expansion. The command is
// given as "cmd" (split on whitespace) or "argv" (a list).
func runCommand(ctx context.Context, req *Request) (engine.TaskResult, error) {
	argv, err := req.Args.Strings("argv")
	if err != nil {
		return engine.TaskResult{}, err
	}
	if len(argv) == 0 {
		cmd, err := req.Args.Require("cmd")
		if err != nil {
			return engine.TaskResult{}, err
		}
		argv = strings.Fields(cmd)
	}

	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = ssh.ShellQuote(a)
	}
	return execute(ctx, req, strings.Join(quoted, " "))
}

// runShell executes "cmd" through the shell.
func runShell(ctx context.Context, req *Request) (engine.TaskResult, error) {
	cmd, err := req.Args.Require("cmd")
	if err != nil {
		return engine.TaskResult{}, err
	}
	return execute(ctx, req, cmd)
}

// execute runs cmd on the request's host honouring chdir, creates, removes
// and sudo arguments.
func execute(ctx context.Context, req *Request, cmd string) (engine.TaskResult, error) {
	t, err := req.Target(ctx)
	if err != nil {
		return engine.TaskResult{}, err
	}

	if creates, ok := req.Args.String("creates"); ok {
		if exists, err := pathExists(ctx, t, creates); err != nil {
			return engine.TaskResult{}, err
		} else if exists {
			return engine.TaskResult{Output: creates + " exists", Data: map[string]interface{}{"rc": 0}}, nil
		}
	}
	if removes, ok := req.Args.String("removes"); ok {
		if exists, err := pathExists(ctx, t, removes); err != nil {
			return engine.TaskResult{}, err
		} else if !exists {
			return engine.TaskResult{Output: removes + " does not exist", Data: map[string]interface{}{"rc": 0}}, nil
		}
	}

	if dir, ok := req.Args.String("chdir"); ok {
		cmd = "cd " + ssh.ShellQuote(dir) + " && " + cmd
	}

	res, err := t.Run(ctx, cmd, ssh.RunOptions{
		Sudo:         req.Args.Bool("sudo"),
		SudoPassword: req.Args.StringDefault("sudo_password", ""),
	})
	if err != nil {
		return engine.TaskResult{}, err
	}

	out := engine.TaskResult{
		Changed: true,
		Output:  res.Stdout,
		Data: map[string]interface{}{
			"rc":     res.ExitCode,
			"stdout": res.Stdout,
			"stderr": res.Stderr,
		},
	}
	if res.ExitCode != 0 {
		out.Failed = true
		out.Changed = false
		msg := res.Stderr
		if msg == "" {
			msg = res.Stdout
		}
		return out, fmt.Errorf("command exited with code %d: %s", res.ExitCode, msg)
	}
	return out, nil
}

func pathExists(ctx context.Context, t Target, path string) (bool, error) {
	res, err := t.Run(ctx, "test -e "+ssh.ShellQuote(path), ssh.RunOptions{})
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// runPing checks that the host accepts commands.
func runPing(ctx context.Context, req *Request) (engine.TaskResult, error) {
	t, err := req.Target(ctx)
	if err != nil {
		return engine.TaskResult{}, err
	}
	res, err := t.Run(ctx, "true", ssh.RunOptions{})
	if err != nil {
		return engine.TaskResult{}, err
	}
	if res.ExitCode != 0 {
		return engine.TaskResult{}, fmt.Errorf("ping exited with code %d", res.ExitCode)
	}
	data := req.Args.StringDefault("data", "pong")
	return engine.TaskResult{Output: data, Data: map[string]interface{}{"ping": data}}, nil
}

func runDebug(_ context.Context, req *Request) (engine.TaskResult, error) {
	msg := req.Args.StringDefault("msg", "Hello world!")
	return engine.TaskResult{Output: msg, Data: map[string]interface{}{"msg": msg}}, nil
}

func runFail(_ context.Context, req *Request) (engine.TaskResult, error) {
	msg := req.Args.StringDefault("msg", "Failed as requested")
	return engine.TaskResult{Failed: true, Output: msg}, errors.New(msg)
}

// runPause sleeps for "duration" (or "seconds").
func runPause(ctx context.Context, req *Request) (engine.TaskResult, error) {
	d, ok, err := req.Args.Duration("duration")
	if !ok && err == nil {
		d, _, err = req.Args.Duration("seconds")
	}
	if err != nil {
		return engine.TaskResult{}, err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return engine.TaskResult{}, ctx.Err()
	case <-timer.C:
	}
	return engine.TaskResult{Output: "paused for " + d.String(), Data: map[string]interface{}{"delta": d.Seconds()}}, nil
}

// runInclude hands the named include set back to the scheduler.
func runInclude(_ context.Context, req *Request) (engine.TaskResult, error) {
	ref, err := req.Args.Require("ref")
	if err != nil {
		return engine.TaskResult{}, err
	}
	return engine.TaskResult{Include: ref, Output: "included " + ref}, nil
}
