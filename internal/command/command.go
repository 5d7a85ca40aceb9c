// Package command turns an agent into a remote shell: events trigger
// configured commands and the output is emitted back as a reply event.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"slices"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/zycelium/uagent"
	"github.com/zycelium/uagent/codec"
	"github.com/zycelium/uagent/pkg/slogx"
)

// ReplySuffix is appended to the event topic when a Spec has no reply topic.
const ReplySuffix = ".reply"

// Spec is a command bound to an event topic.
type Spec struct {
	// Run is the shell command line. {field} placeholders are replaced with
	// the fields of the triggering event.
	Run string
	// Reply is the topic the result is emitted on.
	Reply string
}

// ReplyTopic returns the reply topic for event.
func (s Spec) ReplyTopic(event string) string {
	if s.Reply != "" {
		return s.Reply
	}
	return event + ReplySuffix
}

// Result is the outcome of one command run.
type Result struct {
	Command    string
	Stdout     string
	Stderr     string
	ReturnCode int
	// Err is set when the command could not be run at all; ReturnCode is
	// then -1.
	Err error
}

// Fields renders the result as a reply payload.
func (r Result) Fields() codec.Fields {
	if r.Err != nil {
		return codec.Fields{
			"command":    r.Command,
			"error":      r.Err.Error(),
			"returncode": r.ReturnCode,
		}
	}
	return codec.Fields{
		"command":    r.Command,
		"stdout":     r.Stdout,
		"stderr":     r.Stderr,
		"returncode": r.ReturnCode,
	}
}

// Register runs spec for every event on topic and emits the result on the
// reply topic.
func Register(a *uagent.Agent, event string, spec Spec) uagent.EventFunc {
	reply := spec.ReplyTopic(event)
	slog.Info("registered command", slog.String("command", spec.Run), slog.String("event", event), slog.String("reply", reply))

	return a.OnEvent(event, func(ctx context.Context, msg uagent.Message) error {
		res := Run(ctx, Expand(spec.Run, msg.Fields))
		a.Emit(ctx, reply, res.Fields())
		return nil
	}, uagent.Named("command:"+event))
}

// Expand replaces every {key} in command with the shell-quoted value of that
// field, so a value always reaches the command as a single argument. Fields
// are applied in key order so the result does not depend on map iteration.
func Expand(command string, fields codec.Fields) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		command = strings.ReplaceAll(command, "{"+k+"}", shellescape.Quote(fmt.Sprint(fields[k])))
	}
	return command
}

// Run executes command with sh -c and collects its output.
func Run(ctx context.Context, command string) Result {
	res := Result{Command: command}
	log := slog.With(slog.String("command", command))
	log.Info("executing command")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ReturnCode = exitErr.ExitCode()
		log.Warn("command failed", slog.Int("returncode", res.ReturnCode), slog.String("stderr", res.Stderr))
	default:
		res.Err = err
		res.ReturnCode = -1
		log.Error("command execution failed", slogx.Error(err))
	}
	return res
}
