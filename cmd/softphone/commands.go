package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/utils"
	"peercall/pkg/validation"
)

const helpText = `commands:
  call <user> [video]   place a voice (or video) call
  accept | reject       answer the incoming call
  hangup                end the active call
  mute | unmute         toggle the microphone
  video on|off          toggle the camera
  switch                switch to the next camera
  state                 show the active call
  quit                  exit`

var errQuit = errors.New("quit")

type command struct {
	name string
	args []string
}

func parseCommand(line string) (command, bool) {
	line = utils.SanitizeString(line)
	if line == "" {
		return command{}, false
	}
	fields := strings.Fields(line)
	return command{name: strings.ToLower(fields[0]), args: fields[1:]}, true
}

// execute runs one command against the call service, writing any reply to out.
func execute(ctx context.Context, svc ports.CallService, cmd command, out io.Writer) error {
	switch cmd.name {
	case "call":
		if len(cmd.args) == 0 || len(cmd.args) > 2 {
			return fmt.Errorf("usage: call <user> [video]")
		}
		if err := validation.ValidateUserID(cmd.args[0]); err != nil {
			return err
		}
		kind := domain.MediaVoice
		if len(cmd.args) == 2 {
			if !strings.EqualFold(cmd.args[1], "video") {
				return fmt.Errorf("usage: call <user> [video]")
			}
			kind = domain.MediaVideo
		}
		id, err := svc.PlaceCall(ctx, domain.UserID(cmd.args[0]), kind)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "calling %s (%s), call %s\n", cmd.args[0], kind, id)
		return nil

	case "accept":
		return svc.Accept(ctx)
	case "reject":
		return svc.Reject(ctx)
	case "hangup", "end":
		return svc.End(ctx)
	case "mute":
		return svc.SetMuted(ctx, true)
	case "unmute":
		return svc.SetMuted(ctx, false)

	case "video":
		if len(cmd.args) != 1 {
			return fmt.Errorf("usage: video on|off")
		}
		switch strings.ToLower(cmd.args[0]) {
		case "on":
			return svc.SetVideoEnabled(ctx, true)
		case "off":
			return svc.SetVideoEnabled(ctx, false)
		}
		return fmt.Errorf("usage: video on|off")

	case "switch":
		return svc.SwitchCamera(ctx)

	case "state":
		fmt.Fprintln(out, describe(svc, time.Now()))
		return nil

	case "help", "?":
		fmt.Fprintln(out, helpText)
		return nil

	case "quit", "exit":
		return errQuit
	}
	return fmt.Errorf("unknown command %q, try help", cmd.name)
}

func describe(svc ports.CallService, now time.Time) string {
	info, ok := svc.Snapshot()
	if !ok {
		return "state: " + svc.State().String()
	}
	line := fmt.Sprintf("state: %s, %s call with %s (%s)", info.State, info.Kind, info.Peer, info.Role)
	if !info.ConnectedAt.IsZero() {
		line += ", up " + utils.FormatElapsed(now.Sub(info.ConnectedAt))
	}
	if info.Muted {
		line += ", muted"
	}
	if info.Kind == domain.MediaVideo && !info.VideoEnabled {
		line += ", camera off"
	}
	return line
}

func formatNotification(n domain.Notification) string {
	switch n := n.(type) {
	case domain.IncomingCall:
		return fmt.Sprintf("incoming %s call from %s (accept/reject)", n.Kind, n.Peer)
	case domain.StateChanged:
		if n.Reason != domain.ReasonNone {
			return fmt.Sprintf("call %s: %s -> %s (%s)", n.CallID, n.From, n.To, n.Reason)
		}
		return fmt.Sprintf("call %s: %s -> %s", n.CallID, n.From, n.To)
	case domain.RemoteTrack:
		return fmt.Sprintf("receiving remote %s", n.Kind)
	case domain.CallError:
		return fmt.Sprintf("call error (%s): %s", n.Kind, n.Message)
	}
	return fmt.Sprintf("%v", n)
}
