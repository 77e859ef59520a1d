package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattjoyce/conductor/internal/notify"
)

// ErrUnknownCommand is returned by Decode for a command with no payload type.
var ErrUnknownCommand = errors.New("unknown command")

// Publisher is the subset of the dispatcher used to send events.
type Publisher interface {
	Publish(ctx context.Context, msg notify.Message) (notify.Notification, error)
}

// Encode wraps ev in a dispatcher message.
func Encode(projectID int64, audience notify.Audience, ev Event) (notify.Message, error) {
	if ev == nil {
		return notify.Message{}, fmt.Errorf("encode: nil event")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return notify.Message{}, fmt.Errorf("encode %s: %w", ev.Command(), err)
	}
	return notify.Message{
		ProjectID: projectID,
		Audience:  audience,
		Command:   string(ev.Command()),
		Payload:   payload,
	}, nil
}

// Decode parses payload as the event type registered for command.
func Decode(command string, payload []byte) (Event, error) {
	switch Command(command) {
	case CmdClockStateUpdate:
		return decodeAs[ClockStateUpdate](command, payload)
	case CmdPhasesUpdated:
		return decodeAs[PhasesUpdated](command, payload)
	case CmdDataUpdated:
		return decodeAs[DataUpdated](command, payload)
	case CmdPendingChangesNotification:
		return decodeAs[PendingChangesNotification](command, payload)
	case CmdPendingChangesUpdated:
		return decodeAs[PendingChangesUpdated](command, payload)
	case CmdUserNotification:
		return decodeAs[UserNotification](command, payload)
	case CmdShowModal:
		return decodeAs[ShowModal](command, payload)
	case CmdUserDeactivated:
		return decodeAs[UserDeactivated](command, payload)
	case CmdPresenceChanged:
		return decodeAs[PresenceChanged](command, payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}
}

// DecodeNotification decodes the payload of a polled or pushed notification.
func DecodeNotification(n notify.Notification) (Event, error) {
	return Decode(n.Command, n.Payload)
}

func decodeAs[T Event](command string, payload []byte) (Event, error) {
	var ev T
	if len(payload) == 0 {
		return ev, nil
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", command, err)
	}
	return ev, nil
}

// Send encodes ev and publishes it through p.
func Send(ctx context.Context, p Publisher, projectID int64, audience notify.Audience, ev Event) error {
	msg, err := Encode(projectID, audience, ev)
	if err != nil {
		return err
	}
	if _, err := p.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Command, err)
	}
	return nil
}
