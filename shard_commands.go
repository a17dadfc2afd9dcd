package shard

import (
	"context"
	"fmt"

	"github.com/switchupcb/shard/internal/socket"
)

// sendQueueCapacity represents the amount of fire-and-forget commands
// that can be queued while awaiting send permits.
const sendQueueCapacity = 256

// queuedCommand represents a command queued for transmission.
type queuedCommand struct {
	data any
	name string
	op   int
}

// Send queues a Gateway Command for transmission (fire-and-forget).
//
// Queued commands are written in the order they were queued, behind the
// send rate limit. Commands queued while the Shard is disconnected are
// written once a connection is (re)established.
func (s *Shard) Send(op int, name string, data any) error {
	select {
	case <-s.closing:
		return ErrShardClosed
	default:
	}

	select {
	case s.queue <- queuedCommand{op: op, name: name, data: data}:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// UpdatePresence sends an Opcode 3 Status Update to the Discord Gateway.
// https://discord.com/developers/docs/topics/gateway#update-presence
func (s *Shard) UpdatePresence(presence GatewayPresenceUpdate) error {
	return s.Send(FlagGatewayOpcodeStatusUpdate, FlagGatewayCommandNameStatusUpdate, presence)
}

// UpdateVoiceState sends an Opcode 4 Voice State Update to the Discord Gateway.
// https://discord.com/developers/docs/topics/gateway#update-voice-state
func (s *Shard) UpdateVoiceState(update GatewayVoiceStateUpdate) error {
	return s.Send(FlagGatewayOpcodeVoiceStateUpdate, FlagGatewayCommandNameVoiceStateUpdate, update)
}

// RequestGuildMembers sends an Opcode 8 Request Guild Members to the Discord Gateway.
// https://discord.com/developers/docs/topics/gateway#request-guild-members
func (s *Shard) RequestGuildMembers(request GuildRequestMembers) error {
	return s.Send(FlagGatewayOpcodeRequestGuildMembers, FlagGatewayCommandNameRequestGuildMembers, request)
}

// transmit writes queued commands to the connection until it terminates.
func (s *Shard) transmit(ctx context.Context) error {
	for {
		select {
		case command := <-s.queue:
			if err := s.writeCommand(ctx, command.op, command.name, command.data, false); err != nil {
				return err
			}

		case <-ctx.Done():
			return nil
		}
	}
}

// writeCommand writes a Gateway Command to the connection once a send permit
// is acquired. Heartbeats are prioritized via the reserved permit lane.
func (s *Shard) writeCommand(ctx context.Context, op int, name string, data any, priority bool) error {
	acquire := s.limiter.Acquire
	if priority {
		acquire = s.limiter.AcquirePriority
	}

	release, err := acquire(ctx)
	if err != nil {
		return fmt.Errorf("error occurred acquiring a send permit for %s: %w", name, err)
	}

	err = socket.Write(ctx, s.conn, GatewayCommand{Op: op, Data: data})

	// the permit remains held for a full window after use.
	release()

	if err != nil {
		return ErrorEvent{
			Event:  name,
			Err:    err,
			Action: ErrorEventActionWrite,
		}
	}

	LogCommand(LogShard(Logger.Debug(), s.label), op, name).Msg("sent command")

	return nil
}
