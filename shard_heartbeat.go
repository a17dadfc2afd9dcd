package shard

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/switchupcb/websocket"
)

// beat sends an Opcode 1 Heartbeat to the Discord Gateway every heartbeat
// interval (to verify the connection is alive) until the connection
// terminates or a shutdown is requested.
func (s *Shard) beat(ctx context.Context) error {
	interval := s.HeartbeatInterval()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-s.closing:
			if err := s.conn.Close(websocket.StatusCode(FlagClientCloseEventCodeNormal), "User requested shutdown"); err != nil {
				LogShard(Logger.Debug(), s.label).Err(ErrorDisconnect{
					ShardID: s.label,
					Err:     err,
					Action:  nil,
				}).Msg("error occurred closing the connection")
			}

			return nil

		case <-ctx.Done():
			return nil

		case <-timer.C:
			// a missing acknowledgement of the previous cycle's Heartbeat
			// indicates a zombied connection.
			sent := atomic.LoadInt64(&s.lastHeartbeatSent)
			ack := atomic.LoadInt64(&s.lastACKReceived)

			if sent != 0 && (ack == 0 || ack < sent-int64(interval)) {
				overdue := time.Duration(time.Now().UnixNano() - sent)

				return s.forceResume(FlagClientCloseEventCodeZombie,
					fmt.Sprintf("failed to receive an acknowledgement for the heartbeat sent ~%s ago", overdue),
				)
			}

			start := time.Now()
			if err := s.heartbeat(ctx); err != nil {
				return err
			}

			// a slow send indicates a blocked process or a poor connection.
			if took := time.Since(start); took > interval*15/100 {
				LogShard(Logger.Warn(), s.label).
					Dur("took", took).
					Dur("heartbeat_interval", interval).
					Msg("sending a HEARTBEAT took more than 15% of the heartbeat interval")
			}

			timer.Reset(interval)
		}
	}
}

// heartbeat sends an Opcode 1 Heartbeat carrying the last observed
// sequence number (null prior to the first DISPATCH).
func (s *Shard) heartbeat(ctx context.Context) error {
	var seq *int64
	if n := atomic.LoadInt64(&s.seq); n != 0 {
		seq = &n
	}

	if err := s.writeCommand(ctx, FlagGatewayOpcodeHeartbeat, FlagGatewayCommandNameHeartbeat, seq, true); err != nil {
		return err
	}

	atomic.StoreInt64(&s.lastHeartbeatSent, time.Now().UnixNano())

	return nil
}
