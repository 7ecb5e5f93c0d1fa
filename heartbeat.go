package signalr

import (
	"time"

	"github.com/carterjones/signalrcore/hubs"
	"go.uber.org/zap"
)

// heartbeatLoop queues a Ping every time the outbound side has been idle for
// the keep-alive interval. Writes of other messages restart the wait.
func (hc *Connection) heartbeatLoop() error {
	if hc.keepAlive <= 0 {
		<-hc.ctx.Done()
		return hc.ctx.Err()
	}

	timer := time.NewTimer(hc.keepAlive)
	defer timer.Stop()

	for {
		select {
		case <-hc.ctx.Done():
			return hc.ctx.Err()

		case <-hc.activity:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(hc.keepAlive)

		case <-timer.C:
			switch err := hc.outbound.offer(&hubs.Ping{}); err {
			case nil:
			case ErrOutboundQueueFull:
				// A backlog is about to reach the socket anyway.
				hc.log.Debug("outbound queue full, skipping ping", zap.Duration("keepAlive", hc.keepAlive))
			default:
				return err
			}
			timer.Reset(hc.keepAlive)
		}
	}
}
