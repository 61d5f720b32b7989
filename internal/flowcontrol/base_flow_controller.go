package flowcontrol

import (
	"sync"
	"time"

	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/utils"
)

// baseFlowController is the shared send/receive window bookkeeping for both
// stream- and connection-level controllers, grounded on the teacher's
// internal/flowcontrol.baseFlowController (the embedding is the same: a
// stream controller and a connection controller both wrap one of these and
// add only the behavior that differs between them).
type baseFlowController struct {
	mu sync.Mutex

	rttStats *utils.RTTStats
	logger   utils.Logger

	bytesSent  protocol.ByteCount
	sendWindow protocol.ByteCount

	lastWindowUpdateTime time.Time

	bytesRead                 protocol.ByteCount
	highestReceived           protocol.ByteCount
	receiveWindow             protocol.ByteCount
	receiveWindowIncrement    protocol.ByteCount
	maxReceiveWindowIncrement protocol.ByteCount
}

func (c *baseFlowController) AddBytesSent(n protocol.ByteCount) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytesSent += n
}

func (c *baseFlowController) UpdateSendWindow(offset protocol.ByteCount) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if offset > c.sendWindow {
		c.sendWindow = offset
	}
}

func (c *baseFlowController) sendWindowSize() protocol.ByteCount {
	if c.bytesSent > c.sendWindow {
		return 0
	}
	return c.sendWindow - c.bytesSent
}

func (c *baseFlowController) AddBytesRead(n protocol.ByteCount) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bytesRead == 0 {
		c.lastWindowUpdateTime = time.Now()
	}
	c.bytesRead += n
}

// getWindowUpdate returns the new receive-window offset to advertise, or 0
// if the unconsumed window is still at least (1 - WindowUpdateThreshold)
// of the window increment.
func (c *baseFlowController) getWindowUpdate() protocol.ByteCount {
	remaining := c.receiveWindow - c.bytesRead
	threshold := protocol.ByteCount(float64(c.receiveWindowIncrement) * (1 - protocol.WindowUpdateThreshold))
	if remaining >= threshold {
		return 0
	}
	c.maybeAdjustWindowIncrement()
	c.receiveWindow = c.bytesRead + c.receiveWindowIncrement
	c.lastWindowUpdateTime = time.Now()
	return c.receiveWindow
}

// maybeAdjustWindowIncrement doubles the window increment when updates are
// arriving faster than every 2 RTTs, the same auto-tuning heuristic the
// teacher's controller uses (Chromium's window auto-tuning scheme).
func (c *baseFlowController) maybeAdjustWindowIncrement() {
	if c.lastWindowUpdateTime.IsZero() {
		return
	}
	rtt := c.rttStats.SmoothedRTT()
	if rtt == 0 {
		return
	}
	if time.Since(c.lastWindowUpdateTime) >= 2*rtt {
		return
	}
	old := c.receiveWindowIncrement
	c.receiveWindowIncrement = utils.MinByteCount(2*c.receiveWindowIncrement, c.maxReceiveWindowIncrement)
	if old < c.receiveWindowIncrement && c.logger != nil {
		c.logger.Debugf("increasing receive window increment to %d kB", c.receiveWindowIncrement/(1<<10))
	}
}

func (c *baseFlowController) checkFlowControlViolation() bool {
	return c.highestReceived > c.receiveWindow
}
