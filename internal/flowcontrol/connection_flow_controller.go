package flowcontrol

import (
	"fmt"
	"time"

	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/qerr"
	"github.com/zys-contribs/quic/internal/utils"
)

type connectionFlowController struct {
	baseFlowController
}

// NewConnectionFlowController builds the session-level flow controller.
func NewConnectionFlowController(
	receiveWindow, maxReceiveWindow, initialSendWindow protocol.ByteCount,
	rttStats *utils.RTTStats,
	logger utils.Logger,
) ConnectionFlowController {
	return &connectionFlowController{
		baseFlowController: baseFlowController{
			rttStats:                  rttStats,
			logger:                    logger,
			receiveWindow:             receiveWindow,
			receiveWindowIncrement:    receiveWindow,
			maxReceiveWindowIncrement: maxReceiveWindow,
			sendWindow:                initialSendWindow,
		},
	}
}

func (c *connectionFlowController) SendWindowSize() protocol.ByteCount {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendWindowSize()
}

// IncrementHighestReceived is driven by each stream's flow controller as it
// sees new STREAM frame data, so the connection-level window reflects the
// sum of every stream's consumption (RFC 9000 §4: the connection-level
// window is shared across all streams).
func (c *connectionFlowController) IncrementHighestReceived(n protocol.ByteCount) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.highestReceived += n
	if c.checkFlowControlViolation() {
		return &qerr.TransportError{
			ErrorCode:    qerr.FlowControlError,
			ErrorMessage: fmt.Sprintf("received %d bytes for the connection, allowed %d", c.highestReceived, c.receiveWindow),
		}
	}
	return nil
}

func (c *connectionFlowController) GetWindowUpdate() protocol.ByteCount {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getWindowUpdate()
}

// EnsureMinimumWindowIncrement raises the connection's window increment to
// at least inc, used when a single stream's window grows faster than the
// connection's own auto-tuning has noticed.
func (c *connectionFlowController) EnsureMinimumWindowIncrement(inc protocol.ByteCount) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inc > c.receiveWindowIncrement {
		c.receiveWindowIncrement = utils.MinByteCount(inc, c.maxReceiveWindowIncrement)
		c.lastWindowUpdateTime = time.Time{}
	}
}
