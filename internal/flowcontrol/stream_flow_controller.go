package flowcontrol

import (
	"fmt"

	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/qerr"
	"github.com/zys-contribs/quic/internal/utils"
)

type streamFlowController struct {
	baseFlowController

	streamID   protocol.StreamID
	connection ConnectionFlowController

	finalOffset       protocol.ByteCount
	finalOffsetKnown  bool
	abandoned         bool
}

// NewStreamFlowController builds the flow controller for one stream. conn
// is the session-level controller this stream contributes to; contribution
// stops once Abandon is called.
func NewStreamFlowController(
	streamID protocol.StreamID,
	conn ConnectionFlowController,
	receiveWindow, maxReceiveWindow, initialSendWindow protocol.ByteCount,
	rttStats *utils.RTTStats,
	logger utils.Logger,
) StreamFlowController {
	return &streamFlowController{
		streamID:   streamID,
		connection: conn,
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

func (c *streamFlowController) SendWindowSize() protocol.ByteCount {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendWindowSize()
}

// AddBytesRead records locally-consumed data on both this stream's window
// and the connection-level window it contributes to, unless the stream has
// been abandoned.
func (c *streamFlowController) AddBytesRead(n protocol.ByteCount) {
	c.baseFlowController.AddBytesRead(n)
	c.mu.Lock()
	abandoned := c.abandoned
	c.mu.Unlock()
	if !abandoned {
		c.connection.AddBytesRead(n)
	}
}

func (c *streamFlowController) UpdateHighestReceived(offset protocol.ByteCount, final bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finalOffsetKnown && offset > c.finalOffset {
		return &qerr.TransportError{
			ErrorCode:    qerr.FinalSizeError,
			ErrorMessage: fmt.Sprintf("stream %d: received offset %d after final offset %d", c.streamID, offset, c.finalOffset),
		}
	}
	if final {
		if c.finalOffsetKnown && offset != c.finalOffset {
			return &qerr.TransportError{
				ErrorCode:    qerr.FinalSizeError,
				ErrorMessage: fmt.Sprintf("stream %d: inconsistent final offset, had %d, got %d", c.streamID, c.finalOffset, offset),
			}
		}
		if offset < c.highestReceived {
			return &qerr.TransportError{
				ErrorCode:    qerr.FinalSizeError,
				ErrorMessage: fmt.Sprintf("stream %d: final offset %d below highest received offset %d", c.streamID, offset, c.highestReceived),
			}
		}
		c.finalOffset = offset
		c.finalOffsetKnown = true
	}

	if offset <= c.highestReceived {
		return nil
	}
	increment := offset - c.highestReceived
	c.highestReceived = offset
	if c.checkFlowControlViolation() {
		return &qerr.TransportError{
			ErrorCode:    qerr.FlowControlError,
			ErrorMessage: fmt.Sprintf("stream %d: received %d bytes, allowed %d", c.streamID, offset, c.receiveWindow),
		}
	}
	if !c.abandoned {
		if err := c.connection.IncrementHighestReceived(increment); err != nil {
			return err
		}
	}
	return nil
}

func (c *streamFlowController) GetWindowUpdate() protocol.ByteCount {
	c.mu.Lock()
	oldIncrement := c.receiveWindowIncrement
	offset := c.getWindowUpdate()
	newIncrement := c.receiveWindowIncrement
	c.mu.Unlock()

	if newIncrement > oldIncrement {
		c.connection.EnsureMinimumWindowIncrement(protocol.ByteCount(float64(newIncrement) * protocol.MaxStreamsMultiplier))
	}
	return offset
}

func (c *streamFlowController) Abandon() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.abandoned {
		return
	}
	c.abandoned = true
}
