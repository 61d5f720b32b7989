package congestion

import (
	"math"
	"time"

	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/utils"
)

const maxBurstSize = 10 * maxDatagramSize

// pacer implements a token-bucket pacer, grounded on the teacher's
// internal/congestion.pacer: it spreads a congestion window's worth of
// packets across an RTT instead of releasing them in one burst.
type pacer struct {
	budgetAtLastSent protocol.ByteCount
	lastSentTime     time.Time
	getBandwidth     func() uint64 // bytes/s
}

func newPacer(getBandwidth func() uint64) *pacer {
	p := &pacer{getBandwidth: getBandwidth}
	p.budgetAtLastSent = p.maxBurstSize()
	return p
}

func (p *pacer) SentPacket(sendTime time.Time, size protocol.ByteCount) {
	budget := p.Budget(sendTime)
	if size > budget {
		p.budgetAtLastSent = 0
	} else {
		p.budgetAtLastSent = budget - size
	}
	p.lastSentTime = sendTime
}

func (p *pacer) Budget(now time.Time) protocol.ByteCount {
	if p.lastSentTime.IsZero() {
		return p.maxBurstSize()
	}
	elapsed := now.Sub(p.lastSentTime)
	budget := p.budgetAtLastSent + protocol.ByteCount(uint64(elapsed.Nanoseconds())*p.getBandwidth())/1e9
	return utils.MinByteCount(p.maxBurstSize(), budget)
}

func (p *pacer) maxBurstSize() protocol.ByteCount {
	bw := p.getBandwidth()
	if bw == 0 {
		return maxBurstSize
	}
	return utils.MaxByteCount(
		protocol.ByteCount(uint64((protocol.MinPacingDelay+protocol.TimerGranularity).Nanoseconds())*bw)/1e9,
		maxBurstSize,
	)
}

// TimeUntilSend returns when the next full-size packet may be sent.
func (p *pacer) TimeUntilSend() time.Time {
	if p.budgetAtLastSent >= maxDatagramSize {
		return time.Time{}
	}
	bw := p.getBandwidth()
	if bw == 0 {
		return p.lastSentTime.Add(protocol.MinPacingDelay)
	}
	return p.lastSentTime.Add(utils.MaxDuration(
		protocol.MinPacingDelay,
		time.Duration(math.Ceil(float64(maxDatagramSize-p.budgetAtLastSent)*1e9/float64(bw)))*time.Nanosecond,
	))
}
