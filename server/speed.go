package server

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/carriercomm/ebftpd/internal/ratelimit"
)

// minimumSpeedKickTime is how long a transfer may stay under its minimum
// speed before it is aborted.
const minimumSpeedKickTime = 5 * time.Second

// speedApplyMaxSleep caps a single shaping sleep so the interruption bit in
// the pump stays responsive.
const speedApplyMaxSleep = time.Second

// speedControlIDs hands out participant ids for the global speed counter.
var speedControlIDs atomic.Uint64

// speedControl enforces the speed policy of one transfer. The pump calls
// Apply after every chunk; Release runs on scoped teardown and deregisters
// the transfer from every global limit class.
//
// The per-user maximum is not handled here: it is shaped by wrapping the
// transfer reader/writer in a ratelimit token bucket (see shapedReader and
// shapedWriter), which produces the same average-to-ceiling sleeps.
type speedControl struct {
	minimum float64 // bytes per second, 0 = unchecked
	state   *transferState
	classes []string
	counter *SpeedCounter

	id            uint64
	lastMinimumOK time.Time
}

// newSpeedControl returns nil when the policy needs no per-chunk work, so
// unlimited transfers short-circuit on the hot path.
func newSpeedControl(limits TransferLimits, state *transferState, counter *SpeedCounter) *speedControl {
	if limits.MinimumKBps == 0 && len(limits.Classes) == 0 {
		return nil
	}
	return &speedControl{
		minimum:       float64(limits.MinimumKBps) * 1024,
		state:         state,
		classes:       limits.Classes,
		counter:       counter,
		id:            speedControlIDs.Add(1),
		lastMinimumOK: time.Now(),
	}
}

// Apply checks the minimum speed and sleeps as required by the global
// limit classes.
func (sc *speedControl) Apply() error {
	sample := sc.state.sample()
	now := time.Now()

	if sc.minimum > 0 {
		if speed := sample.bytesPerSecond(); speed > sc.minimum {
			sc.lastMinimumOK = now
		} else if now.Sub(sc.lastMinimumOK) > minimumSpeedKickTime {
			return &MinimumSpeedError{
				Minimum: sc.minimum / 1024,
				Actual:  speed / 1024,
			}
		}
	}

	if len(sc.classes) > 0 {
		if sleep := sc.counter.Update(sc.id, sample, sc.classes); sleep > 0 {
			if sleep > speedApplyMaxSleep {
				sleep = speedApplyMaxSleep
			}
			time.Sleep(sleep)
		}
	}

	return nil
}

// Release deregisters from every global limit class. Idempotent; safe to
// call on a nil receiver.
func (sc *speedControl) Release() {
	if sc == nil {
		return
	}
	sc.counter.Clear(sc.id, sc.classes)
}

// shapedReader applies the per-user maximum to an upload source (the data
// connection).
func shapedReader(r io.Reader, maxKBps int64) io.Reader {
	return ratelimit.NewReader(r, ratelimit.New(maxKBps*1024))
}

// shapedWriter applies the per-user maximum to a download sink (the data
// connection).
func shapedWriter(w io.Writer, maxKBps int64) io.Writer {
	return ratelimit.NewWriter(w, ratelimit.New(maxKBps*1024))
}
