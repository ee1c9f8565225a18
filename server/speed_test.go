package server

import (
	"errors"
	"testing"
	"time"
)

func TestSpeedControlShortCircuit(t *testing.T) {
	t.Parallel()

	state := newTransferState()
	counter := newSpeedCounter(func(string) int64 { return 0 })

	// No minimum and no classes means no per-chunk work at all. The
	// per-user maximum alone is shaped by the ratelimit wrappers.
	if sc := newSpeedControl(TransferLimits{MaximumKBps: 100}, state, counter); sc != nil {
		t.Fatal("policy without minimum or classes should create no controller")
	}
}

func TestSpeedControlMinimumKick(t *testing.T) {
	t.Parallel()

	state := newTransferState()
	counter := newSpeedCounter(func(string) int64 { return 0 })
	sc := newSpeedControl(TransferLimits{MinimumKBps: 1000}, state, counter)
	if sc == nil {
		t.Fatal("minimum policy should create a controller")
	}

	// A fresh under-run is tolerated.
	fatalIfErr(t, sc.Apply(), "apply within grace period")

	// Backdate the last compliant moment past the kick window; the next
	// application aborts the transfer.
	sc.lastMinimumOK = time.Now().Add(-minimumSpeedKickTime - time.Second)
	err := sc.Apply()
	if err == nil {
		t.Fatal("sustained under-run should abort the transfer")
	}
	var mse *MinimumSpeedError
	if !errors.As(err, &mse) {
		t.Fatalf("error = %v, want MinimumSpeedError", err)
	}
	if mse.Minimum != 1000 {
		t.Errorf("reported minimum = %v, want 1000", mse.Minimum)
	}
}

func TestSpeedControlMinimumRecovers(t *testing.T) {
	t.Parallel()

	state := newTransferState()
	// Fake fast progress: plenty of bytes in almost no time.
	state.add(100 << 20)

	counter := newSpeedCounter(func(string) int64 { return 0 })
	sc := newSpeedControl(TransferLimits{MinimumKBps: 1}, state, counter)

	sc.lastMinimumOK = time.Now().Add(-minimumSpeedKickTime - time.Second)
	fatalIfErr(t, sc.Apply(), "fast transfer must reset the under-run clock")

	if time.Since(sc.lastMinimumOK) > time.Second {
		t.Error("lastMinimumOK was not refreshed")
	}
}

func TestSpeedControlRelease(t *testing.T) {
	t.Parallel()

	state := newTransferState()
	counter := newSpeedCounter(func(string) int64 { return 1 << 20 })
	sc := newSpeedControl(TransferLimits{Classes: []string{"main"}}, state, counter)

	fatalIfErr(t, sc.Apply(), "apply")
	if counter.Participants("main") != 1 {
		t.Fatalf("participants = %d, want 1", counter.Participants("main"))
	}

	sc.Release()
	if counter.Participants("main") != 0 {
		t.Errorf("participants after release = %d, want 0", counter.Participants("main"))
	}

	// Release is safe on a nil controller (unlimited transfers).
	var nilSC *speedControl
	nilSC.Release()
}
