package scheduler

import (
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
	"gotest.tools/v3/assert"
)

func TestSpawnAndPickNextFIFOWithinBand(t *testing.T) {
	s := New(Config{NumCPU: 1, Slice: time.Hour})
	defer s.Close()

	a := s.Spawn(1, 3)
	b := s.Spawn(1, 3)

	got, ok := s.PickNext(0)
	assert.Assert(t, ok)
	assert.Equal(t, got.ID, a.ID)
	s.Exit(got)

	got, ok = s.PickNext(0)
	assert.Assert(t, ok)
	assert.Equal(t, got.ID, b.ID)
}

func TestHigherBandRunsFirst(t *testing.T) {
	s := New(Config{NumCPU: 1, Slice: time.Hour})
	defer s.Close()

	low := s.Spawn(1, 2)
	high := s.Spawn(1, 5)
	_ = low

	got, ok := s.PickNext(0)
	assert.Assert(t, ok)
	assert.Equal(t, got.ID, high.ID)
}

func TestTimeSlicePreemption(t *testing.T) {
	s := New(Config{NumCPU: 1, Slice: 10 * time.Millisecond})
	defer s.Close()

	th := s.Spawn(1, 4)
	got, ok := s.PickNext(0)
	assert.Assert(t, ok)
	assert.Equal(t, got.ID, th.ID)
	assert.Equal(t, got.State(), Running)

	assert.Assert(t, pollUntil(func() bool { return th.State() == Runnable }, time.Second))
}

func TestYieldRejoinsTail(t *testing.T) {
	s := New(Config{NumCPU: 1, Slice: time.Hour})
	defer s.Close()

	a := s.Spawn(1, 3)
	b := s.Spawn(1, 3)

	got, _ := s.PickNext(0)
	assert.Equal(t, got.ID, a.ID)
	s.Yield(a)

	got, _ = s.PickNext(0)
	assert.Equal(t, got.ID, b.ID)
	got, _ = s.PickNext(0)
	assert.Equal(t, got.ID, a.ID)
}

func TestBlockOnWakeMatchingReason(t *testing.T) {
	s := New(Config{NumCPU: 1, Slice: time.Hour})
	defer s.Close()

	th := s.Spawn(1, 3)
	_, _ = s.PickNext(0)

	var g errgroup.Group
	var ev WakeEvent
	g.Go(func() error {
		ev = s.BlockOn(th, ReasonIPCReceive, time.Time{})
		return nil
	})

	assert.Assert(t, pollUntil(func() bool { return th.State() == Blocked }, time.Second))
	s.Wake(th, ReasonIPCReceive)
	assert.NilError(t, g.Wait())
	assert.Equal(t, ev.Reason, ReasonIPCReceive)
	assert.Assert(t, !ev.TimedOut)
}

func TestWakeWithWrongReasonIsDropped(t *testing.T) {
	s := New(Config{NumCPU: 1, Slice: time.Hour})
	defer s.Close()

	th := s.Spawn(1, 3)
	_, _ = s.PickNext(0)

	done := make(chan WakeEvent, 1)
	go func() { done <- s.BlockOn(th, ReasonIPCReceive, time.Time{}) }()
	assert.Assert(t, pollUntil(func() bool { return th.State() == Blocked }, time.Second))

	s.Wake(th, ReasonIPCReply) // mismatched reason: must be a no-op
	select {
	case <-done:
		t.Fatal("wake with mismatched reason must not wake the thread")
	case <-time.After(30 * time.Millisecond):
	}

	s.Wake(th, ReasonIPCReceive)
	<-done
}

func TestBlockOnDeadlineTimesOut(t *testing.T) {
	s := New(Config{NumCPU: 1, Slice: time.Hour})
	defer s.Close()

	th := s.Spawn(1, 3)
	_, _ = s.PickNext(0)

	ev := s.BlockOn(th, ReasonIPCReceive, time.Now().Add(5*time.Millisecond))
	assert.Assert(t, ev.TimedOut)
	assert.Equal(t, th.State(), Runnable)
}

func TestCancelWakesBlockedThreadRegardlessOfReason(t *testing.T) {
	s := New(Config{NumCPU: 1, Slice: time.Hour})
	defer s.Close()

	th := s.Spawn(1, 3)
	_, _ = s.PickNext(0)

	done := make(chan WakeEvent, 1)
	go func() { done <- s.BlockOn(th, ReasonIPCReply, time.Time{}) }()
	assert.Assert(t, pollUntil(func() bool { return th.State() == Blocked }, time.Second))

	s.Cancel(th)
	ev := <-done
	assert.Assert(t, ev.Cancelled)
	assert.Assert(t, th.Cancelled())
}

func pollUntil(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
