package dnssd

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRepeaterSendsEveryDelay(t *testing.T) {
	sched := NewScheduler()
	defer sched.Stop()

	var sent int32
	rep := NewPacketRepeater(sched, func(id int, pkt []byte) error {
		atomic.AddInt32(&sent, 1)
		return nil
	})

	done := make(chan struct{})
	sched.PostSync(func() {
		rep.Start(1, []byte("x"), []time.Duration{0, 5 * time.Millisecond, 5 * time.Millisecond}, func(int) {
			close(done)
		})
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("repeater never finished")
	}
	assert.EqualValues(t, 3, atomic.LoadInt32(&sent))
}

func TestPacketRepeaterStopCancelsPending(t *testing.T) {
	sched := NewScheduler()
	defer sched.Stop()

	var sent int32
	rep := NewPacketRepeater(sched, func(id int, pkt []byte) error {
		atomic.AddInt32(&sent, 1)
		return nil
	})

	sched.PostSync(func() {
		rep.Start(1, []byte("x"), []time.Duration{0, 50 * time.Millisecond}, nil)
	})
	// Let the first (zero-delay) send fire, then stop before the second.
	time.Sleep(10 * time.Millisecond)
	sched.PostSync(func() { rep.Stop(1) })

	time.Sleep(80 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&sent))
	sched.PostSync(func() {
		assert.False(t, rep.Active(1))
	})
}

func TestPacketRepeaterStartReplacesExistingJob(t *testing.T) {
	sched := NewScheduler()
	defer sched.Stop()

	var sent int32
	rep := NewPacketRepeater(sched, func(id int, pkt []byte) error {
		atomic.AddInt32(&sent, 1)
		return nil
	})

	rep.Start(1, []byte("old"), []time.Duration{50 * time.Millisecond}, nil)

	done := make(chan struct{})
	sched.PostSync(func() {
		rep.Start(1, []byte("new"), []time.Duration{0}, func(int) { close(done) })
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("replacement job never finished")
	}
	time.Sleep(80 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&sent), "the superseded job must not fire")
}

func TestPacketRepeaterEmptyDelaysFinishesImmediately(t *testing.T) {
	sched := NewScheduler()
	defer sched.Stop()

	rep := NewPacketRepeater(sched, func(id int, pkt []byte) error { return nil })

	var finished bool
	sched.PostSync(func() {
		rep.Start(1, []byte("x"), nil, func(int) { finished = true })
	})
	require.True(t, finished)
	assert.False(t, rep.Active(1))
}
