package dnssd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAnnounceDelaysDouble(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AnnounceCount = 4
	cfg.AnnounceInitialInterval = 1 * time.Second

	delays := announceDelays(cfg)
	assert.Equal(t, []time.Duration{0, 1 * time.Second, 2 * time.Second, 4 * time.Second}, delays)
}

func TestAnnounceDelaysDefaultsToOneShot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AnnounceCount = 0
	delays := announceDelays(cfg)
	assert.Equal(t, []time.Duration{0}, delays)
}

func TestAnnouncerExitIsSingleShot(t *testing.T) {
	sched := NewScheduler()
	defer sched.Stop()

	var packets int
	ann := NewAnnouncer(sched, func(id int, pkt []byte) error {
		packets++
		return nil
	})

	cfg := DefaultConfig()
	cfg.ExitAnnouncementDelay = 0

	done := make(chan struct{})
	sched.PostSync(func() {
		ann.Exit(1, []byte("bye"), cfg, func(int) { close(done) })
	})
	<-done
	assert.Equal(t, 1, packets)
}

func TestAnnouncerAnnounceEndToEnd(t *testing.T) {
	sched := NewScheduler()
	defer sched.Stop()

	var packets int
	ann := NewAnnouncer(sched, func(id int, pkt []byte) error {
		packets++
		return nil
	})

	cfg := DefaultConfig()
	cfg.AnnounceCount = 3
	cfg.AnnounceInitialInterval = 0

	done := make(chan struct{})
	sched.PostSync(func() {
		ann.Announce(1, []byte("hi"), cfg, func(int) { close(done) })
	})
	<-done
	assert.Equal(t, 3, packets)
}
