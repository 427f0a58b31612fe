package dnssd

import (
	"math/rand"
	"time"
)

// Prober specializes PacketRepeater for RFC6762 8.1 probing:
// three probe queries 250ms apart, the first preceded by a randomized 0-250ms
// delay so that multiple hosts racing to claim the same name don't probe in
// lockstep.
type Prober struct {
	rep *PacketRepeater
}

// NewProber creates a Prober that transmits probe queries via send.
func NewProber(sched *Scheduler, send func(id int, packet []byte) error) *Prober {
	return &Prober{rep: NewPacketRepeater(sched, send)}
}

// Start begins probing for id using the packed query built from a
// ProbingInfo. onFinished runs once the configured probe count has been
// sent with no intervening Stop.
func (p *Prober) Start(id int, packet []byte, cfg Config, onFinished func(id int)) {
	p.rep.Start(id, packet, probeDelays(cfg), onFinished)
}

// Stop cancels probing for id.
func (p *Prober) Stop(id int) { p.rep.Stop(id) }

// Active reports whether id is currently probing.
func (p *Prober) Active(id int) bool { return p.rep.Active(id) }

func probeDelays(cfg Config) []time.Duration {
	delays := make([]time.Duration, cfg.ProbeCount)
	if cfg.ProbeCount == 0 {
		return delays
	}
	delays[0] = time.Duration(rand.Int63n(int64(MaxProbeStartDelay) + 1))
	for i := 1; i < cfg.ProbeCount; i++ {
		delays[i] = cfg.ProbeInterval
	}
	return delays
}
