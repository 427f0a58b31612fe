package dnssd

import "time"

// PacketRepeater is a generic timed, cancellable repeater of one immutable
// packet, keyed by service id. Prober and Announcer are both
// thin specializations of this type: they differ only in the delay plan
// they hand to Start, not in the scheduling mechanics.
//
// At most one job runs per id; starting a new job for an id that already
// has one implicitly cancels the old one. Built on the package's single
// scheduler goroutine, as a reusable arena of timer jobs instead of one
// heap object per job.
type PacketRepeater struct {
	sched *Scheduler
	send  func(id int, packet []byte) error

	jobs map[int]*repeaterJob
}

type repeaterJob struct {
	packet     []byte
	delays     []time.Duration
	next       int
	timer      *time.Timer
	onFinished func(id int)
}

// NewPacketRepeater creates a repeater that transmits via send. send is
// called once per scheduled tick, always on the scheduler goroutine.
func NewPacketRepeater(sched *Scheduler, send func(id int, packet []byte) error) *PacketRepeater {
	return &PacketRepeater{
		sched: sched,
		send:  send,
		jobs:  make(map[int]*repeaterJob),
	}
}

// Start begins sending packet for id according to plan: delays[i] is the
// wait before the i'th send, measured from the previous send (or from the
// call to Start for i==0). onFinished, if non-nil, runs after the last
// packet has been dispatched (not after the send is confirmed).
//
// Start cancels any job already running for id.
func (p *PacketRepeater) Start(id int, packet []byte, delays []time.Duration, onFinished func(id int)) {
	p.Stop(id)
	if len(delays) == 0 {
		if onFinished != nil {
			onFinished(id)
		}
		return
	}
	job := &repeaterJob{packet: packet, delays: delays, onFinished: onFinished}
	p.jobs[id] = job
	p.scheduleNext(id, job)
}

func (p *PacketRepeater) scheduleNext(id int, job *repeaterJob) {
	if job.next >= len(job.delays) {
		delete(p.jobs, id)
		if job.onFinished != nil {
			job.onFinished(id)
		}
		return
	}
	delay := job.delays[job.next]
	job.next++
	job.timer = time.AfterFunc(delay, func() {
		p.sched.Post(func() {
			if p.jobs[id] != job {
				return // Stop or a new Start raced the timer.
			}
			if err := p.send(id, job.packet); err != nil {
				dnssdlog.Error.Printf("repeater: send failed for service %d: %v", id, err)
			}
			p.scheduleNext(id, job)
		})
	})
}

// Stop cancels the job for id, if any. Stop is idempotent and synchronous:
// the pending timer is unscheduled before Stop returns. Callers invoke Stop from the
// scheduler goroutine, same as every other mutating operation in this
// package.
func (p *PacketRepeater) Stop(id int) {
	job, ok := p.jobs[id]
	if !ok {
		return
	}
	job.timer.Stop()
	delete(p.jobs, id)
}

// Active reports whether a job is currently scheduled for id.
func (p *PacketRepeater) Active(id int) bool {
	_, ok := p.jobs[id]
	return ok
}
