// Package pipe implements the per-direction link model: a
// bandwidth-limited, lossy, delay-prone queue that takes packets as a
// size plus a pair of single-fire callbacks and decides their fate.
package pipe

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/malbeclabs/packetpipe/internal/metrics"
	"github.com/malbeclabs/packetpipe/internal/sched"
)

// Pipe names within a pair.
const (
	NameUp   = "up"
	NameDown = "down"
)

// Pipe models one direction of an impaired link. All methods run on the
// scheduler context.
type Pipe struct {
	name   string
	sched  sched.Scheduler
	params *Store
	events *EventLog
	rng    *rand.Rand

	size           int64
	bytesAttempted int64
	bytesDelivered int64
}

// Meters is a snapshot of a pipe's byte counters.
type Meters struct {
	BytesAttempted int64 `json:"bytes_attempted"`
	BytesDelivered int64 `json:"bytes_delivered"`
}

// Name returns "up" or "down".
func (p *Pipe) Name() string { return p.name }

// Size returns the current queue occupancy in bytes.
func (p *Pipe) Size() int64 { return p.size }

// Meters returns the byte counters since the last reset.
func (p *Pipe) Meters() Meters {
	return Meters{BytesAttempted: p.bytesAttempted, BytesDelivered: p.bytesDelivered}
}

// ResetMeter zeroes the byte counters. Queue occupancy and in-flight
// packets are untouched.
func (p *Pipe) ResetMeter() {
	p.bytesAttempted = 0
	p.bytesDelivered = 0
}

// Attempt offers a packet of size bytes to the pipe. Exactly one of the
// callbacks fires: drop synchronously from within Attempt when the
// packet overflows the buffer or is lost, deliver from a scheduled task
// once the packet has drained through the queue and the constant delay.
// Parameters are snapshotted here; later changes do not touch packets
// already admitted.
func (p *Pipe) Attempt(size int64, deliver, drop func()) {
	deliver = consume(deliver)
	drop = consume(drop)

	attemptTime := p.sched.Now()
	params := p.params.Snapshot()

	p.bytesAttempted += size
	metrics.BytesAttempted.WithLabelValues(p.name).Add(float64(size))

	if params.Buffer > 0 && p.size+size > params.Buffer {
		p.events.Add(attemptTime, p.name, EventDrop, float64(size))
		metrics.PacketsDropped.WithLabelValues(p.name, "overflow").Inc()
		drop()
		return
	}

	if p.rng.Float64() < params.Loss {
		p.events.Add(attemptTime, p.name, EventDrop, float64(size))
		metrics.PacketsDropped.WithLabelValues(p.name, "loss").Inc()
		drop()
		return
	}

	p.size += size
	p.events.Add(attemptTime, p.name, EventBuffer, float64(p.size))
	metrics.QueueDepthBytes.WithLabelValues(p.name).Set(float64(p.size))

	// Throttle delay is the time for everything queued ahead of and
	// including this packet to drain at the admission-time bandwidth;
	// the packet is released from the buffer then, and delivered after
	// the additional constant delay.
	var throttle time.Duration
	if params.Bandwidth > 0 {
		throttle = secondsToDuration(float64(p.size) / float64(params.Bandwidth))
	}
	constant := secondsToDuration(params.Delay)

	p.sched.Schedule(throttle, func() {
		p.size -= size
		p.events.Add(p.sched.Now(), p.name, EventBuffer, float64(p.size))
		metrics.QueueDepthBytes.WithLabelValues(p.name).Set(float64(p.size))
	})

	p.sched.Schedule(throttle+constant, func() {
		deliveredAt := p.sched.Now()
		p.bytesDelivered += size
		p.events.Add(deliveredAt, p.name, EventDeliver, float64(size))
		p.events.Add(deliveredAt, p.name, EventLatency, deliveredAt.Sub(attemptTime).Seconds())
		metrics.BytesDelivered.WithLabelValues(p.name).Add(float64(size))
		deliver()
	})
}

// consume wraps fn so it fires at most once and tolerates nil.
func consume(fn func()) func() {
	return func() {
		if fn == nil {
			return
		}
		f := fn
		fn = nil
		f()
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// PipePairConfig holds configuration for a PipePair.
type PipePairConfig struct {
	Scheduler    sched.Scheduler
	Params       Params
	EventLogSize int   // 0 selects DefaultEventLogSize
	Seed         int64 // loss PRNG seed; 0 seeds from the wall clock
}

// Validate defaults the optional fields.
func (c *PipePairConfig) Validate() error {
	if c.Scheduler == nil {
		return errors.New("scheduler is required")
	}
	if c.EventLogSize == 0 {
		c.EventLogSize = DefaultEventLogSize
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return nil
}

// PipePair couples an up and a down Pipe sharing one parameter store,
// one event log, and one loss PRNG. It is the unit handed to packet
// sources.
type PipePair struct {
	Up   *Pipe
	Down *Pipe

	params *Store
	events *EventLog
}

// NewPipePair creates the pair with both pipes attached to cfg.Scheduler.
func NewPipePair(cfg *PipePairConfig) (*PipePair, error) {
	if cfg == nil {
		cfg = &PipePairConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipe pair config: %w", err)
	}

	store := NewStore(cfg.Params)
	events := NewEventLog(cfg.EventLogSize)
	rng := rand.New(rand.NewSource(cfg.Seed))

	pair := &PipePair{params: store, events: events}
	pair.Up = &Pipe{name: NameUp, sched: cfg.Scheduler, params: store, events: events, rng: rng}
	pair.Down = &Pipe{name: NameDown, sched: cfg.Scheduler, params: store, events: events, rng: rng}
	return pair, nil
}

// Params returns the shared parameter store.
func (pp *PipePair) Params() *Store { return pp.params }

// Events returns the shared event log.
func (pp *PipePair) Events() *EventLog { return pp.events }
