//go:build linux

package nfq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coreos/go-iptables/iptables"
	nfqueue "github.com/florianl/go-nfqueue/v2"

	"github.com/malbeclabs/packetpipe/internal/adapter"
	"github.com/malbeclabs/packetpipe/internal/metrics"
	"github.com/malbeclabs/packetpipe/internal/pipe"
	"github.com/malbeclabs/packetpipe/internal/sched"
)

// Direction selects which iptables chains get NFQUEUE rules.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionBoth     Direction = "both"
)

const (
	defaultQueueNum = 1
	maxPacketLen    = 0xffff
	maxQueueLen     = 255
	writeTimeout    = 15 * time.Millisecond
)

var _ adapter.Source = (*Queue)(nil)

// Config holds configuration for the kernel queue source.
type Config struct {
	Logger   *slog.Logger
	Loop     *sched.Loop
	Pipes    *pipe.PipePair
	Protocol string // "tcp" or "udp"
	Ports    []uint16

	// Interface is the impaired link; "auto" resolves to the
	// default-route interface.
	Interface string

	Direction Direction // defaults to both
	QueueNum  uint16    // defaults to 1
	IPv4      bool
	IPv6      bool
}

// Validate defaults the optional fields and rejects missing ones.
func (c *Config) Validate() error {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Loop == nil {
		return errors.New("scheduler loop is required")
	}
	if c.Pipes == nil {
		return errors.New("pipe pair is required")
	}
	if c.Protocol != "tcp" && c.Protocol != "udp" {
		return fmt.Errorf("unsupported protocol %q", c.Protocol)
	}
	if len(c.Ports) == 0 {
		return errors.New("at least one target port is required")
	}
	if c.Interface == "" {
		c.Interface = "lo"
	}
	if c.Direction == "" {
		c.Direction = DirectionBoth
	}
	if c.QueueNum == 0 {
		c.QueueNum = defaultQueueNum
	}
	if !c.IPv4 && !c.IPv6 {
		c.IPv4 = true
	}
	return nil
}

// installedRule remembers one iptables rule so Close can remove exactly
// what New added.
type installedRule struct {
	ipt   *iptables.IPTables
	chain string
	spec  []string
}

// Queue binds an NFQUEUE and drives the pipe pair with the packets the
// kernel hands over. Verdicts are posted from the scheduler context:
// accept on delivery, drop on loss or overflow.
type Queue struct {
	log      *slog.Logger
	loop     *sched.Loop
	pipes    *pipe.PipePair
	ports    map[uint16]bool
	queueNum uint16
	rules    []installedRule

	mu      sync.Mutex
	nf      *nfqueue.Nfqueue
	pending map[uint32]bool
	closed  bool
}

// New resolves the interface and installs the iptables rules. Rule or
// interface failures here are startup-fatal for the caller.
func New(cfg *Config) (*Queue, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid nfq config: %w", err)
	}

	iface, err := resolveInterface(cfg.Interface)
	if err != nil {
		return nil, err
	}

	ports := make(map[uint16]bool, len(cfg.Ports))
	for _, p := range cfg.Ports {
		ports[p] = true
	}

	q := &Queue{
		log:      cfg.Logger,
		loop:     cfg.Loop,
		pipes:    cfg.Pipes,
		ports:    ports,
		queueNum: cfg.QueueNum,
		pending:  make(map[uint32]bool),
	}

	var families []iptables.Protocol
	if cfg.IPv4 {
		families = append(families, iptables.ProtocolIPv4)
	}
	if cfg.IPv6 {
		families = append(families, iptables.ProtocolIPv6)
	}

	for _, family := range families {
		ipt, err := iptables.New(iptables.IPFamily(family), iptables.Timeout(5))
		if err != nil {
			q.removeRules()
			return nil, fmt.Errorf("failed to initialize iptables: %w", err)
		}
		for port := range ports {
			if cfg.Direction != DirectionOutbound {
				if err := q.installRule(ipt, "INPUT", "-i", iface, cfg.Protocol, "--dport", port); err != nil {
					q.removeRules()
					return nil, err
				}
			}
			if cfg.Direction != DirectionInbound {
				if err := q.installRule(ipt, "OUTPUT", "-o", iface, cfg.Protocol, "--sport", port); err != nil {
					q.removeRules()
					return nil, err
				}
			}
		}
	}

	q.log.Info("nfqueue rules installed",
		"interface", iface, "protocol", cfg.Protocol, "ports", cfg.Ports, "queue", q.queueNum)
	return q, nil
}

func (q *Queue) installRule(ipt *iptables.IPTables, chain, ifaceFlag, iface, proto, portFlag string, port uint16) error {
	spec := []string{
		ifaceFlag, iface,
		"-p", proto,
		portFlag, strconv.Itoa(int(port)),
		"-m", "comment", "--comment", ruleTag(),
		"-j", "NFQUEUE", "--queue-num", strconv.Itoa(int(q.queueNum)),
	}
	if err := ipt.InsertUnique("filter", chain, 1, spec...); err != nil {
		return fmt.Errorf("failed to install %s rule: %w", chain, err)
	}
	q.rules = append(q.rules, installedRule{ipt: ipt, chain: chain, spec: spec})
	return nil
}

// ruleTag marks our rules so operators can spot them in iptables -L.
func ruleTag() string {
	return "packetpipe pid:" + strconv.Itoa(os.Getpid())
}

// Run attaches to the kernel queue and blocks until ctx is cancelled.
// Transient socket failures detach and re-attach with exponential
// backoff; on detach, packets still awaiting a verdict are accepted
// before the socket is closed.
func (q *Queue) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		return q.serve(ctx)
	}, backoff.WithContext(bo, ctx))
}

func (q *Queue) serve(ctx context.Context) error {
	nf, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      q.queueNum,
		MaxPacketLen: maxPacketLen,
		MaxQueueLen:  maxQueueLen,
		Copymode:     nfqueue.NfQnlCopyPacket,
		WriteTimeout: writeTimeout,
	})
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to open nfqueue %d: %w", q.queueNum, err))
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		_ = nf.Close()
		return nil
	}
	q.nf = nf
	q.mu.Unlock()

	failed := make(chan error, 1)
	err = nf.RegisterWithErrorFunc(ctx, q.handle, func(e error) int {
		select {
		case failed <- e:
		default:
		}
		return 1
	})
	if err != nil {
		q.detach()
		return backoff.Permanent(fmt.Errorf("failed to register nfqueue hook: %w", err))
	}

	select {
	case <-ctx.Done():
		q.detach()
		return nil
	case err := <-failed:
		q.log.Warn("nfqueue receive failed, re-attaching", "error", err)
		q.detach()
		return err
	}
}

// handle runs on the queue's receive goroutine: classify, then marshal
// the attempt onto the core loop. The verdict callbacks fire there.
func (q *Queue) handle(a nfqueue.Attribute) int {
	if a.PacketID == nil {
		return 0
	}
	id := *a.PacketID

	var payload []byte
	if a.Payload != nil {
		payload = make([]byte, len(*a.Payload))
		copy(payload, *a.Payload)
	}

	dir, ok := classify(payload, q.ports)
	if !ok {
		// Not a packet we can meter; let it through untouched.
		q.setVerdict(id, nfqueue.NfAccept)
		return 0
	}

	var target adapter.Pipe = q.pipes.Down
	if dir == adapter.Up {
		target = q.pipes.Up
	}
	size := int64(len(payload))

	q.mu.Lock()
	q.pending[id] = true
	q.mu.Unlock()

	err := q.loop.Post(func() {
		target.Attempt(size,
			func() { q.verdict(id, nfqueue.NfAccept) },
			func() { q.verdict(id, nfqueue.NfDrop) })
	})
	if err != nil {
		// Core loop gone; don't strand the packet.
		q.verdict(id, nfqueue.NfAccept)
	}
	return 0
}

// verdict posts the verdict for a tracked packet.
func (q *Queue) verdict(id uint32, v int) {
	q.mu.Lock()
	delete(q.pending, id)
	nf := q.nf
	q.mu.Unlock()
	q.post(nf, id, v)
}

// setVerdict posts a verdict for an untracked packet.
func (q *Queue) setVerdict(id uint32, v int) {
	q.mu.Lock()
	nf := q.nf
	q.mu.Unlock()
	q.post(nf, id, v)
}

func (q *Queue) post(nf *nfqueue.Nfqueue, id uint32, v int) {
	if nf == nil {
		return
	}
	if err := nf.SetVerdict(id, v); err != nil {
		name := "accept"
		if v == nfqueue.NfDrop {
			name = "drop"
		}
		metrics.VerdictErrors.WithLabelValues(name).Inc()
		q.log.Error("failed to post verdict", "packet", id, "verdict", name, "error", err)
	}
}

// detach accepts everything in flight and closes the kernel socket.
func (q *Queue) detach() {
	q.mu.Lock()
	nf := q.nf
	q.nf = nil
	pending := q.pending
	q.pending = make(map[uint32]bool)
	q.mu.Unlock()

	if nf == nil {
		return
	}
	for id := range pending {
		q.post(nf, id, nfqueue.NfAccept)
	}
	_ = nf.Close()
}

// Close detaches from the queue and removes the iptables rules.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.detach()
	q.removeRules()
	return nil
}

func (q *Queue) removeRules() {
	for _, r := range q.rules {
		if err := r.ipt.DeleteIfExists("filter", r.chain, r.spec...); err != nil {
			q.log.Error("failed to remove iptables rule", "chain", r.chain, "error", err)
		}
	}
	q.rules = nil
}
