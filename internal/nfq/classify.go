// Package nfq implements the kernel packet source: iptables NFQUEUE
// rules steer packets on the target ports into userspace, each packet
// runs through the pipe pair, and its verdict (accept or drop) is the
// delivery outcome.
package nfq

import (
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/malbeclabs/packetpipe/internal/adapter"
)

// classify decodes a raw IP packet and picks its direction: traffic
// destined to a target port is up (toward the local application),
// everything else queued by the rules is down. Returns false when the
// packet has no parseable TCP/UDP transport.
func classify(payload []byte, ports map[uint16]bool) (adapter.Direction, bool) {
	if len(payload) == 0 {
		return adapter.Down, false
	}

	var first gopacket.LayerType
	switch payload[0] >> 4 {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return adapter.Down, false
	}

	packet := gopacket.NewPacket(payload, first, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	var dst uint16
	switch t := packet.TransportLayer().(type) {
	case *layers.TCP:
		dst = uint16(t.DstPort)
	case *layers.UDP:
		dst = uint16(t.DstPort)
	default:
		return adapter.Down, false
	}

	if ports[dst] {
		return adapter.Up, true
	}
	return adapter.Down, true
}
