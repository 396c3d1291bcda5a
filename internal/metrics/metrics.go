// Package metrics holds the prometheus collectors for packetpipe.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "packetpipe_build_info",
		Help: "Build information of the packetpipe daemon.",
	}, []string{"version", "commit", "date"})

	BytesAttempted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "packetpipe_bytes_attempted_total", Help: "Total bytes offered to a pipe.",
	}, []string{"pipe"})
	BytesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "packetpipe_bytes_delivered_total", Help: "Total bytes whose delivery fired.",
	}, []string{"pipe"})
	PacketsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "packetpipe_packets_dropped_total", Help: "Packets dropped at pipe ingress.",
	}, []string{"pipe", "reason"})
	QueueDepthBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "packetpipe_queue_depth_bytes", Help: "Current bytes held in a pipe's buffer.",
	}, []string{"pipe"})

	ParamUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "packetpipe_param_updates_total", Help: "Parameter update outcomes on the control surface.",
	}, []string{"outcome"})

	VerdictErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "packetpipe_verdict_errors_total", Help: "Failed kernel queue verdicts.",
	}, []string{"verdict"})
	RelayErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "packetpipe_relay_errors_total", Help: "Failed UDP proxy relay sends.",
	}, []string{"direction"})
	ProxyClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "packetpipe_proxy_clients", Help: "Client sockets currently tracked by the UDP proxy.",
	})
)
