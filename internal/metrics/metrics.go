package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level collectors, registered on the default registry and served
// from /metrics.
var (
	CandleTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockduel_candle_ticks_total",
		Help: "Candle ticks published by schedulers on this instance.",
	})

	TradesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockduel_trades_executed_total",
		Help: "Executed trades by type.",
	}, []string{"type"})

	TradesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockduel_trades_rejected_total",
		Help: "Rejected trades by reason.",
	}, []string{"reason"})

	RelayPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockduel_relay_published_total",
		Help: "Frames published to the cross-instance relay.",
	})

	RelayReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockduel_relay_received_total",
		Help: "Frames received from the relay and delivered locally.",
	})

	RelayDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockduel_relay_dropped_total",
		Help: "Frames not relayed because the relay was unavailable.",
	})

	RelayBadMAC = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockduel_relay_bad_mac_total",
		Help: "Relay frames rejected for failing MAC verification.",
	})

	MatchesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockduel_matches_finished_total",
		Help: "Matches reaching a terminal state, by status.",
	}, []string{"status"})

	FinishRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockduel_finish_retries_total",
		Help: "End-of-match persistence retries; sustained growth is an operator alert.",
	})

	MatchmakerPairs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockduel_matchmaker_pairs_total",
		Help: "Ticket pairs produced by the matchmaker.",
	})

	MatchmakerExpiries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockduel_matchmaker_expiries_total",
		Help: "Tickets expired out of the queue.",
	})

	LiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockduel_live_rooms",
		Help: "Rooms currently held in memory on this instance.",
	})

	LiveSchedulers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockduel_live_schedulers",
		Help: "Match schedulers currently ticking on this instance.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockduel_matchmaker_queue_depth",
		Help: "Tickets currently queued.",
	})

	ConnectedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockduel_connected_sessions",
		Help: "WebSocket sessions currently attached to this instance.",
	})
)
