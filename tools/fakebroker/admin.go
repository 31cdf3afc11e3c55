package main

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ---------------------------------------------------------------------------
// Admin API — operational visibility for soak and CI runs.
//
// Endpoints:
//   GET /metrics — prometheus metrics
//   GET /status  — uptime and build identity as JSON
// ---------------------------------------------------------------------------

var (
	metricConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fakebroker_connections_accepted_total",
		Help: "Client connections accepted.",
	})
	metricHandshakesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fakebroker_handshakes_completed_total",
		Help: "Connections that finished SASL and the open exchange.",
	})
	metricSessionsBegun = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fakebroker_sessions_begun_total",
		Help: "Session begin frames answered.",
	})
	metricFramesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fakebroker_frames_read_total",
		Help: "Frames read after the handshake.",
	})
	metricProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fakebroker_protocol_errors_total",
		Help: "Connections that ended with a protocol error.",
	})
)

var serverStartTime = time.Now()

func startAdminServer(addr string) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", handleStatus)

	go func() {
		log.Printf("fakebroker: admin API listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("fakebroker: admin API stopped: %v", err)
		}
	}()
}

func handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"name":           "fakebroker",
		"uptime_seconds": int(time.Since(serverStartTime).Seconds()),
	})
}
