package internal

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

type Metrics struct {
	activeConns       atomic.Int64
	messagesRouted    atomic.Uint64
	deliveries        atomic.Uint64
	offlineWrites     atomic.Uint64
	acks              atomic.Uint64
	writeThroughs     atomic.Uint64
	reconcileWrites   atomic.Uint64
	reconcileFailures atomic.Uint64
	droppedConns      atomic.Uint64
	rateLimited       atomic.Uint64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncConn() {
	m.activeConns.Add(1)
}

func (m *Metrics) DecConn() {
	m.activeConns.Add(-1)
}

func (m *Metrics) IncRouted() {
	m.messagesRouted.Add(1)
}

func (m *Metrics) AddDeliveries(n int) {
	m.deliveries.Add(uint64(n))
}

func (m *Metrics) IncOfflineWrite() {
	m.offlineWrites.Add(1)
}

func (m *Metrics) IncAck() {
	m.acks.Add(1)
}

func (m *Metrics) IncWriteThrough() {
	m.writeThroughs.Add(1)
}

func (m *Metrics) IncReconcileWrite() {
	m.reconcileWrites.Add(1)
}

func (m *Metrics) IncReconcileFailure() {
	m.reconcileFailures.Add(1)
}

func (m *Metrics) IncDropped() {
	m.droppedConns.Add(1)
}

func (m *Metrics) IncRateLimited() {
	m.rateLimited.Add(1)
}

// Snapshot returns the current counter values keyed by their exported name.
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"active_connections":   m.activeConns.Load(),
		"messages_routed":      m.messagesRouted.Load(),
		"deliveries":           m.deliveries.Load(),
		"offline_writes":       m.offlineWrites.Load(),
		"acknowledgments":      m.acks.Load(),
		"write_throughs":       m.writeThroughs.Load(),
		"reconcile_writes":     m.reconcileWrites.Load(),
		"reconcile_failures":   m.reconcileFailures.Load(),
		"dropped_connections":  m.droppedConns.Load(),
		"rate_limited_senders": m.rateLimited.Load(),
	}
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.Snapshot())
}
