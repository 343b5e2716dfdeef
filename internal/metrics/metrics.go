// Package metrics implements the counters/gauges egress interface of
// spec.md §5/§6: "Counters (requests total, bytes in/out, active
// connections) use monotonic atomics; no transaction holds a lock across a
// suspension point." Every scalar counter here is a plain atomic; only the
// per-method/status transaction map is guarded by a short-held mutex.
package metrics

import (
	"strconv"
	"sync"
	"sync/atomic"
)

// Registry holds the counters and gauges spec.md §6 lists:
// transactions.total{method,status}, connections.active,
// connections.accepted, connections.rejected, bytes.in, bytes.out,
// processing.duration.
type Registry struct {
	connectionsActive    int64
	connectionsAccepted  uint64
	connectionsRejected  uint64
	bytesIn              uint64
	bytesOut             uint64
	processingDurationNs uint64
	processingCount      uint64

	mu    sync.Mutex
	txnByMethodStatus map[string]uint64
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{txnByMethodStatus: make(map[string]uint64)}
}

// ConnectionAccepted records an accepted connection and bumps the active gauge.
func (r *Registry) ConnectionAccepted() {
	atomic.AddUint64(&r.connectionsAccepted, 1)
	atomic.AddInt64(&r.connectionsActive, 1)
}

// ConnectionClosed decrements the active-connections gauge.
func (r *Registry) ConnectionClosed() {
	atomic.AddInt64(&r.connectionsActive, -1)
}

// ConnectionRejected records a connection turned away by a cap (§4.7).
func (r *Registry) ConnectionRejected() {
	atomic.AddUint64(&r.connectionsRejected, 1)
}

// BytesIn/BytesOut accumulate wire byte counts.
func (r *Registry) BytesIn(n int64)  { atomic.AddUint64(&r.bytesIn, uint64(n)) }
func (r *Registry) BytesOut(n int64) { atomic.AddUint64(&r.bytesOut, uint64(n)) }

// ProcessingDuration records one transaction's end-to-end latency.
func (r *Registry) ProcessingDuration(nanos int64) {
	atomic.AddUint64(&r.processingDurationNs, uint64(nanos))
	atomic.AddUint64(&r.processingCount, 1)
}

// TransactionCompleted increments transactions.total{method,status}. The
// label map is small and read only for periodic emission, so a mutex here
// does not cross a transaction's suspension points (it is held only for the
// duration of a map increment).
func (r *Registry) TransactionCompleted(method string, status int) {
	key := method + ":" + strconv.Itoa(status)
	r.mu.Lock()
	r.txnByMethodStatus[key]++
	r.mu.Unlock()
}

// Snapshot is a point-in-time read of every counter/gauge, for periodic
// non-blocking emission (spec.md §6: "Emission is periodic and non-blocking").
type Snapshot struct {
	ConnectionsActive    int64
	ConnectionsAccepted  uint64
	ConnectionsRejected  uint64
	BytesIn              uint64
	BytesOut             uint64
	MeanProcessingNs      uint64
	TransactionsByMethodStatus map[string]uint64
}

// Snapshot copies every counter under a brief lock on the label map only.
func (r *Registry) Snapshot() Snapshot {
	var mean uint64
	if count := atomic.LoadUint64(&r.processingCount); count > 0 {
		mean = atomic.LoadUint64(&r.processingDurationNs) / count
	}

	r.mu.Lock()
	byKey := make(map[string]uint64, len(r.txnByMethodStatus))
	for k, v := range r.txnByMethodStatus {
		byKey[k] = v
	}
	r.mu.Unlock()

	return Snapshot{
		ConnectionsActive:          atomic.LoadInt64(&r.connectionsActive),
		ConnectionsAccepted:        atomic.LoadUint64(&r.connectionsAccepted),
		ConnectionsRejected:        atomic.LoadUint64(&r.connectionsRejected),
		BytesIn:                    atomic.LoadUint64(&r.bytesIn),
		BytesOut:                   atomic.LoadUint64(&r.bytesOut),
		MeanProcessingNs:           mean,
		TransactionsByMethodStatus: byKey,
	}
}
