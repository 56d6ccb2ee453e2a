package hafnium

import (
	"sync/atomic"
	"time"
)

// Metrics tracks hypervisor operation statistics
type Metrics struct {
	// VM lifecycle
	VMsCreated     int64 `json:"vms_created"`
	VCPUsCreated   int64 `json:"vcpus_created"`
	VCPURuns       int64 `json:"vcpu_runs"`
	TotalRunTime   int64 `json:"total_run_time_ns"`
	AverageRunTime int64 `json:"average_run_time_ns"`

	// Translation tables
	MapOps           int64 `json:"map_ops"`
	UnmapOps         int64 `json:"unmap_ops"`
	TLBInvalidations int64 `json:"tlb_invalidations"`

	// Page pool
	PagesAllocated int64 `json:"pages_allocated"`
	PagesFreed     int64 `json:"pages_freed"`
	AllocFailures  int64 `json:"alloc_failures"`

	// Mailboxes
	MessagesSent       int64 `json:"messages_sent"`
	MessagesReceived   int64 `json:"messages_received"`
	MailboxClears      int64 `json:"mailbox_clears"`
	DeferredDeliveries int64 `json:"deferred_deliveries"`
	HypercallErrors    int64 `json:"hypercall_errors"`
}

// Global metrics instance
var metrics = &Metrics{}

// GetMetrics returns a copy of current metrics
func GetMetrics() Metrics {
	runs := atomic.LoadInt64(&metrics.VCPURuns)
	total := atomic.LoadInt64(&metrics.TotalRunTime)
	avg := int64(0)
	if runs > 0 {
		avg = total / runs
	}

	return Metrics{
		VMsCreated:     atomic.LoadInt64(&metrics.VMsCreated),
		VCPUsCreated:   atomic.LoadInt64(&metrics.VCPUsCreated),
		VCPURuns:       runs,
		TotalRunTime:   total,
		AverageRunTime: avg,

		MapOps:           atomic.LoadInt64(&metrics.MapOps),
		UnmapOps:         atomic.LoadInt64(&metrics.UnmapOps),
		TLBInvalidations: atomic.LoadInt64(&metrics.TLBInvalidations),

		PagesAllocated: atomic.LoadInt64(&metrics.PagesAllocated),
		PagesFreed:     atomic.LoadInt64(&metrics.PagesFreed),
		AllocFailures:  atomic.LoadInt64(&metrics.AllocFailures),

		MessagesSent:       atomic.LoadInt64(&metrics.MessagesSent),
		MessagesReceived:   atomic.LoadInt64(&metrics.MessagesReceived),
		MailboxClears:      atomic.LoadInt64(&metrics.MailboxClears),
		DeferredDeliveries: atomic.LoadInt64(&metrics.DeferredDeliveries),
		HypercallErrors:    atomic.LoadInt64(&metrics.HypercallErrors),
	}
}

// ResetMetrics resets all metrics to zero
func ResetMetrics() {
	atomic.StoreInt64(&metrics.VMsCreated, 0)
	atomic.StoreInt64(&metrics.VCPUsCreated, 0)
	atomic.StoreInt64(&metrics.VCPURuns, 0)
	atomic.StoreInt64(&metrics.TotalRunTime, 0)
	atomic.StoreInt64(&metrics.MapOps, 0)
	atomic.StoreInt64(&metrics.UnmapOps, 0)
	atomic.StoreInt64(&metrics.TLBInvalidations, 0)
	atomic.StoreInt64(&metrics.PagesAllocated, 0)
	atomic.StoreInt64(&metrics.PagesFreed, 0)
	atomic.StoreInt64(&metrics.AllocFailures, 0)
	atomic.StoreInt64(&metrics.MessagesSent, 0)
	atomic.StoreInt64(&metrics.MessagesReceived, 0)
	atomic.StoreInt64(&metrics.MailboxClears, 0)
	atomic.StoreInt64(&metrics.DeferredDeliveries, 0)
	atomic.StoreInt64(&metrics.HypercallErrors, 0)
}

func recordVMCreate() {
	atomic.AddInt64(&metrics.VMsCreated, 1)
}

func recordVCPUCreate(n int) {
	atomic.AddInt64(&metrics.VCPUsCreated, int64(n))
}

func recordVCPURun(duration time.Duration) {
	atomic.AddInt64(&metrics.VCPURuns, 1)
	atomic.AddInt64(&metrics.TotalRunTime, int64(duration))
}

func recordMapOp() {
	atomic.AddInt64(&metrics.MapOps, 1)
}

func recordUnmapOp() {
	atomic.AddInt64(&metrics.UnmapOps, 1)
}

func recordTLBInvalidation() {
	atomic.AddInt64(&metrics.TLBInvalidations, 1)
}

func recordPageAlloc(n int) {
	atomic.AddInt64(&metrics.PagesAllocated, int64(n))
}

func recordPageFree(n int) {
	atomic.AddInt64(&metrics.PagesFreed, int64(n))
}

func recordAllocFailure() {
	atomic.AddInt64(&metrics.AllocFailures, 1)
}

func recordMessageSent() {
	atomic.AddInt64(&metrics.MessagesSent, 1)
}

func recordMessageReceived() {
	atomic.AddInt64(&metrics.MessagesReceived, 1)
}

func recordMailboxClear() {
	atomic.AddInt64(&metrics.MailboxClears, 1)
}

func recordDeferredDelivery() {
	atomic.AddInt64(&metrics.DeferredDeliveries, 1)
}

func recordHypercallError() {
	atomic.AddInt64(&metrics.HypercallErrors, 1)
}
