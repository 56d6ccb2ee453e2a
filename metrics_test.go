package hafnium

import (
	"bytes"
	"testing"
)

func TestMetricsTracking(t *testing.T) {
	ResetMetrics()

	h := newTestHypervisor(t)
	echo, err := h.NewVM(VMOptions{VCPUs: 2, MemoryPages: 4, Program: EchoProgram})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	bootVM(t, h, echo)
	configurePrimary(t, h)

	copy(h.SendPage(), "ping")
	h.MailboxSend(echo.ID(), 4)
	h.VCPURun(echo.ID(), 0)
	sender, size := h.MailboxReceive(false)
	if sender != echo.ID() || !bytes.Equal(h.RecvPage()[:size], []byte("ping")) {
		t.Fatalf("echo round-trip failed: (%d, %d)", sender, size)
	}

	m := GetMetrics()
	if m.VMsCreated < 2 {
		t.Errorf("VMsCreated = %d, want >= 2", m.VMsCreated)
	}
	if m.VCPUsCreated < 3 {
		t.Errorf("VCPUsCreated = %d, want >= 3", m.VCPUsCreated)
	}
	if m.VCPURuns < 2 {
		t.Errorf("VCPURuns = %d, want >= 2", m.VCPURuns)
	}
	if m.MapOps == 0 {
		t.Error("MapOps = 0, want > 0")
	}
	if m.TLBInvalidations == 0 {
		t.Error("TLBInvalidations = 0, want > 0")
	}
	if m.PagesAllocated == 0 {
		t.Error("PagesAllocated = 0, want > 0")
	}
	// Outbound ping, echoed reply.
	if m.MessagesSent < 2 {
		t.Errorf("MessagesSent = %d, want >= 2", m.MessagesSent)
	}
	if m.MessagesReceived < 2 {
		t.Errorf("MessagesReceived = %d, want >= 2", m.MessagesReceived)
	}
	if m.VCPURuns > 0 && m.AverageRunTime < 0 {
		t.Errorf("AverageRunTime = %d, want >= 0", m.AverageRunTime)
	}
}

func TestMetricsDeferredDelivery(t *testing.T) {
	ResetMetrics()

	h := newTestHypervisor(t)
	echo, err := h.NewVM(VMOptions{MemoryPages: 4, Program: EchoProgram})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	bootVM(t, h, echo)
	configurePrimary(t, h)

	copy(h.SendPage(), "one")
	h.MailboxSend(echo.ID(), 3)
	h.MailboxSend(echo.ID(), 3)
	// First run drains "one"; the deferred copy of "two" happens on the
	// echo's next receive attempt, in the second run.
	h.VCPURun(echo.ID(), 0)
	h.VCPURun(echo.ID(), 0)

	if m := GetMetrics(); m.DeferredDeliveries == 0 {
		t.Error("DeferredDeliveries = 0, want > 0")
	}
}

func TestMetricsHypercallErrors(t *testing.T) {
	ResetMetrics()

	h := newTestHypervisor(t)
	h.VCPURun(PrimaryVMID, 0)
	h.VCPUGetCount(99)

	if m := GetMetrics(); m.HypercallErrors < 2 {
		t.Errorf("HypercallErrors = %d, want >= 2", m.HypercallErrors)
	}
}

func TestResetMetrics(t *testing.T) {
	recordVMCreate()
	recordMessageSent()
	ResetMetrics()

	m := GetMetrics()
	if m.VMsCreated != 0 || m.MessagesSent != 0 {
		t.Errorf("metrics not reset: %+v", m)
	}
}
