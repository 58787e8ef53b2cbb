package metrics_test

import (
	"sync"
	"testing"

	"github.com/caduceus-io/caduceus/metrics"
)

func TestCollector_CountsAndSnapshot(t *testing.T) {
	c := metrics.NewCollector("engine-1", "memory")

	c.IncReceived()
	c.IncReceived()
	c.IncProcessed("validation")
	c.IncProcessed("validation")
	c.IncProcessed("routing")
	c.IncRetried("fhir_sender")
	c.IncFailed("fhir_sender")
	c.IncSent()

	snap := c.Snapshot()
	if snap.MessagesReceived != 2 {
		t.Errorf("received = %d, want 2", snap.MessagesReceived)
	}
	if snap.ProcessedByStage["validation"] != 2 {
		t.Errorf("validation processed = %d, want 2", snap.ProcessedByStage["validation"])
	}
	if snap.RetriedByStage["fhir_sender"] != 1 {
		t.Errorf("retried = %d, want 1", snap.RetriedByStage["fhir_sender"])
	}
	if snap.FailedByStage["fhir_sender"] != 1 {
		t.Errorf("failed = %d, want 1", snap.FailedByStage["fhir_sender"])
	}
	if snap.MessagesSent != 1 {
		t.Errorf("sent = %d, want 1", snap.MessagesSent)
	}
	if snap.EngineID != "engine-1" || snap.QueueBackend != "memory" {
		t.Errorf("dimensions lost: %+v", snap)
	}

	// Snapshot is detached from the live collector.
	c.IncProcessed("validation")
	if snap.ProcessedByStage["validation"] != 2 {
		t.Error("snapshot mutated after collection")
	}
}

func TestCollector_NilReceiverSafe(t *testing.T) {
	var c *metrics.Collector
	c.IncReceived()
	c.IncProcessed("x")
	c.IncRetried("x")
	c.IncFailed("x")
	c.IncSent()
	if snap := c.Snapshot(); snap.MessagesReceived != 0 {
		t.Error("nil collector should return a zero snapshot")
	}
}

func TestCollector_ConcurrentIncrements(t *testing.T) {
	c := metrics.NewCollector("engine-1", "memory")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.IncProcessed("validation")
			}
		}()
	}
	wg.Wait()

	if got := c.Snapshot().ProcessedByStage["validation"]; got != 800 {
		t.Errorf("processed = %d, want 800", got)
	}
}
