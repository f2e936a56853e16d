package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRun(t *testing.T) {
	ObserveRun(RunOutcome{
		Source: "m-test", Mode: "full", Status: "completed",
		Duration: 2 * time.Second, Created: 3, Updated: 1, Failed: 2, Aborted: 1,
	})
	ObserveRun(RunOutcome{Source: "m-test", Mode: "full", Status: "completed", Unchanged: 4})

	if v := testutil.ToFloat64(RunsTotal.WithLabelValues("m-test", "full", "completed")); v != 2 {
		t.Fatalf("runs = %v", v)
	}
	if v := testutil.ToFloat64(Items.WithLabelValues("m-test", "created")); v != 3 {
		t.Fatalf("created = %v", v)
	}
	if v := testutil.ToFloat64(Items.WithLabelValues("m-test", "unchanged")); v != 4 {
		t.Fatalf("unchanged = %v", v)
	}
	if v := testutil.ToFloat64(AbortedBatches.WithLabelValues("m-test")); v != 1 {
		t.Fatalf("aborted = %v", v)
	}
}
