package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestOperationCounters(t *testing.T) {
	before := testutil.ToFloat64(OperationsTotal.WithLabelValues("rename", "error"))
	Operation("rename", errors.New("collision"))
	after := testutil.ToFloat64(OperationsTotal.WithLabelValues("rename", "error"))
	if after-before != 1 {
		t.Errorf("expected counter to grow by 1, got %v", after-before)
	}
}

func TestObserveSave(t *testing.T) {
	beforeOps := testutil.ToFloat64(OperationsTotal.WithLabelValues("save", "ok"))
	ObserveSave("normal", time.Now(), nil)
	if got := testutil.ToFloat64(OperationsTotal.WithLabelValues("save", "ok")); got-beforeOps != 1 {
		t.Errorf("expected one more save, got %v", got-beforeOps)
	}
	if n := testutil.CollectAndCount(SaveDuration); n == 0 {
		t.Error("expected save duration series")
	}
}

func TestStatus(t *testing.T) {
	if Status(nil) != "ok" || Status(errors.New("x")) != "error" {
		t.Error("unexpected status labels")
	}
}
