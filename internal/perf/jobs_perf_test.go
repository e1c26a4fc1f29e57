package perf

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/jobs"
)

func TestReconcileJobThroughput(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	ledger := newLedger(t, nil)

	for i := 0; i < 10; i++ {
		wh := fmt.Sprintf("wh-%02d", i)
		for d := 0; d < 30; d++ {
			date := baseDate.Add(time.Duration(d) * 24 * time.Hour)
			post(t, ledger, inventory.EntryReceipt, date, receipt("wa", wh, 4, fmt.Sprintf("%d.25", 1+d%5)))
			post(t, ledger, inventory.EntryIssue, date.Add(time.Hour), issue("wa", wh, 3))
		}
	}

	job := jobs.NewStockReconcileJob(ledger, nil, nil, metrics)
	for i := 0; i < 3; i++ {
		task, err := jobs.NewStockReconcileTask("", "")
		if err != nil {
			t.Fatalf("build task: %v", err)
		}
		if err := job.Handle(context.Background(), task); err != nil {
			t.Fatalf("reconcile run %d: %v", i, err)
		}
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	success := metricValue(t, families, "stockledger_jobs_total", map[string]string{"job": jobs.TaskStockReconcile, "status": "success"})
	if success != 3 {
		t.Fatalf("expected 3 successful reconcile runs, got %f", success)
	}
	if mean := histogramMean(t, families, "stockledger_job_duration_seconds", map[string]string{"job": jobs.TaskStockReconcile}); mean > 2.0 {
		t.Fatalf("reconcile duration above budget: %f", mean)
	}
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				if fam.GetType() == dto.MetricType_COUNTER {
					return metric.GetCounter().GetValue()
				}
				if fam.GetType() == dto.MetricType_GAUGE {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func histogramMean(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				hist := metric.GetHistogram()
				if hist == nil || hist.GetSampleCount() == 0 {
					t.Fatalf("histogram %s missing samples", name)
				}
				return hist.GetSampleSum() / float64(hist.GetSampleCount())
			}
		}
	}
	t.Fatalf("histogram %s with labels %v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	for _, lp := range metric.GetLabel() {
		if val, ok := labels[lp.GetName()]; ok {
			if lp.GetValue() != val {
				return false
			}
		}
	}
	for key := range labels {
		found := false
		for _, lp := range metric.GetLabel() {
			if lp.GetName() == key {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
