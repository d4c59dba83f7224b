package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"cryptomaint/logger"
	"cryptomaint/models"
)

// counterValue reads a counter from the registry by name and label values.
func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if labels[l.GetName()] != l.GetValue() {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestReportResultCounts(t *testing.T) {
	labels := map[string]string{"database": "exchange", "collection": "bars_report"}
	before := counterValue(t, "cryptomaint_documents_deleted_total", labels)

	ReportResult(logger.GetLogger(), &models.Result{
		Database:   "exchange",
		Collection: "bars_report",
		Groups:     2,
		Deleted:    5,
		IndexName:  "timestamp_1",
	})
	ReportResult(logger.GetLogger(), &models.Result{Database: "exchange", Collection: "bars_report", Deleted: 9, DryRun: true})

	if got := counterValue(t, "cryptomaint_documents_deleted_total", labels) - before; got != 5 {
		t.Fatalf("expected 5 deleted documents counted, got %v", got)
	}
	if got := counterValue(t, "cryptomaint_indexes_created_total", labels); got != 1 {
		t.Errorf("expected 1 index counted, got %v", got)
	}
}

func TestEmitMetricPublishes(t *testing.T) {
	prev := cwState.Load()
	cwState.Store(&cloudWatchState{client: &cloudwatch.Client{}, namespace: "Test"})
	t.Cleanup(func() { cwState.Store(prev) })

	var data []cwtypes.MetricDatum
	publishMetricsFunc = func(ctx context.Context, state *cloudWatchState, d []cwtypes.MetricDatum) {
		data = append(data, d...)
	}
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })

	fields := logger.Fields{"database": "exchange"}
	EmitMetric(logger.GetLogger(), "processor", "collections_dropped", 3, "", fields)
	EmitMetric(logger.GetLogger(), "processor", "", 1, "", nil)
	EmitMetric(logger.GetLogger(), "processor", "last_task", "drop", "gauge", nil)

	if len(data) != 1 {
		t.Fatalf("expected 1 published datum, got %d", len(data))
	}
	if *data[0].MetricName != "collections_dropped" || *data[0].Value != 3 {
		t.Errorf("unexpected datum %+v", data[0])
	}
	if len(fields) != 1 {
		t.Errorf("caller fields modified: %v", fields)
	}
}

func TestPublishMetricDatumDimensions(t *testing.T) {
	prev := cwState.Load()
	cwState.Store(&cloudWatchState{client: &cloudwatch.Client{}, namespace: "Test"})
	t.Cleanup(func() { cwState.Store(prev) })

	var batches [][]cwtypes.MetricDatum
	publishMetricsFunc = func(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
		batches = append(batches, data)
	}
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })

	publishMetricDatum(context.Background(), "hygiene", "documents_deleted", 4,
		logger.Fields{"database": "exchange", "unit": "count", "groups": 2})

	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("expected one datum, got %v", batches)
	}
	d := batches[0][0]
	if *d.Value != 4 || d.Unit != cwtypes.StandardUnitCount {
		t.Errorf("unexpected datum %+v", d)
	}
	if len(d.Dimensions) != 2 {
		t.Errorf("expected component and database dimensions, got %d", len(d.Dimensions))
	}
}

func TestPublishSkippedWithoutClient(t *testing.T) {
	prev := cwState.Load()
	cwState.Store(&cloudWatchState{namespace: "Test"})
	t.Cleanup(func() { cwState.Store(prev) })

	called := false
	publishMetricsFunc = func(context.Context, *cloudWatchState, []cwtypes.MetricDatum) { called = true }
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })

	EmitMetric(logger.GetLogger(), "hygiene", "documents_deleted", 1, "counter", nil)
	if called {
		t.Fatal("publish must be skipped when CloudWatch is not initialised")
	}
}

func TestPush(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	IncTaskFailure("push-test")
	if err := Push(context.Background(), srv.URL, "maint"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if !strings.HasPrefix(path, "/metrics/job/maint") {
		t.Errorf("unexpected push path %q", path)
	}
	if err := Push(context.Background(), "", "maint"); err != nil {
		t.Errorf("empty url should disable push, got %v", err)
	}
}
