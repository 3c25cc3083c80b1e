package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMetricsManagerCreation(t *testing.T) {
	Convey("Given metrics manager creation", t, func() {
		Convey("When creating with a private registry", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(
				WithNamespace("test"),
				WithSubsystem("lb"),
				WithHistogramBuckets([]float64{0.1, 0.5, 1.0}),
				WithConstLabels(map[string]string{"env": "test"}),
				WithPrometheusRegistry(registry),
			)

			Convey("Then collectors are registered under the namespace", func() {
				So(manager, ShouldNotBeNil)
				manager.queueDropped.Add(2)
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				names := make([]string, 0, len(families))
				for _, f := range families {
					names = append(names, f.GetName())
				}
				So(names, ShouldContain, "test_lb_queue_dropped_total")
			})
		})

		Convey("When creating two managers on the same registry", func() {
			registry := prometheus.NewRegistry()
			_ = NewManager(WithPrometheusRegistry(registry))

			Convey("Then the second registration panics", func() {
				So(func() { NewManager(WithPrometheusRegistry(registry)) }, ShouldPanic)
			})
		})
	})
}

func TestMetricsRecording(t *testing.T) {
	Convey("Given the global metrics manager", t, func() {
		Convey("When recording queue drops", func() {
			before := testutil.ToFloat64(globalManager.queueDropped)
			RecordQueueDropped(3)

			Convey("Then the counter grows by the dropped amount", func() {
				So(testutil.ToFloat64(globalManager.queueDropped)-before, ShouldEqual, 3)
			})
		})

		Convey("When recording every helper", func() {
			So(func() {
				UpdateQueueSize(10)
				UpdateQueueCapacity(100)
				RecordQueueEnqueued(1)
				RecordReportDuplicate()
				RecordBatch(50, 0.01)
				RecordBatchError()
				RecordUpdatesApplied(50)
				RecordStoreLatency("get_rank", 0.002)
				RecordStoreError("get_rank")
				RecordDuplicateRepairs(2)
				RecordBackfilledRows(7)
				RecordCacheLookup("hit")
				RecordCacheAsyncError("heartbeat")
				RecordCacheRebuild(120)
				RecordSyncPass("timer", 0.3)
				RecordSyncError()
				RecordRankQuery("cache", "ranked")
				RecordHTTPRequest("rank", "GET", "200", 0.004)
			}, ShouldNotPanic)

			Convey("Then gauges reflect the last value", func() {
				So(testutil.ToFloat64(globalManager.queueSize), ShouldEqual, 10)
				So(testutil.ToFloat64(globalManager.queueCapacity), ShouldEqual, 100)
			})
		})

		Convey("Then the process registry is exposed", func() {
			So(GetRegistry(), ShouldNotBeNil)
		})
	})
}
