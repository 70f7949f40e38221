// Package metrics exposes orchestrator events as Prometheus series.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"mediaup/internal/observe"
)

const namespace = "mediaup"

// Observer counts lifecycle events. It ignores log lines.
type Observer struct {
	uploads        *prometheus.CounterVec
	bytes          prometheus.Counter
	quotaHits      prometheus.Counter
	recovered      prometheus.Counter
	batches        prometheus.Counter
	reorderCommits prometheus.Counter
	reorders       prometheus.Counter
	progress       *prometheus.GaugeVec
}

// New registers the series on reg.
func New(reg prometheus.Registerer) (*Observer, error) {
	o := &Observer{
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "results_total",
			Help:      "Upload attempts by result",
		}, []string{"result"}), // completed, failed, duplicate, partial, move_failed
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "bytes_total",
			Help:      "Bytes of media uploaded",
		}),
		quotaHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quota",
			Name:      "hits_total",
			Help:      "Quota exceeded signals seen from the remote service",
		}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "recovered_total",
			Help:      "Interrupted uploads reset to pending at startup",
		}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "completed_total",
			Help:      "Folder batches finished",
		}),
		reorderCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reorder",
			Name:      "commits_total",
			Help:      "Collection item positions committed",
		}),
		reorders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reorder",
			Name:      "completed_total",
			Help:      "Collection reorders run to the end",
		}),
		progress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress_ratio",
			Help:      "Completion of the current long operation, 0 to 1",
		}, []string{"operation"}),
	}

	for _, c := range []prometheus.Collector{
		o.uploads, o.bytes, o.quotaHits, o.recovered, o.batches, o.reorderCommits, o.reorders, o.progress,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Observer) Log(observe.Level, string, ...observe.Field) {}

// Progress keeps one gauge per operation kind. Per-file upload labels are
// folded into "upload" to bound cardinality.
func (o *Observer) Progress(current, total int64, label string) {
	if total <= 0 {
		return
	}
	o.progress.WithLabelValues(observe.Operation(label)).Set(float64(current) / float64(total))
}

func (o *Observer) Notify(ev observe.Event) {
	switch ev.Kind {
	case observe.EventUploadCompleted:
		o.uploads.WithLabelValues("completed").Inc()
		if ev.Bytes > 0 {
			o.bytes.Add(float64(ev.Bytes))
		}
	case observe.EventUploadFailed:
		o.uploads.WithLabelValues("failed").Inc()
	case observe.EventAlreadyUploaded:
		o.uploads.WithLabelValues("duplicate").Inc()
	case observe.EventPartialSuccess:
		o.uploads.WithLabelValues("partial").Inc()
	case observe.EventMoveFailed:
		o.uploads.WithLabelValues("move_failed").Inc()
	case observe.EventQuotaExceeded:
		o.quotaHits.Inc()
	case observe.EventRecovered:
		o.recovered.Add(float64(ev.Count))
	case observe.EventBatchCompleted:
		o.batches.Inc()
	case observe.EventReorderCommit:
		o.reorderCommits.Inc()
	case observe.EventReorderDone:
		o.reorders.Inc()
	}
}
