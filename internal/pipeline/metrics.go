package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	documentsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clausechat_documents_ingested_total",
		Help: "Documents accepted by the ingestor.",
	})
	duplicateUploads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clausechat_duplicate_uploads_total",
		Help: "Uploads resolved to an existing document by content hash.",
	})
	jobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clausechat_jobs_completed_total",
		Help: "Processing jobs finished, by stage and status.",
	}, []string{"stage", "status"})
	chunksEmbedded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clausechat_chunks_embedded_total",
		Help: "Chunk vectors persisted by the embed stage.",
	})
)

// CountIngested records an accepted upload; duplicate reports whether
// the upload deduplicated to an existing document.
func CountIngested(duplicate bool) {
	if duplicate {
		duplicateUploads.Inc()
		return
	}
	documentsIngested.Inc()
}

func countJob(stage, status string) {
	jobsCompleted.WithLabelValues(stage, status).Inc()
}
