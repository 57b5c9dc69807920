package retriever

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tierHits = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "clausechat_retrieval_tier_total",
	Help: "Retrieval passes by the tier that produced the results.",
}, []string{"tier"})
