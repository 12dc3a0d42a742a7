package deploy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deploymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rivetr_deployments_total",
		Help: "Deployment pipeline outcomes by result.",
	}, []string{"result"})

	pipelinesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rivetr_deployment_pipelines_active",
		Help: "Deployment pipelines currently executing or supervising a container.",
	})
)
