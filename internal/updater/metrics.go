package updater

import "github.com/prometheus/client_golang/prometheus"

var (
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "boxd",
		Subsystem: "updater",
		Name:      "runs_total",
		Help:      "Check/update runs by mode and result",
	}, []string{"mode", "result"})

	filesInstalledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boxd",
		Subsystem: "updater",
		Name:      "files_installed_total",
		Help:      "Files staged, verified and atomically installed",
	})
)

func init() {
	prometheus.MustRegister(runsTotal, filesInstalledTotal)
}
