package obs

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenantgate_build_info",
			Help: "Always 1; labels carry the running version, commit and Go release.",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// InitBuildInfo registers tenantgate_build_info once and sets the series for
// version and commit. Empty values are reported as "unknown".
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	if version == "" {
		version = "unknown"
	}
	if commit == "" {
		commit = "unknown"
	}
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
}
