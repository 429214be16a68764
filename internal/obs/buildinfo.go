package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "canvasgroups build information.",
		},
		[]string{"version", "commit", "provider_env"},
	)
)

// InitBuildInfo registers build_info once and sets it to 1 for the running
// version against the configured Canvas environment.
func InitBuildInfo(version, commit, providerEnv string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, commit, providerEnv).Set(1)
}
