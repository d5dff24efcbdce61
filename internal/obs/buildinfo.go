package obs

import "github.com/prometheus/client_golang/prometheus"

// Build metadata, overridden at link time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
)

var buildInfo = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata as constant labels.",
	},
	[]string{"version", "commit"},
)

// InitBuildInfo registers and sets the build-info gauge.
func InitBuildInfo() {
	prometheus.MustRegister(buildInfo)
	buildInfo.WithLabelValues(Version, Commit).Set(1)
}
