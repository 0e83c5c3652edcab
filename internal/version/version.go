// Package version exposes build details set through -ldflags.
package version

import (
	"runtime"

	"github.com/mitchellh/mapstructure"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/metal-toolbox/sbcflash/internal/model"
)

var (
	GitCommit  = "unknown"
	GitBranch  = "unknown"
	GitSummary = "unknown"
	BuildDate  = "unknown"
	AppVersion = "dev"
	GoVersion  = runtime.Version()
)

type Version struct {
	GitCommit  string `mapstructure:"git_commit"`
	GitBranch  string `mapstructure:"git_branch"`
	GitSummary string `mapstructure:"git_summary"`
	BuildDate  string `mapstructure:"build_date"`
	AppVersion string `mapstructure:"app_version"`
	GoVersion  string `mapstructure:"go_version"`
}

func Current() Version {
	return Version{
		GitCommit:  GitCommit,
		GitBranch:  GitBranch,
		GitSummary: GitSummary,
		BuildDate:  BuildDate,
		AppVersion: AppVersion,
		GoVersion:  GoVersion,
	}
}

// AsMap returns the version as log fields.
func (v Version) AsMap() (map[string]any, error) {
	m := map[string]any{}
	if err := mapstructure.Decode(v, &m); err != nil {
		return nil, err
	}

	return m, nil
}

// ExportBuildInfoMetric publishes the build details as a constant gauge.
func ExportBuildInfoMetric() {
	buildInfo := promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: model.AppName,
			Name:      "build_info",
			Help:      "A metric with a constant '1' value, labeled by version and go version",
		},
		[]string{"app_version", "git_commit", "go_version"},
	)

	buildInfo.WithLabelValues(AppVersion, GitCommit, GoVersion).Set(1)
}
