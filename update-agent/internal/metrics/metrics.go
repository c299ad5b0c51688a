// Package metrics exposes the update agent's prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeSuccess      = "success"
	OutcomeNoNewVersion = "no_new_version"
	OutcomeNoUpdate     = "noupdate"
	OutcomeFailed       = "failed"
)

var (
	// Runs counts update agent runs by outcome.
	Runs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orb_update_agent_runs_total",
			Help: "Update agent runs by outcome",
		},
		[]string{"outcome"},
	)

	// ComponentsInstalled counts installed components by target kind.
	ComponentsInstalled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orb_update_agent_components_installed_total",
			Help: "Components installed by system component kind",
		},
		[]string{"kind"},
	)
)
