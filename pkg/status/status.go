// Package status defines the progress vocabulary shared by the update
// agent and the backend-status reporter.
package status

// ComponentState is the lifecycle of a single component within a run.
type ComponentState string

const (
	ComponentNone      ComponentState = "none"
	ComponentFetched   ComponentState = "fetched"
	ComponentProcessed ComponentState = "processed"
	ComponentInstalled ComponentState = "installed"
)

// OverallState is the update orchestrator's state machine position.
type OverallState string

const (
	StateIdle              OverallState = "idle"
	StateReadVersions      OverallState = "read-versions"
	StateLoadClaim         OverallState = "load-claim"
	StateNoNewVersion      OverallState = "no-new-version"
	StateValidateClaim     OverallState = "validate-claim"
	StateCleanup           OverallState = "cleanup"
	StateCheckFreeSpace    OverallState = "check-free-space"
	StateFetch             OverallState = "fetch"
	StateProcess           OverallState = "process"
	StateRequestPermission OverallState = "request-permission"
	StateInstall           OverallState = "install"
	StateFinalize          OverallState = "finalize"
	StateRebooting         OverallState = "rebooting"
	StateFailed            OverallState = "failed"
)

// ComponentStatus is one component's progress within the current update.
type ComponentStatus struct {
	Name     string         `json:"name"`
	State    ComponentState `json:"state"`
	Progress int            `json:"progress"`
}

// Update is one progress event: either or both fields may be set.
type Update struct {
	Component *ComponentStatus `json:"component,omitempty"`
	State     *OverallState    `json:"state,omitempty"`
}

// Reporter receives progress events. Implementations must tolerate being
// called from the orchestrator's thread without blocking it on I/O.
type Reporter interface {
	UpdateProgress(component *ComponentStatus, state *OverallState)
}

// NopReporter drops every event; used with nodbus and in recovery.
type NopReporter struct{}

func (NopReporter) UpdateProgress(*ComponentStatus, *OverallState) {}
