// Package api defines shared types and constants for the harness HTTP surface.
package api

// Component types identify the kind of component.
const (
	TypeRuntimeHost = "runtime_host"
)

// Interface names identify component capabilities.
const (
	InterfaceStatusable = "statusable"
	InterfacePromptable = "promptable"
	InterfaceFileable   = "fileable"
)

// Error codes returned by the host surface.
const (
	ErrorRuntimeBusy     = "runtime_busy"
	ErrorRuntimeNotReady = "runtime_not_ready"
)
