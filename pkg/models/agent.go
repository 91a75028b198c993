// Package models contains request/response models and business domain types.
package models

import "fmt"

// AgentType identifies a specialist agent.
type AgentType string

// Specialist agents.
const (
	AgentDocumentation   AgentType = "documentation"
	AgentTroubleshooting AgentType = "troubleshooting"
	AgentMaintenance     AgentType = "maintenance"
)

// DefaultAgent is used when no classification signal is available.
const DefaultAgent = AgentDocumentation

// AllAgents lists every specialist in display order.
func AllAgents() []AgentType {
	return []AgentType{AgentDocumentation, AgentTroubleshooting, AgentMaintenance}
}

// Valid reports whether a is a known specialist.
func (a AgentType) Valid() bool {
	switch a {
	case AgentDocumentation, AgentTroubleshooting, AgentMaintenance:
		return true
	}
	return false
}

// DisplayName returns a human-readable agent name for API responses.
func (a AgentType) DisplayName() string {
	switch a {
	case AgentDocumentation:
		return "Documentation Assistant"
	case AgentTroubleshooting:
		return "Troubleshooting Assistant"
	case AgentMaintenance:
		return "Maintenance Procedures Assistant"
	default:
		return string(a)
	}
}

// ParseAgentType validates and converts a string to an AgentType.
func ParseAgentType(s string) (AgentType, error) {
	a := AgentType(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown agent type: %q", s)
	}
	return a, nil
}
