package plugin

// Type represents the functional category of a plugin.
type Type string

const (
	// TypeBehavior plugins contribute new agent types to the host's agent factory.
	TypeBehavior Type = "behavior"
	// TypeIntegration plugins bridge the marketplace to external systems.
	TypeIntegration Type = "integration"
)

// Capability expresses optional features a plugin may request access to.
type Capability string

const (
	CapabilityNetwork Capability = "network"
	CapabilityStorage Capability = "storage"
	CapabilityCompute Capability = "compute"
)

// KnownCapability reports whether c names a capability the host understands.
func KnownCapability(c Capability) bool {
	switch c {
	case CapabilityNetwork, CapabilityStorage, CapabilityCompute:
		return true
	}
	return false
}

// Well-known resource keys the agoraaid host exposes to plugins through the
// ExecutionContext. Values are the host's concrete types; plugins assert them.
const (
	// ResourceAgentFactory holds the *agent.Factory behavior plugins register types on.
	ResourceAgentFactory = "agent:factory"
	// ResourceEventBroker holds the comms.Broker carrying marketplace events.
	ResourceEventBroker = "comms:broker"
	// ResourceLedger holds the *ledger.Chain of the local node.
	ResourceLedger = "ledger:chain"
)

// Info contains descriptive metadata for a plugin implementation.
type Info struct {
	ID           string
	Name         string
	Description  string
	Author       string
	Version      string
	Category     Type
	Capabilities []Capability
}

// State represents the lifecycle position of a plugin instance.
type State string

const (
	StateRegistered  State = "registered"
	StateInitialised State = "initialised"
	StateStarted     State = "started"
	StateStopped     State = "stopped"
)
