package plugin

import (
	"errors"
	"fmt"
	"slices"
)

// IsolationPolicy bounds what a plugin may touch. An empty allow list permits
// any capability that is not explicitly denied.
type IsolationPolicy struct {
	AllowedCapabilities []Capability `yaml:"allowedCapabilities"`
	DeniedCapabilities  []Capability `yaml:"deniedCapabilities"`
}

// Merge fills empty lists from other, keeping the receiver's entries when set.
func (p IsolationPolicy) Merge(other IsolationPolicy) IsolationPolicy {
	if len(p.AllowedCapabilities) == 0 {
		p.AllowedCapabilities = other.AllowedCapabilities
	}
	if len(p.DeniedCapabilities) == 0 {
		p.DeniedCapabilities = other.DeniedCapabilities
	}
	return p
}

// IsEmpty reports whether the policy constrains nothing.
func (p IsolationPolicy) IsEmpty() bool {
	return len(p.AllowedCapabilities) == 0 && len(p.DeniedCapabilities) == 0
}

// IsolationStrategy enforces plugin restrictions at registration and runtime.
// Prepare and Cleanup bracket the Start/Stop window for strategies that set
// up sandboxes or namespaces.
type IsolationStrategy interface {
	Validate(info Info, policy IsolationPolicy) error
	Prepare(info Info) error
	Cleanup(info Info) error
}

// CapabilityIsolation is the in-process default: it checks the declared
// capabilities against the policy lists and performs no OS-level sandboxing.
type CapabilityIsolation struct{}

// Validate rejects plugins whose declared capabilities fall outside the policy.
func (CapabilityIsolation) Validate(info Info, policy IsolationPolicy) error {
	for _, cap := range info.Capabilities {
		if slices.Contains(policy.DeniedCapabilities, cap) {
			return fmt.Errorf("capability %s is explicitly denied", cap)
		}
	}
	if len(policy.AllowedCapabilities) == 0 {
		return nil
	}
	for _, cap := range info.Capabilities {
		if !slices.Contains(policy.AllowedCapabilities, cap) {
			return fmt.Errorf("capability %s not permitted", cap)
		}
	}
	return nil
}

// Prepare implements IsolationStrategy.
func (CapabilityIsolation) Prepare(Info) error { return nil }

// Cleanup implements IsolationStrategy.
func (CapabilityIsolation) Cleanup(Info) error { return nil }

// NewIsolationStrategy returns the capability-check default when strategy is nil.
func NewIsolationStrategy(strategy IsolationStrategy) IsolationStrategy {
	if strategy == nil {
		return CapabilityIsolation{}
	}
	return strategy
}

// MergePolicies combines the manager defaults with a plugin specific policy.
func MergePolicies(defaults IsolationPolicy, plugin *IsolationPolicy) IsolationPolicy {
	if plugin == nil {
		return defaults
	}
	merged := plugin.Merge(defaults)
	if merged.IsEmpty() {
		return defaults
	}
	return merged
}

// EnsurePolicy requires an explicit policy from any plugin declaring capabilities.
func EnsurePolicy(info Info, policy IsolationPolicy) error {
	if len(info.Capabilities) == 0 {
		return nil
	}
	if policy.IsEmpty() {
		return errors.New("plugins declaring capabilities require an isolation policy")
	}
	return nil
}
