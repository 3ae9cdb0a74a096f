package domain

import "strings"

// DegradationPolicyMode enumerates how an endpoint class behaves when no counter store can answer.
type DegradationPolicyMode string

const (
	// DegradationPolicyModeOpen lets requests through when both counter stores are unavailable.
	DegradationPolicyModeOpen DegradationPolicyMode = "open"
	// DegradationPolicyModeClosed rejects requests when both counter stores are unavailable.
	DegradationPolicyModeClosed DegradationPolicyMode = "closed"
)

// DegradationReason captures why a fallback decision is evaluated.
type DegradationReason string

const (
	// DegradationReasonFastStoreUnavailable denotes the window counter store failed or timed out.
	DegradationReasonFastStoreUnavailable DegradationReason = "fast_store_unavailable"
	// DegradationReasonLedgerUnavailable denotes the durable ledger failed, timed out or exhausted its retries.
	DegradationReasonLedgerUnavailable DegradationReason = "ledger_unavailable"
)

// DegradationPolicy decides, per endpoint class, whether requests fail open or closed
// once every counter store is unavailable. It is immutable after construction.
type DegradationPolicy struct {
	fallback DegradationPolicyMode
	classes  map[string]DegradationPolicyMode
}

// NewDegradationPolicy constructs a policy. Classes absent from overrides use fallback,
// which itself defaults to open when unspecified.
func NewDegradationPolicy(fallback DegradationPolicyMode, overrides map[string]DegradationPolicyMode) DegradationPolicy {
	if fallback != DegradationPolicyModeClosed {
		fallback = DegradationPolicyModeOpen
	}
	classes := make(map[string]DegradationPolicyMode, len(overrides))
	for class, mode := range overrides {
		class = NormalizeEndpointClass(class)
		if mode != DegradationPolicyModeClosed {
			mode = DegradationPolicyModeOpen
		}
		classes[class] = mode
	}
	return DegradationPolicy{fallback: fallback, classes: classes}
}

// DefaultDegradationPolicy fails closed for classes with direct cost or abuse exposure and open elsewhere.
func DefaultDegradationPolicy() DegradationPolicy {
	return NewDegradationPolicy(DegradationPolicyModeOpen, map[string]DegradationPolicyMode{
		EndpointClassAuth:      DegradationPolicyModeClosed,
		EndpointClassDetection: DegradationPolicyModeClosed,
	})
}

// ParseDegradationPolicyMode normalises textual input into a supported policy mode.
func ParseDegradationPolicyMode(value string) DegradationPolicyMode {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(DegradationPolicyModeClosed), "strict", "deny":
		return DegradationPolicyModeClosed
	default:
		return DegradationPolicyModeOpen
	}
}

// Mode returns the mode applied to the endpoint class.
func (p DegradationPolicy) Mode(endpointClass string) DegradationPolicyMode {
	if mode, ok := p.classes[NormalizeEndpointClass(endpointClass)]; ok {
		return mode
	}
	if p.fallback == "" {
		return DegradationPolicyModeOpen
	}
	return p.fallback
}

// IsSafetyCritical indicates whether the class fails closed.
func (p DegradationPolicy) IsSafetyCritical(endpointClass string) bool {
	return p.Mode(endpointClass) == DegradationPolicyModeClosed
}

// AllowsFallback determines if a request of the class may proceed when the supplied reason occurs.
func (p DegradationPolicy) AllowsFallback(endpointClass string, reason DegradationReason) bool {
	if reason == DegradationReasonFastStoreUnavailable {
		// the ledger still answers for every class
		return true
	}
	return !p.IsSafetyCritical(endpointClass)
}
