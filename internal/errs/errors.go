// Package errs defines the structured error kinds surfaced by the core
// pipeline. The transport collaborator maps them to exit codes or HTTP
// statuses; the core itself never falls back to mock data on failure.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotPrimed is returned by in-memory meta registries before the bootstrap
// call has loaded them.
var ErrNotPrimed = errors.New("registry not primed")

// FeatureRef identifies a feature by name and bar timeframe.
type FeatureRef struct {
	Name         string `json:"name"`
	TimeframeMin int    `json:"timeframe_min"`
}

func (r FeatureRef) String() string {
	return fmt.Sprintf("%s@%dm", r.Name, r.TimeframeMin)
}

// ContractViolation reports input that breaks a boundary contract: a missing
// fingerprint, a forbidden metadata key, a malformed job.
type ContractViolation struct {
	Field  string
	Reason string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("contract violation on %q: %s", e.Field, e.Reason)
}

// MissingFeatures reports required features absent from the cache while the
// caller did not permit a build.
type MissingFeatures struct {
	Missing []FeatureRef
}

func (e *MissingFeatures) Error() string {
	parts := make([]string, len(e.Missing))
	for i, r := range e.Missing {
		parts[i] = r.String()
	}
	return "missing features: " + strings.Join(parts, ", ")
}

// ManifestMismatch reports a features manifest contradicting fixed policy.
type ManifestMismatch struct {
	Field string
	Want  string
	Got   string
}

func (e *ManifestMismatch) Error() string {
	return fmt.Sprintf("manifest mismatch on %q: want %q, got %q", e.Field, e.Want, e.Got)
}

// BuildNotAllowed reports a build request without a usable build context.
type BuildNotAllowed struct {
	Reason string
}

func (e *BuildNotAllowed) Error() string {
	return "build not allowed: " + e.Reason
}

// IncrementalRejected reports that an incremental rebuild would overwrite
// history. EarliestChangedDay is the first day whose canonical hash differs.
type IncrementalRejected struct {
	EarliestChangedDay string
}

func (e *IncrementalRejected) Error() string {
	return "incremental rebuild rejected: historical change at day " + e.EarliestChangedDay
}

// ScopeViolation reports a write attempted outside a declared write scope.
type ScopeViolation struct {
	Path   string
	Reason string
}

func (e *ScopeViolation) Error() string {
	return fmt.Sprintf("scope violation for %q: %s", e.Path, e.Reason)
}

// FrozenViolation reports a mutation attempted against a frozen season.
// Action names the rejected operation when the caller knows it.
type FrozenViolation struct {
	Season string
	Action string
}

func (e *FrozenViolation) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("season %q is frozen: %s rejected", e.Season, e.Action)
	}
	return fmt.Sprintf("season %q is frozen", e.Season)
}

// PolicyDenied reports a veto from the policy engine.
type PolicyDenied struct {
	Action string
	Reason string
}

func (e *PolicyDenied) Error() string {
	return fmt.Sprintf("policy denied action %q: %s", e.Action, e.Reason)
}

// Duplicate reports an attempt to recreate an existing snapshot, dataset
// entry, or plan.
type Duplicate struct {
	ID string
}

func (e *Duplicate) Error() string {
	return fmt.Sprintf("already exists: %s", e.ID)
}

// TamperDetected reports a manifest verification failure.
type TamperDetected struct {
	Reason string
}

func (e *TamperDetected) Error() string {
	return "tamper detected: " + e.Reason
}

// NotFound reports a missing artifact on a read path.
type NotFound struct {
	Path string
}

func (e *NotFound) Error() string {
	return "not found: " + e.Path
}
