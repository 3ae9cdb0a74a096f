// Package policyfile loads rate-limit policies from YAML and watches the file for edits.
package policyfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arklim/tenant-ratelimit/internal/core/domain"
	"github.com/arklim/tenant-ratelimit/internal/core/port"
)

// Document is the on-disk layout: owner -> endpoint class -> scope -> limit.
type Document struct {
	Tiers   map[string]ClassLimits `yaml:"tiers"`
	Tenants map[string]ClassLimits `yaml:"tenants"`
}

// ClassLimits maps endpoint classes to per-scope limits.
type ClassLimits map[string]map[string]Limit

// Limit is one max-requests-per-window entry.
type Limit struct {
	MaxRequests int64    `yaml:"max_requests"`
	Window      Duration `yaml:"window"`
}

// Duration decodes Go duration strings such as "90s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("window: %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("window %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// File is a port.PolicySource reading a YAML policy document.
type File struct {
	path string
	now  func() time.Time
}

// NewFile constructs a source for the given path.
func NewFile(path string) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve policy file path: %w", err)
	}
	return &File{path: abs, now: time.Now}, nil
}

// Path returns the absolute path of the policy file.
func (f *File) Path() string {
	return f.path
}

// Load reads and validates the file into a policy snapshot.
func (f *File) Load() (*domain.PolicySet, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", f.path, err)
	}
	set, err := Parse(data, f.path, f.now())
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", f.path, err)
	}
	return set, nil
}

// Parse decodes a policy document. Unknown keys are rejected.
func Parse(data []byte, source string, loadedAt time.Time) (*domain.PolicySet, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: decode: %v", domain.ErrInvalidPolicy, err)
	}

	rules := doc.Rules()
	if len(rules) == 0 {
		return nil, fmt.Errorf("%w: no policies defined", domain.ErrInvalidPolicy)
	}
	return domain.NewPolicySet(rules, source, loadedAt)
}

// Rules flattens the document into policy rules in a stable order.
func (d Document) Rules() []domain.PolicyRule {
	var rules []domain.PolicyRule
	for _, tier := range sortedKeys(d.Tiers) {
		rules = appendRules(rules, d.Tiers[tier], func(r *domain.PolicyRule) { r.Tier = tier })
	}
	for _, tenant := range sortedKeys(d.Tenants) {
		rules = appendRules(rules, d.Tenants[tenant], func(r *domain.PolicyRule) { r.TenantID = tenant })
	}
	return rules
}

// FromRules is the inverse of Rules, used to export the active snapshot.
func FromRules(rules []domain.PolicyRule) Document {
	doc := Document{Tiers: map[string]ClassLimits{}, Tenants: map[string]ClassLimits{}}
	for _, r := range rules {
		owners, owner := doc.Tiers, r.Tier
		if r.TenantID != "" {
			owners, owner = doc.Tenants, r.TenantID
		}
		classes, ok := owners[owner]
		if !ok {
			classes = ClassLimits{}
			owners[owner] = classes
		}
		scopes, ok := classes[r.EndpointClass]
		if !ok {
			scopes = map[string]Limit{}
			classes[r.EndpointClass] = scopes
		}
		scopes[string(r.Scope)] = Limit{MaxRequests: r.MaxRequests, Window: Duration(r.Window)}
	}
	return doc
}

// MarshalYAML renders the duration as a Go duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func appendRules(rules []domain.PolicyRule, classes ClassLimits, owner func(*domain.PolicyRule)) []domain.PolicyRule {
	for _, class := range sortedKeys(classes) {
		scopes := classes[class]
		for _, scope := range sortedKeys(scopes) {
			limit := scopes[scope]
			r := domain.PolicyRule{
				LimitPolicy: domain.LimitPolicy{
					EndpointClass: class,
					Scope:         domain.Scope(scope),
					MaxRequests:   limit.MaxRequests,
					Window:        time.Duration(limit.Window),
				},
			}
			owner(&r)
			rules = append(rules, r)
		}
	}
	return rules
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ port.PolicySource = (*File)(nil)
