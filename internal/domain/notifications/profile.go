package notifications

import (
	"embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/notification-engine/internal/pkg/logger"
)

const profilesEnv = "NOTIFICATION_PROFILES_YAML"

//go:embed profiles.yaml
var profilesFS embed.FS

const defaultPriorityPath = "priority"

// KindSchema is the typed view of a child kind: the only detail fields the
// engine reads. Everything else in detail is opaque.
type KindSchema struct {
	Kind             string
	Label            string
	GroupingPaths    []string
	DisplayNamePaths []string
	PriorityPath     string
}

// Profile is the aggregation policy for one recipient kind.
type Profile struct {
	RecipientKind      string
	SummaryKind        string
	GroupedBy          string
	ActionURL          string
	CounterpartPaths   []string
	CounterpartDefault string
	DefaultDisplayName string

	kinds map[string]KindSchema
}

func (p Profile) Schema(kind string) (KindSchema, bool) {
	s, ok := p.kinds[kind]
	return s, ok
}

// AggregableKinds lists the child kinds this profile groups, sorted.
func (p Profile) AggregableKinds() []string {
	out := make([]string, 0, len(p.kinds))
	for k := range p.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (p Profile) ActionURLFor(key string) string {
	if p.ActionURL == "" {
		return ""
	}
	return strings.ReplaceAll(p.ActionURL, "{key}", key)
}

// DisplayName resolves the short name used in the parent label.
func (p Profile) DisplayName(schema KindSchema, doc Document) string {
	if name := doc.FirstString(schema.DisplayNamePaths); name != "" {
		return name
	}
	if schema.Label != "" {
		return schema.Label
	}
	if p.DefaultDisplayName != "" {
		return p.DefaultDisplayName
	}
	return "Notification"
}

func (p Profile) CounterpartName(doc Document) string {
	return doc.FirstString(p.CounterpartPaths)
}

// Profiles indexes aggregation profiles by recipient kind.
type Profiles struct {
	byRecipientKind map[string]Profile
	summaryKinds    map[string]string
}

func (ps *Profiles) For(recipientKind string) (Profile, bool) {
	if ps == nil {
		return Profile{}, false
	}
	p, ok := ps.byRecipientKind[strings.TrimSpace(recipientKind)]
	return p, ok
}

// Resolve returns the profile and kind schema when kind is aggregable for
// recipientKind.
func (ps *Profiles) Resolve(recipientKind, kind string) (Profile, KindSchema, bool) {
	p, ok := ps.For(recipientKind)
	if !ok {
		return Profile{}, KindSchema{}, false
	}
	s, ok := p.Schema(kind)
	if !ok {
		return Profile{}, KindSchema{}, false
	}
	return p, s, true
}

// IsSummaryKind reports whether kind is reserved for engine-written parents.
func (ps *Profiles) IsSummaryKind(kind string) bool {
	if ps == nil {
		return false
	}
	_, ok := ps.summaryKinds[kind]
	return ok
}

func (ps *Profiles) RecipientKinds() []string {
	if ps == nil {
		return nil
	}
	out := make([]string, 0, len(ps.byRecipientKind))
	for k := range ps.byRecipientKind {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type yamlProfilesDoc struct {
	Version  int           `yaml:"version"`
	Profiles []yamlProfile `yaml:"profiles"`
}

type yamlProfile struct {
	RecipientKind      string     `yaml:"recipient_kind"`
	SummaryKind        string     `yaml:"summary_kind"`
	GroupedBy          string     `yaml:"grouped_by"`
	ActionURL          string     `yaml:"action_url"`
	GroupingPaths      []string   `yaml:"grouping_paths"`
	DisplayNamePaths   []string   `yaml:"display_name_paths"`
	DefaultDisplayName string     `yaml:"default_display_name"`
	CounterpartPaths   []string   `yaml:"counterpart_paths"`
	CounterpartDefault string     `yaml:"counterpart_default"`
	PriorityPath       string     `yaml:"priority_path"`
	Kinds              []yamlKind `yaml:"kinds"`
}

type yamlKind struct {
	Kind             string   `yaml:"kind"`
	Label            string   `yaml:"label"`
	GroupingPaths    []string `yaml:"grouping_paths"`
	DisplayNamePaths []string `yaml:"display_name_paths"`
	PriorityPath     string   `yaml:"priority_path"`
}

// LoadProfiles reads profiles from the file named by
// NOTIFICATION_PROFILES_YAML, or the embedded defaults when unset.
func LoadProfiles(log *logger.Logger) (*Profiles, error) {
	if path := strings.TrimSpace(os.Getenv(profilesEnv)); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", profilesEnv, err)
		}
		ps, err := ParseProfiles(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if log != nil {
			log.Info("Loaded notification profiles", "path", path, "recipient_kinds", ps.RecipientKinds())
		}
		return ps, nil
	}
	return DefaultProfiles()
}

// DefaultProfiles parses the embedded profiles.yaml.
func DefaultProfiles() (*Profiles, error) {
	data, err := profilesFS.ReadFile("profiles.yaml")
	if err != nil {
		return nil, err
	}
	return ParseProfiles(data)
}

func ParseProfiles(data []byte) (*Profiles, error) {
	var doc yamlProfilesDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Profiles) == 0 {
		return nil, fmt.Errorf("no profiles defined")
	}
	ps := &Profiles{
		byRecipientKind: make(map[string]Profile, len(doc.Profiles)),
		summaryKinds:    make(map[string]string, len(doc.Profiles)),
	}
	for i, yp := range doc.Profiles {
		p, err := buildProfile(yp)
		if err != nil {
			return nil, fmt.Errorf("profile[%d]: %w", i, err)
		}
		if _, dup := ps.byRecipientKind[p.RecipientKind]; dup {
			return nil, fmt.Errorf("profile[%d]: duplicate recipient_kind %q", i, p.RecipientKind)
		}
		if owner, dup := ps.summaryKinds[p.SummaryKind]; dup {
			return nil, fmt.Errorf("profile[%d]: summary_kind %q already used by %q", i, p.SummaryKind, owner)
		}
		ps.byRecipientKind[p.RecipientKind] = p
		ps.summaryKinds[p.SummaryKind] = p.RecipientKind
	}
	for _, p := range ps.byRecipientKind {
		for kind := range p.kinds {
			if _, clash := ps.summaryKinds[kind]; clash {
				return nil, fmt.Errorf("profile %q: kind %q is reserved as a summary kind", p.RecipientKind, kind)
			}
		}
	}
	return ps, nil
}

func buildProfile(yp yamlProfile) (Profile, error) {
	p := Profile{
		RecipientKind:      strings.TrimSpace(yp.RecipientKind),
		SummaryKind:        strings.TrimSpace(yp.SummaryKind),
		GroupedBy:          strings.TrimSpace(yp.GroupedBy),
		ActionURL:          strings.TrimSpace(yp.ActionURL),
		CounterpartPaths:   cleanPaths(yp.CounterpartPaths),
		CounterpartDefault: strings.TrimSpace(yp.CounterpartDefault),
		DefaultDisplayName: strings.TrimSpace(yp.DefaultDisplayName),
		kinds:              make(map[string]KindSchema, len(yp.Kinds)),
	}
	if p.RecipientKind == "" {
		return p, fmt.Errorf("recipient_kind is required")
	}
	if p.SummaryKind == "" {
		return p, fmt.Errorf("%s: summary_kind is required", p.RecipientKind)
	}
	if len(yp.Kinds) == 0 {
		return p, fmt.Errorf("%s: at least one kind is required", p.RecipientKind)
	}
	if p.GroupedBy == "" {
		p.GroupedBy = "key"
	}
	basePriority := strings.TrimSpace(yp.PriorityPath)
	if basePriority == "" {
		basePriority = defaultPriorityPath
	}
	for _, yk := range yp.Kinds {
		s := KindSchema{
			Kind:             strings.TrimSpace(yk.Kind),
			Label:            strings.TrimSpace(yk.Label),
			GroupingPaths:    cleanPaths(yk.GroupingPaths),
			DisplayNamePaths: cleanPaths(yk.DisplayNamePaths),
			PriorityPath:     strings.TrimSpace(yk.PriorityPath),
		}
		if s.Kind == "" {
			return p, fmt.Errorf("%s: kind name is required", p.RecipientKind)
		}
		if s.Kind == p.SummaryKind {
			return p, fmt.Errorf("%s: summary_kind listed as aggregable", p.RecipientKind)
		}
		if len(s.GroupingPaths) == 0 {
			s.GroupingPaths = cleanPaths(yp.GroupingPaths)
		}
		if len(s.DisplayNamePaths) == 0 {
			s.DisplayNamePaths = cleanPaths(yp.DisplayNamePaths)
		}
		if s.PriorityPath == "" {
			s.PriorityPath = basePriority
		}
		if len(s.GroupingPaths) == 0 {
			return p, fmt.Errorf("%s: kind %q has no grouping paths", p.RecipientKind, s.Kind)
		}
		if _, dup := p.kinds[s.Kind]; dup {
			return p, fmt.Errorf("%s: duplicate kind %q", p.RecipientKind, s.Kind)
		}
		p.kinds[s.Kind] = s
	}
	return p, nil
}

func cleanPaths(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
