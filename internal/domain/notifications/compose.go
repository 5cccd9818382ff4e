package notifications

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	labelNames      = 3
	maxSummaryItems = 10
)

// Summary is the derived payload stored on a parent.
type Summary struct {
	Label           string        `json:"label"`
	Items           []SummaryItem `json:"items"`
	MostUrgentAge   int           `json:"most_urgent_age"`
	CounterpartName string        `json:"counterpart_name"`
	GroupedBy       string        `json:"grouped_by"`
	GroupingKey     string        `json:"grouping_key"`
}

type SummaryItem struct {
	ID          uuid.UUID `json:"id"`
	Kind        string    `json:"kind"`
	DisplayName string    `json:"display_name"`
	Title       string    `json:"title"`
	Priority    Priority  `json:"priority"`
	AgeDays     int       `json:"age_days"`
}

// DecodeSummary parses a stored parent summary. Empty input yields nil.
func DecodeSummary(raw datatypes.JSON) (*Summary, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

type ComposeInput struct {
	Profile     Profile
	GroupingKey string
	Children    []*Notification
	Now         time.Time
}

// Composition holds every parent field derived from a bucket of children.
type Composition struct {
	Kind          string
	GroupingKey   string
	ChildrenCount int
	Priority      Priority
	MostUrgentAge int
	Title         string
	Message       string
	ActionURL     string
	Summary       Summary
	SummaryJSON   datatypes.JSON
}

// Compose derives parent fields from active children. It reads only its
// input, so equal inputs give byte-identical output.
func Compose(in ComposeInput) (Composition, error) {
	children := make([]*Notification, 0, len(in.Children))
	for _, c := range in.Children {
		if c != nil {
			children = append(children, c)
		}
	}
	if len(children) == 0 {
		return Composition{}, ErrEmptyGroup
	}
	sortMostRecentFirst(children)

	now := in.Now.UTC()
	out := Composition{
		Kind:          in.Profile.SummaryKind,
		GroupingKey:   in.GroupingKey,
		ChildrenCount: len(children),
		Priority:      PriorityLow,
		ActionURL:     in.Profile.ActionURLFor(in.GroupingKey),
	}

	names := make([]string, 0, len(children))
	items := make([]SummaryItem, 0, min(len(children), maxSummaryItems))
	counterpart := ""
	for i, c := range children {
		out.Priority = MaxPriority(out.Priority, c.Priority)
		age := AgeDays(c.CreatedAt, now)
		if age > out.MostUrgentAge {
			out.MostUrgentAge = age
		}

		doc, err := DecodeDetail(c.Detail)
		if err != nil {
			doc = Document{}
		}
		schema, ok := in.Profile.Schema(c.Kind)
		if !ok {
			schema = KindSchema{Kind: c.Kind}
		}
		name := in.Profile.DisplayName(schema, doc)
		names = append(names, name)
		if counterpart == "" {
			counterpart = in.Profile.CounterpartName(doc)
		}
		if i < maxSummaryItems {
			items = append(items, SummaryItem{
				ID:          c.ID,
				Kind:        c.Kind,
				DisplayName: name,
				Title:       c.Title,
				Priority:    c.Priority,
				AgeDays:     age,
			})
		}
	}
	if counterpart == "" {
		counterpart = in.Profile.CounterpartDefault
	}

	label := BuildLabel(names)
	out.Message = label
	out.Title = buildTitle(out.MostUrgentAge, counterpart, len(children))
	out.Summary = Summary{
		Label:           label,
		Items:           items,
		MostUrgentAge:   out.MostUrgentAge,
		CounterpartName: counterpart,
		GroupedBy:       in.Profile.GroupedBy,
		GroupingKey:     in.GroupingKey,
	}
	raw, err := json.Marshal(out.Summary)
	if err != nil {
		return Composition{}, fmt.Errorf("marshal summary: %w", err)
	}
	out.SummaryJSON = datatypes.JSON(raw)
	return out, nil
}

// AgeDays is the whole number of days between createdAt and now, never negative.
func AgeDays(createdAt, now time.Time) int {
	d := now.Sub(createdAt)
	if d <= 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

// BuildLabel joins the first three names and appends "+N more" for the rest.
// names must already be ordered most recent first.
func BuildLabel(names []string) string {
	if len(names) == 0 {
		return ""
	}
	shown := names
	if len(shown) > labelNames {
		shown = shown[:labelNames]
	}
	label := strings.Join(shown, ", ")
	if extra := len(names) - len(shown); extra > 0 {
		label = fmt.Sprintf("%s +%d more", label, extra)
	}
	return label
}

// UrgencyBadge marks a parent title by how long its oldest child has waited.
func UrgencyBadge(mostUrgentAge int) string {
	switch {
	case mostUrgentAge >= 5:
		return "🚨"
	case mostUrgentAge >= 2:
		return "⚠️"
	default:
		return "📋"
	}
}

func buildTitle(mostUrgentAge int, counterpart string, count int) string {
	noun := "actions"
	if count == 1 {
		noun = "action"
	}
	title := fmt.Sprintf("%d %s", count, noun)
	if counterpart = strings.TrimSpace(counterpart); counterpart != "" {
		title = counterpart + " - " + title
	}
	return UrgencyBadge(mostUrgentAge) + " " + title
}

// sortMostRecentFirst orders by created_at descending, then id ascending.
func sortMostRecentFirst(ns []*Notification) {
	sort.SliceStable(ns, func(i, j int) bool {
		a, b := ns[i], ns[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}
