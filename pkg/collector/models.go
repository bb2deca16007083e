package collector

import "time"

// Section is the upstream page's grouping label, normalized.
type Section string

// Known sections.
const (
	SectionToday    Section = "today"
	SectionUpcoming Section = "upcoming"
	SectionUnknown  Section = "unknown"
)

// Source records which extraction path produced an event.
type Source string

// Known sources.
const (
	SourceJSON    Source = "json"
	SourceDOM     Source = "dom"
	SourceDB      Source = "db"
	SourceUnknown Source = "unknown"
)

// Event is a scheduled token-listing or airdrop item observed on the
// upstream page. RawTime preserves the page's original time string;
// StartTime is resolved later by the watcher against the configured zone.
// Details is an opaque string-keyed payload carrying whatever auxiliary
// attributes the page exposed (date, points, amount, display_name, lines).
type Event struct {
	Token     string
	Section   Section
	RawTime   string
	StartTime *time.Time
	Details   map[string]interface{}
	Source    Source
	URL       string
}

// CloneDetails returns a shallow copy of the event details, never nil.
func (e Event) CloneDetails() map[string]interface{} {
	out := make(map[string]interface{}, len(e.Details))
	for k, v := range e.Details {
		out[k] = v
	}
	return out
}
