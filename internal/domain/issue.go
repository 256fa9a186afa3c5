package domain

import "time"

// IssueRef is a validated snapshot of a GitHub issue at the adapter boundary.
// Title and Description are copied onto the task at creation time and are not
// re-synced afterwards.
type IssueRef struct {
	Number     int       `json:"number"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	State      string    `json:"state"`
	Labels     []string  `json:"labels"`
	Assignees  []string  `json:"assignees"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	HTMLURL    string    `json:"html_url"`
	Repository string    `json:"repository"`
}

// HasAnyLabel reports whether the issue carries at least one of the given
// labels. An empty filter matches everything.
func (i IssueRef) HasAnyLabel(labels []string) bool {
	if len(labels) == 0 {
		return true
	}
	for _, want := range labels {
		for _, have := range i.Labels {
			if have == want {
				return true
			}
		}
	}
	return false
}
