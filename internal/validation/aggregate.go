package validation

import (
	"context"
	"fmt"

	"proposalflow/internal/domain"
)

// Report is the aggregated view of one project epoch.
type Report struct {
	Total       int      `json:"total"`
	Responded   int      `json:"responded"`
	TimedOut    int      `json:"timed_out"`
	Cancelled   int      `json:"cancelled"`
	Outstanding int      `json:"outstanding"`
	Ready       bool     `json:"ready"`
	Degraded    bool     `json:"degraded"`
	Unresolved  []string `json:"unresolved,omitempty"`
	Summary     string   `json:"summary"`
}

// Aggregate decides whether planning may proceed. The epoch is ready when
// nothing is outstanding, when the responded share reaches ProceedFraction,
// or when the deadline measured from the first link has passed. Proceeding
// with anything unanswered is degraded and lists the unanswered attributes.
func (c *Coordinator) Aggregate(ctx context.Context, projectID string, epoch int) (Report, error) {
	links, err := c.DB.ListProjectValidations(ctx, projectID, epoch)
	if err != nil {
		return Report{}, err
	}
	var r Report
	var first string
	for _, l := range links {
		r.Total++
		if first == "" || l.LinkedAt < first {
			first = l.LinkedAt
		}
		switch l.Status {
		case domain.ValidationResponded:
			r.Responded++
			continue
		case domain.ValidationTimeout:
			r.TimedOut++
		case domain.ValidationCancelled:
			r.Cancelled++
		default:
			r.Outstanding++
		}
		r.Unresolved = append(r.Unresolved, l.AttributePath)
	}

	switch {
	case r.Total == 0 || r.Outstanding == 0:
		r.Ready = true
	case c.Settings.ProceedFraction > 0 && float64(r.Responded)/float64(r.Total) >= c.Settings.ProceedFraction:
		r.Ready = true
	case c.Settings.Deadline > 0 && first != "":
		start, err := domain.ParseTime(first)
		if err == nil && !c.now().Before(start.Add(c.Settings.Deadline)) {
			r.Ready = true
		}
	}
	r.Degraded = r.Ready && r.Responded < r.Total
	if r.Ready {
		r.Summary = fmt.Sprintf("proceed, %d/%d validated", r.Responded, r.Total)
	} else {
		r.Summary = fmt.Sprintf("waiting, %d/%d validated", r.Responded, r.Total)
	}
	return r, nil
}
