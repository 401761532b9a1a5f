// Package directory finds people who can confirm project requirements.
package directory

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"proposalflow/internal/domain"
	"proposalflow/internal/repo"
)

type Candidate struct {
	Resource domain.Resource
	Score    float64
}

type Directory interface {
	Search(ctx context.Context, query string, topK int) ([]Candidate, error)
}

// Store ranks resources from the resources table by token overlap between the
// query and the resource's name and skills.
type Store struct {
	Repo repo.Repo
}

func (s Store) Add(ctx context.Context, r domain.Resource) error {
	return s.Repo.UpsertResource(ctx, r)
}

func (s Store) Search(ctx context.Context, query string, topK int) ([]Candidate, error) {
	resources, err := s.Repo.ListResources(ctx)
	if err != nil {
		return nil, err
	}
	q := tokens(query)
	if len(q) == 0 {
		return nil, nil
	}
	var res []Candidate
	for _, r := range resources {
		have := tokens(r.Name + " " + strings.Join(r.Skills, " "))
		hits := 0
		for t := range q {
			if have[t] {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		res = append(res, Candidate{Resource: r, Score: float64(hits) / float64(len(q))})
	}
	sort.SliceStable(res, func(i, j int) bool {
		if res[i].Score != res[j].Score {
			return res[i].Score > res[j].Score
		}
		return res[i].Resource.ID < res[j].Resource.ID
	})
	if topK > 0 && len(res) > topK {
		res = res[:topK]
	}
	return res, nil
}

func tokens(s string) map[string]bool {
	out := map[string]bool{}
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '+' && r != '#'
	}) {
		out[f] = true
	}
	return out
}
