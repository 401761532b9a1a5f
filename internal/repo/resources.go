package repo

import (
	"context"
	"strings"

	"proposalflow/internal/domain"
)

func (r Repo) UpsertResource(ctx context.Context, res domain.Resource) error {
	attrs := res.AttributesJSON
	if attrs == "" {
		attrs = "{}"
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO resources(id,name,email,skills,attributes_json) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, email=excluded.email, skills=excluded.skills, attributes_json=excluded.attributes_json`,
		res.ID, res.Name, res.Email, strings.Join(res.Skills, ","), attrs)
	return err
}

func (r Repo) ListResources(ctx context.Context) ([]domain.Resource, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,email,skills,attributes_json FROM resources ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Resource
	for rows.Next() {
		var d domain.Resource
		var skills string
		if err := rows.Scan(&d.ID, &d.Name, &d.Email, &skills, &d.AttributesJSON); err != nil {
			return nil, err
		}
		if skills != "" {
			d.Skills = strings.Split(skills, ",")
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
