package repo

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LeventeLantos/vet-reminder-sms/internal/model"
)

type PostgresTemplateStore struct {
	pool *pgxpool.Pool
}

var _ TemplateStore = (*PostgresTemplateStore)(nil)

func NewPostgresTemplateStore(pool *pgxpool.Pool) *PostgresTemplateStore {
	return &PostgresTemplateStore{pool: pool}
}

func (s *PostgresTemplateStore) ListTemplates(ctx context.Context) ([]model.Template, error) {
	rows, err := s.pool.Query(ctx, `SELECT keywords, body FROM sms_templates ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Template
	for rows.Next() {
		var t model.Template
		if err := rows.Scan(&t.Keywords, &t.Body); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
