package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RoleStore keeps the roles assigned to each subject.
type RoleStore struct {
	db *sql.DB
}

// Assign grants role to subject. It reports false when the subject already had the role.
func (s *RoleStore) Assign(ctx context.Context, subject, role string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO subject_roles (subject_id, role, assigned_at) VALUES (?, ?, ?)`,
		subject, role, time.Now().UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("assign %s to %s: %w", role, subject, err)
	}

	n, err := res.RowsAffected()

	return n > 0, err
}

// Revoke removes role from subject. It reports false when the subject did not have the role.
func (s *RoleStore) Revoke(ctx context.Context, subject, role string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subject_roles WHERE subject_id = ? AND role = ?`, subject, role)
	if err != nil {
		return false, fmt.Errorf("revoke %s from %s: %w", role, subject, err)
	}

	n, err := res.RowsAffected()

	return n > 0, err
}

// Roles lists the roles of subject in name order.
func (s *RoleStore) Roles(ctx context.Context, subject string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT role FROM subject_roles WHERE subject_id = ? ORDER BY role`, subject)
	if err != nil {
		return nil, fmt.Errorf("roles of %s: %w", subject, err)
	}
	defer rows.Close()

	var roles []string

	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("roles of %s: %w", subject, err)
		}

		roles = append(roles, r)
	}

	return roles, rows.Err()
}
