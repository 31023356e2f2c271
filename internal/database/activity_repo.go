package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mixelka/junkguard/pkg/models"
)

// AppendActivity appends an entry to the activity log
func (db *DB) AppendActivity(ctx context.Context, entry *models.ActivityLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO activity_log (account_id, activity_type, details, sender_email, created_at) VALUES (?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query, entry.AccountID, entry.Type, entry.Details, entry.SenderEmail, entry.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append activity: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	entry.ID = id
	return nil
}

// ListActivity returns log entries matching filter, in insertion order unless Newest is set
func (db *DB) ListActivity(ctx context.Context, filter models.ActivityFilter) ([]*models.ActivityLogEntry, error) {
	var (
		conds []string
		args  []interface{}
	)

	if filter.AccountID != nil {
		conds = append(conds, "account_id = ?")
		args = append(args, *filter.AccountID)
	}
	if filter.Type != "" {
		conds = append(conds, "activity_type = ?")
		args = append(args, filter.Type)
	}
	if filter.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	var sb strings.Builder
	sb.WriteString("SELECT * FROM activity_log")
	if len(conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}
	if filter.Newest {
		sb.WriteString(" ORDER BY id DESC")
	} else {
		sb.WriteString(" ORDER BY id ASC")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	sb.WriteString(" LIMIT ? OFFSET ?")
	args = append(args, limit, filter.Offset)

	var entries []*models.ActivityLogEntry
	if err := db.SelectContext(ctx, &entries, sb.String(), args...); err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}
	return entries, nil
}
