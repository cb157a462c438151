package ledger

import (
	"fmt"
	"strings"
)

// SearchOptions contains search parameters
type SearchOptions struct {
	Action  string
	Outcome string
	Sender  string
	Subject string
	Text    string
	Limit   int
}

// Search lists ledger entries, most recent first
func (l *Ledger) Search(opts SearchOptions) ([]Entry, error) {
	var conditions []string
	var args []interface{}

	if opts.Action != "" {
		conditions = append(conditions, "m.action = ?")
		args = append(args, opts.Action)
	}

	if opts.Outcome != "" {
		conditions = append(conditions, "m.outcome = ?")
		args = append(args, opts.Outcome)
	}

	if opts.Sender != "" {
		conditions = append(conditions, "m.sender LIKE ?")
		args = append(args, "%"+opts.Sender+"%")
	}

	if opts.Subject != "" {
		conditions = append(conditions, "m.subject LIKE ?")
		args = append(args, "%"+opts.Subject+"%")
	}

	// Full-text search over subject, sender, body and decision reason
	if q := ftsQuery(opts.Text); q != "" {
		conditions = append(conditions, "m.id IN (SELECT rowid FROM messages_fts WHERE messages_fts MATCH ?)")
		args = append(args, q)
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := fmt.Sprintf(`%s
		%s
		ORDER BY m.updated_at DESC, m.id DESC
		LIMIT ?
	`, selectEntries, whereClause)
	args = append(args, limit)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search ledger: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// ftsQuery quotes every term so user input cannot use FTS5 operators
func ftsQuery(text string) string {
	var terms []string
	for _, term := range strings.Fields(text) {
		terms = append(terms, `"`+strings.ReplaceAll(term, `"`, `""`)+`"`)
	}
	return strings.Join(terms, " ")
}
