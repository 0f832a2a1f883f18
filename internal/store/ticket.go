package store

import (
	"database/sql"
	"fmt"
)

// Ticket is a tracked issue a pipeline resolves.
type Ticket struct {
	Key         string `json:"key"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// UpsertTicket inserts or updates a ticket by key.
func (s *Store) UpsertTicket(t Ticket) error {
	if t.Key == "" {
		return fmt.Errorf("ticket key is empty")
	}
	now := nowUTC()
	_, err := s.conn.Exec(`
		INSERT INTO tickets (key, summary, description, status, priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			summary = excluded.summary,
			description = excluded.description,
			status = excluded.status,
			priority = excluded.priority,
			updated_at = excluded.updated_at`,
		t.Key, t.Summary, t.Description, t.Status, t.Priority, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert ticket %s: %w", t.Key, err)
	}
	return nil
}

// GetTicket fetches a ticket by key.
func (s *Store) GetTicket(key string) (*Ticket, error) {
	row := s.conn.QueryRow(`
		SELECT key, summary, description, status, priority, created_at, updated_at
		FROM tickets WHERE key = ?`, key)

	var t Ticket
	err := row.Scan(&t.Key, &t.Summary, &t.Description, &t.Status, &t.Priority, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ticket %s not found", key)
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket %s: %w", key, err)
	}
	return &t, nil
}

// ListTickets returns all tickets ordered by key.
func (s *Store) ListTickets() ([]Ticket, error) {
	rows, err := s.conn.Query(`
		SELECT key, summary, description, status, priority, created_at, updated_at
		FROM tickets ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	var tickets []Ticket
	for rows.Next() {
		var t Ticket
		if err := rows.Scan(&t.Key, &t.Summary, &t.Description, &t.Status, &t.Priority, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}
