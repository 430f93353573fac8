// Package message is the durable record of direct messages, backed by
// PostgreSQL. Messages are immutable once created and never deleted by the
// relay.
package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrStoreUnavailable wraps every failure to reach or write the store.
var ErrStoreUnavailable = errors.New("message: store unavailable")

// Message is a persisted direct message.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Draft is a message before the store has assigned its id and timestamp.
type Draft struct {
	Sender    string
	Recipient string
	Text      string
}

// Filter restricts Find. An empty list places no constraint on that column.
type Filter struct {
	Senders    []string
	Recipients []string
}

// Between matches the conversation of two users in both directions.
func Between(a, b string) Filter {
	return Filter{Senders: []string{a, b}, Recipients: []string{a, b}}
}

// Order is the sort order of Find results.
type Order int

const (
	OldestFirst Order = iota // ascending createdAt
	NewestFirst
)

// Store manages messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create persists a draft and returns the stored message with its id and
// creation time.
func (s *Store) Create(ctx context.Context, d Draft) (Message, error) {
	const query = `
		INSERT INTO messages (id, sender, recipient, text)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`

	m := Message{
		ID:        uuid.NewString(),
		Sender:    d.Sender,
		Recipient: d.Recipient,
		Text:      d.Text,
	}
	if err := s.db.QueryRowContext(ctx, query, m.ID, m.Sender, m.Recipient, m.Text).Scan(&m.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("%w: insert: %v", ErrStoreUnavailable, err)
	}
	return m, nil
}

// Find returns the messages matching f in the given order. Messages created
// in the same instant keep their insertion order.
func (s *Store) Find(ctx context.Context, f Filter, order Order) ([]Message, error) {
	var (
		where []string
		args  []interface{}
	)
	if len(f.Senders) > 0 {
		args = append(args, pq.Array(f.Senders))
		where = append(where, fmt.Sprintf("sender = ANY($%d)", len(args)))
	}
	if len(f.Recipients) > 0 {
		args = append(args, pq.Array(f.Recipients))
		where = append(where, fmt.Sprintf("recipient = ANY($%d)", len(args)))
	}

	query := `SELECT id, sender, recipient, text, created_at FROM messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if order == NewestFirst {
		query += " ORDER BY created_at DESC, seq DESC"
	} else {
		query += " ORDER BY created_at ASC, seq ASC"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: find: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrStoreUnavailable, err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %v", ErrStoreUnavailable, err)
	}
	return messages, nil
}
