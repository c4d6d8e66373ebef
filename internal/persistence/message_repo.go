package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"meshlink/internal/domain"
)

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Insert stores a chat message. Messages carrying a device id are guarded by
// a unique index, so replaying the same message is a no-op returning 0.
func (r *MessageRepo) Insert(ctx context.Context, m domain.ChatMessage) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages(chat_key, from_num, to_num, direction, body, id_hex, via, at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ChatKey, int64(m.From), int64(m.To), int(m.Direction), m.Body, m.IDHex, int(m.Via), toUnixMillis(m.At))
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err == nil && rowsAffected == 0 {
		return 0, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get message local id: %w", err)
	}

	return id, nil
}

// ListRecentByChat returns up to limit messages for a chat in ascending
// time order.
func (r *MessageRepo) ListRecentByChat(ctx context.Context, chatKey string, limit int) ([]domain.ChatMessage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT local_id, chat_key, from_num, to_num, direction, body, id_hex, via, at
		FROM messages
		WHERE chat_key = ?
		ORDER BY at DESC
		LIMIT ?
	`, chatKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages by chat: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []domain.ChatMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages by chat: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}

	return out, nil
}

// ListChatKeys returns every chat key with at least one stored message.
func (r *MessageRepo) ListChatKeys(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT chat_key FROM messages ORDER BY chat_key`)
	if err != nil {
		return nil, fmt.Errorf("list chat keys: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan chat key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat keys: %w", err)
	}

	return keys, nil
}

func scanMessage(scanner interface {
	Scan(dest ...any) error
}) (domain.ChatMessage, error) {
	var (
		m         domain.ChatMessage
		fromNum   int64
		toNum     int64
		direction int
		via       int
		atMs      int64
	)
	if err := scanner.Scan(&m.LocalID, &m.ChatKey, &fromNum, &toNum, &direction, &m.Body, &m.IDHex, &via, &atMs); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("scan message: %w", err)
	}
	m.From = uint32(fromNum)
	m.To = uint32(toNum)
	m.Direction = domain.MessageDirection(direction)
	m.Via = domain.MessageVia(via)
	m.At = fromUnixMillis(atMs)

	return m, nil
}
