package server

import (
	"context"
	"time"
)

// insertChatMessage appends one row to the session transcript and returns
// the generated id and timestamp.
func (a *App) insertChatMessage(ctx context.Context, userID, sessionID, message string, isFromUser bool, childID, imageURL *string) (string, time.Time, error) {
	var (
		id        string
		createdAt time.Time
	)
	err := a.db.QueryRow(ctx,
		`INSERT INTO chat_messages (user_id, session_id, message, is_from_user, child_id, image_url)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		userID, sessionID, message, isFromUser, childID, imageURL,
	).Scan(&id, &createdAt)
	if err != nil {
		return "", time.Time{}, err
	}
	return id, createdAt, nil
}

// recentHistory returns the last few turns of a session in chronological
// order. The newest rows are fetched first and then reversed.
func (a *App) recentHistory(ctx context.Context, sessionID string, limit int) ([]ChatTurn, error) {
	rows, err := a.db.Query(ctx,
		`SELECT message, is_from_user FROM chat_messages
		 WHERE session_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var newestFirst []ChatTurn
	for rows.Next() {
		var (
			message    string
			isFromUser bool
		)
		if err := rows.Scan(&message, &isFromUser); err != nil {
			return nil, err
		}
		role := "assistant"
		if isFromUser {
			role = "user"
		}
		newestFirst = append(newestFirst, ChatTurn{Role: role, Content: message})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	history := make([]ChatTurn, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		history = append(history, newestFirst[i])
	}
	return history, nil
}
