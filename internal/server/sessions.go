package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type chatSession struct {
	ID            string
	UserID        string
	ChildID       *string
	Title         *string
	StartedAt     time.Time
	LastMessageAt time.Time
	MessageCount  int
	IsArchived    bool
}

const sessionColumns = `id, user_id, child_id, title, started_at, last_message_at, message_count, is_archived`

func scanSession(row pgx.Row) (chatSession, error) {
	var s chatSession
	err := row.Scan(&s.ID, &s.UserID, &s.ChildID, &s.Title, &s.StartedAt, &s.LastMessageAt, &s.MessageCount, &s.IsArchived)
	return s, err
}

// resolveSession finds the session a turn belongs to. An explicit session id
// wins if it belongs to the user; otherwise the most recent unarchived
// session for the same child within the reuse window is continued; otherwise
// a fresh session is created. Child matching is strict in both directions, a
// turn without a child never lands in a child session and vice versa.
func (a *App) resolveSession(ctx context.Context, userID string, childID, sessionID *string) (chatSession, error) {
	// An id that is not a uuid can never match a row; querying with it would
	// fail on the cast instead of reporting no rows.
	if sessionID != nil && uuid.Validate(strings.TrimSpace(*sessionID)) == nil {
		session, err := scanSession(a.db.QueryRow(ctx,
			`SELECT `+sessionColumns+` FROM chat_sessions WHERE id = $1 AND user_id = $2`,
			strings.TrimSpace(*sessionID), userID,
		))
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return chatSession{}, err
		}
	}

	cutoff := a.now().Add(-a.cfg.SessionReuseWindow)
	session, err := scanSession(a.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions
		 WHERE user_id = $1
		   AND is_archived = FALSE
		   AND last_message_at >= $2
		   AND COALESCE(child_id::text, '') = COALESCE($3, '')
		 ORDER BY last_message_at DESC
		 LIMIT 1`,
		userID, cutoff, childID,
	))
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return chatSession{}, err
	}

	now := a.now()
	return scanSession(a.db.QueryRow(ctx,
		`INSERT INTO chat_sessions (user_id, child_id, started_at, last_message_at, message_count)
		 VALUES ($1, $2, $3, $3, 0)
		 RETURNING `+sessionColumns,
		userID, childID, now,
	))
}

// recordTurn bumps the session counters after both rows of a turn landed.
func (a *App) recordTurn(ctx context.Context, sessionID string) error {
	_, err := a.db.Exec(ctx,
		`UPDATE chat_sessions SET last_message_at = $2, message_count = message_count + 2 WHERE id = $1`,
		sessionID, a.now(),
	)
	return err
}

// maybeTitle assigns a derived title to a session on its very first turn.
// Returns the title that now applies, existing or new.
func (a *App) maybeTitle(ctx context.Context, session chatSession, userMessage string, hasImage bool) (*string, error) {
	if session.Title != nil || session.MessageCount != 0 {
		return session.Title, nil
	}
	title := sessionTitle(userMessage, hasImage)
	if _, err := a.db.Exec(ctx,
		`UPDATE chat_sessions SET title = $2 WHERE id = $1`,
		session.ID, title,
	); err != nil {
		return nil, err
	}
	return &title, nil
}

// sessionTitle derives a short list title from the first user message. Image
// turns get a camera glyph and a tighter budget. Truncation backs up to the
// last space only when enough of the message survives.
func sessionTitle(userMessage string, hasImage bool) string {
	clean := strings.TrimSpace(userMessage)
	maxLen, floor, prefix := 40, 20, ""
	if hasImage {
		maxLen, floor, prefix = 35, 15, "\U0001F4F7 "
	}

	runes := []rune(clean)
	if len(runes) <= maxLen {
		return prefix + clean
	}
	truncated := runes[:maxLen]
	lastSpace := -1
	for i, r := range truncated {
		if r == ' ' {
			lastSpace = i
		}
	}
	if lastSpace > floor {
		truncated = truncated[:lastSpace]
	}
	return prefix + string(truncated) + "..."
}

type sessionSummary struct {
	ID            string  `json:"id"`
	ChildID       *string `json:"child_id"`
	Title         *string `json:"title"`
	StartedAt     string  `json:"started_at"`
	LastMessageAt string  `json:"last_message_at"`
	MessageCount  int     `json:"message_count"`
	IsArchived    bool    `json:"is_archived"`
}

func (a *App) listChatSessions(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		writeError(c, http.StatusBadRequest, "user_id is required")
		return
	}
	includeArchived := strings.EqualFold(c.Query("include_archived"), "true")

	query := `SELECT s.id, s.user_id, s.child_id, s.title, s.started_at, s.last_message_at,
	                 s.message_count, s.is_archived,
	                 (SELECT m.message FROM chat_messages m
	                  WHERE m.session_id = s.id AND m.is_from_user = TRUE
	                  ORDER BY m.created_at ASC LIMIT 1) AS first_message
	          FROM chat_sessions s WHERE s.user_id = $1`
	if !includeArchived {
		query += ` AND s.is_archived = FALSE`
	}
	query += ` ORDER BY s.last_message_at DESC LIMIT 50`

	rows, err := a.db.Query(c.Request.Context(), query, userID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load sessions")
		return
	}
	defer rows.Close()

	sessions := make([]sessionSummary, 0)
	for rows.Next() {
		var (
			session      chatSession
			firstMessage *string
		)
		err := rows.Scan(&session.ID, &session.UserID, &session.ChildID, &session.Title,
			&session.StartedAt, &session.LastMessageAt, &session.MessageCount,
			&session.IsArchived, &firstMessage)
		if err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to load sessions")
			return
		}
		// Sessions from before a title was assigned still get a usable one.
		title := session.Title
		if title == nil && firstMessage != nil {
			derived := sessionTitle(*firstMessage, false)
			title = &derived
		}
		sessions = append(sessions, sessionSummary{
			ID:            session.ID,
			ChildID:       session.ChildID,
			Title:         title,
			StartedAt:     session.StartedAt.UTC().Format(time.RFC3339),
			LastMessageAt: session.LastMessageAt.UTC().Format(time.RFC3339),
			MessageCount:  session.MessageCount,
			IsArchived:    session.IsArchived,
		})
	}
	if rows.Err() != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load sessions")
		return
	}

	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (a *App) getSessionMessages(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		writeError(c, http.StatusBadRequest, "user_id is required")
		return
	}
	sessionID := c.Param("session_id")

	if _, err := a.loadSessionForUser(c.Request.Context(), sessionID, userID); err != nil {
		a.writeAPIError(c, err)
		return
	}

	rows, err := a.db.Query(c.Request.Context(),
		`SELECT id, message, is_from_user, image_url, created_at
		 FROM chat_messages
		 WHERE session_id = $1
		 ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load messages")
		return
	}
	defer rows.Close()

	type messageRow struct {
		ID         string  `json:"id"`
		Message    string  `json:"message"`
		IsFromUser bool    `json:"is_from_user"`
		ImageURL   *string `json:"image_url"`
		CreatedAt  string  `json:"created_at"`
	}
	messages := make([]messageRow, 0)
	for rows.Next() {
		var (
			row       messageRow
			createdAt time.Time
		)
		if err := rows.Scan(&row.ID, &row.Message, &row.IsFromUser, &row.ImageURL, &createdAt); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to load messages")
			return
		}
		row.CreatedAt = createdAt.UTC().Format(time.RFC3339)
		messages = append(messages, row)
	}
	if rows.Err() != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load messages")
		return
	}

	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "messages": messages})
}

func (a *App) archiveChatSession(c *gin.Context) {
	var payload struct {
		UserID string `json:"user_id"`
	}
	if !mustJSON(c, &payload) {
		return
	}
	if strings.TrimSpace(payload.UserID) == "" {
		writeError(c, http.StatusBadRequest, "user_id is required")
		return
	}
	sessionID := c.Param("session_id")

	tag, err := a.db.Exec(c.Request.Context(),
		`UPDATE chat_sessions SET is_archived = TRUE WHERE id = $1 AND user_id = $2`,
		sessionID, payload.UserID,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to archive session")
		return
	}
	if tag.RowsAffected() == 0 {
		writeError(c, http.StatusNotFound, "Session not found")
		return
	}

	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "is_archived": true})
}

func (a *App) loadSessionForUser(ctx context.Context, sessionID, userID string) (chatSession, error) {
	session, err := scanSession(a.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions WHERE id = $1 AND user_id = $2`,
		sessionID, userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return chatSession{}, notFound("Session not found")
	}
	if err != nil {
		return chatSession{}, err
	}
	return session, nil
}
