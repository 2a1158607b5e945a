package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
)

var summaryTopics = []string{
	"sleep", "feeding", "behavior", "development", "health",
	"potty training", "tantrums", "milestones", "safety", "crying",
}

// retrievePastMemories formats recent conversation summaries into a context
// block so the assistant can show continuity. Empty string when there is
// nothing worth referencing.
func (a *App) retrievePastMemories(ctx context.Context, userID string, childID *string) (string, error) {
	now := a.now()
	sevenDaysAgo := now.AddDate(0, 0, -7)

	query := `SELECT topics, key_insights, period_end FROM conversation_summaries
	          WHERE user_id = $1 AND period_end >= $2`
	args := []any{userID, sevenDaysAgo}
	if childID != nil && strings.TrimSpace(*childID) != "" {
		query += ` AND child_id = $3`
		args = append(args, *childID)
	}
	query += ` ORDER BY period_end DESC LIMIT 3`

	rows, err := a.db.Query(ctx, query, args...)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var memoryParts []string
	for rows.Next() {
		var (
			topicsRaw   []byte
			keyInsights []string
			periodEnd   time.Time
		)
		if err := rows.Scan(&topicsRaw, &keyInsights, &periodEnd); err != nil {
			return "", err
		}

		daysAgo := int(now.Sub(periodEnd).Hours() / 24)
		timeRef := "last week"
		switch {
		case daysAgo == 0:
			timeRef = "today"
		case daysAgo == 1:
			timeRef = "yesterday"
		case daysAgo < 7:
			timeRef = fmt.Sprintf("%d days ago", daysAgo)
		}

		topics := map[string]int{}
		if len(topicsRaw) > 0 {
			if err := json.Unmarshal(topicsRaw, &topics); err != nil {
				continue
			}
		}
		if len(topics) > 0 {
			memoryParts = append(memoryParts, fmt.Sprintf("%s: discussed %s", timeRef, strings.Join(sortTopicsByCount(topics), ", ")))
		}
		for _, insight := range keyInsights {
			memoryParts = append(memoryParts, "- "+insight)
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(memoryParts) == 0 {
		return "", nil
	}
	return "\n\n**PAST CONVERSATIONS (Use this to show continuity):**\n" + strings.Join(memoryParts, "\n"), nil
}

// summarizeTurns counts topic mentions across the user side of a transcript
// and derives short insights from the two most discussed topics.
func summarizeTurns(turns []ChatTurn, childName string) (map[string]int, []string) {
	if len(turns) < 3 {
		return map[string]int{}, nil
	}

	topics := map[string]int{}
	for _, turn := range turns {
		if turn.Role != "user" {
			continue
		}
		text := strings.ToLower(turn.Content)
		for _, topic := range summaryTopics {
			if strings.Contains(text, topic) {
				topics[topic]++
			}
		}
	}

	var insights []string
	ranked := sortTopicsByCount(topics)
	if len(ranked) > 2 {
		ranked = ranked[:2]
	}
	for _, topic := range ranked {
		count := topics[topic]
		if count < 2 {
			continue
		}
		if childName != "" {
			insights = append(insights, fmt.Sprintf("%s's %s was a focus (mentioned %d times)", childName, topic, count))
		} else {
			insights = append(insights, fmt.Sprintf("%s was a key concern (mentioned %d times)", topic, count))
		}
	}
	return topics, insights
}

// saveConversationSummary runs in the background after a session has grown
// past a few turns. Failures are logged and never surfaced to the client.
func (a *App) saveConversationSummary(ctx context.Context, userID, sessionID string, childID *string) {
	rows, err := a.db.Query(ctx,
		`SELECT message, is_from_user, created_at FROM chat_messages
		 WHERE session_id = $1
		 ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		log.Printf("conversation summary: load messages failed: %v", err)
		return
	}
	defer rows.Close()

	var (
		turns []ChatTurn
		first time.Time
		last  time.Time
	)
	for rows.Next() {
		var (
			message    string
			isFromUser bool
			createdAt  time.Time
		)
		if err := rows.Scan(&message, &isFromUser, &createdAt); err != nil {
			log.Printf("conversation summary: scan failed: %v", err)
			return
		}
		role := "assistant"
		if isFromUser {
			role = "user"
		}
		turns = append(turns, ChatTurn{Role: role, Content: message})
		if first.IsZero() {
			first = createdAt
		}
		last = createdAt
	}
	if rows.Err() != nil {
		log.Printf("conversation summary: read failed: %v", rows.Err())
		return
	}
	if len(turns) < 3 {
		return
	}

	childName := ""
	if childID != nil && strings.TrimSpace(*childID) != "" {
		if err := a.db.QueryRow(ctx, `SELECT name FROM children WHERE id = $1`, *childID).Scan(&childName); err != nil {
			childName = ""
		}
	}

	topics, insights := summarizeTurns(turns, childName)
	if len(topics) == 0 {
		return
	}
	topicsJSON := mustMarshalJSON(topics)

	if _, err := a.db.Exec(ctx,
		`INSERT INTO conversation_summaries (user_id, child_id, summary_period, topics, key_insights, period_start, period_end)
		 VALUES ($1, $2, 'week', $3, $4, $5, $6)`,
		userID, childID, topicsJSON, mustMarshalJSON(insights), first, last,
	); err != nil {
		log.Printf("conversation summary: save failed: %v", err)
	}
}
