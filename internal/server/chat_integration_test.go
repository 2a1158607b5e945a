package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestChatRequiresAuthorizationHeader(t *testing.T) {
	app := newTestApp(t)
	resetDatabase(t)
	router := app.Router()

	body, _ := json.Marshal(map[string]any{"userId": testID(), "message": "hi"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer token, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeJSONMap(t, rec)
	if payload["error"] != "Missing authorization header" {
		t.Fatalf("unexpected error detail: %v", payload["error"])
	}
}

func TestChatValidatesRequestBody(t *testing.T) {
	app := newTestApp(t)
	resetDatabase(t)
	router := app.Router()

	rec := performRequest(t, router, http.MethodPost, "/api/v1/chat", map[string]any{"message": "hi"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing userId, got %d", rec.Code)
	}
	if payload := decodeJSONMap(t, rec); payload["error"] != "userId is required" {
		t.Fatalf("unexpected error detail: %v", payload["error"])
	}

	rec = performRequest(t, router, http.MethodPost, "/api/v1/chat", map[string]any{"userId": testID()})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing message, got %d", rec.Code)
	}
	if payload := decodeJSONMap(t, rec); payload["error"] != "message or imageUrl is required" {
		t.Fatalf("unexpected error detail: %v", payload["error"])
	}
}

func TestChatFirstTurnCreatesSessionWithTitle(t *testing.T) {
	app := newTestApp(t)
	resetDatabase(t)
	router := app.Router()

	userID := seedUser(t, "Dana", "toddler")

	rec := performRequest(t, router, http.MethodPost, "/api/v1/chat", map[string]any{
		"userId":  userID,
		"message": "My baby won't nap",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	payload := decodeJSONMap(t, rec)
	if payload["message"] != "My baby won't nap" {
		t.Fatalf("unexpected echoed message: %v", payload["message"])
	}
	if payload["response"] != "Mock response: My baby won't nap" {
		t.Fatalf("unexpected model response: %v", payload["response"])
	}
	if payload["sessionTitle"] != "My baby won't nap" {
		t.Fatalf("expected first-turn title, got %v", payload["sessionTitle"])
	}
	sessionID, _ := payload["sessionId"].(string)
	if sessionID == "" {
		t.Fatalf("expected sessionId in response, got %v", payload["sessionId"])
	}
	if _, err := time.Parse(time.RFC3339, payload["createdAt"].(string)); err != nil {
		t.Fatalf("createdAt is not RFC3339: %v", payload["createdAt"])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var (
		title        *string
		messageCount int
	)
	err := testPool.QueryRow(ctx,
		`SELECT title, message_count FROM chat_sessions WHERE id = $1`, sessionID,
	).Scan(&title, &messageCount)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if title == nil || *title != "My baby won't nap" {
		t.Fatalf("expected persisted title, got %v", title)
	}
	if messageCount != 2 {
		t.Fatalf("expected message_count=2 after one turn, got %d", messageCount)
	}

	var storedMessages int
	if err := testPool.QueryRow(ctx,
		`SELECT COUNT(*) FROM chat_messages WHERE session_id = $1`, sessionID,
	).Scan(&storedMessages); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if storedMessages != 2 {
		t.Fatalf("expected user and assistant rows, got %d", storedMessages)
	}
}

func TestChatReusesSessionInsideWindow(t *testing.T) {
	app := newTestApp(t)
	resetDatabase(t)

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	app.now = fixedClock(now)
	router := app.Router()

	userID := seedUser(t, "Dana", "toddler")
	recent := seedSession(t, userID, nil, now.Add(-59*time.Minute), 2)
	seedSession(t, userID, nil, now.Add(-3*time.Hour), 4)

	rec := performRequest(t, router, http.MethodPost, "/api/v1/chat", map[string]any{
		"userId":  userID,
		"message": "quick follow-up",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeJSONMap(t, rec)
	if payload["sessionId"] != recent {
		t.Fatalf("expected reuse of recent session %s, got %v", recent, payload["sessionId"])
	}
}

func TestChatStartsNewSessionOutsideWindow(t *testing.T) {
	app := newTestApp(t)
	resetDatabase(t)

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	app.now = fixedClock(now)
	router := app.Router()

	userID := seedUser(t, "Dana", "toddler")
	stale := seedSession(t, userID, nil, now.Add(-61*time.Minute), 2)

	rec := performRequest(t, router, http.MethodPost, "/api/v1/chat", map[string]any{
		"userId":  userID,
		"message": "a new conversation",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeJSONMap(t, rec)
	if payload["sessionId"] == stale {
		t.Fatalf("expected a fresh session, got the stale one")
	}
}

func TestChatExplicitSessionIDWinsOverWindow(t *testing.T) {
	app := newTestApp(t)
	resetDatabase(t)

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	app.now = fixedClock(now)
	router := app.Router()

	userID := seedUser(t, "Dana", "toddler")
	stale := seedSession(t, userID, nil, now.Add(-3*time.Hour), 4)

	rec := performRequest(t, router, http.MethodPost, "/api/v1/chat", map[string]any{
		"userId":    userID,
		"sessionId": stale,
		"message":   "picking this back up",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if payload := decodeJSONMap(t, rec); payload["sessionId"] != stale {
		t.Fatalf("expected the requested session %s, got %v", stale, payload["sessionId"])
	}
}

func TestChatForeignSessionIDFallsThrough(t *testing.T) {
	app := newTestApp(t)
	resetDatabase(t)

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	app.now = fixedClock(now)
	router := app.Router()

	userID := seedUser(t, "Dana", "toddler")
	otherID := seedUser(t, "Riley", "newborn")
	foreign := seedSession(t, otherID, nil, now.Add(-5*time.Minute), 2)

	rec := performRequest(t, router, http.MethodPost, "/api/v1/chat", map[string]any{
		"userId":    userID,
		"sessionId": foreign,
		"message":   "hello",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeJSONMap(t, rec)
	if payload["sessionId"] == foreign {
		t.Fatalf("turn landed in another user's session")
	}
	if payload["sessionId"] == "" {
		t.Fatalf("expected a fresh session id, got %v", payload["sessionId"])
	}
}

func TestChatMalformedSessionIDFallsThrough(t *testing.T) {
	app := newTestApp(t)
	resetDatabase(t)

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	app.now = fixedClock(now)
	router := app.Router()

	userID := seedUser(t, "Dana", "toddler")
	recent := seedSession(t, userID, nil, now.Add(-5*time.Minute), 2)

	rec := performRequest(t, router, http.MethodPost, "/api/v1/chat", map[string]any{
		"userId":    userID,
		"sessionId": "not-a-session-id",
		"message":   "hello again",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if payload := decodeJSONMap(t, rec); payload["sessionId"] != recent {
		t.Fatalf("expected fallthrough to the recent session %s, got %v", recent, payload["sessionId"])
	}
}

func TestChatSessionsAreChildScopedBothWays(t *testing.T) {
	app := newTestApp(t)
	resetDatabase(t)

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	app.now = fixedClock(now)
	router := app.Router()

	userID := seedUser(t, "Dana", "toddler")
	childID := seedChild(t, userID, "Emma", now.AddDate(-1, -11, 0))
	generalSession := seedSession(t, userID, nil, now.Add(-5*time.Minute), 2)
	childSession := seedSession(t, userID, &childID, now.Add(-5*time.Minute), 2)

	rec := performRequest(t, router, http.MethodPost, "/api/v1/chat", map[string]any{
		"userId":  userID,
		"childId": childID,
		"message": "about Emma",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if payload := decodeJSONMap(t, rec); payload["sessionId"] != childSession {
		t.Fatalf("child turn landed in %v, want %s", payload["sessionId"], childSession)
	}

	rec = performRequest(t, router, http.MethodPost, "/api/v1/chat", map[string]any{
		"userId":  userID,
		"message": "a general question",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if payload := decodeJSONMap(t, rec); payload["sessionId"] != generalSession {
		t.Fatalf("general turn landed in %v, want %s", payload["sessionId"], generalSession)
	}
}

func TestChatHistoryIsWindowedAndChronological(t *testing.T) {
	app := newTestApp(t)
	resetDatabase(t)

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	app.now = fixedClock(now)
	router := app.Router()

	userID := seedUser(t, "Dana", "toddler")
	titled := "an ongoing chat"
	sessionID := seedSession(t, userID, nil, now.Add(-10*time.Minute), 16)
	setSessionTitle(t, sessionID, titled)

	for i := 0; i < 16; i++ {
		seedMessage(t, userID, sessionID,
			fmt.Sprintf("turn %02d", i),
			i%2 == 0,
			now.Add(time.Duration(i-20)*time.Minute),
		)
	}

	rec := performRequest(t, router, http.MethodPost, "/api/v1/chat", map[string]any{
		"userId":  userID,
		"message": "and one more thing",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	mock := app.models.text.(*MockTextModel)
	if mock.LastRequest == nil {
		t.Fatalf("text model was never called")
	}
	history := mock.LastRequest.History
	if len(history) != 10 {
		t.Fatalf("expected 10 history turns, got %d", len(history))
	}
	if history[0].Content != "turn 06" {
		t.Fatalf("expected window to start at the 7th message, got %q", history[0].Content)
	}
	if history[9].Content != "turn 15" {
		t.Fatalf("expected newest message last, got %q", history[9].Content)
	}
	if history[0].Role != "user" || history[1].Role != "assistant" {
		t.Fatalf("unexpected roles: %q then %q", history[0].Role, history[1].Role)
	}
	if payload := decodeJSONMap(t, rec); payload["sessionTitle"] != titled {
		t.Fatalf("expected existing title untouched, got %v", payload["sessionTitle"])
	}
}

func TestChatImageTurnUsesVisionModelWithoutHistory(t *testing.T) {
	app := newTestApp(t)
	resetDatabase(t)

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	app.now = fixedClock(now)
	router := app.Router()

	userID := seedUser(t, "Dana", "toddler")
	sessionID := seedSession(t, userID, nil, now.Add(-5*time.Minute), 2)
	seedMessage(t, userID, sessionID, "earlier turn", true, now.Add(-6*time.Minute))

	rec := performRequest(t, router, http.MethodPost, "/api/v1/chat", map[string]any{
		"userId":   userID,
		"imageUrl": "https://example.com/rash.jpg",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	vision := app.models.vision.(*MockVisionModel)
	if vision.LastRequest == nil {
		t.Fatalf("vision model was never called")
	}
	if vision.LastRequest.ImageURL != "https://example.com/rash.jpg" {
		t.Fatalf("unexpected image url: %q", vision.LastRequest.ImageURL)
	}
	if vision.LastRequest.UserMessage != defaultImageQuestion {
		t.Fatalf("expected default image question, got %q", vision.LastRequest.UserMessage)
	}
	if text := app.models.text.(*MockTextModel); text.LastRequest != nil {
		t.Fatalf("text model should not run on image turns")
	}

	payload := decodeJSONMap(t, rec)
	if payload["message"] != defaultImageQuestion {
		t.Fatalf("unexpected echoed message: %v", payload["message"])
	}
	if payload["imageUrl"] != "https://example.com/rash.jpg" {
		t.Fatalf("expected imageUrl echoed, got %v", payload["imageUrl"])
	}
}

func TestChatRecipeModeAdjustsSystemPrompt(t *testing.T) {
	app := newTestApp(t)
	resetDatabase(t)
	router := app.Router()

	userID := seedUser(t, "Dana", "toddler")

	rec := performRequest(t, router, http.MethodPost, "/api/v1/chat", map[string]any{
		"userId":      userID,
		"message":     "I only have carrots and rice",
		"messageType": "recipe",
		"recipeMode":  "ingredients",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	mock := app.models.text.(*MockTextModel)
	if mock.LastRequest == nil {
		t.Fatalf("text model was never called")
	}
	if got := mock.LastRequest.SystemPrompt; got != systemPrompt+"\n\n"+ingredientHelpPrompt {
		t.Fatalf("expected ingredient help prompt appended, got %q", got)
	}

	rec = performRequest(t, router, http.MethodPost, "/api/v1/chat", map[string]any{
		"userId":      userID,
		"message":     "how is the puree coming along",
		"messageType": "recipe",
		"recipeMode":  "progress",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := mock.LastRequest.SystemPrompt; got != systemPrompt+"\n\n"+progressCheckPrompt {
		t.Fatalf("expected progress check prompt appended, got %q", got)
	}
}

func TestChatModelFailureKeepsUserMessage(t *testing.T) {
	app := newTestApp(t)
	resetDatabase(t)
	app.models.text = &MockTextModel{Err: &upstreamError{Provider: "deepseek", StatusCode: 503, Detail: "unavailable"}}
	router := app.Router()

	userID := seedUser(t, "Dana", "toddler")

	rec := performRequest(t, router, http.MethodPost, "/api/v1/chat", map[string]any{
		"userId":  userID,
		"message": "is this normal",
	})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on model failure, got %d", rec.Code)
	}
	payload := decodeJSONMap(t, rec)
	if payload["fallbackResponse"] != fallbackAssistantReply {
		t.Fatalf("expected canned fallback, got %v", payload["fallbackResponse"])
	}
	if payload["error"] != "deepseek API error (503): unavailable" {
		t.Fatalf("unexpected error detail: %v", payload["error"])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var fromUser int
	var total int
	if err := testPool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE is_from_user), COUNT(*) FROM chat_messages WHERE user_id = $1`,
		userID,
	).Scan(&fromUser, &total); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if fromUser != 1 || total != 1 {
		t.Fatalf("expected only the user row persisted, got from_user=%d total=%d", fromUser, total)
	}
}

func TestChatModelFailureHidesUntypedErrors(t *testing.T) {
	app := newTestApp(t)
	resetDatabase(t)
	app.models.text = &MockTextModel{Err: errors.New("unexpected end of JSON input")}
	router := app.Router()

	userID := seedUser(t, "Dana", "toddler")

	rec := performRequest(t, router, http.MethodPost, "/api/v1/chat", map[string]any{
		"userId":  userID,
		"message": "is this normal",
	})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on model failure, got %d", rec.Code)
	}
	payload := decodeJSONMap(t, rec)
	if payload["error"] != "Failed to generate response" {
		t.Fatalf("expected internal detail hidden, got %v", payload["error"])
	}
	if payload["fallbackResponse"] != fallbackAssistantReply {
		t.Fatalf("expected canned fallback, got %v", payload["fallbackResponse"])
	}
}

func TestChatContextPromptIncludesSelectedChild(t *testing.T) {
	app := newTestApp(t)
	resetDatabase(t)

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	app.now = fixedClock(now)
	router := app.Router()

	userID := seedUser(t, "Dana", "toddler")
	childID := seedChild(t, userID, "Emma", now.AddDate(0, -23, 0))

	rec := performRequest(t, router, http.MethodPost, "/api/v1/chat", map[string]any{
		"userId":  userID,
		"childId": childID,
		"message": "she keeps fighting bedtime",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	mock := app.models.text.(*MockTextModel)
	if mock.LastRequest == nil {
		t.Fatalf("text model was never called")
	}
	prompt := mock.LastRequest.ContextPrompt
	for _, want := range []string{
		"You are chatting with Dana",
		"CURRENTLY DISCUSSING: Emma, 1 year 11 months old",
		"Always use Emma's name naturally",
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("context prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestSaveConversationSummaryAndRecall(t *testing.T) {
	app := newTestApp(t)
	resetDatabase(t)

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	app.now = fixedClock(now)

	userID := seedUser(t, "Dana", "toddler")
	childID := seedChild(t, userID, "Emma", now.AddDate(0, -20, 0))
	sessionID := seedSession(t, userID, &childID, now, 6)
	seedMessage(t, userID, sessionID, "her sleep has been rough", true, now.Add(-30*time.Minute))
	seedMessage(t, userID, sessionID, "Let's look at the sleep routine", false, now.Add(-29*time.Minute))
	seedMessage(t, userID, sessionID, "sleep training or not?", true, now.Add(-28*time.Minute))
	seedMessage(t, userID, sessionID, "Both approaches can work", false, now.Add(-27*time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.saveConversationSummary(ctx, userID, sessionID, &childID)

	var insights []string
	var topicsRaw []byte
	err := testPool.QueryRow(ctx,
		`SELECT topics, key_insights FROM conversation_summaries WHERE user_id = $1`,
		userID,
	).Scan(&topicsRaw, &insights)
	if err != nil {
		t.Fatalf("expected a summary row: %v", err)
	}
	var topics map[string]int
	if err := json.Unmarshal(topicsRaw, &topics); err != nil {
		t.Fatalf("decode topics: %v", err)
	}
	if topics["sleep"] != 2 {
		t.Fatalf("expected sleep counted twice, got %v", topics)
	}
	if len(insights) == 0 || !strings.Contains(insights[0], "Emma's sleep was a focus") {
		t.Fatalf("unexpected insights: %v", insights)
	}

	memories, err := app.retrievePastMemories(ctx, userID, &childID)
	if err != nil {
		t.Fatalf("retrieve memories: %v", err)
	}
	if !strings.Contains(memories, "PAST CONVERSATIONS") || !strings.Contains(memories, "sleep") {
		t.Fatalf("unexpected memory block: %q", memories)
	}
}

func setSessionTitle(t *testing.T, sessionID, title string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := testPool.Exec(ctx,
		`UPDATE chat_sessions SET title = $2 WHERE id = $1`, sessionID, title,
	); err != nil {
		t.Fatalf("set session title: %v", err)
	}
}
