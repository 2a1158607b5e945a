package server

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

type chatRequest struct {
	UserID      string  `json:"userId"`
	Message     string  `json:"message"`
	ChildID     *string `json:"childId"`
	SessionID   *string `json:"sessionId"`
	ImageURL    *string `json:"imageUrl"`
	MessageType string  `json:"messageType"`
	RecipeMode  string  `json:"recipeMode"`
}

type chatResponse struct {
	ID           string  `json:"id"`
	Message      string  `json:"message"`
	Response     string  `json:"response"`
	CreatedAt    string  `json:"createdAt"`
	SessionID    string  `json:"sessionId"`
	SessionTitle *string `json:"sessionTitle,omitempty"`
	ImageURL     *string `json:"imageUrl,omitempty"`
}

// summaryThreshold is the pre-turn message count past which a background
// conversation summary is attempted.
const summaryThreshold = 4

func (a *App) chat(c *gin.Context) {
	var req chatRequest
	if !mustJSON(c, &req) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(c, http.StatusBadRequest, "userId is required")
		return
	}
	hasImage := req.ImageURL != nil && strings.TrimSpace(*req.ImageURL) != ""
	if strings.TrimSpace(req.Message) == "" && !hasImage {
		writeError(c, http.StatusBadRequest, "message or imageUrl is required")
		return
	}

	userMessage := strings.TrimSpace(req.Message)
	if userMessage == "" {
		userMessage = defaultImageQuestion
	}

	ctx := c.Request.Context()

	session, err := a.resolveSession(ctx, req.UserID, req.ChildID, req.SessionID)
	if err != nil {
		log.Printf("chat: resolve session failed: %v", err)
		writeError(c, http.StatusInternalServerError, "Failed to resolve session")
		return
	}

	uc, err := a.loadUserContext(ctx, req.UserID)
	if err != nil {
		log.Printf("chat: load user context failed: %v", err)
		writeError(c, http.StatusInternalServerError, "Failed to load user context")
		return
	}

	var selected *childInfo
	if req.ChildID != nil {
		for i := range uc.Children {
			if uc.Children[i].ID == *req.ChildID {
				selected = &uc.Children[i]
				break
			}
		}
		if selected != nil {
			concerns, err := a.recentConcerns(ctx, req.UserID, selected.ID)
			if err != nil {
				log.Printf("chat: recent concerns lookup failed: %v", err)
			} else {
				selected.RecentConcerns = concerns
			}
		}
	}

	pastMemories, err := a.retrievePastMemories(ctx, req.UserID, req.ChildID)
	if err != nil {
		log.Printf("chat: memory retrieval failed: %v", err)
		pastMemories = ""
	}

	contextPrompt := buildContextPrompt(uc, selected, pastMemories)

	var history []ChatTurn
	if !hasImage {
		history, err = a.recentHistory(ctx, session.ID, a.cfg.HistoryLimit)
		if err != nil {
			log.Printf("chat: history load failed: %v", err)
			writeError(c, http.StatusInternalServerError, "Failed to load conversation history")
			return
		}
	}

	if _, _, err := a.insertChatMessage(ctx, req.UserID, session.ID, userMessage, true, req.ChildID, req.ImageURL); err != nil {
		log.Printf("chat: save user message failed: %v", err)
		writeError(c, http.StatusInternalServerError, "Failed to save message")
		return
	}

	var modePrompt string
	if req.MessageType == "recipe" && req.RecipeMode != "" {
		modePrompt = ingredientHelpPrompt
		if req.RecipeMode == "progress" {
			modePrompt = progressCheckPrompt
		}
	}

	var answer string
	if hasImage {
		prompt := visionSystemPrompt
		if modePrompt != "" {
			prompt += "\n\n" + modePrompt
		}
		answer, err = a.models.vision.Analyze(ctx, visionModelRequest{
			SystemPrompt:  prompt,
			ContextPrompt: contextPrompt,
			UserMessage:   userMessage,
			ImageURL:      *req.ImageURL,
		})
	} else {
		prompt := systemPrompt
		if modePrompt != "" {
			prompt += "\n\n" + modePrompt
		}
		answer, err = a.models.text.Complete(ctx, textModelRequest{
			SystemPrompt:  prompt,
			ContextPrompt: contextPrompt,
			History:       history,
			UserMessage:   userMessage,
		})
	}
	if err != nil {
		// The user message is already persisted at this point; only the
		// assistant row is missing, so the client can retry the turn.
		log.Printf("chat: model call failed: %v", err)
		detail := "Failed to generate response"
		if isModelError(err) {
			detail = err.Error()
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":            detail,
			"fallbackResponse": fallbackAssistantReply,
		})
		return
	}

	responseID, createdAt, err := a.insertChatMessage(ctx, req.UserID, session.ID, answer, false, req.ChildID, nil)
	if err != nil {
		log.Printf("chat: save assistant message failed: %v", err)
		writeError(c, http.StatusInternalServerError, "Failed to save message")
		return
	}

	if err := a.recordTurn(ctx, session.ID); err != nil {
		log.Printf("chat: session metadata update failed: %v", err)
	}

	title, err := a.maybeTitle(ctx, session, userMessage, hasImage)
	if err != nil {
		log.Printf("chat: session title update failed: %v", err)
		title = session.Title
	}

	if session.MessageCount >= summaryThreshold {
		summaryCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		go func() {
			defer cancel()
			a.saveConversationSummary(summaryCtx, req.UserID, session.ID, req.ChildID)
		}()
	}

	c.JSON(http.StatusOK, chatResponse{
		ID:           responseID,
		Message:      userMessage,
		Response:     answer,
		CreatedAt:    createdAt.UTC().Format(time.RFC3339),
		SessionID:    session.ID,
		SessionTitle: title,
		ImageURL:     req.ImageURL,
	})
}
