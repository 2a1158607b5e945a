package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

const tipSystemPrompt = `You are an expert pediatric nurse and parenting coach. Generate a helpful, evidence-based daily parenting tip.

IMPORTANT GUIDELINES:
- Be warm, supportive, and non-judgmental
- Use clear, actionable language
- Base advice on AAP (American Academy of Pediatrics) guidelines
- Consider the child's developmental stage
- Be culturally sensitive and inclusive
- Avoid medical diagnoses - recommend consulting pediatrician for concerns

RESPONSE FORMAT (JSON only, no markdown):
{
  "title": "Brief, engaging title (max 50 chars)",
  "description": "2-3 sentence explanation with practical advice (max 200 chars)",
  "category": "one of: sleep, feeding, development, health, behavior, activities, safety, bonding",
  "quick_tips": ["4 actionable bullet points", "each max 60 chars", "practical and specific", "easy to implement"]
}`

var validTipCategories = map[string]bool{
	"sleep": true, "feeding": true, "development": true, "health": true,
	"behavior": true, "activities": true, "safety": true, "bonding": true,
}

type generatedTip struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	QuickTips   []string `json:"quick_tips"`
}

type dailyTip struct {
	ID             *string  `json:"id"`
	UserID         string   `json:"user_id"`
	TipDate        string   `json:"tip_date"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Category       string   `json:"category"`
	ParentingStage string   `json:"parenting_stage"`
	ChildAgeMonths *int     `json:"child_age_months"`
	QuickTips      []string `json:"quick_tips"`
	IsViewed       bool     `json:"is_viewed"`
	AIGenerated    bool     `json:"ai_generated"`
}

func buildTipPrompt(parentingStage string, childAges []int, feedingPreference string, recentCategories []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generate a daily parenting tip for a parent in the %q stage.", parentingStage)

	if len(childAges) > 0 {
		displays := make([]string, 0, len(childAges))
		for _, age := range childAges {
			displays = append(displays, ageDisplay(age))
		}
		fmt.Fprintf(&b, "\nChild age(s): %s", strings.Join(displays, ", "))
	}
	if feedingPreference != "" {
		fmt.Fprintf(&b, "\nFeeding approach: %s", feedingPreference)
	}
	if len(recentCategories) > 0 {
		fmt.Fprintf(&b, "\n\nAvoid these categories (recently covered): %s", strings.Join(recentCategories, ", "))
		b.WriteString("\nChoose a different category to provide variety.")
	}
	return b.String()
}

func parseGeneratedTip(content string) (generatedTip, error) {
	var tip generatedTip
	if err := json.Unmarshal([]byte(content), &tip); err != nil {
		return generatedTip{}, fmt.Errorf("failed to parse AI response: %w", err)
	}
	if tip.Title == "" || tip.Description == "" || tip.Category == "" || len(tip.QuickTips) == 0 {
		return generatedTip{}, fmt.Errorf("invalid tip structure")
	}
	tip.Category = strings.ToLower(tip.Category)
	if !validTipCategories[tip.Category] {
		tip.Category = "development"
	}
	return tip, nil
}

func (a *App) generateTip(c *gin.Context) {
	var payload struct {
		UserID string `json:"userId"`
	}
	if !mustJSON(c, &payload) {
		return
	}
	if strings.TrimSpace(payload.UserID) == "" {
		writeError(c, http.StatusBadRequest, "userId is required")
		return
	}
	ctx := c.Request.Context()
	userID := payload.UserID

	var (
		parentingStage    = "expecting"
		feedingPreference string
		childAges         []int
		recentCategories  []string
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var stage, feeding *string
		err := a.db.QueryRow(groupCtx,
			`SELECT parenting_stage, feeding_preference FROM users WHERE id = $1`, userID,
		).Scan(&stage, &feeding)
		if err != nil {
			return nil
		}
		if stage != nil && *stage != "" {
			parentingStage = *stage
		}
		if feeding != nil {
			feedingPreference = *feeding
		}
		return nil
	})
	group.Go(func() error {
		rows, err := a.db.Query(groupCtx,
			`SELECT date_of_birth FROM children WHERE user_id = $1 ORDER BY date_of_birth ASC`, userID)
		if err != nil {
			return err
		}
		defer rows.Close()
		now := a.now()
		for rows.Next() {
			var birth time.Time
			if err := rows.Scan(&birth); err != nil {
				return err
			}
			childAges = append(childAges, ageInMonths(birth, now))
		}
		return rows.Err()
	})
	group.Go(func() error {
		sevenDaysAgo := startOfUTCDay(a.now()).AddDate(0, 0, -7)
		rows, err := a.db.Query(groupCtx,
			`SELECT category FROM daily_tips
			 WHERE user_id = $1 AND tip_date >= $2
			 ORDER BY tip_date DESC LIMIT 5`,
			userID, sevenDaysAgo)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var category string
			if err := rows.Scan(&category); err != nil {
				return err
			}
			recentCategories = append(recentCategories, category)
		}
		return rows.Err()
	})
	if err := group.Wait(); err != nil {
		log.Printf("tips: context load failed: %v", err)
		writeError(c, http.StatusInternalServerError, "Failed to load tip context")
		return
	}

	content, err := a.models.tips.CompleteJSON(ctx, tipSystemPrompt, buildTipPrompt(parentingStage, childAges, feedingPreference, recentCategories))
	if err != nil {
		log.Printf("tips: generation failed: %v", err)
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	tip, err := parseGeneratedTip(content)
	if err != nil {
		log.Printf("tips: %v", err)
		writeError(c, http.StatusInternalServerError, "Failed to parse AI response")
		return
	}

	var childAgeMonths *int
	if len(childAges) > 0 {
		youngest := childAges[0]
		for _, age := range childAges[1:] {
			if age < youngest {
				youngest = age
			}
		}
		childAgeMonths = &youngest
	}

	today := startOfUTCDay(a.now())
	result := dailyTip{
		UserID:         userID,
		TipDate:        today.Format("2006-01-02"),
		Title:          tip.Title,
		Description:    tip.Description,
		Category:       tip.Category,
		ParentingStage: parentingStage,
		ChildAgeMonths: childAgeMonths,
		QuickTips:      tip.QuickTips,
		AIGenerated:    true,
	}

	id, err := a.upsertDailyTip(ctx, result, today)
	if err != nil {
		// The tip is still useful to the client even when the save fails.
		log.Printf("tips: save failed: %v", err)
		c.JSON(http.StatusOK, gin.H{"tip": result})
		return
	}
	result.ID = &id
	c.JSON(http.StatusOK, gin.H{"tip": result})
}

func (a *App) upsertDailyTip(ctx context.Context, tip dailyTip, tipDate time.Time) (string, error) {
	var id string
	err := a.db.QueryRow(ctx,
		`INSERT INTO daily_tips (user_id, tip_date, title, description, category, parenting_stage, child_age_months, quick_tips, is_viewed, ai_generated)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, TRUE)
		 ON CONFLICT (user_id, tip_date)
		 DO UPDATE SET title = EXCLUDED.title,
		               description = EXCLUDED.description,
		               category = EXCLUDED.category,
		               parenting_stage = EXCLUDED.parenting_stage,
		               child_age_months = EXCLUDED.child_age_months,
		               quick_tips = EXCLUDED.quick_tips,
		               is_viewed = FALSE,
		               ai_generated = TRUE
		 RETURNING id`,
		tip.UserID, tipDate, tip.Title, tip.Description, tip.Category,
		tip.ParentingStage, tip.ChildAgeMonths, mustMarshalJSON(tip.QuickTips),
	).Scan(&id)
	return id, err
}

func (a *App) getTodayTip(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		writeError(c, http.StatusBadRequest, "user_id is required")
		return
	}
	today := startOfUTCDay(a.now())

	var (
		tip     dailyTip
		id      string
		tipDate time.Time
	)
	err := a.db.QueryRow(c.Request.Context(),
		`SELECT id, user_id, tip_date, title, description, category, parenting_stage, child_age_months, quick_tips, is_viewed, ai_generated
		 FROM daily_tips
		 WHERE user_id = $1 AND tip_date = $2`,
		userID, today,
	).Scan(&id, &tip.UserID, &tipDate, &tip.Title, &tip.Description, &tip.Category,
		&tip.ParentingStage, &tip.ChildAgeMonths, &tip.QuickTips, &tip.IsViewed, &tip.AIGenerated)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"tip": nil})
		return
	}
	tip.ID = &id
	tip.TipDate = tipDate.Format("2006-01-02")
	c.JSON(http.StatusOK, gin.H{"tip": tip})
}

func (a *App) markTipViewed(c *gin.Context) {
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
	tipID := c.Param("tip_id")

	tag, err := a.db.Exec(c.Request.Context(),
		`UPDATE daily_tips SET is_viewed = TRUE WHERE id = $1 AND user_id = $2`,
		tipID, payload.UserID,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to update tip")
		return
	}
	if tag.RowsAffected() == 0 {
		writeError(c, http.StatusNotFound, "Tip not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"tip_id": tipID, "is_viewed": true})
}
