package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

var validParentingStages = map[string]bool{
	"expecting": true,
	"newborn":   true,
	"infant":    true,
	"toddler":   true,
	"preschool": true,
	"school":    true,
}

func normalizeParentingStage(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	if validParentingStages[value] {
		return value
	}
	return ""
}

type onboardingRequest struct {
	UserID            string `json:"user_id"`
	Name              string `json:"name"`
	ParentingStage    string `json:"parenting_stage"`
	FeedingPreference string `json:"feeding_preference"`
	Children          []struct {
		Name        string `json:"name"`
		DateOfBirth string `json:"date_of_birth"`
	} `json:"children"`
}

// completeOnboarding records the profile answers from the signup flow and
// creates the initial children rows in one transaction.
func (a *App) completeOnboarding(c *gin.Context) {
	var payload onboardingRequest
	if !mustJSON(c, &payload) {
		return
	}
	if strings.TrimSpace(payload.UserID) == "" {
		writeError(c, http.StatusBadRequest, "user_id is required")
		return
	}
	stage := normalizeParentingStage(payload.ParentingStage)
	if stage == "" {
		writeError(c, http.StatusBadRequest, "parenting_stage must be one of: expecting, newborn, infant, toddler, preschool, school")
		return
	}

	type childSeed struct {
		Name  string
		Birth time.Time
	}
	seeds := make([]childSeed, 0, len(payload.Children))
	for _, child := range payload.Children {
		birth, err := parseDate(child.DateOfBirth)
		if err != nil {
			writeError(c, http.StatusBadRequest, "date_of_birth must be YYYY-MM-DD")
			return
		}
		seeds = append(seeds, childSeed{Name: strings.TrimSpace(child.Name), Birth: birth})
	}

	ctx := c.Request.Context()
	tx, err := a.db.Begin(ctx)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to start transaction")
		return
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO users (id, name, parenting_stage, feeding_preference, onboarding_completed)
		 VALUES ($1, $2, $3, $4, TRUE)
		 ON CONFLICT (id)
		 DO UPDATE SET name = EXCLUDED.name,
		               parenting_stage = EXCLUDED.parenting_stage,
		               feeding_preference = EXCLUDED.feeding_preference,
		               onboarding_completed = TRUE`,
		payload.UserID, nullIfEmpty(payload.Name), stage, nullIfEmpty(payload.FeedingPreference),
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to save profile")
		return
	}

	for _, seed := range seeds {
		if _, err := tx.Exec(ctx,
			`INSERT INTO children (user_id, name, date_of_birth) VALUES ($1, $2, $3)`,
			payload.UserID, nullIfEmpty(seed.Name), seed.Birth,
		); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to save children")
			return
		}
	}

	if err := tx.Commit(ctx); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to commit transaction")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":              payload.UserID,
		"onboarding_completed": true,
		"children_created":     len(seeds),
	})
}

func (a *App) getProfile(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		writeError(c, http.StatusBadRequest, "user_id is required")
		return
	}

	uc, err := a.loadUserContext(c.Request.Context(), userID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load profile")
		return
	}

	children := make([]gin.H, 0, len(uc.Children))
	for _, child := range uc.Children {
		children = append(children, gin.H{
			"id":                  child.ID,
			"name":                child.Name,
			"age_in_months":       child.AgeInMonths,
			"age_display":         child.AgeDisplay,
			"developmental_stage": child.DevelopmentalStage,
			"upcoming_milestones": child.UpcomingMilestones,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":            userID,
		"name":               uc.UserName,
		"parenting_stage":    uc.ParentingStage,
		"feeding_preference": uc.FeedingPreference,
		"children":           children,
	})
}

type profileUpdateRequest struct {
	UserID            string  `json:"user_id"`
	Name              *string `json:"name"`
	ParentingStage    *string `json:"parenting_stage"`
	FeedingPreference *string `json:"feeding_preference"`
}

func (a *App) updateProfile(c *gin.Context) {
	var payload profileUpdateRequest
	if !mustJSON(c, &payload) {
		return
	}
	if strings.TrimSpace(payload.UserID) == "" {
		writeError(c, http.StatusBadRequest, "user_id is required")
		return
	}

	sets := make([]string, 0, 3)
	args := []any{payload.UserID}
	appendSet := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, column+" = $"+strconv.Itoa(len(args)))
	}
	if payload.Name != nil {
		appendSet("name", nullIfEmpty(*payload.Name))
	}
	if payload.ParentingStage != nil {
		stage := normalizeParentingStage(*payload.ParentingStage)
		if stage == "" {
			writeError(c, http.StatusBadRequest, "parenting_stage must be one of: expecting, newborn, infant, toddler, preschool, school")
			return
		}
		appendSet("parenting_stage", stage)
	}
	if payload.FeedingPreference != nil {
		appendSet("feeding_preference", nullIfEmpty(*payload.FeedingPreference))
	}
	if len(sets) == 0 {
		writeError(c, http.StatusBadRequest, "No fields to update")
		return
	}

	tag, err := a.db.Exec(c.Request.Context(),
		`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = $1`,
		args...,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to update profile")
		return
	}
	if tag.RowsAffected() == 0 {
		writeError(c, http.StatusNotFound, "User not found")
		return
	}

	c.JSON(http.StatusOK, gin.H{"user_id": payload.UserID, "updated": true})
}

func nullIfEmpty(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

