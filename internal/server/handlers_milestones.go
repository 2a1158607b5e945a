package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

type milestoneRow struct {
	ID           string  `json:"id"`
	Category     string  `json:"category"`
	Title        string  `json:"title"`
	Description  *string `json:"description"`
	MinAgeMonths int     `json:"min_age_months"`
	MaxAgeMonths int     `json:"max_age_months"`
}

const milestoneColumns = `id, category, title, description, min_age_months, max_age_months`

// listMilestones returns catalog milestones, optionally scoped to an age
// window or category.
func (a *App) listMilestones(c *gin.Context) {
	query := `SELECT ` + milestoneColumns + ` FROM milestones WHERE TRUE`
	args := []any{}

	if ageRaw := strings.TrimSpace(c.Query("age_months")); ageRaw != "" {
		age, err := strconv.Atoi(ageRaw)
		if err != nil || age < 0 {
			writeError(c, http.StatusBadRequest, "age_months must be a non-negative integer")
			return
		}
		args = append(args, age)
		placeholder := "$" + strconv.Itoa(len(args))
		query += ` AND min_age_months <= ` + placeholder + ` AND max_age_months >= ` + placeholder
	}
	if category := strings.TrimSpace(c.Query("category")); category != "" {
		args = append(args, category)
		query += ` AND category = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY min_age_months ASC, title ASC`

	rows, err := a.db.Query(c.Request.Context(), query, args...)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load milestones")
		return
	}
	defer rows.Close()

	milestones := make([]milestoneRow, 0)
	for rows.Next() {
		var m milestoneRow
		if err := rows.Scan(&m.ID, &m.Category, &m.Title, &m.Description, &m.MinAgeMonths, &m.MaxAgeMonths); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to load milestones")
			return
		}
		milestones = append(milestones, m)
	}
	if rows.Err() != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load milestones")
		return
	}

	c.JSON(http.StatusOK, gin.H{"milestones": milestones})
}

// listChildMilestones reports the child's current-window milestones together
// with achievement state, plus everything already achieved.
func (a *App) listChildMilestones(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		writeError(c, http.StatusBadRequest, "user_id is required")
		return
	}
	childID := c.Param("child_id")
	ctx := c.Request.Context()

	var birth time.Time
	if err := a.db.QueryRow(ctx,
		`SELECT date_of_birth FROM children WHERE id = $1 AND user_id = $2`,
		childID, userID,
	).Scan(&birth); err != nil {
		writeError(c, http.StatusNotFound, "Child not found")
		return
	}
	age := ageInMonths(birth, a.now())

	rows, err := a.db.Query(ctx,
		`SELECT m.id, m.category, m.title, m.description, m.min_age_months, m.max_age_months,
		        cm.achieved_at, cm.notes
		 FROM milestones m
		 LEFT JOIN child_milestones cm ON cm.milestone_id = m.id AND cm.child_id = $1
		 WHERE (m.min_age_months <= $2 AND m.max_age_months >= $2) OR cm.achieved_at IS NOT NULL
		 ORDER BY m.min_age_months ASC, m.title ASC`,
		childID, age,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load milestones")
		return
	}
	defer rows.Close()

	milestones := make([]gin.H, 0)
	for rows.Next() {
		var (
			m          milestoneRow
			achievedAt *time.Time
			notes      *string
		)
		if err := rows.Scan(&m.ID, &m.Category, &m.Title, &m.Description,
			&m.MinAgeMonths, &m.MaxAgeMonths, &achievedAt, &notes); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to load milestones")
			return
		}
		entry := gin.H{
			"milestone": m,
			"achieved":  achievedAt != nil,
			"notes":     notes,
		}
		if achievedAt != nil {
			entry["achieved_at"] = achievedAt.UTC().Format(time.RFC3339)
		}
		milestones = append(milestones, entry)
	}
	if rows.Err() != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load milestones")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"child_id":      childID,
		"age_in_months": age,
		"milestones":    milestones,
	})
}

func (a *App) achieveMilestone(c *gin.Context) {
	var payload struct {
		UserID     string  `json:"user_id"`
		AchievedAt *string `json:"achieved_at"`
		Notes      *string `json:"notes"`
	}
	if !mustJSON(c, &payload) {
		return
	}
	if strings.TrimSpace(payload.UserID) == "" {
		writeError(c, http.StatusBadRequest, "user_id is required")
		return
	}
	childID := c.Param("child_id")
	milestoneID := c.Param("milestone_id")
	ctx := c.Request.Context()

	var childExists bool
	if err := a.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM children WHERE id = $1 AND user_id = $2)`,
		childID, payload.UserID,
	).Scan(&childExists); err != nil || !childExists {
		writeError(c, http.StatusNotFound, "Child not found")
		return
	}

	achievedAt := a.now()
	if payload.AchievedAt != nil {
		parsed, err := time.Parse(time.RFC3339, *payload.AchievedAt)
		if err != nil {
			writeError(c, http.StatusBadRequest, "achieved_at must be RFC 3339")
			return
		}
		achievedAt = parsed.UTC()
	}

	if _, err := a.db.Exec(ctx,
		`INSERT INTO child_milestones (child_id, milestone_id, achieved_at, notes)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (child_id, milestone_id)
		 DO UPDATE SET achieved_at = EXCLUDED.achieved_at, notes = EXCLUDED.notes`,
		childID, milestoneID, achievedAt, payload.Notes,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to record milestone")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"child_id":     childID,
		"milestone_id": milestoneID,
		"achieved_at":  achievedAt.Format(time.RFC3339),
	})
}
