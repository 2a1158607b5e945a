package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

func (a *App) childResponse(id, name string, birth time.Time) gin.H {
	months := ageInMonths(birth, a.now())
	return gin.H{
		"id":                  id,
		"name":                name,
		"date_of_birth":       birth.Format("2006-01-02"),
		"age_in_months":       months,
		"age_display":         ageDisplay(months),
		"developmental_stage": developmentalStage(months),
		"upcoming_milestones": upcomingMilestones(months),
	}
}

func (a *App) listChildren(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		writeError(c, http.StatusBadRequest, "user_id is required")
		return
	}

	rows, err := a.db.Query(c.Request.Context(),
		`SELECT id, name, date_of_birth FROM children WHERE user_id = $1 ORDER BY date_of_birth ASC`,
		userID,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load children")
		return
	}
	defer rows.Close()

	children := make([]gin.H, 0)
	for rows.Next() {
		var (
			id    string
			name  *string
			birth time.Time
		)
		if err := rows.Scan(&id, &name, &birth); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to load children")
			return
		}
		childName := "Baby"
		if name != nil && strings.TrimSpace(*name) != "" {
			childName = *name
		}
		children = append(children, a.childResponse(id, childName, birth))
	}
	if rows.Err() != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load children")
		return
	}

	c.JSON(http.StatusOK, gin.H{"children": children})
}

func (a *App) createChild(c *gin.Context) {
	var payload struct {
		UserID      string `json:"user_id"`
		Name        string `json:"name"`
		DateOfBirth string `json:"date_of_birth"`
	}
	if !mustJSON(c, &payload) {
		return
	}
	if strings.TrimSpace(payload.UserID) == "" {
		writeError(c, http.StatusBadRequest, "user_id is required")
		return
	}
	birth, err := parseDate(payload.DateOfBirth)
	if err != nil {
		writeError(c, http.StatusBadRequest, "date_of_birth must be YYYY-MM-DD")
		return
	}

	var id string
	err = a.db.QueryRow(c.Request.Context(),
		`INSERT INTO children (user_id, name, date_of_birth) VALUES ($1, $2, $3) RETURNING id`,
		payload.UserID, nullIfEmpty(payload.Name), birth,
	).Scan(&id)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to create child")
		return
	}

	name := strings.TrimSpace(payload.Name)
	if name == "" {
		name = "Baby"
	}
	c.JSON(http.StatusCreated, a.childResponse(id, name, birth))
}

func (a *App) updateChild(c *gin.Context) {
	var payload struct {
		UserID      string  `json:"user_id"`
		Name        *string `json:"name"`
		DateOfBirth *string `json:"date_of_birth"`
	}
	if !mustJSON(c, &payload) {
		return
	}
	if strings.TrimSpace(payload.UserID) == "" {
		writeError(c, http.StatusBadRequest, "user_id is required")
		return
	}
	childID := c.Param("child_id")
	ctx := c.Request.Context()

	var (
		currentName  *string
		currentBirth time.Time
	)
	err := a.db.QueryRow(ctx,
		`SELECT name, date_of_birth FROM children WHERE id = $1 AND user_id = $2`,
		childID, payload.UserID,
	).Scan(&currentName, &currentBirth)
	if err != nil {
		writeError(c, http.StatusNotFound, "Child not found")
		return
	}

	nextName := currentName
	if payload.Name != nil {
		nextName = nullIfEmpty(*payload.Name)
	}
	nextBirth := currentBirth
	if payload.DateOfBirth != nil {
		parsed, parseErr := parseDate(*payload.DateOfBirth)
		if parseErr != nil {
			writeError(c, http.StatusBadRequest, "date_of_birth must be YYYY-MM-DD")
			return
		}
		nextBirth = parsed
	}

	if _, err := a.db.Exec(ctx,
		`UPDATE children SET name = $3, date_of_birth = $4 WHERE id = $1 AND user_id = $2`,
		childID, payload.UserID, nextName, nextBirth,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to update child")
		return
	}

	name := "Baby"
	if nextName != nil && *nextName != "" {
		name = *nextName
	}
	c.JSON(http.StatusOK, a.childResponse(childID, name, nextBirth))
}

func (a *App) deleteChild(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		writeError(c, http.StatusBadRequest, "user_id is required")
		return
	}
	childID := c.Param("child_id")

	tag, err := a.db.Exec(c.Request.Context(),
		`DELETE FROM children WHERE id = $1 AND user_id = $2`,
		childID, userID,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to delete child")
		return
	}
	if tag.RowsAffected() == 0 {
		writeError(c, http.StatusNotFound, "Child not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"child_id": childID, "deleted": true})
}
