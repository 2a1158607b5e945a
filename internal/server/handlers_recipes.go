package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

type recipeRow struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Description  *string  `json:"description"`
	Category     *string  `json:"category"`
	MinAgeMonths *int     `json:"min_age_months"`
	MaxAgeMonths *int     `json:"max_age_months"`
	Ingredients  []string `json:"ingredients"`
	Instructions []string `json:"instructions"`
	PrepMinutes  *int     `json:"prep_minutes"`
}

const recipeColumns = `id, title, description, category, min_age_months, max_age_months, ingredients, instructions, prep_minutes`

// listRecipes browses the recipe catalog. Supports free-text search over
// title and description, a category filter, and an age window: recipes whose
// age range overlaps the given age_months are returned.
func (a *App) listRecipes(c *gin.Context) {
	query := `SELECT ` + recipeColumns + ` FROM recipes WHERE TRUE`
	args := []any{}

	if search := strings.TrimSpace(c.Query("search")); search != "" {
		args = append(args, "%"+search+"%")
		placeholder := "$" + strconv.Itoa(len(args))
		query += ` AND (title ILIKE ` + placeholder + ` OR description ILIKE ` + placeholder + `)`
	}
	if category := strings.TrimSpace(c.Query("category")); category != "" {
		args = append(args, category)
		query += ` AND category = $` + strconv.Itoa(len(args))
	}
	if ageRaw := strings.TrimSpace(c.Query("age_months")); ageRaw != "" {
		age, err := strconv.Atoi(ageRaw)
		if err != nil || age < 0 {
			writeError(c, http.StatusBadRequest, "age_months must be a non-negative integer")
			return
		}
		args = append(args, age)
		placeholder := "$" + strconv.Itoa(len(args))
		query += ` AND COALESCE(min_age_months, 0) <= ` + placeholder +
			` AND COALESCE(max_age_months, 999) >= ` + placeholder
	}
	query += ` ORDER BY title ASC LIMIT 100`

	rows, err := a.db.Query(c.Request.Context(), query, args...)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load recipes")
		return
	}
	defer rows.Close()

	recipes := make([]recipeRow, 0)
	for rows.Next() {
		var r recipeRow
		if err := rows.Scan(&r.ID, &r.Title, &r.Description, &r.Category,
			&r.MinAgeMonths, &r.MaxAgeMonths, &r.Ingredients, &r.Instructions, &r.PrepMinutes); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to load recipes")
			return
		}
		recipes = append(recipes, r)
	}
	if rows.Err() != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load recipes")
		return
	}

	c.JSON(http.StatusOK, gin.H{"recipes": recipes})
}

func (a *App) saveRecipe(c *gin.Context) {
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
	recipeID := c.Param("recipe_id")

	var exists bool
	if err := a.db.QueryRow(c.Request.Context(),
		`SELECT EXISTS (SELECT 1 FROM recipes WHERE id = $1)`, recipeID,
	).Scan(&exists); err != nil || !exists {
		writeError(c, http.StatusNotFound, "Recipe not found")
		return
	}

	if _, err := a.db.Exec(c.Request.Context(),
		`INSERT INTO saved_recipes (user_id, recipe_id)
		 VALUES ($1, $2)
		 ON CONFLICT (user_id, recipe_id) DO NOTHING`,
		payload.UserID, recipeID,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to save recipe")
		return
	}

	c.JSON(http.StatusOK, gin.H{"recipe_id": recipeID, "saved": true})
}

func (a *App) unsaveRecipe(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		writeError(c, http.StatusBadRequest, "user_id is required")
		return
	}
	recipeID := c.Param("recipe_id")

	tag, err := a.db.Exec(c.Request.Context(),
		`DELETE FROM saved_recipes WHERE user_id = $1 AND recipe_id = $2`,
		userID, recipeID,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to remove saved recipe")
		return
	}
	if tag.RowsAffected() == 0 {
		writeError(c, http.StatusNotFound, "Saved recipe not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"recipe_id": recipeID, "saved": false})
}

func (a *App) setRecipeFavorite(c *gin.Context) {
	var payload struct {
		UserID     string `json:"user_id"`
		IsFavorite *bool  `json:"is_favorite"`
	}
	if !mustJSON(c, &payload) {
		return
	}
	if strings.TrimSpace(payload.UserID) == "" {
		writeError(c, http.StatusBadRequest, "user_id is required")
		return
	}
	if payload.IsFavorite == nil {
		writeError(c, http.StatusBadRequest, "is_favorite is required")
		return
	}
	recipeID := c.Param("recipe_id")

	tag, err := a.db.Exec(c.Request.Context(),
		`UPDATE saved_recipes SET is_favorite = $3 WHERE user_id = $1 AND recipe_id = $2`,
		payload.UserID, recipeID, *payload.IsFavorite,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to update favorite")
		return
	}
	if tag.RowsAffected() == 0 {
		writeError(c, http.StatusNotFound, "Saved recipe not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"recipe_id": recipeID, "is_favorite": *payload.IsFavorite})
}

func (a *App) listSavedRecipes(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		writeError(c, http.StatusBadRequest, "user_id is required")
		return
	}

	rows, err := a.db.Query(c.Request.Context(),
		`SELECT r.id, r.title, r.description, r.category, r.min_age_months, r.max_age_months,
		        r.ingredients, r.instructions, r.prep_minutes, s.is_favorite, s.created_at
		 FROM saved_recipes s
		 JOIN recipes r ON r.id = s.recipe_id
		 WHERE s.user_id = $1
		 ORDER BY s.created_at DESC`,
		userID,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load saved recipes")
		return
	}
	defer rows.Close()

	saved := make([]gin.H, 0)
	for rows.Next() {
		var (
			r          recipeRow
			isFavorite bool
			savedAt    time.Time
		)
		if err := rows.Scan(&r.ID, &r.Title, &r.Description, &r.Category,
			&r.MinAgeMonths, &r.MaxAgeMonths, &r.Ingredients, &r.Instructions,
			&r.PrepMinutes, &isFavorite, &savedAt); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to load saved recipes")
			return
		}
		saved = append(saved, gin.H{
			"recipe":      r,
			"is_favorite": isFavorite,
			"saved_at":    savedAt.UTC().Format(time.RFC3339),
		})
	}
	if rows.Err() != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load saved recipes")
		return
	}

	c.JSON(http.StatusOK, gin.H{"recipes": saved})
}
