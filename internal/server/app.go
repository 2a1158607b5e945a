package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bloom/backend/internal/config"
)

type App struct {
	cfg    config.Config
	db     *pgxpool.Pool
	models *modelDispatcher
	now    func() time.Time
}

func New(cfg config.Config, db *pgxpool.Pool) *App {
	return &App{
		cfg:    cfg,
		db:     db,
		models: newModelDispatcher(cfg),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (a *App) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(cors.New(a.corsConfig()))

	router.GET("/health", a.health)

	api := router.Group(a.cfg.APIPrefix)
	api.Use(a.authMiddleware())

	api.POST("/chat", a.chat)
	api.GET("/chat/sessions", a.listChatSessions)
	api.GET("/chat/sessions/:session_id/messages", a.getSessionMessages)
	api.POST("/chat/sessions/:session_id/archive", a.archiveChatSession)

	api.POST("/onboarding", a.completeOnboarding)
	api.GET("/profile", a.getProfile)
	api.PATCH("/profile", a.updateProfile)

	api.GET("/children", a.listChildren)
	api.POST("/children", a.createChild)
	api.PATCH("/children/:child_id", a.updateChild)
	api.DELETE("/children/:child_id", a.deleteChild)

	api.GET("/recipes", a.listRecipes)
	api.GET("/recipes/saved", a.listSavedRecipes)
	api.POST("/recipes/:recipe_id/save", a.saveRecipe)
	api.DELETE("/recipes/:recipe_id/save", a.unsaveRecipe)
	api.PATCH("/recipes/:recipe_id/favorite", a.setRecipeFavorite)

	api.GET("/milestones", a.listMilestones)
	api.GET("/children/:child_id/milestones", a.listChildMilestones)
	api.POST("/children/:child_id/milestones/:milestone_id/achieve", a.achieveMilestone)

	api.POST("/tips/generate", a.generateTip)
	api.GET("/tips/today", a.getTodayTip)
	api.POST("/tips/:tip_id/viewed", a.markTipViewed)

	return router
}

func (a *App) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type", "x-client-info", "apikey"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	for _, origin := range a.cfg.CORSAllowOrigins {
		if origin == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = a.cfg.CORSAllowOrigins
	cfg.AllowCredentials = true
	return cfg
}

func (a *App) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "bloom-api",
	})
}

// authMiddleware gates every API route on a bearer credential. The mobile
// client sends the platform key on every call; a missing header is always
// 401. When JWT_SECRET is configured the token is additionally validated as
// an HS256 JWT with optional audience/issuer checks.
func (a *App) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			writeError(c, http.StatusUnauthorized, "Missing authorization header")
			return
		}
		tokenString := strings.TrimSpace(authHeader[len("Bearer "):])
		if tokenString == "" {
			writeError(c, http.StatusUnauthorized, "Missing authorization header")
			return
		}

		if strings.TrimSpace(a.cfg.JWTSecret) == "" {
			c.Next()
			return
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
			if token.Method == nil || token.Method.Alg() != a.cfg.JWTAlgorithm {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(a.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			writeError(c, http.StatusUnauthorized, "Invalid bearer token")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			writeError(c, http.StatusUnauthorized, "Invalid token payload")
			return
		}
		if a.cfg.JWTAudience != "" && !claimHasAudience(claims["aud"], a.cfg.JWTAudience) {
			writeError(c, http.StatusUnauthorized, "Invalid token audience")
			return
		}
		if a.cfg.JWTIssuer != "" {
			issuer, _ := claims["iss"].(string)
			if issuer != a.cfg.JWTIssuer {
				writeError(c, http.StatusUnauthorized, "Invalid token issuer")
				return
			}
		}

		c.Next()
	}
}

func claimHasAudience(value any, audience string) bool {
	switch v := value.(type) {
	case string:
		return v == audience
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == audience {
				return true
			}
		}
	case []string:
		for _, item := range v {
			if item == audience {
				return true
			}
		}
	}
	return false
}

type apiError struct {
	Status int
	Detail string
}

func (e *apiError) Error() string {
	return e.Detail
}

func notFound(detail string) *apiError {
	return &apiError{Status: http.StatusNotFound, Detail: detail}
}

func writeError(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"error": detail})
}

func (a *App) writeAPIError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	var httpErr *apiError
	if errors.As(err, &httpErr) {
		writeError(c, httpErr.Status, httpErr.Detail)
		return
	}
	writeError(c, http.StatusInternalServerError, "Internal server error")
}

func mustJSON(c *gin.Context, payload any) bool {
	if err := c.ShouldBindJSON(payload); err != nil {
		writeError(c, http.StatusBadRequest, "Invalid request payload")
		return false
	}
	return true
}

func parseDate(value string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

func startOfUTCDay(t time.Time) time.Time {
	utc := t.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}
