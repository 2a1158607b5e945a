package server

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

type childInfo struct {
	ID                 string
	Name               string
	AgeInMonths        int
	AgeDisplay         string
	DevelopmentalStage string
	UpcomingMilestones []string
	RecentConcerns     []string
}

type userContext struct {
	UserName          string
	ParentingStage    string
	FeedingPreference string
	Children          []childInfo
}

// loadUserContext assembles the personalization context for a turn. The
// profile row and the children list are independent reads, so they run
// concurrently.
func (a *App) loadUserContext(ctx context.Context, userID string) (userContext, error) {
	var (
		uc       userContext
		children []childInfo
	)
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		var name, parentingStage, feedingPreference *string
		err := a.db.QueryRow(groupCtx,
			`SELECT name, parenting_stage, feeding_preference FROM users WHERE id = $1`,
			userID,
		).Scan(&name, &parentingStage, &feedingPreference)
		if err != nil {
			// A missing profile row is not fatal for chat.
			return nil
		}
		if name != nil {
			uc.UserName = *name
		}
		if parentingStage != nil {
			uc.ParentingStage = *parentingStage
		}
		if feedingPreference != nil {
			uc.FeedingPreference = *feedingPreference
		}
		return nil
	})

	group.Go(func() error {
		rows, err := a.db.Query(groupCtx,
			`SELECT id, name, date_of_birth FROM children WHERE user_id = $1 ORDER BY date_of_birth ASC`,
			userID,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		now := a.now()
		for rows.Next() {
			var (
				id    string
				name  *string
				birth time.Time
			)
			if err := rows.Scan(&id, &name, &birth); err != nil {
				return err
			}
			childName := "Baby"
			if name != nil && strings.TrimSpace(*name) != "" {
				childName = *name
			}
			months := ageInMonths(birth, now)
			children = append(children, childInfo{
				ID:                 id,
				Name:               childName,
				AgeInMonths:        months,
				AgeDisplay:         ageDisplay(months),
				DevelopmentalStage: developmentalStage(months),
				UpcomingMilestones: upcomingMilestones(months),
			})
		}
		return rows.Err()
	})

	if err := group.Wait(); err != nil {
		return userContext{}, err
	}
	if uc.ParentingStage == "" {
		uc.ParentingStage = "expecting"
	}
	uc.Children = children
	return uc, nil
}

// ageInMonths counts whole calendar months between birth and now, borrowing
// a month when the day of month has not been reached yet. Never negative.
func ageInMonths(birth, now time.Time) int {
	years := now.Year() - birth.Year()
	months := int(now.Month()) - int(birth.Month())
	total := years*12 + months
	if now.Day() < birth.Day() {
		total--
	}
	if total < 0 {
		return 0
	}
	return total
}

func ageDisplay(months int) string {
	if months < 1 {
		return "newborn"
	}
	if months < 12 {
		return fmt.Sprintf("%d month%s old", months, plural(months))
	}
	years := months / 12
	remainder := months % 12
	if remainder == 0 {
		return fmt.Sprintf("%d year%s old", years, plural(years))
	}
	return fmt.Sprintf("%d year%s %d month%s old", years, plural(years), remainder, plural(remainder))
}

func plural(n int) string {
	if n > 1 {
		return "s"
	}
	return ""
}

func developmentalStage(months int) string {
	switch {
	case months < 1:
		return "newborn (0-1 month)"
	case months < 3:
		return "young infant (1-3 months)"
	case months < 6:
		return "infant (3-6 months)"
	case months < 9:
		return "older infant (6-9 months)"
	case months < 12:
		return "pre-toddler (9-12 months)"
	case months < 18:
		return "young toddler (12-18 months)"
	case months < 24:
		return "toddler (18-24 months)"
	case months < 36:
		return "older toddler (2-3 years)"
	default:
		return "preschooler (3+ years)"
	}
}

// milestonesByMonth follows AAP guidance for the ages the app cares about.
var milestonesByMonth = map[int][]string{
	1:  {"first social smile", "tracking objects with eyes"},
	2:  {"cooing sounds", "better head control"},
	4:  {"rolling over", "reaching for toys", "4-month sleep regression common"},
	6:  {"sitting up independently", "starting solid foods", "babbling consonants"},
	9:  {"crawling", "stranger anxiety may appear", "pincer grasp developing"},
	12: {"first steps", "first words", "pointing to request"},
	15: {"walking independently", "using spoon", "vocabulary 5-10 words"},
	18: {"running", "vocabulary explosion (50+ words)", "pretend play begins"},
	24: {"potty training readiness", "parallel play with peers", "two-word phrases"},
	30: {"speaking in sentences", "imaginative play", "following 2-step instructions"},
	36: {"pedaling tricycle", "drawing circles", "playing cooperatively"},
}

// upcomingMilestones collects milestones within a month behind and two months
// ahead of the child's age, capped at three.
func upcomingMilestones(months int) []string {
	relevant := make([]string, 0, 3)
	for offset := -1; offset <= 2; offset++ {
		entries, ok := milestonesByMonth[months+offset]
		if !ok {
			continue
		}
		relevant = append(relevant, entries...)
	}
	if len(relevant) > 3 {
		relevant = relevant[:3]
	}
	return relevant
}

type topicRule struct {
	Topic    string
	Keywords []string
}

var concernTopics = []topicRule{
	{"sleep", []string{"sleep", "nap", "bedtime", "night", "wake", "insomnia"}},
	{"feeding", []string{"eat", "food", "milk", "bottle", "breastfeed", "formula", "feeding"}},
	{"behavior", []string{"tantrum", "crying", "behavior", "discipline", "anger", "frustration"}},
	{"development", []string{"walk", "talk", "milestone", "delay", "development", "speech"}},
	{"health", []string{"sick", "fever", "rash", "doctor", "vaccine", "illness"}},
	{"potty training", []string{"potty", "toilet", "diaper", "bathroom"}},
}

// recentConcerns mines the child's last few user messages for the topics the
// parent has been asking about.
func (a *App) recentConcerns(ctx context.Context, userID, childID string) ([]string, error) {
	rows, err := a.db.Query(ctx,
		`SELECT message FROM chat_messages
		 WHERE user_id = $1 AND child_id = $2 AND is_from_user = TRUE
		 ORDER BY created_at DESC
		 LIMIT 5`,
		userID, childID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []string
	for rows.Next() {
		var message string
		if err := rows.Scan(&message); err != nil {
			return nil, err
		}
		messages = append(messages, strings.ToLower(message))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return detectTopics(messages, 3), nil
}

func detectTopics(loweredMessages []string, limit int) []string {
	seen := make(map[string]bool)
	var detected []string
	for _, rule := range concernTopics {
		for _, message := range loweredMessages {
			if seen[rule.Topic] {
				break
			}
			for _, keyword := range rule.Keywords {
				if strings.Contains(message, keyword) {
					seen[rule.Topic] = true
					detected = append(detected, rule.Topic)
					break
				}
			}
		}
		if len(detected) == limit {
			break
		}
	}
	return detected
}

// buildContextPrompt renders the personalization block injected into every
// model call. The selected child, if any, gets milestone and concern detail;
// siblings are listed for awareness only.
func buildContextPrompt(uc userContext, selected *childInfo, pastMemories string) string {
	var parts []string

	if uc.UserName != "" {
		parts = append(parts, fmt.Sprintf("You are chatting with %s, a parent in the %q stage.", uc.UserName, uc.ParentingStage))
	}

	if len(uc.Children) > 0 {
		parts = append(parts, "\n**Family Profile:**")
		for _, child := range uc.Children {
			isSelected := selected != nil && selected.ID == child.ID
			prefix := "Also caring for"
			if isSelected {
				prefix = "CURRENTLY DISCUSSING"
			}
			parts = append(parts, fmt.Sprintf("%s: %s, %s (%s).", prefix, child.Name, child.AgeDisplay, child.DevelopmentalStage))

			if isSelected && len(child.UpcomingMilestones) > 0 {
				parts = append(parts, fmt.Sprintf("Expected developmental milestones for %s: %s.", child.Name, strings.Join(child.UpcomingMilestones, ", ")))
			}
			if isSelected && len(selected.RecentConcerns) > 0 {
				parts = append(parts, fmt.Sprintf("Recent topics discussed about %s: %s.", child.Name, strings.Join(selected.RecentConcerns, ", ")))
			}
		}
	}

	if uc.FeedingPreference != "" {
		parts = append(parts, fmt.Sprintf("\n**Feeding approach:** %s - be supportive and provide relevant guidance.", uc.FeedingPreference))
	}

	if pastMemories != "" {
		parts = append(parts, pastMemories)
	}

	if selected != nil {
		parts = append(parts, fmt.Sprintf(
			"\n**CRITICAL:** Always use %s's name naturally in your responses. Tailor ALL advice to %s. Reference their developmental stage (%s) when relevant.",
			selected.Name, selected.AgeDisplay, selected.DevelopmentalStage,
		))
	}

	return strings.Join(parts, " ")
}

// sortTopicsByCount orders topic counters highest first, alphabetical on
// ties so summaries are stable.
func sortTopicsByCount(topics map[string]int) []string {
	keys := make([]string, 0, len(topics))
	for topic := range topics {
		keys = append(keys, topic)
	}
	sort.Slice(keys, func(i, j int) bool {
		if topics[keys[i]] != topics[keys[j]] {
			return topics[keys[i]] > topics[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}
