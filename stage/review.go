package stage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/artemishq/artemis/kanban"
)

// Review verdicts.
const (
	ReviewPass             = "PASS"
	ReviewNeedsImprovement = "NEEDS_IMPROVEMENT"
	ReviewFail             = "FAIL"
)

// Issue severities, most severe first in severityRank.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityInfo     = "info"
)

var severityRank = map[string]int{
	SeverityCritical: 0,
	SeverityHigh:     1,
	SeverityMedium:   2,
	SeverityLow:      3,
	SeverityInfo:     4,
}

// ReviewIssue is one finding from code review.
type ReviewIssue struct {
	Severity    string `json:"severity"`
	Category    string `json:"category"`
	File        string `json:"file,omitempty"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion,omitempty"`
}

// ReviewReport is the code review stage's structured outcome. Score is
// 0-100; the verdict is derived from score and severity counts.
type ReviewReport struct {
	Status        string        `json:"status"`
	Score         int           `json:"score"`
	CriticalCount int           `json:"critical_count"`
	HighCount     int           `json:"high_count"`
	MediumCount   int           `json:"medium_count"`
	LowCount      int           `json:"low_count"`
	Issues        []ReviewIssue `json:"issues"`
	Summary       string        `json:"summary,omitempty"`
}

// TopIssues returns the n most severe issues, severity then original order.
func (r *ReviewReport) TopIssues(n int) []ReviewIssue {
	issues := append([]ReviewIssue(nil), r.Issues...)
	sort.SliceStable(issues, func(i, j int) bool {
		return severityRank[issues[i].Severity] < severityRank[issues[j].Severity]
	})
	if n > 0 && len(issues) > n {
		issues = issues[:n]
	}
	return issues
}

// Feedback renders the top issues as the text blob handed to the next
// development attempt.
func (r *ReviewReport) Feedback(n int) string {
	top := r.TopIssues(n)
	if len(top) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Previous review scored %d/100 (%s). Address these findings:\n", r.Score, r.Status)
	for i, issue := range top {
		fmt.Fprintf(&b, "%d. [%s/%s] %s", i+1, issue.Severity, issue.Category, issue.Description)
		if issue.Suggestion != "" {
			fmt.Fprintf(&b, " Suggestion: %s", issue.Suggestion)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// CountBySeverity recomputes the severity counters from Issues.
func (r *ReviewReport) CountBySeverity() {
	r.CriticalCount, r.HighCount, r.MediumCount, r.LowCount = 0, 0, 0, 0
	for _, issue := range r.Issues {
		switch issue.Severity {
		case SeverityCritical:
			r.CriticalCount++
		case SeverityHigh:
			r.HighCount++
		case SeverityMedium:
			r.MediumCount++
		case SeverityLow:
			r.LowCount++
		}
	}
}

// DeriveStatus sets Status from score and counts: any critical finding or
// a score under 50 fails, under 80 needs improvement, otherwise pass.
func (r *ReviewReport) DeriveStatus() {
	switch {
	case r.CriticalCount > 0 || r.Score < 50:
		r.Status = ReviewFail
	case r.Score < 80 || r.HighCount > 0:
		r.Status = ReviewNeedsImprovement
	default:
		r.Status = ReviewPass
	}
}

// Reviewer produces a review report for the card's development output.
type Reviewer interface {
	Review(ctx context.Context, card *kanban.Card, pctx *Context) (*ReviewReport, error)
}

// ScorecardReviewer derives the review from the winning developer's
// scorecard. It is deterministic, so re-running the stage on unchanged
// input yields the same report.
type ScorecardReviewer struct{}

func (ScorecardReviewer) Review(_ context.Context, card *kanban.Card, pctx *Context) (*ReviewReport, error) {
	dev, ok := pctx.StageResult("development")
	if !ok {
		return nil, fmt.Errorf("no development result to review for card %s", card.ID)
	}
	winner, _ := dev["winner"].(map[string]any)
	if winner == nil {
		return nil, fmt.Errorf("development result for card %s has no winner", card.ID)
	}
	scorecard, _ := winner["scorecard"].(map[string]any)
	overall := intField(scorecard, "overall")
	security := intField(scorecard, "security")
	quality := intField(scorecard, "code_quality")

	report := &ReviewReport{Score: overall}
	if security < 60 {
		report.Issues = append(report.Issues, ReviewIssue{
			Severity:    SeverityHigh,
			Category:    "security",
			Description: fmt.Sprintf("security score %d is below the acceptance floor of 60", security),
			Suggestion:  "harden input handling and audit dependency usage",
		})
	}
	if quality > 0 && quality < 50 {
		report.Issues = append(report.Issues, ReviewIssue{
			Severity:    SeverityMedium,
			Category:    "maintainability",
			Description: fmt.Sprintf("code quality score %d indicates structural debt", quality),
			Suggestion:  "split oversized functions and add missing tests",
		})
	}
	report.CountBySeverity()
	report.DeriveStatus()
	report.Summary = fmt.Sprintf("scorecard-derived review for card %s", card.ID)
	return report, nil
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// reportToResult renders the report as a JSON-safe stage result.
func reportToResult(report *ReviewReport) Result {
	issues := make([]any, 0, len(report.Issues))
	for _, issue := range report.Issues {
		issues = append(issues, map[string]any{
			"severity":    issue.Severity,
			"category":    issue.Category,
			"file":        issue.File,
			"description": issue.Description,
			"suggestion":  issue.Suggestion,
		})
	}
	// A completed review is a successful stage execution regardless of the
	// verdict; the orchestrator acts on review_status.
	return Result{
		"status":         StatusComplete,
		"review_status":  report.Status,
		"score":          report.Score,
		"critical_count": report.CriticalCount,
		"high_count":     report.HighCount,
		"medium_count":   report.MediumCount,
		"low_count":      report.LowCount,
		"issues":         issues,
		"summary":        report.Summary,
	}
}

// reportFromResult rebuilds a ReviewReport from a stored stage result.
func reportFromResult(r Result) *ReviewReport {
	report := &ReviewReport{
		Status:        stringField(r, "review_status"),
		Score:         intField(r, "score"),
		CriticalCount: intField(r, "critical_count"),
		HighCount:     intField(r, "high_count"),
		MediumCount:   intField(r, "medium_count"),
		LowCount:      intField(r, "low_count"),
		Summary:       stringField(r, "summary"),
	}
	rawIssues, _ := r["issues"].([]any)
	for _, raw := range rawIssues {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		report.Issues = append(report.Issues, ReviewIssue{
			Severity:    stringField(m, "severity"),
			Category:    stringField(m, "category"),
			File:        stringField(m, "file"),
			Description: stringField(m, "description"),
			Suggestion:  stringField(m, "suggestion"),
		})
	}
	return report
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
