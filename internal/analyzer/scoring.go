package analyzer

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/sitegauge/sitegauge/internal/analysis"
)

// Score categories.
const (
	CategoryPerformance   = "performance"
	CategorySEO           = "seo"
	CategoryAccessibility = "accessibility"
	CategoryBestPractices = "best_practices"
)

// Issue severities.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Report is the scored view of one page.
type Report struct {
	Overall int
	Scores  map[string]int
	Issues  []analysis.Issue
	Title   string
}

// Score runs every category check over the fetched page. Each category
// starts at 100 and loses points per finding; the overall score is the plain
// average across categories.
func Score(resp FetchResponse) (Report, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return Report{}, fmt.Errorf("parse document: %w", err)
	}

	var issues []analysis.Issue
	scores := map[string]int{
		CategoryPerformance:   scorePerformance(resp, doc, &issues),
		CategorySEO:           scoreSEO(doc, &issues),
		CategoryAccessibility: scoreAccessibility(doc, &issues),
		CategoryBestPractices: scoreBestPractices(resp, doc, &issues),
	}

	total := 0
	for _, s := range scores {
		total += s
	}
	return Report{
		Overall: total / len(scores),
		Scores:  scores,
		Issues:  issues,
		Title:   strings.TrimSpace(doc.Find("title").First().Text()),
	}, nil
}

func scorePerformance(resp FetchResponse, doc *goquery.Document, issues *[]analysis.Issue) int {
	score := 100

	const megabyte = 1 << 20
	switch size := len(resp.Body); {
	case size > 2*megabyte:
		score -= 25
		*issues = append(*issues, analysis.Issue{
			Severity:       SeverityCritical,
			Category:       CategoryPerformance,
			Message:        fmt.Sprintf("page weighs %d KB", size/1024),
			Recommendation: "reduce page weight below 1 MB; compress images and defer non-critical assets",
		})
	case size > megabyte:
		score -= 10
		*issues = append(*issues, analysis.Issue{
			Severity:       SeverityWarning,
			Category:       CategoryPerformance,
			Message:        fmt.Sprintf("page weighs %d KB", size/1024),
			Recommendation: "reduce page weight below 1 MB",
		})
	}

	if scripts := doc.Find("script[src]").Length(); scripts > 20 {
		score -= 10
		*issues = append(*issues, analysis.Issue{
			Severity:       SeverityWarning,
			Category:       CategoryPerformance,
			Message:        fmt.Sprintf("%d external scripts", scripts),
			Recommendation: "bundle scripts to cut request count",
		})
	}
	if sheets := doc.Find(`link[rel="stylesheet"]`).Length(); sheets > 10 {
		score -= 5
		*issues = append(*issues, analysis.Issue{
			Severity:       SeverityWarning,
			Category:       CategoryPerformance,
			Message:        fmt.Sprintf("%d stylesheets", sheets),
			Recommendation: "combine stylesheets to cut request count",
		})
	}

	switch {
	case resp.Duration > 3*time.Second:
		score -= 20
		*issues = append(*issues, analysis.Issue{
			Severity:       SeverityCritical,
			Category:       CategoryPerformance,
			Message:        fmt.Sprintf("page responded in %s", resp.Duration.Round(time.Millisecond)),
			Recommendation: "target a response time below one second",
		})
	case resp.Duration > time.Second:
		score -= 5
		*issues = append(*issues, analysis.Issue{
			Severity:       SeverityInfo,
			Category:       CategoryPerformance,
			Message:        fmt.Sprintf("page responded in %s", resp.Duration.Round(time.Millisecond)),
			Recommendation: "target a response time below one second",
		})
	}

	return clampScore(score)
}

func scoreSEO(doc *goquery.Document, issues *[]analysis.Issue) int {
	score := 100

	title := strings.TrimSpace(doc.Find("title").First().Text())
	switch {
	case title == "":
		score -= 20
		*issues = append(*issues, analysis.Issue{
			Severity:       SeverityCritical,
			Category:       CategorySEO,
			Message:        "page has no <title>",
			Recommendation: "add a unique, descriptive title under 60 characters",
		})
	case len(title) > 60:
		score -= 5
		*issues = append(*issues, analysis.Issue{
			Severity:       SeverityInfo,
			Category:       CategorySEO,
			Message:        fmt.Sprintf("title is %d characters", len(title)),
			Recommendation: "keep titles under 60 characters so they are not truncated",
		})
	}

	desc, hasDesc := doc.Find(`meta[name="description"]`).Attr("content")
	switch {
	case !hasDesc || strings.TrimSpace(desc) == "":
		score -= 15
		*issues = append(*issues, analysis.Issue{
			Severity:       SeverityWarning,
			Category:       CategorySEO,
			Message:        "missing meta description",
			Recommendation: "add a meta description of 50-160 characters",
		})
	case len(desc) > 160:
		score -= 5
		*issues = append(*issues, analysis.Issue{
			Severity:       SeverityInfo,
			Category:       CategorySEO,
			Message:        fmt.Sprintf("meta description is %d characters", len(desc)),
			Recommendation: "keep meta descriptions under 160 characters",
		})
	}

	switch h1s := doc.Find("h1").Length(); {
	case h1s == 0:
		score -= 10
		*issues = append(*issues, analysis.Issue{
			Severity:       SeverityWarning,
			Category:       CategorySEO,
			Message:        "page has no <h1>",
			Recommendation: "add exactly one <h1> describing the page",
		})
	case h1s > 1:
		score -= 5
		*issues = append(*issues, analysis.Issue{
			Severity:       SeverityInfo,
			Category:       CategorySEO,
			Message:        fmt.Sprintf("page has %d <h1> elements", h1s),
			Recommendation: "use a single <h1> per page",
		})
	}

	if doc.Find(`link[rel="canonical"]`).Length() == 0 {
		score -= 5
		*issues = append(*issues, analysis.Issue{
			Severity:       SeverityInfo,
			Category:       CategorySEO,
			Message:        "missing canonical link",
			Recommendation: "declare a canonical URL to avoid duplicate-content penalties",
		})
	}

	return clampScore(score)
}

func scoreAccessibility(doc *goquery.Document, issues *[]analysis.Issue) int {
	score := 100

	if lang, ok := doc.Find("html").Attr("lang"); !ok || strings.TrimSpace(lang) == "" {
		score -= 15
		*issues = append(*issues, analysis.Issue{
			Severity:       SeverityWarning,
			Category:       CategoryAccessibility,
			Message:        "<html> has no lang attribute",
			Recommendation: "declare the document language, e.g. lang=\"en\"",
		})
	}

	missingAlt := 0
	doc.Find("img").Each(func(_ int, sel *goquery.Selection) {
		if alt, ok := sel.Attr("alt"); !ok || strings.TrimSpace(alt) == "" {
			missingAlt++
		}
	})
	if missingAlt > 0 {
		score -= min(15, 5*missingAlt)
		*issues = append(*issues, analysis.Issue{
			Severity:       SeverityWarning,
			Category:       CategoryAccessibility,
			Message:        fmt.Sprintf("%d images without alt text", missingAlt),
			Recommendation: "add descriptive alt attributes to all content images",
		})
	}

	unlabeled := 0
	doc.Find("input:not([type=hidden]):not([type=submit]):not([type=button])").Each(func(_ int, sel *goquery.Selection) {
		if _, ok := sel.Attr("aria-label"); ok {
			return
		}
		if id, ok := sel.Attr("id"); ok {
			if doc.Find(fmt.Sprintf(`label[for=%q]`, id)).Length() > 0 {
				return
			}
		}
		unlabeled++
	})
	if unlabeled > 0 {
		score -= min(10, 5*unlabeled)
		*issues = append(*issues, analysis.Issue{
			Severity:       SeverityWarning,
			Category:       CategoryAccessibility,
			Message:        fmt.Sprintf("%d form inputs without labels", unlabeled),
			Recommendation: "associate every input with a label or aria-label",
		})
	}

	emptyLinks := 0
	doc.Find("a").Each(func(_ int, sel *goquery.Selection) {
		if strings.TrimSpace(sel.Text()) == "" && sel.Find("img[alt]").Length() == 0 {
			if _, ok := sel.Attr("aria-label"); !ok {
				emptyLinks++
			}
		}
	})
	if emptyLinks > 0 {
		score -= min(10, 2*emptyLinks)
		*issues = append(*issues, analysis.Issue{
			Severity:       SeverityInfo,
			Category:       CategoryAccessibility,
			Message:        fmt.Sprintf("%d links without discernible text", emptyLinks),
			Recommendation: "give links visible text or an aria-label",
		})
	}

	return clampScore(score)
}

func scoreBestPractices(resp FetchResponse, doc *goquery.Document, issues *[]analysis.Issue) int {
	score := 100

	if strings.HasPrefix(strings.ToLower(resp.URL), "http://") {
		score -= 20
		*issues = append(*issues, analysis.Issue{
			Severity:       SeverityCritical,
			Category:       CategoryBestPractices,
			Message:        "page served over plain HTTP",
			Recommendation: "serve the site over HTTPS",
		})
	}

	if deprecated := doc.Find("font, center, marquee, blink").Length(); deprecated > 0 {
		score -= 10
		*issues = append(*issues, analysis.Issue{
			Severity:       SeverityWarning,
			Category:       CategoryBestPractices,
			Message:        fmt.Sprintf("%d deprecated HTML elements", deprecated),
			Recommendation: "replace deprecated elements with CSS equivalents",
		})
	}

	unsafeTargets := 0
	doc.Find(`a[target="_blank"]`).Each(func(_ int, sel *goquery.Selection) {
		rel, _ := sel.Attr("rel")
		if !strings.Contains(rel, "noopener") && !strings.Contains(rel, "noreferrer") {
			unsafeTargets++
		}
	})
	if unsafeTargets > 0 {
		score -= min(10, 2*unsafeTargets)
		*issues = append(*issues, analysis.Issue{
			Severity:       SeverityInfo,
			Category:       CategoryBestPractices,
			Message:        fmt.Sprintf("%d target=_blank links without rel=noopener", unsafeTargets),
			Recommendation: "add rel=\"noopener\" to links opening new tabs",
		})
	}

	if strings.HasPrefix(strings.ToLower(resp.URL), "https://") {
		if mixed := doc.Find(`img[src^="http://"], script[src^="http://"], link[href^="http://"]`).Length(); mixed > 0 {
			score -= 10
			*issues = append(*issues, analysis.Issue{
				Severity:       SeverityWarning,
				Category:       CategoryBestPractices,
				Message:        fmt.Sprintf("%d mixed-content resources", mixed),
				Recommendation: "load all subresources over HTTPS",
			})
		}
	}

	if doc.Find(`meta[name="viewport"]`).Length() == 0 {
		score -= 5
		*issues = append(*issues, analysis.Issue{
			Severity:       SeverityInfo,
			Category:       CategoryBestPractices,
			Message:        "missing viewport meta tag",
			Recommendation: "add a responsive viewport meta tag",
		})
	}

	return clampScore(score)
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
