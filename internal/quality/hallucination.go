package quality

import (
	"regexp"
	"strings"

	"github.com/vietddude/aiguard/internal/core/domain"
	"github.com/vietddude/aiguard/internal/metrics"
)

// ScreenOptions toggles pattern families.
type ScreenOptions struct {
	Companies bool `yaml:"companies"`
	Dates     bool `yaml:"dates"`
	Skills    bool `yaml:"skills"`
	// Placeholders flags other bracketed tokens that do not occur in the source.
	Placeholders bool `yaml:"placeholders"`
}

// DefaultScreenOptions enables every check.
var DefaultScreenOptions = ScreenOptions{Companies: true, Dates: true, Skills: true, Placeholders: true}

// Screen is the result of DetectHallucinations.
type Screen struct {
	Detected       bool                   `json:"detected"`
	Hallucinations []domain.Hallucination `json:"hallucinations"`
	Count          int                    `json:"count"`
}

type pattern struct {
	re      *regexp.Regexp
	source  string
	kind    domain.HallucinationType
	message string
}

func compile(kind domain.HallucinationType, message string, exprs ...string) []pattern {
	out := make([]pattern, 0, len(exprs))
	for _, expr := range exprs {
		out = append(out, pattern{re: regexp.MustCompile(expr), source: expr, kind: kind, message: message})
	}
	return out
}

var (
	companyPatterns = compile(domain.HallucinationFakeCompany, "Output contains placeholder company name",
		`(?i)acme\s+corp`,
		`(?i)example\s+company`,
		`(?i)test\s+inc`,
		`(?i)\[company\s+name\]`,
	)
	datePatterns = compile(domain.HallucinationPlaceholderDate, "Output contains placeholder date",
		`(?i)\[date\]`,
		`(?i)\[year\]`,
		`YYYY`,
		`MM/DD/YYYY`,
	)
	skillPatterns = compile(domain.HallucinationPlaceholderSkill, "Output contains placeholder skill",
		`(?i)\[skill\]`,
		`(?i)\[technology\]`,
		`(?i)\[programming language\]`,
	)

	bracketToken = regexp.MustCompile(`\[[A-Za-z][A-Za-z ]{0,40}\]`)
)

// DetectHallucinations screens text for template artifacts. source is the
// material the text was generated from; it may be empty. Findings are
// warnings and never make the output invalid.
func DetectHallucinations(text, source string, opts ScreenOptions) Screen {
	var found []domain.Hallucination
	matchedSpans := make(map[string]bool)

	run := func(patterns []pattern) {
		for _, p := range patterns {
			m := p.re.FindString(text)
			if m == "" {
				continue
			}
			matchedSpans[strings.ToLower(m)] = true
			found = append(found, domain.Hallucination{
				Type:    p.kind,
				Pattern: p.source,
				Match:   m,
				Message: p.message,
			})
		}
	}
	if opts.Companies {
		run(companyPatterns)
	}
	if opts.Dates {
		run(datePatterns)
	}
	if opts.Skills {
		run(skillPatterns)
	}

	if opts.Placeholders {
		lowerSource := strings.ToLower(source)
		seen := make(map[string]bool)
		for _, tok := range bracketToken.FindAllString(text, -1) {
			key := strings.ToLower(tok)
			if matchedSpans[key] || seen[key] || strings.Contains(lowerSource, key) {
				continue
			}
			seen[key] = true
			found = append(found, domain.Hallucination{
				Type:    domain.HallucinationPlaceholder,
				Pattern: bracketToken.String(),
				Match:   tok,
				Message: "Output contains an unfilled template token",
			})
		}
	}

	for _, h := range found {
		metrics.Hallucinations.WithLabelValues(string(h.Type)).Inc()
	}
	return Screen{
		Detected:       len(found) > 0,
		Hallucinations: found,
		Count:          len(found),
	}
}
