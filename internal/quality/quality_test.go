package quality

import (
	"slices"
	"strings"
	"testing"

	"github.com/vietddude/aiguard/internal/core/domain"
)

func TestValidateOutput(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		opts      Options
		wantValid bool
		wantIssue string
	}{
		{
			name:      "good prose",
			text:      "Led a team of five engineers building payment services in Go.",
			opts:      DefaultOptions,
			wantValid: true,
		},
		{
			name:      "empty",
			text:      "   ",
			opts:      DefaultOptions,
			wantIssue: IssueEmpty,
		},
		{
			name:      "repeated characters",
			text:      strings.Repeat("x", 20),
			opts:      DefaultOptions,
			wantIssue: IssueRepeatedChars,
		},
		{
			name:      "symbols only",
			text:      "!!?? -- ## ** ;; ::",
			opts:      Options{MinLength: 10},
			wantIssue: IssueNotMeaningful,
		},
		{
			name:      "not english",
			text:      "1234 5678 9012 3456 7890",
			opts:      DefaultOptions,
			wantIssue: IssueNotEnglish,
		},
		{
			name:      "language check disabled",
			text:      "1234 5678 9012 3456 7890",
			opts:      Options{CheckLanguage: false},
			wantValid: true,
		},
		{
			name:      "too short",
			text:      "Hi there",
			opts:      Options{MinLength: 10},
			wantIssue: "Output too short (8 < 10)",
		},
		{
			name:      "too long",
			text:      strings.Repeat("word ", 30),
			opts:      Options{MaxLength: 50},
			wantIssue: "Output too long (149 > 50)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ValidateOutput(tt.text, tt.opts)
			if v.Valid != tt.wantValid {
				t.Errorf("Valid = %v, want %v (issues: %v)", v.Valid, tt.wantValid, v.Issues)
			}
			if tt.wantIssue != "" && !slices.Contains(v.Issues, tt.wantIssue) {
				t.Errorf("Issues = %v, want %q", v.Issues, tt.wantIssue)
			}
		})
	}
}

func TestLongestRun(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"abc", 1},
		{"aabbbcc", 3},
		{"ééééé", 5},
	}
	for _, tt := range tests {
		if got := longestRun(tt.in); got != tt.want {
			t.Errorf("longestRun(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestDetectHallucinations(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		source    string
		wantTypes []domain.HallucinationType
	}{
		{
			name:      "company placeholder",
			text:      "Worked at [Company Name] as a senior engineer.",
			wantTypes: []domain.HallucinationType{domain.HallucinationFakeCompany},
		},
		{
			name:      "stand-in company",
			text:      "Consulted for ACME Corp on cloud migration.",
			wantTypes: []domain.HallucinationType{domain.HallucinationFakeCompany},
		},
		{
			name:      "template dates",
			text:      "Graduated in YYYY and joined on [date].",
			wantTypes: []domain.HallucinationType{domain.HallucinationPlaceholderDate, domain.HallucinationPlaceholderDate},
		},
		{
			name:      "skill placeholder",
			text:      "Expert in [Programming Language].",
			wantTypes: []domain.HallucinationType{domain.HallucinationPlaceholderSkill},
		},
		{
			name:      "unfilled token not in source",
			text:      "Reach me at [Phone Number].",
			wantTypes: []domain.HallucinationType{domain.HallucinationPlaceholder},
		},
		{
			name:   "bracketed token present in source",
			text:   "Status: [Remote] position in Berlin.",
			source: `{"location":"[Remote] Berlin"}`,
		},
		{
			name: "clean",
			text: "Built a distributed cache serving 40k requests per second.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DetectHallucinations(tt.text, tt.source, DefaultScreenOptions)
			var got []domain.HallucinationType
			for _, h := range s.Hallucinations {
				got = append(got, h.Type)
			}
			if !slices.Equal(got, tt.wantTypes) {
				t.Errorf("types = %v, want %v", got, tt.wantTypes)
			}
			if s.Detected != (len(tt.wantTypes) > 0) || s.Count != len(tt.wantTypes) {
				t.Errorf("Detected = %v, Count = %d", s.Detected, s.Count)
			}
		})
	}
}

func TestDetectHallucinationsRespectsOptions(t *testing.T) {
	s := DetectHallucinations("Joined [Company Name] in YYYY.", "", ScreenOptions{Dates: true})
	if s.Count != 1 || s.Hallucinations[0].Type != domain.HallucinationPlaceholderDate {
		t.Errorf("only the date family should run, got %+v", s.Hallucinations)
	}
}
