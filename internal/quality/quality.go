// Package quality screens generated text before it is handed back to callers.
package quality

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/vietddude/aiguard/internal/core/domain"
)

// Options configures ValidateOutput.
type Options struct {
	MinLength     int  `yaml:"min_length"`
	MaxLength     int  `yaml:"max_length"`
	CheckLanguage bool `yaml:"check_language"`
	// RepeatThreshold is the run length of one character treated as gibberish.
	RepeatThreshold int `yaml:"repeat_threshold"`
	// MinWords is the number of English-like words required when CheckLanguage is set.
	MinWords int `yaml:"min_words"`
}

// DefaultOptions mirrors what the generation endpoints expect.
var DefaultOptions = Options{
	MinLength:       10,
	MaxLength:       10000,
	CheckLanguage:   true,
	RepeatThreshold: 10,
	MinWords:        5,
}

func (o Options) withDefaults() Options {
	if o.MinLength <= 0 {
		o.MinLength = DefaultOptions.MinLength
	}
	if o.MaxLength <= 0 {
		o.MaxLength = DefaultOptions.MaxLength
	}
	if o.RepeatThreshold <= 1 {
		o.RepeatThreshold = DefaultOptions.RepeatThreshold
	}
	if o.MinWords <= 0 {
		o.MinWords = DefaultOptions.MinWords
	}
	return o
}

var englishWord = regexp.MustCompile(`\b[a-zA-Z]{2,}\b`)

// Issue messages
const (
	IssueEmpty          = "Output is empty or invalid"
	IssueRepeatedChars  = "Output contains repeated characters (possible gibberish)"
	IssueNotMeaningful  = "Output lacks meaningful content"
	IssueNotEnglish     = "Output does not appear to be in English"
	issueTooShortFormat = "Output too short (%d < %d)"
	issueTooLongFormat  = "Output too long (%d > %d)"
)

// ValidateOutput checks text against the quality rules. It never errors; a
// failing verdict lists every issue found.
func ValidateOutput(text string, opts Options) domain.QualityVerdict {
	opts = opts.withDefaults()

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return domain.QualityVerdict{Valid: false, Issues: []string{IssueEmpty}}
	}

	var issues []string
	length := utf8.RuneCountInString(trimmed)
	if length < opts.MinLength {
		issues = append(issues, fmt.Sprintf(issueTooShortFormat, length, opts.MinLength))
	}
	if length > opts.MaxLength {
		issues = append(issues, fmt.Sprintf(issueTooLongFormat, length, opts.MaxLength))
	}
	if longestRun(trimmed) >= opts.RepeatThreshold {
		issues = append(issues, IssueRepeatedChars)
	}
	if alphanumerics(trimmed)*2 < opts.MinLength {
		issues = append(issues, IssueNotMeaningful)
	}
	if opts.CheckLanguage && len(englishWord.FindAllStringIndex(trimmed, opts.MinWords)) < opts.MinWords {
		issues = append(issues, IssueNotEnglish)
	}

	return domain.QualityVerdict{
		Valid:  len(issues) == 0,
		Issues: issues,
		Length: length,
	}
}

// longestRun returns the longest run of one repeated rune.
// RE2 has no backreferences, so this replaces a (.)\1{n,} pattern.
func longestRun(s string) int {
	best, run := 0, 0
	var prev rune = -1
	for _, r := range s {
		if r == prev {
			run++
		} else {
			prev, run = r, 1
		}
		if run > best {
			best = run
		}
	}
	return best
}

func alphanumerics(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			n++
		}
	}
	return n
}
