package domain

// QualityVerdict is the outcome of validating one generated output.
type QualityVerdict struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues"`
	Length int      `json:"length"`
}

// HallucinationType tags what kind of placeholder artifact was found.
type HallucinationType string

const (
	HallucinationFakeCompany      HallucinationType = "fake_company"
	HallucinationPlaceholderDate  HallucinationType = "placeholder_date"
	HallucinationPlaceholderSkill HallucinationType = "placeholder_skill"
	HallucinationPlaceholder      HallucinationType = "placeholder"
)

// Hallucination is a single screen finding, surfaced to callers as a warning.
type Hallucination struct {
	Type    HallucinationType `json:"type"`
	Pattern string            `json:"pattern"`
	Match   string            `json:"match,omitempty"`
	Message string            `json:"message"`
}
