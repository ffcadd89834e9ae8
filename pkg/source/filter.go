package source

import "strings"

// CategoryKeywords are the search terms appended to a subject's name when
// querying news search APIs for one category.
var CategoryKeywords = map[Category][]string{
	CategoryExpertise:      {"전문성", "정책"},
	CategoryLeadership:     {"리더십"},
	CategoryVision:         {"비전", "공약"},
	CategoryIntegrity:      {"청렴"},
	CategoryEthics:         {"윤리"},
	CategoryAccountability: {"책임"},
	CategoryTransparency:   {"투명성", "공개"},
	CategoryCommunication:  {"소통"},
	CategoryResponsiveness: {"민원", "대응"},
	CategoryPublicInterest: {"공익"},
}

// Query builds the search query for a subject and category.
func Query(subject Subject, category Category) string {
	parts := []string{subject.Name}
	if kws := CategoryKeywords[category]; len(kws) > 0 {
		parts = append(parts, kws[0])
	}
	return strings.Join(parts, " ")
}

// Filter decides whether free text is about the subject.
type Filter struct {
	exclude []string
}

// NewFilter creates a filter that drops text containing any exclude keyword.
func NewFilter(excludeKeywords []string) *Filter {
	exclude := make([]string, 0, len(excludeKeywords))
	for _, kw := range excludeKeywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			exclude = append(exclude, strings.ToLower(kw))
		}
	}
	return &Filter{exclude: exclude}
}

// MatchesSubject returns true if text names the subject and contains no
// exclude keyword.
func (f *Filter) MatchesSubject(text string, subject Subject) bool {
	lower := strings.ToLower(text)

	for _, ex := range f.exclude {
		if strings.Contains(lower, ex) {
			return false
		}
	}

	name := strings.ToLower(strings.TrimSpace(subject.Name))
	return name != "" && strings.Contains(lower, name)
}

// MatchesCategory reports whether text contains one of the category's
// search keywords.
func MatchesCategory(text string, category Category) bool {
	for _, kw := range CategoryKeywords[category] {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
