package fusion

import "regexp"

// Structural patterns typical of administrative documents. A text that
// matches more of them is more likely to be a faithful reading.
var (
	datePattern    = regexp.MustCompile(`\b\d{1,2}[/-]\d{1,2}[/-]\d{2,4}\b`)
	amountPattern  = regexp.MustCompile(`\b\d{1,3}(?:[.,]\d{3})*(?:[.,]\d{2})?\b`)
	taxIDPattern   = regexp.MustCompile(`(?i)\b[A-Z]\d{7}[A-Z]\b`)
	invoicePattern = regexp.MustCompile(`(?i)\b(?:invoice|factura)[- ]?\d+\b`)
	wordPattern    = regexp.MustCompile(`[A-Za-z0-9]+`)
)

var structuralPatterns = []*regexp.Regexp{datePattern, amountPattern, taxIDPattern, invoicePattern}

// ScorePatterns counts how many structural patterns occur at least once
func ScorePatterns(text string) int {
	score := 0
	for _, re := range structuralPatterns {
		if re.MatchString(text) {
			score++
		}
	}
	return score
}

func wordLength(text string) int {
	total := 0
	for _, w := range wordPattern.FindAllString(text, -1) {
		total += len(w)
	}
	return total
}

// Fields is the structured data extracted from recognized text
type Fields struct {
	Dates          []string `json:"dates,omitempty"`
	Amounts        []string `json:"amounts,omitempty"`
	TaxIDs         []string `json:"tax_ids,omitempty"`
	InvoiceNumbers []string `json:"invoice_numbers,omitempty"`
}

// Empty reports whether no field was found
func (f Fields) Empty() bool {
	return len(f.Dates) == 0 && len(f.Amounts) == 0 && len(f.TaxIDs) == 0 && len(f.InvoiceNumbers) == 0
}

// ExtractFields collects the distinct matches of each structural pattern
func ExtractFields(text string) Fields {
	return Fields{
		Dates:          unique(datePattern.FindAllString(text, -1)),
		Amounts:        unique(amountPattern.FindAllString(text, -1)),
		TaxIDs:         unique(taxIDPattern.FindAllString(text, -1)),
		InvoiceNumbers: unique(invoicePattern.FindAllString(text, -1)),
	}
}

func unique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
