package processor

import "strings"

// KeywordRule assigns Type when any keyword occurs in the text
type KeywordRule struct {
	Type     string
	Keywords []string
}

// DefaultKeywords covers the document classes seen in Spanish and English
// back-office scans. Rules are tried in order; the first match wins.
func DefaultKeywords() []KeywordRule {
	return []KeywordRule{
		{Type: "Invoice", Keywords: []string{"invoice", "factura", "bill", "recibo"}},
		{Type: "Contract", Keywords: []string{"contract", "contrato", "agreement", "acuerdo"}},
		{Type: "Receipt", Keywords: []string{"receipt", "ticket", "comprobante"}},
		{Type: "Estimate", Keywords: []string{"presupuesto", "estimate", "cotización", "quote"}},
		{Type: "Report", Keywords: []string{"report", "informe", "memo"}},
		{Type: "Letter", Keywords: []string{"dear", "estimado", "letter", "carta"}},
		{Type: "Technical Plan", Keywords: []string{"plano", "drawing", "scheme", "esquema", "blueprint", "diagrama"}},
	}
}

// Classifier assigns a document type from keywords in the recognized text
type Classifier struct {
	rules []KeywordRule
}

// NewClassifier returns a classifier over rules, DefaultKeywords when empty
func NewClassifier(rules []KeywordRule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultKeywords()
	}
	return &Classifier{rules: rules}
}

// Classify returns the type of the first matching rule and the keyword
// that matched. Matching is case-insensitive. Text without a match is
// TypeUnknown with no tags.
func (c *Classifier) Classify(text string) (string, []string) {
	lower := strings.ToLower(text)
	if strings.TrimSpace(lower) == "" {
		return TypeUnknown, nil
	}
	for _, rule := range c.rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return rule.Type, []string{kw}
			}
		}
	}
	return TypeUnknown, nil
}
