package fusion

import (
	"math"
	"reflect"
	"testing"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestFuseEmptyInputs(t *testing.T) {
	m := NewManager(DefaultConfig())
	tests := []struct {
		name     string
		p        string
		pc       float64
		s        string
		sc       float64
		wantText string
		wantConf float64
	}{
		{"both empty", "  ", 0.9, "\n", 0.8, "", 0},
		{"secondary empty", " total ", 0.3, "", 0.99, "total", 0.3},
		{"primary empty", "", 0.99, "importe\t", 0.2, "importe", 0.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, conf := m.Fuse(tt.p, tt.pc, tt.s, tt.sc, Hints{})
			if text != tt.wantText || !approx(conf, tt.wantConf) {
				t.Errorf("Fuse() = (%q, %v), want (%q, %v)", text, conf, tt.wantText, tt.wantConf)
			}
		})
	}
}

func TestConfidenceVote(t *testing.T) {
	m := NewManager(DefaultConfig())
	tests := []struct {
		name     string
		p        string
		pc       float64
		s        string
		sc       float64
		wantText string
		wantConf float64
	}{
		{"confident primary kept", "primary", 0.8, "secondary", 0.9, "primary", 0.8},
		{"secondary clears margin", "primary", 0.4, "secondary", 0.7, "secondary", 0.7},
		{"structural secondary", "subtotal", 0.55, "Factura 2024-01", 0.56, "Factura 2024-01", 0.56},
		{"structural primary", "Factura 2024-01", 0.55, "subtotal", 0.56, "Factura 2024-01", 0.56},
		{"longer words on close tie", "abc", 0.50, "abcdef", 0.52, "abcdef", 0.52},
		{"highest when far apart", "abc", 0.30, "abcdef", 0.20, "abc", 0.30},
		{"primary on full tie", "abc", 0.5, "xyz", 0.5, "abc", 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, conf := m.Fuse(tt.p, tt.pc, tt.s, tt.sc, Hints{})
			if text != tt.wantText || !approx(conf, tt.wantConf) {
				t.Errorf("Fuse() = (%q, %v), want (%q, %v)", text, conf, tt.wantText, tt.wantConf)
			}
		})
	}
}

func TestCascade(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyCascade
	m := NewManager(cfg)

	if text, conf := m.Fuse("a", 0.6, "b", 0.99, Hints{}); text != "a" || conf != 0.6 {
		t.Errorf("at threshold got (%q, %v)", text, conf)
	}
	if text, conf := m.Fuse("a", 0.59, "b", 0.1, Hints{}); text != "b" || conf != 0.1 {
		t.Errorf("below threshold got (%q, %v)", text, conf)
	}
}

func TestLevenshtein(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyLevenshtein
	cfg.Priority = []string{"EasyOCR", "paddleocr"}
	m := NewManager(cfg)
	hints := Hints{PrimaryEngine: "paddleocr", SecondaryEngine: "easyocr"}

	t.Run("similar keeps longer with mean confidence", func(t *testing.T) {
		text, conf := m.Fuse("Total factura", 0.6, "Total factura:", 0.8, hints)
		if text != "Total factura:" || !approx(conf, 0.7) {
			t.Errorf("got (%q, %v)", text, conf)
		}
	})

	t.Run("similar with zero confidences uses similarity", func(t *testing.T) {
		text, conf := m.Fuse("abcdefghij", 0, "abcdefghij", 0, hints)
		if text != "abcdefghij" || !approx(conf, 1) {
			t.Errorf("got (%q, %v)", text, conf)
		}
	})

	t.Run("dissimilar follows priority", func(t *testing.T) {
		text, conf := m.Fuse("hello", 0.9, "goodbye", 0.2, hints)
		if text != "goodbye" || conf != 0.2 {
			t.Errorf("got (%q, %v)", text, conf)
		}
	})

	t.Run("dissimilar without priority match", func(t *testing.T) {
		text, conf := m.Fuse("hello", 0.3, "goodbye", 0.4, Hints{PrimaryEngine: "tesseract"})
		if text != "goodbye" || conf != 0.4 {
			t.Errorf("got (%q, %v)", text, conf)
		}
	})
}

func TestFuseIsDeterministic(t *testing.T) {
	m := NewManager(DefaultConfig())
	first, firstConf := m.Fuse("IVA 21%", 0.5, "IVA 21 %", 0.51, Hints{})
	for i := 0; i < 20; i++ {
		text, conf := m.Fuse("IVA 21%", 0.5, "IVA 21 %", 0.51, Hints{})
		if text != first || conf != firstConf {
			t.Fatalf("run %d = (%q, %v), want (%q, %v)", i, text, conf, first, firstConf)
		}
	}
}

func TestParseStrategy(t *testing.T) {
	if s, err := ParseStrategy(" Levenshtein "); err != nil || s != StrategyLevenshtein {
		t.Errorf("ParseStrategy() = %q, %v", s, err)
	}
	if _, err := ParseStrategy("majority"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestSimilarity(t *testing.T) {
	if got := Similarity("", ""); got != 1 {
		t.Errorf("empty similarity = %v", got)
	}
	if got := Similarity("kitten", "sitting"); !approx(got, 1-3.0/7.0) {
		t.Errorf("kitten/sitting = %v", got)
	}
}

func TestExtractFields(t *testing.T) {
	f := ExtractFields("Factura 123 del 01/02/2024, CIF B1234567C, total 1.234,56 y 1.234,56")
	want := Fields{
		Dates:          []string{"01/02/2024"},
		TaxIDs:         []string{"B1234567C"},
		InvoiceNumbers: []string{"Factura 123"},
	}
	if !reflect.DeepEqual(f.Dates, want.Dates) || !reflect.DeepEqual(f.TaxIDs, want.TaxIDs) || !reflect.DeepEqual(f.InvoiceNumbers, want.InvoiceNumbers) {
		t.Errorf("ExtractFields() = %+v", f)
	}
	if len(f.Amounts) == 0 {
		t.Error("expected amounts")
	}
	for i, a := range f.Amounts {
		for _, b := range f.Amounts[i+1:] {
			if a == b {
				t.Errorf("duplicate amount %q", a)
			}
		}
	}
	if !ExtractFields("nada").Empty() {
		t.Error("expected empty fields")
	}
}
