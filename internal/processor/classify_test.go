package processor

import (
	"context"
	"reflect"
	"testing"

	"github.com/adverant/nexus/digitizer-worker/internal/storage"
)

func TestClassify(t *testing.T) {
	c := NewClassifier(nil)

	tests := []struct {
		name     string
		text     string
		wantType string
		wantTags []string
	}{
		{"spanish invoice", "FACTURA N. 2024-118\nTotal 1.250,00", "Invoice", []string{"factura"}},
		{"english invoice", "Invoice number 88", "Invoice", []string{"invoice"}},
		{"contract", "Este CONTRATO se firma entre las partes", "Contract", []string{"contrato"}},
		{"receipt", "Thank you, keep this receipt", "Receipt", []string{"receipt"}},
		{"estimate", "Presupuesto de obra", "Estimate", []string{"presupuesto"}},
		{"letter", "Dear Ms. Ortega,", "Letter", []string{"dear"}},
		{"technical plan", "Plano de planta baja, escala 1:50", "Technical Plan", []string{"plano"}},
		{"first rule wins", "Recibo de contrato", "Invoice", []string{"recibo"}},
		{"no match", "lorem ipsum dolor", TypeUnknown, nil},
		{"empty", "", TypeUnknown, nil},
		{"whitespace only", " \n\t", TypeUnknown, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotType, gotTags := c.Classify(tt.text)
			if gotType != tt.wantType {
				t.Errorf("type = %q, want %q", gotType, tt.wantType)
			}
			if !reflect.DeepEqual(gotTags, tt.wantTags) {
				t.Errorf("tags = %v, want %v", gotTags, tt.wantTags)
			}
		})
	}
}

func TestClassifyCustomRules(t *testing.T) {
	c := NewClassifier([]KeywordRule{{Type: "Payslip", Keywords: []string{"Nómina"}}})

	if got, tags := c.Classify("NÓMINA MENSUAL"); got != "Payslip" || len(tags) != 1 {
		t.Errorf("Classify() = %q, %v", got, tags)
	}
	if got, _ := c.Classify("factura"); got != TypeUnknown {
		t.Errorf("default rules leaked into custom classifier: %q", got)
	}
}

func TestProcessFileClassification(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		enabled  bool
		wantType string
		wantTags []string
	}{
		{"classified", "FACTURA 2024", true, "Invoice", []string{"factura"}},
		{"disabled", "FACTURA 2024", false, TypeImage, nil},
		{"nothing matched", "hola mundo", true, TypeImage, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{name: "tesseract", text: tt.text, conf: 0.9}
			f := newFixture(t, Components{Adapter: newAdapter(t, engine)}, func(c *Config) {
				c.OutputFormats = nil
				c.ClassificationEnabled = tt.enabled
			})

			src := f.write(t, "scan.png", pngBytes(t, whitePage(60, 40)))
			res := f.proc.ProcessFile(context.Background(), src)
			if res.Status != storage.StatusOK {
				t.Fatalf("status = %s, err = %v", res.Status, res.Err)
			}
			if res.Type != tt.wantType {
				t.Errorf("result type = %q, want %q", res.Type, tt.wantType)
			}

			docs := f.store.Documents()
			if len(docs) != 1 {
				t.Fatalf("got %d documents", len(docs))
			}
			if docs[0].Type != tt.wantType {
				t.Errorf("document type = %q, want %q", docs[0].Type, tt.wantType)
			}
			if len(docs[0].Tags) != len(tt.wantTags) ||
				(len(tt.wantTags) > 0 && !reflect.DeepEqual(docs[0].Tags, tt.wantTags)) {
				t.Errorf("tags = %v, want %v", docs[0].Tags, tt.wantTags)
			}
		})
	}
}
