package ocr

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/healthprep/healthprep/internal/platform/errs"
)

type fakeEngine struct {
	text       string
	confidence float64
	pages      int
	err        error
	calls      int
}

func (f *fakeEngine) RecognizePages(_ context.Context, _ []byte, _ string) (string, float64, int, error) {
	f.calls++
	return f.text, f.confidence, f.pages, f.err
}

func TestExtract_TextVerbatim(t *testing.T) {
	e := NewExtractor(nil)
	res, err := e.Extract(context.Background(), []byte("Mammography: bilateral screening"), "text/plain")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Method != MethodText {
		t.Errorf("expected method %q, got %q", MethodText, res.Method)
	}
	if res.Text != "Mammography: bilateral screening" {
		t.Errorf("unexpected text %q", res.Text)
	}
	if res.Confidence != 1.0 {
		t.Errorf("expected confidence 1.0, got %v", res.Confidence)
	}
}

func TestExtract_PDFEmbeddedText(t *testing.T) {
	pdf := []byte("%PDF-1.4\n1 0 obj\n/Type /Page\nstream\nBT /F1 12 Tf (Colonoscopy report) Tj (without findings) Tj ET\nendstream\n%%EOF")

	engine := &fakeEngine{}
	e := NewExtractor(engine)
	res, err := e.Extract(context.Background(), pdf, "application/pdf")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Method != MethodPDFEmbedded {
		t.Errorf("expected method %q, got %q", MethodPDFEmbedded, res.Method)
	}
	if !strings.Contains(res.Text, "Colonoscopy report") || !strings.Contains(res.Text, "without findings") {
		t.Errorf("unexpected text %q", res.Text)
	}
	if res.Pages != 1 {
		t.Errorf("expected 1 page, got %d", res.Pages)
	}
	if engine.calls != 0 {
		t.Error("embedded text found; raster engine must not be called")
	}
}

func TestExtract_PDFFallsBackToRaster(t *testing.T) {
	// No BT/ET text layer: the engine must be consulted.
	pdf := []byte("%PDF-1.4\nstream\nbinary-image-data\nendstream\n%%EOF")
	engine := &fakeEngine{text: "scanned text", confidence: 0.9, pages: 2}

	res, err := NewExtractor(engine).Extract(context.Background(), pdf, "application/pdf")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Method != MethodRasterOCR {
		t.Errorf("expected method %q, got %q", MethodRasterOCR, res.Method)
	}
	if engine.calls != 1 {
		t.Errorf("expected 1 engine call, got %d", engine.calls)
	}
	if res.Pages != 2 {
		t.Errorf("expected 2 pages, got %d", res.Pages)
	}
}

func TestExtract_ConfidenceFloor(t *testing.T) {
	engine := &fakeEngine{text: "garbled", confidence: 0.2, pages: 1}
	_, err := NewExtractor(engine).Extract(context.Background(), []byte("img"), "image/png")
	if !errs.Is(err, errs.KindOCRFailed) {
		t.Errorf("expected ocr_failed, got %v", err)
	}
}

func TestExtract_EngineError(t *testing.T) {
	engine := &fakeEngine{err: errors.New("vendor down")}
	_, err := NewExtractor(engine).Extract(context.Background(), []byte("img"), "image/png")
	if !errs.Is(err, errs.KindOCRFailed) {
		t.Errorf("expected ocr_failed, got %v", err)
	}
}

func TestExtract_NoEngineForImage(t *testing.T) {
	_, err := NewExtractor(nil).Extract(context.Background(), []byte("img"), "image/png")
	if !errs.Is(err, errs.KindOCRFailed) {
		t.Errorf("expected ocr_failed, got %v", err)
	}
}

func TestExtract_UnsupportedContentType(t *testing.T) {
	_, err := NewExtractor(nil).Extract(context.Background(), []byte("x"), "application/zip")
	if !errs.Is(err, errs.KindOCRFailed) {
		t.Errorf("expected ocr_failed, got %v", err)
	}
}

func TestExtractEmbeddedPDFText_EscapedLiterals(t *testing.T) {
	pdf := []byte(`%PDF-1.4 BT (BI-RADS \(category 1\)) Tj ET`)
	text, _, ok := extractEmbeddedPDFText(pdf)
	if !ok {
		t.Fatal("expected text layer")
	}
	if text != "BI-RADS (category 1)" {
		t.Errorf("unexpected unescaped text %q", text)
	}
}
