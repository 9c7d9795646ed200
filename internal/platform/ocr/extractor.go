// Package ocr extracts text from document attachments. Text attachments
// are used verbatim; PDFs are tried as embedded text first, then handed
// page-by-page to a pluggable raster engine. The raster engine itself is an
// external collaborator; this package only defines the contract and the
// decision tree around it.
package ocr

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/healthprep/healthprep/internal/platform/errs"
)

// Extraction methods reported in results.
const (
	MethodText        = "text"
	MethodPDFEmbedded = "pdf_embedded"
	MethodRasterOCR   = "raster_ocr"
)

// ConfidenceFloor is the minimum acceptable confidence. Results below it
// are classified ocr_failed.
const ConfidenceFloor = 0.5

// Result is the outcome of a text extraction.
type Result struct {
	Text       string
	Confidence float64
	Method     string
	Pages      int
}

// Engine rasterises and recognises PDF or image pages. Implementations
// wrap the OCR vendor.
type Engine interface {
	RecognizePages(ctx context.Context, content []byte, contentType string) (text string, confidence float64, pages int, err error)
}

// Extractor runs the extraction decision tree.
type Extractor struct {
	engine Engine // may be nil: raster fallback unavailable
}

func NewExtractor(engine Engine) *Extractor {
	return &Extractor{engine: engine}
}

// Extract produces text from an attachment. contentType decides the path:
// text/* verbatim, application/pdf embedded-text then raster, image/*
// raster only.
func (e *Extractor) Extract(ctx context.Context, content []byte, contentType string) (Result, error) {
	switch {
	case strings.HasPrefix(contentType, "text/"):
		if !utf8.Valid(content) {
			return Result{}, errs.Ef(errs.KindOCRFailed, "text attachment is not valid UTF-8")
		}
		return Result{Text: string(content), Confidence: 1.0, Method: MethodText, Pages: 1}, nil

	case contentType == "application/pdf":
		if text, pages, ok := extractEmbeddedPDFText(content); ok {
			return Result{Text: text, Confidence: 0.95, Method: MethodPDFEmbedded, Pages: pages}, nil
		}
		return e.raster(ctx, content, contentType)

	case strings.HasPrefix(contentType, "image/"):
		return e.raster(ctx, content, contentType)

	default:
		return Result{}, errs.Ef(errs.KindOCRFailed, "unsupported content type %q", contentType)
	}
}

func (e *Extractor) raster(ctx context.Context, content []byte, contentType string) (Result, error) {
	if e.engine == nil {
		return Result{}, errs.Ef(errs.KindOCRFailed, "no OCR engine configured for %q", contentType)
	}

	text, confidence, pages, err := e.engine.RecognizePages(ctx, content, contentType)
	if err != nil {
		return Result{}, errs.E(errs.KindOCRFailed, err)
	}
	if confidence < ConfidenceFloor {
		return Result{}, errs.Ef(errs.KindOCRFailed, "confidence %.2f below floor %.2f", confidence, ConfidenceFloor)
	}

	return Result{Text: text, Confidence: confidence, Method: MethodRasterOCR, Pages: pages}, nil
}

// pdfTextRe captures parenthesised literals inside BT..ET text objects of
// uncompressed PDF content streams. Compressed streams yield nothing and
// fall through to the raster path.
var (
	pdfTextObjectRe = regexp.MustCompile(`(?s)BT(.*?)ET`)
	pdfLiteralRe    = regexp.MustCompile(`\(((?:\\.|[^\\)])*)\)`)
	pdfPageRe       = []byte("/Type /Page")
	pdfPageAltRe    = []byte("/Type/Page")
)

// extractEmbeddedPDFText pulls text literals out of a PDF's content
// streams. Returns ok=false when the PDF carries no recoverable text layer.
func extractEmbeddedPDFText(content []byte) (string, int, bool) {
	if !bytes.HasPrefix(content, []byte("%PDF-")) {
		return "", 0, false
	}

	pages := bytes.Count(content, pdfPageRe) + bytes.Count(content, pdfPageAltRe)
	if pages == 0 {
		pages = 1
	}

	var sb strings.Builder
	for _, obj := range pdfTextObjectRe.FindAllSubmatch(content, -1) {
		for _, lit := range pdfLiteralRe.FindAllSubmatch(obj[1], -1) {
			s := unescapePDFLiteral(string(lit[1]))
			if s == "" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(s)
		}
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", 0, false
	}
	return text, pages, true
}

func unescapePDFLiteral(s string) string {
	replacer := strings.NewReplacer(
		`\(`, "(",
		`\)`, ")",
		`\\`, `\`,
		`\n`, "\n",
		`\r`, "\r",
		`\t`, "\t",
	)
	return replacer.Replace(s)
}
