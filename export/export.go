/*
Package export renders issued coupons as downloadable artifacts.

PURPOSE:
  After a claim commits, the ledger hands the coupon to the export
  Service. It renders a one-page PDF (plain text if PDF rendering fails)
  and stores it in a Sink: a local directory or an S3-compatible bucket.

FAILURE MODEL:
  Export runs after the ledger transaction. A failure here is reported as
  ErrExportFailed, logged and counted by the caller; the coupon stays
  issued.

ARTIFACT NAMES:
  civicsense-coupon-cs-7k2m9q1a.pdf (slug of "CivicSense Coupon <code>")
*/
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/go-pdf/fpdf"
	"github.com/gosimple/slug"

	"github.com/civicsense/reward-ledger/rewards"
)

// ErrExportFailed wraps every rendering or storage failure.
var ErrExportFailed = errors.New("coupon export failed")

// Content types of rendered artifacts.
const (
	ContentTypePDF  = "application/pdf"
	ContentTypeText = "text/plain; charset=utf-8"
)

const (
	title       = "CivicSense Reward Coupon"
	validFor    = "Valid for: Metro / Bus passes"
	redeemNote  = "Show this coupon at the authorized counter to claim your discount. This coupon is valid once and tied to your CivicSense account."
	dateLayout  = "2006-01-02"
	stampLayout = "2006-01-02 15:04 MST"
)

// Artifact is a rendered coupon.
type Artifact struct {
	Name        string
	ContentType string
	Body        []byte
}

// Service renders coupons and stores them.
type Service struct {
	Sink Sink // optional; nil renders only

	// renderPDF is swapped in tests to exercise the text fallback.
	renderPDF func(c rewards.Coupon, p rewards.Profile) ([]byte, error)
}

// NewService creates a service writing to sink.
func NewService(sink Sink) *Service {
	return &Service{Sink: sink, renderPDF: renderPDF}
}

// Export renders c and stores it in the sink.
func (s *Service) Export(ctx context.Context, c rewards.Coupon, p rewards.Profile) error {
	a := s.Render(c, p)
	if s.Sink == nil {
		return nil
	}

	location, err := s.Sink.Put(ctx, a)
	if err != nil {
		return fmt.Errorf("%w: store %s: %w", ErrExportFailed, a.Name, err)
	}
	log.Printf("[Export] Stored %s at %s", c.Code, location)
	return nil
}

// Render returns the PDF artifact, or the plain-text artifact when PDF
// rendering fails.
func (s *Service) Render(c rewards.Coupon, p rewards.Profile) Artifact {
	render := s.renderPDF
	if render == nil {
		render = renderPDF
	}

	body, err := render(c, p)
	if err == nil {
		return Artifact{Name: FileName(c.Code, "pdf"), ContentType: ContentTypePDF, Body: body}
	}

	log.Printf("[Export] PDF rendering for %s failed, using text: %v", c.Code, err)
	return Artifact{Name: FileName(c.Code, "txt"), ContentType: ContentTypeText, Body: []byte(RenderText(c))}
}

// FileName is the artifact name for a coupon code.
func FileName(code, ext string) string {
	return slug.Make("CivicSense Coupon "+code) + "." + ext
}

// =============================================================================
// RENDERERS
// =============================================================================

func renderPDF(c rewards.Coupon, p rewards.Profile) ([]byte, error) {
	const margin = 15.0

	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(title+" "+c.Code, true)
	pdf.SetCreationDate(c.IssuedAt)
	pdf.SetMargins(margin, 20, margin)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 20)
	pdf.Cell(0, 10, title)
	pdf.Ln(14)

	pdf.SetFont("Helvetica", "", 12)
	for _, line := range []string{
		"Coupon Code: " + c.Code,
		fmt.Sprintf("Discount: %d%% OFF", c.DiscountPercent),
		validFor,
		"Expires On: " + c.ExpiresAt.Format(dateLayout),
	} {
		pdf.Cell(0, 7, line)
		pdf.Ln(7)
	}
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "", 10)
	pdf.MultiCell(0, 5, redeemNote, "", "L", false)
	pdf.Ln(6)

	if name := issuedTo(p); name != "" {
		pdf.SetFont("Helvetica", "", 11)
		pdf.Cell(0, 7, tr("Issued To: "+name))
		pdf.Ln(7)
	}

	pdf.SetFont("Helvetica", "", 9)
	pdf.Cell(0, 6, "Issued: "+c.IssuedAt.Format(stampLayout))

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RenderText is the plain-text rendering of a coupon.
func RenderText(c rewards.Coupon) string {
	var b strings.Builder
	b.WriteString(title + "\n\n")
	fmt.Fprintf(&b, "Coupon Code: %s\n", c.Code)
	fmt.Fprintf(&b, "Discount: %d%% OFF\n", c.DiscountPercent)
	fmt.Fprintf(&b, "Expires: %s\n", c.ExpiresAt.Format(dateLayout))
	fmt.Fprintf(&b, "Issued: %s\n\n", c.IssuedAt.Format(stampLayout))
	b.WriteString("Show this coupon at the Metro/Bus counter to redeem.\n")
	return b.String()
}

func issuedTo(p rewards.Profile) string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Email
}
