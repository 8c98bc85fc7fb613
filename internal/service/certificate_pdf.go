package service

import (
	"bytes"
	"fmt"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"

	"github.com/go-pdf/fpdf"
)

// CertificatePDFData is everything printed on a certificate.
type CertificatePDFData struct {
	HolderName        string
	CertificationName string
	CertificationCode string
	CredentialID      string
	IssuedAt          time.Time
	ExpiresAt         time.Time
	VerifyURL         string
}

func certificatePDFData(c *domain.Certificate, publicBaseURL string) CertificatePDFData {
	data := CertificatePDFData{
		CredentialID: c.CredentialID,
		IssuedAt:     c.IssuedAt,
		ExpiresAt:    c.ExpiresAt,
		VerifyURL:    verifyURL(publicBaseURL, c.CredentialID),
	}
	if c.User != nil {
		data.HolderName = c.User.DisplayName()
	}
	if c.Certification != nil {
		data.CertificationName = c.Certification.Name
		data.CertificationCode = c.Certification.Code
	}
	return data
}

func verifyURL(publicBaseURL, credentialID string) string {
	return publicBaseURL + "/verify/" + credentialID
}

// RenderCertificatePDF draws a one-page landscape A4 certificate.
func RenderCertificatePDF(d CertificatePDFData) ([]byte, error) {
	pdf := fpdf.New("L", "mm", "A4", "")
	pdf.SetTitle(d.CertificationName+" "+d.CredentialID, true)
	pdf.SetAuthor("BDA Portal", false)
	pdf.SetCreator("bda-portal", false)
	pdf.SetCreationDate(d.IssuedAt)
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	w, h := pdf.GetPageSize()
	pdf.SetDrawColor(18, 52, 86)
	pdf.SetLineWidth(2)
	pdf.Rect(10, 10, w-20, h-20, "D")
	pdf.SetLineWidth(0.5)
	pdf.Rect(14, 14, w-28, h-28, "D")

	contentW := w - 40
	pdf.SetY(38)
	pdf.SetTextColor(18, 52, 86)
	pdf.SetFont("Helvetica", "B", 30)
	pdf.CellFormat(contentW, 14, "Certificate of Achievement", "", 1, "C", false, 0, "")

	pdf.Ln(8)
	pdf.SetTextColor(60, 60, 60)
	pdf.SetFont("Helvetica", "", 14)
	pdf.CellFormat(contentW, 8, "This certifies that", "", 1, "C", false, 0, "")

	pdf.Ln(4)
	pdf.SetTextColor(0, 0, 0)
	pdf.SetFont("Helvetica", "B", 26)
	pdf.CellFormat(contentW, 14, tr(d.HolderName), "", 1, "C", false, 0, "")

	pdf.Ln(4)
	pdf.SetTextColor(60, 60, 60)
	pdf.SetFont("Helvetica", "", 14)
	pdf.CellFormat(contentW, 8, "has successfully met the requirements of", "", 1, "C", false, 0, "")

	pdf.Ln(2)
	pdf.SetTextColor(18, 52, 86)
	pdf.SetFont("Helvetica", "B", 20)
	title := d.CertificationName
	if d.CertificationCode != "" {
		title = fmt.Sprintf("%s (%s)", d.CertificationName, d.CertificationCode)
	}
	pdf.CellFormat(contentW, 12, tr(title), "", 1, "C", false, 0, "")

	pdf.SetY(h - 60)
	pdf.SetTextColor(40, 40, 40)
	pdf.SetFont("Helvetica", "", 11)
	half := contentW / 2
	pdf.CellFormat(half, 7, "Issued: "+d.IssuedAt.Format("2 January 2006"), "", 0, "L", false, 0, "")
	pdf.CellFormat(half, 7, "Valid until: "+d.ExpiresAt.Format("2 January 2006"), "", 1, "R", false, 0, "")
	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(contentW, 7, "Credential ID: "+d.CredentialID, "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	pdf.CellFormat(contentW, 6, "Verify at "+d.VerifyURL, "", 1, "L", false, 0, d.VerifyURL)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render certificate pdf: %w", err)
	}
	return buf.Bytes(), nil
}
