package service

import (
	"bytes"
	"embed"
	"fmt"
	htmltmpl "html/template"
	"strings"
	texttmpl "text/template"
)

const (
	TemplateInvite              = "invite"
	TemplateMagicLink           = "magic_link"
	TemplateWelcome             = "welcome"
	TemplateBookingConfirmed    = "booking_confirmed"
	TemplateBookingCancelled    = "booking_cancelled"
	TemplateExamReminder        = "exam_reminder"
	TemplateCertificateIssued   = "certificate_issued"
	TemplateCertificateExpiring = "certificate_expiring"
	TemplateVoucherAssigned     = "voucher_assigned"
)

var emailTemplateNames = []string{
	TemplateInvite,
	TemplateMagicLink,
	TemplateWelcome,
	TemplateBookingConfirmed,
	TemplateBookingCancelled,
	TemplateExamReminder,
	TemplateCertificateIssued,
	TemplateCertificateExpiring,
	TemplateVoucherAssigned,
}

//go:embed templates/email/*.txt templates/email/*.gohtml
var emailTemplateFS embed.FS

type emailTemplate struct {
	text *texttmpl.Template
	html *htmltmpl.Template
}

// emailContext is what every template receives.
type emailContext struct {
	PortalURL string
	ToName    string
	Data      map[string]any
}

type renderedEmail struct {
	Subject  string
	TextBody string
	HTMLBody string
}

type emailTemplates map[string]emailTemplate

func parseEmailTemplates() (emailTemplates, error) {
	out := make(emailTemplates, len(emailTemplateNames))
	for _, name := range emailTemplateNames {
		text, err := texttmpl.New(name).Option("missingkey=error").
			ParseFS(emailTemplateFS, "templates/email/_base.txt", "templates/email/"+name+".txt")
		if err != nil {
			return nil, fmt.Errorf("parse %s text template: %w", name, err)
		}
		html, err := htmltmpl.New(name).Option("missingkey=error").
			ParseFS(emailTemplateFS, "templates/email/_base.gohtml", "templates/email/"+name+".gohtml")
		if err != nil {
			return nil, fmt.Errorf("parse %s html template: %w", name, err)
		}
		out[name] = emailTemplate{text: text, html: html}
	}
	return out, nil
}

func (t emailTemplates) has(name string) bool {
	_, ok := t[name]
	return ok
}

func (t emailTemplates) render(name string, data emailContext) (*renderedEmail, error) {
	tmpl, ok := t[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	if data.Data == nil {
		data.Data = map[string]any{}
	}
	var subject, text, html bytes.Buffer
	if err := tmpl.text.ExecuteTemplate(&subject, "subject", data); err != nil {
		return nil, fmt.Errorf("render %s subject: %w", name, err)
	}
	if err := tmpl.text.ExecuteTemplate(&text, "base", data); err != nil {
		return nil, fmt.Errorf("render %s text: %w", name, err)
	}
	if err := tmpl.html.ExecuteTemplate(&html, "base", data); err != nil {
		return nil, fmt.Errorf("render %s html: %w", name, err)
	}
	return &renderedEmail{
		Subject:  strings.TrimSpace(subject.String()),
		TextBody: strings.TrimSpace(text.String()) + "\n",
		HTMLBody: html.String(),
	}, nil
}
