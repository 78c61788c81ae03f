// Package sms renders campaign templates into per-recipient message text.
package sms

import "strings"

// Placeholders supported in campaign templates.
const (
	placeholderFirstName    = "{{first_name}}"
	placeholderLastName     = "{{last_name}}"
	placeholderDiscountCode = "{{discount_code}}"
)

// RenderInput carries the per-recipient substitution values.
type RenderInput struct {
	Template       string
	FirstName      string
	LastName       string
	DiscountCode   string
	UnsubscribeURL string
}

// Render substitutes template placeholders and appends the unsubscribe
// footer when a URL is provided and the template does not already carry it.
func Render(in RenderInput) string {
	text := in.Template
	text = strings.ReplaceAll(text, placeholderFirstName, in.FirstName)
	text = strings.ReplaceAll(text, placeholderLastName, in.LastName)
	text = strings.ReplaceAll(text, placeholderDiscountCode, in.DiscountCode)
	text = strings.TrimSpace(text)

	if in.UnsubscribeURL != "" && !strings.Contains(text, in.UnsubscribeURL) {
		text += "\nOpt out: " + in.UnsubscribeURL
	}
	return text
}
