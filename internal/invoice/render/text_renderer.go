package render

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"
)

const invoiceTextTemplate = `INVOICE {{.InvoiceID}}
{{rule}}
Issued:        {{date .IssuedAt}}
{{- if .DueAt}}
Due:           {{date .DueAt}}
{{- end}}
Status:        {{.Status}}

Bill to:       {{.CustomerName}}
{{- if .Company}}
               {{.Company}}
{{- end}}
               {{.Email}}
Customer ID:   {{.CustomerID}}

Period:        {{.PeriodStart}} to {{.PeriodEnd}}
Billing mode:  {{.BillingMode}}
{{rule}}
Samples loaded:     {{.TotalLoads}}
Exports:            {{.TotalExports}}
Splits:             {{.TotalSplits}}
Total operations:   {{.TotalOperations}}
Unique samples:     {{.UniqueSamples}}
{{rule}}
{{- range .Lines}}
{{printf "%-40s" .Description}} {{money .Amount}}
{{- end}}
{{rule}}
{{printf "%-40s" "Subtotal"}} {{money .Subtotal}}
{{printf "%-40s" (printf "Tax (%.2f%%)" .TaxPercent)}} {{money .TaxAmount}}
{{printf "%-40s" "Total"}} {{money .TotalAmount}}
{{- if .Notes}}

Notes: {{.Notes}}
{{- end}}
`

// Line is one priced line of the invoice body.
type Line struct {
	Description string
	Amount      int64
}

// TextInvoice is the view model for the plain-text invoice.
type TextInvoice struct {
	InvoiceID       string
	IssuedAt        time.Time
	DueAt           *time.Time
	Status          string
	CustomerID      string
	CustomerName    string
	Company         string
	Email           string
	PeriodStart     string
	PeriodEnd       string
	BillingMode     string
	TotalLoads      int64
	TotalExports    int64
	TotalSplits     int64
	TotalOperations int64
	UniqueSamples   int64
	Lines           []Line
	Subtotal        int64
	TaxPercent      float64
	TaxAmount       int64
	TotalAmount     int64
	Notes           string
}

var textTemplate = template.Must(template.New("invoice").Funcs(template.FuncMap{
	"rule":  func() string { return strings.Repeat("-", 56) },
	"money": FormatMoney,
	"date": func(v any) string {
		switch t := v.(type) {
		case time.Time:
			return t.UTC().Format("2006-01-02")
		case *time.Time:
			if t == nil {
				return ""
			}
			return t.UTC().Format("2006-01-02")
		}
		return ""
	},
}).Parse(invoiceTextTemplate))

// RenderText renders the invoice as plain text.
func RenderText(inv TextInvoice) (string, error) {
	var buf bytes.Buffer
	if err := textTemplate.Execute(&buf, inv); err != nil {
		return "", fmt.Errorf("render invoice text: %w", err)
	}
	return buf.String(), nil
}

// FormatMoney prints integer minor units with two decimals.
func FormatMoney(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
