package format

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	seqPadRe = regexp.MustCompile(`\{SEQ(\d+)\}`)
	hexRe    = regexp.MustCompile(`\{HEX(\d+)\}`)
)

const DefaultInvoiceNumberTemplate = "INV-{YYYY}{MM}{DD}-{HEX6}"

// Tokens feed the variable parts of an invoice number.
type Tokens struct {
	// Seq replaces {SEQ} and {SEQn}.
	Seq int64
	// Hex supplies {HEXn}; it is upper-cased and must be long enough.
	Hex string
}

// FormatInvoiceNumber renders template for an invoice issued at issuedAt.
// It has no side effects.
func FormatInvoiceNumber(template string, issuedAt time.Time, tokens Tokens) (string, error) {
	if template == "" {
		return "", fmt.Errorf("invoice number template is empty")
	}

	out := template
	out = strings.ReplaceAll(out, "{YYYY}", issuedAt.Format("2006"))
	out = strings.ReplaceAll(out, "{YY}", issuedAt.Format("06"))
	out = strings.ReplaceAll(out, "{MM}", issuedAt.Format("01"))
	out = strings.ReplaceAll(out, "{DD}", issuedAt.Format("02"))

	if strings.Contains(out, "{SEQ") {
		if tokens.Seq <= 0 {
			return "", fmt.Errorf("invalid invoice sequence: %d", tokens.Seq)
		}
		out = strings.ReplaceAll(out, "{SEQ}", strconv.FormatInt(tokens.Seq, 10))
		out = seqPadRe.ReplaceAllStringFunc(out, func(m string) string {
			width, err := strconv.Atoi(seqPadRe.FindStringSubmatch(m)[1])
			if err != nil || width <= 0 {
				return m
			}
			return fmt.Sprintf("%0*d", width, tokens.Seq)
		})
	}

	var hexErr error
	out = hexRe.ReplaceAllStringFunc(out, func(m string) string {
		width, err := strconv.Atoi(hexRe.FindStringSubmatch(m)[1])
		if err != nil || width <= 0 || width > len(tokens.Hex) {
			hexErr = fmt.Errorf("not enough hex digits for %s", m)
			return m
		}
		return strings.ToUpper(tokens.Hex[:width])
	})
	if hexErr != nil {
		return "", hexErr
	}

	if strings.Contains(out, "{") || strings.Contains(out, "}") {
		return "", fmt.Errorf("unresolved token in invoice format: %s", out)
	}
	return out, nil
}
