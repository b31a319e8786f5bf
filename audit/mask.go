package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/ttacon/libphonenumber"
)

// piiFields are masked keeping a hint (last four digits, first letter of an
// email). Keys are compared after lowercasing and dropping separators.
var piiFields = map[string]bool{
	"email":             true,
	"phone":             true,
	"phonenumber":       true,
	"mobile":            true,
	"accountnumber":     true,
	"routingnumber":     true,
	"bankaccountnumber": true,
	"iban":              true,
	"taxid":             true,
	"ssn":               true,
}

// secretFields are replaced outright.
var secretFields = map[string]bool{
	"password":    true,
	"secret":      true,
	"token":       true,
	"accesstoken": true,
	"apikey":      true,
}

const redacted = "[REDACTED]"

func normalizeKey(k string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(k) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Mask returns a copy of v with PII masked. v is expected to be the result of
// decoding JSON (maps, slices, strings, numbers, bools).
func Mask(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			nk := normalizeKey(k)
			switch {
			case secretFields[nk]:
				out[k] = redacted
			case piiFields[nk]:
				out[k] = maskPII(val)
			default:
				out[k] = Mask(val)
			}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Mask(val)
		}
		return out
	case string:
		if looksLikePhone(t) {
			return maskDigits(t)
		}
		return t
	default:
		return v
	}
}

func maskPII(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if t == "" {
			return t
		}
		if at := strings.LastIndex(t, "@"); at > 0 {
			return maskEmail(t, at)
		}
		return maskDigits(t)
	case json.Number:
		return maskDigits(t.String())
	case float64:
		return maskDigits(fmt.Sprintf("%.0f", t))
	default:
		return redacted
	}
}

func maskEmail(s string, at int) string {
	return s[:1] + "***" + s[at:]
}

// maskDigits keeps the last four digits when there are more than four.
func maskDigits(s string) string {
	var digits []rune
	for _, r := range s {
		if unicode.IsDigit(r) {
			digits = append(digits, r)
		}
	}
	if len(digits) > 4 {
		return "***" + string(digits[len(digits)-4:])
	}
	return "***"
}

// looksLikePhone catches international phone numbers in free-text fields.
func looksLikePhone(s string) bool {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "+") || len(s) < 8 {
		return false
	}
	num, err := libphonenumber.Parse(s, "")
	if err != nil {
		return false
	}
	return libphonenumber.IsValidNumber(num)
}

// MaskPayload converts payload to its JSON shape, masks it and returns the
// canonical JSON text (object keys sorted).
func MaskPayload(payload any) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return "", err
	}
	out, err := json.Marshal(Mask(generic))
	if err != nil {
		return "", err
	}
	return string(out), nil
}
