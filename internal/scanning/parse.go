package scanning

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// UnknownPlace is used when the model did not name the store
const UnknownPlace = "Unknown"

// Field names as they appear in the model's JSON reply
const (
	fieldPlaceName = "placeName"
	fieldAmount    = "amount"
	fieldCurrency  = "currency"
	fieldPaidAt    = "paidAt"
	fieldAddress   = "address"
	fieldLatitude  = "latitude"
	fieldLongitude = "longitude"
	fieldCategory  = "category"
)

// degradedThreshold is how many of the core fields may fall back before a
// result counts as degraded
const degradedThreshold = 3

var coreFields = []string{fieldPlaceName, fieldAmount, fieldCurrency, fieldPaidAt, fieldAddress}

// paidAtLayouts are tried in order; date-only values land on midnight UTC
var paidAtLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

var currencyCode = regexp.MustCompile(`^[A-Z]{3}$`)

// maxExponent bounds the exponent of parsed numbers; it must be checked before
// any comparison or conversion, since those rescale by 10^exp
const maxExponent = 30

var maxAmount = decimal.NewFromInt(math.MaxInt64)

// ReceiptFields contains the information extracted from a receipt, before it
// is persisted. Every field degrades independently.
type ReceiptFields struct {
	PlaceName string          `json:"placeName"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  Field[string]   `json:"currency"`
	PaidAt    time.Time       `json:"paidAt"`
	Category  Field[string]   `json:"category"`
	Address   Field[string]   `json:"address"`
	Latitude  Field[float64]  `json:"latitude"`
	Longitude Field[float64]  `json:"longitude"`

	// Raw holds the model reply when it could not be read as an object at all
	Raw string `json:"raw,omitempty"`
	// Defaulted lists the core fields that fell back to a default
	Defaulted []string `json:"defaulted,omitempty"`
}

// Degraded reports whether the reply was unreadable or mostly defaulted
func (f ReceiptFields) Degraded() bool {
	return f.Raw != "" || len(f.Defaulted) >= degradedThreshold
}

// ParseReceiptFields reads a model reply into ReceiptFields. It never fails:
// anything it cannot read falls back to a default, and now stands in for an
// unreadable payment date.
func ParseReceiptFields(text string, now time.Time) ReceiptFields {
	fields := ReceiptFields{
		PlaceName: UnknownPlace,
		Amount:    decimal.Zero,
		PaidAt:    now,
	}

	obj, ok := decodeObject(stripCodeFence(text))
	if !ok {
		fields.Raw = text
		fields.Defaulted = append(fields.Defaulted, coreFields...)
		return fields
	}

	if name, ok := stringField(obj, fieldPlaceName).Get(); ok {
		fields.PlaceName = name
	} else {
		fields.Defaulted = append(fields.Defaulted, fieldPlaceName)
	}

	if amount, ok := numberField(obj, fieldAmount); ok && AmountInRange(amount) {
		fields.Amount = amount
	} else {
		fields.Defaulted = append(fields.Defaulted, fieldAmount)
	}

	fields.Currency = currencyField(obj)
	if !fields.Currency.IsPresent() {
		fields.Defaulted = append(fields.Defaulted, fieldCurrency)
	}

	if paidAt, ok := paidAtField(obj); ok {
		fields.PaidAt = paidAt
	} else {
		fields.Defaulted = append(fields.Defaulted, fieldPaidAt)
	}

	fields.Address = stringField(obj, fieldAddress)
	if !fields.Address.IsPresent() {
		fields.Defaulted = append(fields.Defaulted, fieldAddress)
	}

	fields.Category = stringField(obj, fieldCategory)
	fields.Latitude = coordinateField(obj, fieldLatitude, 90)
	fields.Longitude = coordinateField(obj, fieldLongitude, 180)

	return fields
}

// stripCodeFence removes a markdown fence (with optional language tag) around the reply
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	body := strings.TrimPrefix(text, "```")
	body = strings.TrimLeftFunc(body, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_'
	})
	body = strings.TrimSpace(body)
	body = strings.TrimSuffix(body, "```")
	return strings.TrimSpace(body)
}

// decodeObject reads text as one JSON object, falling back to the span
// between the first '{' and the last '}' when the model added prose
func decodeObject(text string) (map[string]any, bool) {
	if obj, err := decodeJSONObject(text); err == nil {
		return obj, true
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return nil, false
	}
	obj, err := decodeJSONObject(text[start : end+1])
	return obj, err == nil
}

func decodeJSONObject(text string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("not a JSON object")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after JSON object")
	}
	return obj, nil
}

func stringField(obj map[string]any, key string) Field[string] {
	s, ok := obj[key].(string)
	if !ok {
		return Absent[string]()
	}
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "null") {
		return Absent[string]()
	}
	return Present(s)
}

func currencyField(obj map[string]any) Field[string] {
	code, ok := stringField(obj, fieldCurrency).Get()
	if !ok {
		return Absent[string]()
	}
	code = strings.ToUpper(code)
	if !currencyCode.MatchString(code) {
		return Absent[string]()
	}
	return Present(code)
}

// numberField accepts a JSON number or a numeric string such as "$1,234.50"
func numberField(obj map[string]any, key string) (decimal.Decimal, bool) {
	switch v := obj[key].(type) {
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil || !exponentInRange(d) {
			return decimal.Zero, false
		}
		return d, true
	case string:
		return parseNumericString(v)
	}
	return decimal.Zero, false
}

func exponentInRange(d decimal.Decimal) bool {
	exp := d.Exponent()
	return exp >= -maxExponent && exp <= maxExponent
}

// AmountInRange reports whether d can be stored as a whole int64 amount
func AmountInRange(d decimal.Decimal) bool {
	return exponentInRange(d) && d.Abs().LessThanOrEqual(maxAmount)
}

func coordinateField(obj map[string]any, key string, limit float64) Field[float64] {
	d, ok := numberField(obj, key)
	if !ok {
		return Absent[float64]()
	}
	f, _ := d.Float64()
	if f < -limit || f > limit {
		return Absent[float64]()
	}
	return Present(f)
}

func parseNumericString(s string) (decimal.Decimal, bool) {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' || r == '-' {
			b.WriteRune(r)
		}
	}

	cleaned := normalizeSeparators(b.String())
	if cleaned == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil || !exponentInRange(d) {
		return decimal.Zero, false
	}
	return d, true
}

// normalizeSeparators resolves decimal commas: "9,99" and "1.234,56" use a
// comma for the fraction, "1,500" and "1,234.56" use it for thousands
func normalizeSeparators(s string) string {
	lastComma := strings.LastIndex(s, ",")
	if lastComma == -1 {
		return s
	}
	lastDot := strings.LastIndex(s, ".")

	switch {
	case lastDot > lastComma:
		return strings.ReplaceAll(s, ",", "")
	case lastDot != -1:
		s = strings.ReplaceAll(s, ".", "")
		return strings.Replace(s, ",", ".", 1)
	case strings.Count(s, ",") == 1 && len(s)-lastComma-1 == 2:
		return strings.Replace(s, ",", ".", 1)
	default:
		return strings.ReplaceAll(s, ",", "")
	}
}

func paidAtField(obj map[string]any) (time.Time, bool) {
	s, ok := stringField(obj, fieldPaidAt).Get()
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range paidAtLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
