package tabular

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Typed normalization for extracted cell values. Exported because agent
// post-validation reuses the date and currency forms outside the tabular
// sub-graph.

var russianMonths = map[string]time.Month{
	"января":   time.January,
	"февраля":  time.February,
	"марта":    time.March,
	"апреля":   time.April,
	"мая":      time.May,
	"июня":     time.June,
	"июля":     time.July,
	"августа":  time.August,
	"сентября": time.September,
	"октября":  time.October,
	"ноября":   time.November,
	"декабря":  time.December,
}

var englishMonths = map[string]time.Month{
	"january": time.January, "february": time.February, "march": time.March,
	"april": time.April, "may": time.May, "june": time.June, "july": time.July,
	"august": time.August, "september": time.September, "october": time.October,
	"november": time.November, "december": time.December,
}

var (
	dottedDate  = regexp.MustCompile(`^(\d{1,2})\.(\d{1,2})\.(\d{4})$`)
	longFormRu  = regexp.MustCompile(`^(\d{1,2})\s+([а-яё]+)\s+(\d{4})(?:\s+года?)?$`)
	longFormEn  = regexp.MustCompile(`^(\d{1,2})\s+([a-z]+)\s+(\d{4})$`)
	longFormEn2 = regexp.MustCompile(`^([a-z]+)\s+(\d{1,2}),?\s+(\d{4})$`)
)

// NormalizeDate parses the accepted date forms and returns YYYY-MM-DD.
// Accepted: ISO, DD.MM.YYYY, long Russian ("15 января 2024 года") and
// English ("15 January 2024", "March 3, 2024") forms, and relative forms
// against a reference date. Years outside [1900, 2100] are rejected.
func NormalizeDate(value string, reference time.Time) (string, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return "", fmt.Errorf("empty date")
	}

	if t, err := time.Parse("2006-01-02", v); err == nil {
		return checkedISO(t)
	}
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(value)); err == nil {
		return checkedISO(t)
	}
	if m := dottedDate.FindStringSubmatch(v); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		return checkedDate(year, time.Month(month), day)
	}
	if m := longFormRu.FindStringSubmatch(v); m != nil {
		if month, ok := russianMonths[m[2]]; ok {
			day, _ := strconv.Atoi(m[1])
			year, _ := strconv.Atoi(m[3])
			return checkedDate(year, month, day)
		}
	}
	if m := longFormEn.FindStringSubmatch(v); m != nil {
		if month, ok := englishMonths[m[2]]; ok {
			day, _ := strconv.Atoi(m[1])
			year, _ := strconv.Atoi(m[3])
			return checkedDate(year, month, day)
		}
	}
	if m := longFormEn2.FindStringSubmatch(v); m != nil {
		if month, ok := englishMonths[m[1]]; ok {
			day, _ := strconv.Atoi(m[2])
			year, _ := strconv.Atoi(m[3])
			return checkedDate(year, month, day)
		}
	}
	if iso, ok := relativeDate(v, reference); ok {
		return iso, nil
	}
	return "", fmt.Errorf("unrecognized date %q", value)
}

func relativeDate(v string, reference time.Time) (string, bool) {
	if reference.IsZero() {
		return "", false
	}
	switch v {
	case "today", "сегодня":
		return reference.Format("2006-01-02"), true
	case "yesterday", "вчера":
		return reference.AddDate(0, 0, -1).Format("2006-01-02"), true
	case "tomorrow", "завтра":
		return reference.AddDate(0, 0, 1).Format("2006-01-02"), true
	}
	return "", false
}

func checkedISO(t time.Time) (string, error) {
	return checkedDate(t.Year(), t.Month(), t.Day())
}

func checkedDate(year int, month time.Month, day int) (string, error) {
	if year < 1900 || year > 2100 {
		return "", fmt.Errorf("year %d outside plausible range", year)
	}
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || t.Month() != month {
		return "", fmt.Errorf("impossible calendar date %d-%d-%d", year, month, day)
	}
	return t.Format("2006-01-02"), nil
}

var currencyAmount = regexp.MustCompile(`-?\d[\d\s.,]*\d|\d`)

// NormalizeCurrency extracts the numeric amount from a currency string,
// tolerating thousands separators in both "1,234.56" and "1 234,56" styles.
// The original string stays in the cell's value; this is normalized_value.
func NormalizeCurrency(value string) (float64, error) {
	m := currencyAmount.FindString(value)
	if m == "" {
		return 0, fmt.Errorf("no amount in %q", value)
	}
	m = strings.ReplaceAll(m, " ", "")
	m = strings.ReplaceAll(m, " ", "")

	commas := strings.Count(m, ",")
	lastComma := strings.LastIndex(m, ",")
	lastDot := strings.LastIndex(m, ".")
	// A comma is the decimal mark only when it is the sole comma and not
	// an obvious thousands group: with no dot present, a lone comma before
	// exactly three trailing digits ("1,234") reads as grouping.
	decimalComma := commas == 1 && lastComma > lastDot &&
		(lastDot >= 0 || len(m)-lastComma-1 != 3)
	if decimalComma {
		m = strings.ReplaceAll(m, ".", "")
		m = strings.Replace(m, ",", ".", 1)
	} else {
		m = strings.ReplaceAll(m, ",", "")
	}
	amount, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable amount %q: %w", value, err)
	}
	return amount, nil
}

// NormalizeYesNo maps free-form boolean answers to Yes/No/Unknown.
func NormalizeYesNo(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "yes", "y", "true", "да":
		return "Yes"
	case "no", "n", "false", "нет":
		return "No"
	default:
		return "Unknown"
	}
}

// whitespaceRun collapses runs for verbatim comparison.
var whitespaceRun = regexp.MustCompile(`\s+`)

// VerbatimDerivable reports whether quote occurs in snippet after
// whitespace normalization. Verbatim columns must quote their source.
func VerbatimDerivable(quote, snippet string) bool {
	canon := func(s string) string {
		return whitespaceRun.ReplaceAllString(strings.TrimSpace(s), " ")
	}
	q := canon(quote)
	return q != "" && strings.Contains(canon(snippet), q)
}
