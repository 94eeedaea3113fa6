// Package text normalizes input text before it is handed to the synthesis model.
//
// The model is multilingual, so the default pipeline only touches whitespace,
// punctuation and typography. English-only rewrites (abbreviations, spelled-out
// numbers) are opt-in.
package text

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// NumberBaseTen represents the base for decimal number system.
	NumberBaseTen = 10
	// NumberBaseTwenty represents the boundary for teen numbers.
	NumberBaseTwenty = 20
	// NumberBaseHundred represents the base for hundreds.
	NumberBaseHundred = 100
	// NumberBaseThousand represents the base for thousands.
	NumberBaseThousand = 1000
	// MaxNumberForWords represents the maximum number that can be converted to words.
	MaxNumberForWords = 999999
)

// Regex patterns for text preprocessing.
const (
	urlRegexPattern        = `https?://\S+`
	emailRegexPattern      = `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`
	numberRegexPattern     = `\b\d+\b`
	whitespaceRegexPattern = `\s+`
)

// Patterns for preserving URLs and emails.
const (
	urlPlaceholderPattern   = `__URL_PLACEHOLDER_%d__`
	emailPlaceholderPattern = `__EMAIL_PLACEHOLDER_%d__`
)

// Punctuation and formatting constants.
const (
	emDash       = "—"
	enDash       = "–"
	figureDash   = "‒"
	ellipsis     = "..."
	ellipsisChar = "…"
)

// Options selects the optional, language-specific rewrites.
type Options struct {
	ExpandAbbreviations bool
	SpellNumbers        bool
}

// Preprocessor provides text preprocessing functionality for synthesis.
type Preprocessor struct {
	opts              Options
	urlPattern        *regexp.Regexp
	emailPattern      *regexp.Regexp
	numberPattern     *regexp.Regexp
	whitespacePattern *regexp.Regexp
	// Efficient replacer for common abbreviations.
	abbreviationReplacer *strings.Replacer
	typographyReplacer   *strings.Replacer
}

// NewPreprocessor creates a new text preprocessor with compiled patterns and replacers.
func NewPreprocessor(opts Options) *Preprocessor {
	abbreviations := []string{
		"Mr.", "Mister",
		"Mrs.", "Misses",
		"Ms.", "Miss",
		"Dr.", "Doctor",
		"St.", "Saint",
		"Co.", "Company",
		"Ltd.", "Limited",
		"Corp.", "Corporation",
		"Inc.", "Incorporated",
	}

	return &Preprocessor{
		opts:                 opts,
		urlPattern:           regexp.MustCompile(urlRegexPattern),
		emailPattern:         regexp.MustCompile(emailRegexPattern),
		numberPattern:        regexp.MustCompile(numberRegexPattern),
		whitespacePattern:    regexp.MustCompile(whitespaceRegexPattern),
		abbreviationReplacer: strings.NewReplacer(abbreviations...),
		typographyReplacer: strings.NewReplacer(
			emDash, "-",
			enDash, "-",
			figureDash, "-",
			ellipsisChar, ellipsis,
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
		),
	}
}

// PreprocessText normalizes text for synthesis. Empty input stays empty.
func (p *Preprocessor) PreprocessText(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}

	normalizedText := text

	if p.opts.ExpandAbbreviations {
		normalizedText = p.abbreviationReplacer.Replace(normalizedText)
	}

	if p.opts.SpellNumbers {
		normalizedText = p.normalizeNumbers(normalizedText)
	}

	preservedText, placeholders := p.preserveTokens(normalizedText)

	cleanedText := p.normalizeWhitespace(preservedText)
	cleanedText = p.removeRepeatedPunctuation(cleanedText)

	restoredText := p.restoreTokens(cleanedText, placeholders)

	return p.ensureSentenceEnding(p.typographyReplacer.Replace(restoredText))
}

// normalizeNumbers finds all integers in the text and converts them to words.
func (p *Preprocessor) normalizeNumbers(text string) string {
	return p.numberPattern.ReplaceAllStringFunc(text, func(s string) string {
		num, err := strconv.Atoi(s)
		if err != nil {
			return s
		}

		return IntegerToWords(num)
	})
}

// preserveTokens temporarily replaces URLs and emails with placeholders so the
// punctuation cleanup cannot corrupt them.
func (p *Preprocessor) preserveTokens(
	text string,
) (processedText string, placeholders map[string]string) {
	placeholders = make(map[string]string)

	counter := 0

	replaceFunc := func(pattern *regexp.Regexp, placeholderFormat string) {
		processedText = pattern.ReplaceAllStringFunc(
			processedText,
			func(match string) string {
				placeholder := fmt.Sprintf(placeholderFormat, counter)

				placeholders[placeholder] = match
				counter++

				return placeholder
			},
		)
	}

	processedText = text

	replaceFunc(p.urlPattern, urlPlaceholderPattern)
	replaceFunc(p.emailPattern, emailPlaceholderPattern)

	return processedText, placeholders
}

// restoreTokens restores URLs and emails from placeholders.
func (p *Preprocessor) restoreTokens(text string, placeholders map[string]string) string {
	for placeholder, original := range placeholders {
		text = strings.ReplaceAll(text, placeholder, original)
	}

	return text
}

func (p *Preprocessor) normalizeWhitespace(text string) string {
	return strings.TrimSpace(p.whitespacePattern.ReplaceAllString(text, " "))
}

// removeRepeatedPunctuation collapses runs of the same punctuation mark, keeping
// three-dot ellipses intact.
func (p *Preprocessor) removeRepeatedPunctuation(text string) string {
	var (
		builder strings.Builder
		last    rune
		run     int
	)

	builder.Grow(len(text))

	for _, char := range text {
		if char == last && unicode.IsPunct(char) && char != '_' {
			run++

			if char == '.' && run <= len(ellipsis) {
				builder.WriteRune(char)
			}

			continue
		}

		builder.WriteRune(char)

		last = char
		run = 1
	}

	return builder.String()
}

// ensureSentenceEnding appends a full stop when the text does not already end a
// sentence. CJK terminators count as endings.
func (p *Preprocessor) ensureSentenceEnding(text string) string {
	trimmedText := strings.TrimSpace(text)
	if trimmedText == "" {
		return ""
	}

	lastChar, _ := utf8.DecodeLastRuneInString(trimmedText)

	switch lastChar {
	case '.', '!', '?', '。', '！', '？', '"', '\'', ')':
		return trimmedText
	default:
		return trimmedText + "."
	}
}

var (
	onesWords = []string{
		"", "one", "two", "three", "four", "five",
		"six", "seven", "eight", "nine",
	}
	teenWords = []string{
		"ten", "eleven", "twelve", "thirteen", "fourteen",
		"fifteen", "sixteen", "seventeen", "eighteen", "nineteen",
	}
	tensWords = []string{
		"", "", "twenty", "thirty", "forty", "fifty",
		"sixty", "seventy", "eighty", "ninety",
	}
)

// IntegerToWords converts an integer in [0, MaxNumberForWords] into English words.
// Numbers outside that range are returned as digits.
func IntegerToWords(number int) string {
	if number < 0 || number > MaxNumberForWords {
		return strconv.Itoa(number)
	}

	if number == 0 {
		return "zero"
	}

	var parts []string

	if thousands := number / NumberBaseThousand; thousands > 0 {
		parts = append(parts, underThousand(thousands)+" thousand")
	}

	if remainder := number % NumberBaseThousand; remainder > 0 {
		parts = append(parts, underThousand(remainder))
	}

	return strings.Join(parts, " ")
}

func underThousand(num int) string {
	if num < NumberBaseHundred {
		return underHundred(num)
	}

	result := onesWords[num/NumberBaseHundred] + " hundred"
	if remainder := num % NumberBaseHundred; remainder > 0 {
		result += " " + underHundred(remainder)
	}

	return result
}

func underHundred(num int) string {
	switch {
	case num < NumberBaseTen:
		return onesWords[num]
	case num < NumberBaseTwenty:
		return teenWords[num-NumberBaseTen]
	default:
		result := tensWords[num/NumberBaseTen]
		if num%NumberBaseTen > 0 {
			result += " " + onesWords[num%NumberBaseTen]
		}

		return result
	}
}
