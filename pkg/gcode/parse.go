package gcode

import (
	"regexp"
	"strconv"
	"strings"

	"reprapd/pkg/channel"
	"reprapd/pkg/errors"
	"reprapd/pkg/pool"
)

var reParenComment = regexp.MustCompile(`\([^)]*\)`)

// Parse parses a single line of text into a Code on the given channel.
// Empty lines return (nil, nil). Whole-line comments become Comment
// codes; trailing comments are kept on the code.
func Parse(ch channel.Channel, line string) (*Code, error) {
	ln := strings.TrimSpace(line)
	if ln == "" {
		return nil, nil
	}

	code := &Code{
		Channel: ch,
		Raw:     line,
		Major:   -1,
		Minor:   -1,
	}

	// Whole-line comment
	if ln[0] == ';' {
		code.Type = Comment
		code.Comment = strings.TrimSpace(ln[1:])
		return code, nil
	}

	// Trailing comment, honoring quoted strings
	if idx := indexUnquoted(ln, ';'); idx >= 0 {
		code.Comment = strings.TrimSpace(ln[idx+1:])
		ln = strings.TrimSpace(ln[:idx])
	}

	// Parenthesized comments
	if strings.IndexByte(ln, '(') >= 0 {
		for _, m := range reParenComment.FindAllString(ln, -1) {
			text := strings.TrimSpace(m[1 : len(m)-1])
			if code.Comment != "" && text != "" {
				code.Comment += " "
			}
			code.Comment += text
		}
		ln = strings.TrimSpace(reParenComment.ReplaceAllString(ln, " "))
	}

	if ln == "" {
		code.Type = Comment
		return code, nil
	}

	fields := pool.GetFields()
	defer pool.PutFields(fields)
	*fields = splitFields(ln, *fields)

	rest, err := parseCodeWord(code, *fields)
	if err != nil {
		return nil, err
	}

	for i := 0; i < len(rest); i++ {
		f := rest[i]
		letter := upper(f[0])
		if letter < 'A' || letter > 'Z' {
			return nil, errors.ParseError(line, "parameter must start with a letter")
		}
		value := f[1:]
		p := Parameter{Letter: letter}
		if strings.HasPrefix(value, `"`) {
			p.Quoted = true
			p.Value = unquote(value)
		} else {
			p.Value = value
		}
		code.Parameters = append(code.Parameters, p)
	}
	return code, nil
}

// MustParse is a test and macro helper that panics on parse errors.
func MustParse(ch channel.Channel, line string) *Code {
	code, err := Parse(ch, line)
	if err != nil {
		panic(err)
	}
	return code
}

// parseCodeWord consumes the leading line number (if any) and the code
// word itself, returning the remaining parameter fields.
func parseCodeWord(code *Code, fields []string) ([]string, error) {
	if len(fields) == 0 {
		return nil, errors.ParseError(code.Raw, "empty code")
	}

	// Line numbers ("N123 G1 ...") are accepted and dropped.
	first := fields[0]
	if upper(first[0]) == 'N' && len(fields) > 1 && isNumber(first[1:]) {
		fields = fields[1:]
		first = fields[0]
	}

	switch upper(first[0]) {
	case 'G':
		code.Type = GCode
	case 'M':
		code.Type = MCode
	case 'T':
		code.Type = TCode
	default:
		return nil, errors.ParseError(code.Raw, "expected G, M or T code")
	}

	number := first[1:]
	if number == "" {
		// A bare "T" reports the current tool.
		if code.Type != TCode {
			return nil, errors.ParseError(code.Raw, "missing code number")
		}
		return fields[1:], nil
	}

	major := number
	if dot := strings.IndexByte(number, '.'); dot >= 0 {
		major = number[:dot]
		minor, err := strconv.Atoi(number[dot+1:])
		if err != nil {
			return nil, errors.ParseError(code.Raw, "invalid minor code number")
		}
		code.Minor = minor
	}
	n, err := strconv.Atoi(major)
	if err != nil {
		return nil, errors.ParseError(code.Raw, "invalid code number")
	}
	code.Major = n
	return fields[1:], nil
}

// splitFields splits on whitespace like strings.Fields but keeps quoted
// strings (with "" escaping) together, so `M550 P"My Printer"` yields
// two fields.
func splitFields(s string, out []string) []string {
	var cur strings.Builder
	inQuote := false
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inQuote = !inQuote
			cur.WriteByte(c)
		case (c == ' ' || c == '\t') && !inQuote:
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}

// indexUnquoted returns the index of the first occurrence of c outside
// double quotes, or -1.
func indexUnquoted(s string, c byte) int {
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '"':
			inQuote = !inQuote
		case s[i] == c && !inQuote:
			return i
		}
	}
	return -1
}

// unquote strips surrounding quotes and collapses "" escapes.
func unquote(s string) string {
	s = strings.TrimPrefix(s, `"`)
	s = strings.TrimSuffix(s, `"`)
	return strings.ReplaceAll(s, `""`, `"`)
}

func isNumber(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func upper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - 'a' + 'A'
	}
	return c
}
