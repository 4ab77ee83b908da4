package mailing

import "regexp"

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Substitute replaces every {{name}} placeholder with its literal value.
// Unknown placeholders are left untouched.
func Substitute(s string, vars map[string]string) string {
	if s == "" || len(vars) == 0 {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}
