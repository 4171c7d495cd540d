package utils

import "github.com/microcosm-cc/bluemonday"

var sanitizer = bluemonday.UGCPolicy()

// Sanitize strips markup not allowed in user generated content.
func Sanitize(input string) string {
	return sanitizer.Sanitize(input)
}
