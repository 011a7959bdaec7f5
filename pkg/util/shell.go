package util

import "strings"

// ShellQuote quotes a path for safe use in remote shell commands.
// Paths starting with ~/ preserve tilde expansion while quoting the rest.
func ShellQuote(path string) string {
	if strings.HasPrefix(path, "~/") {
		return "~/" + SingleQuote(path[2:])
	}
	return SingleQuote(path)
}

// SingleQuote wraps a string in single quotes, escaping any embedded single quotes.
func SingleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

// QuoteArgs shell-quotes each argument using SingleQuote.
func QuoteArgs(args []string) []string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = SingleQuote(arg)
	}
	return quoted
}
