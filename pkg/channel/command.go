package channel

import "strings"

// CommandSyntax names the native command style of a channel.
type CommandSyntax string

const (
	SyntaxSlash    CommandSyntax = "slash"
	SyntaxCLIFlags CommandSyntax = "cli_flags"
	SyntaxHTTP     CommandSyntax = "http"
	SyntaxText     CommandSyntax = "text"
	SyntaxMixed    CommandSyntax = "mixed"
)

// CommandSigil prefixes every canonical command name.
const CommandSigil = "/"

// NormalizeCommand maps a channel-native command spelling to the canonical
// slash form. "--help", "help", "/help", and "GET /help" all normalize to
// "/help". Non-command text comes back unchanged.
func NormalizeCommand(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return s
	}

	// HTTP verb prefix, e.g. "GET /help".
	fields := strings.Fields(s)
	if len(fields) >= 2 && isHTTPVerb(fields[0]) && strings.HasPrefix(fields[1], CommandSigil) {
		return strings.Join(fields[1:], " ")
	}

	head, rest, _ := strings.Cut(s, " ")
	switch {
	case strings.HasPrefix(head, CommandSigil):
		// Already canonical.
	case strings.HasPrefix(head, "--"):
		head = CommandSigil + strings.TrimPrefix(head, "--")
	case isBareCommandWord(head):
		head = CommandSigil + strings.ToLower(head)
	default:
		return s
	}
	if rest != "" {
		return head + " " + rest
	}
	return head
}

// MapCommandSyntax renders a canonical command in the given native syntax.
func MapCommandSyntax(canonical string, syntax CommandSyntax) string {
	name := strings.TrimPrefix(canonical, CommandSigil)
	switch syntax {
	case SyntaxCLIFlags:
		return "--" + name
	case SyntaxHTTP:
		return "GET /" + name
	case SyntaxText:
		return name
	default:
		return CommandSigil + name
	}
}

func isHTTPVerb(s string) bool {
	switch strings.ToUpper(s) {
	case "GET", "POST", "PUT", "DELETE", "HEAD", "PATCH":
		return true
	}
	return false
}

// bareCommandWords are the words accepted without a sigil. Only well-known
// command names qualify; arbitrary text must not turn into commands.
var bareCommandWords = map[string]bool{
	"help":    true,
	"about":   true,
	"status":  true,
	"version": true,
}

func isBareCommandWord(s string) bool {
	return bareCommandWords[strings.ToLower(s)]
}
