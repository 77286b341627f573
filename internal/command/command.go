// Package command implements the single-line SMTP command parser (spec.md
// §4.2 / C2).
//
// Grounded on laitos's daemon/smtpd/smtp/protocol.go (parseConversationCommand,
// the verb table, the "verb must be followed by a word boundary" rule) and
// gopistolet's smtp/protocol.go path-extraction regexes, generalized into a
// regex-free scanner so MAIL FROM / RCPT TO parameter extraction follows
// spec.md's literal angle-bracket rule instead of laitos's stricter
// "must end in '>'" shortcut.
package command

import "strings"

// Verb identifies the decoded SMTP command.
type Verb int

const (
	VerbUnknown Verb = iota
	VerbHELO
	VerbEHLO
	VerbMAILFROM
	VerbRCPTTO
	VerbDATA
	VerbRSET
	VerbNOOP
	VerbQUIT
	VerbSTARTTLS
	VerbVRFY
)

// String names the verb for logging.
func (v Verb) String() string {
	switch v {
	case VerbHELO:
		return "HELO"
	case VerbEHLO:
		return "EHLO"
	case VerbMAILFROM:
		return "MAIL FROM"
	case VerbRCPTTO:
		return "RCPT TO"
	case VerbDATA:
		return "DATA"
	case VerbRSET:
		return "RSET"
	case VerbNOOP:
		return "NOOP"
	case VerbQUIT:
		return "QUIT"
	case VerbSTARTTLS:
		return "STARTTLS"
	case VerbVRFY:
		return "VRFY"
	default:
		return "UNKNOWN"
	}
}

// Command is the decoded, tagged variant produced by Parse.
//
// Domain holds the HELO/EHLO argument. Path holds the MAIL FROM / RCPT TO
// mailbox text (angle brackets stripped; empty string is the null path).
// PathValid is false when a MAIL/RCPT line failed the basic "remainder
// begins with FROM:/TO:" shape check — the caller (state machine) turns
// that into a 501. Text holds the VRFY argument. Raw holds the original
// verb token for UNKNOWN commands.
type Command struct {
	Verb      Verb
	Domain    string
	Path      string
	PathValid bool
	Text      string
	Raw       string
}

// Parse decodes a single SMTP command line, already stripped of its
// trailing CRLF. Parse never fails: malformed input becomes
// Command{Verb: VerbUnknown, Raw: verb}.
func Parse(line string) Command {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{Verb: VerbUnknown, Raw: ""}
	}

	verb, rest := splitVerb(line)
	upper := strings.ToUpper(verb)

	switch upper {
	case "HELO":
		return Command{Verb: VerbHELO, Domain: strings.TrimSpace(rest)}
	case "EHLO":
		return Command{Verb: VerbEHLO, Domain: strings.TrimSpace(rest)}
	case "MAIL":
		return parsePathCommand(VerbMAILFROM, rest, "FROM:")
	case "RCPT":
		return parsePathCommand(VerbRCPTTO, rest, "TO:")
	case "DATA":
		return Command{Verb: VerbDATA}
	case "RSET":
		return Command{Verb: VerbRSET}
	case "NOOP":
		return Command{Verb: VerbNOOP}
	case "QUIT":
		return Command{Verb: VerbQUIT}
	case "STARTTLS":
		return Command{Verb: VerbSTARTTLS}
	case "VRFY":
		return Command{Verb: VerbVRFY, Text: strings.TrimSpace(rest)}
	default:
		return Command{Verb: VerbUnknown, Raw: verb}
	}
}

// splitVerb separates the first whitespace-delimited token from the
// remainder of the line.
func splitVerb(line string) (verb, rest string) {
	i := strings.IndexAny(line, " \t")
	if i == -1 {
		return line, ""
	}
	return line[:i], line[i+1:]
}

// parsePathCommand implements the MAIL FROM: / RCPT TO: parameter rule from
// spec.md §4.2: the remainder after the verb must begin (case-insensitively)
// with the given prefix; the path is the angle-bracket-delimited text that
// follows, or the whole remaining token if no '<' is present.
func parsePathCommand(verb Verb, rest, prefix string) Command {
	trimmed := strings.TrimSpace(rest)
	if !hasCaseInsensitivePrefix(trimmed, prefix) {
		return Command{Verb: verb, PathValid: false}
	}
	remainder := strings.TrimSpace(trimmed[len(prefix):])
	path, ok := extractPath(remainder)
	if !ok {
		return Command{Verb: verb, PathValid: false}
	}
	return Command{Verb: verb, Path: path, PathValid: true}
}

func hasCaseInsensitivePrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// extractPath implements spec.md §4.2's path extraction rule: if the text
// starts with '<' and contains a subsequent '>', take the text between
// them (trailing ESMTP parameters such as SIZE=nnn are accepted but
// ignored); otherwise take the whole token. Empty text yields the null
// path, which is valid.
func extractPath(remainder string) (path string, ok bool) {
	if remainder == "" {
		return "", true
	}
	if remainder[0] != '<' {
		// No angle brackets: treat the whole (first) token as the path,
		// matching spec.md's "otherwise take the whole token" fallback.
		fields := strings.Fields(remainder)
		if len(fields) == 0 {
			return "", true
		}
		return fields[0], true
	}
	end := strings.IndexByte(remainder, '>')
	if end == -1 {
		return "", false
	}
	return remainder[1:end], true
}
