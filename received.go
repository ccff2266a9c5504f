package spf

import (
	"fmt"
	"net"
	"strings"
)

// Received is the outcome of a verification in the form carried by the
// Received-SPF trace header (RFC 7208 section 9.1).
type Received struct {
	Result       Status // Status for the checked identity.
	Comment      string // Free-form text placed in parentheses after the result.
	ClientIP     net.IP // Address the connection came from.
	EnvelopeFrom string // MAIL FROM mailbox, or postmaster@helo for the helo identity.
	Helo         string // EHLO/HELO argument as given.
	Problem      string // Short description of what went wrong, if anything.
	Receiver     string // Host that performed the verification.
	Identity     string // "mailfrom" or "helo".
	Mechanism    string // Directive that produced the result, if any.
	Authentic    bool   // Whether all DNS answers involved were DNSSEC-secure.
}

// Longer problem texts are cut off so a single bad record cannot blow up
// the header.
const problemLenMax = 60

// Header renders the Received-SPF header field value: the result, an
// optional parenthesized comment, then semicolon-separated key-value
// pairs.
func (r Received) Header() string {
	pairs := []string{
		"client-ip", r.ClientIP.String(),
		"envelope-from", r.EnvelopeFrom,
		"helo", r.Helo,
	}
	if r.Problem != "" {
		problem := r.Problem
		if len(problem) > problemLenMax {
			problem = problem[:problemLenMax]
		}
		pairs = append(pairs, "problem", problem)
	}
	if r.Mechanism != "" {
		pairs = append(pairs, "mechanism", r.Mechanism)
	}
	pairs = append(pairs, "receiver", r.Receiver, "identity", r.Identity)

	var b strings.Builder
	b.WriteString("Received-SPF: ")
	b.WriteString(string(r.Result))
	if r.Comment != "" {
		fmt.Fprintf(&b, " (%s)", r.Comment)
	}
	for i := 0; i < len(pairs); i += 2 {
		fmt.Fprintf(&b, " %s=%s", pairs[i], encodeHeaderValue(pairs[i+1]))
		if i+2 < len(pairs) {
			b.WriteByte(';')
		}
	}
	return b.String()
}

// Specials beyond letters and digits that may appear in an unquoted
// dot-atom value.
const dotAtomSpecials = "!#$%&'*+-/=?^_`{|}~."

// encodeHeaderValue returns s as-is when it is a non-empty dot-atom,
// and as a quoted-string otherwise.
func encodeHeaderValue(s string) string {
	plain := s != ""
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune(dotAtomSpecials, r):
		default:
			plain = false
		}
	}
	if plain {
		return s
	}

	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}
