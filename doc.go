// Package spf implements Sender Policy Framework (SPF) verification per
// RFC 7208.
//
// SPF lets a domain owner publish, in DNS, which hosts are authorized to
// send mail using the domain. A receiving server evaluates the policy
// with the check_host function against the connecting IP and the
// identities from the SMTP MAIL FROM and EHLO/HELO commands.
//
// Use Verify for evaluating a message delivery, producing both a Result
// and a Received value for adding a Received-SPF header to the message.
// CheckHost exposes the raw check_host function for callers that manage
// identities themselves.
//
// Evaluation enforces the RFC 7208 processing limits: at most 10
// DNS-querying mechanisms and modifiers per check, and at most 2 lookups
// returning no records. Exceeding a limit yields a permerror.
package spf
