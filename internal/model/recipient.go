package model

import "regexp"

var e164 = regexp.MustCompile(`^\+[1-9]\d{0,14}$`)

// ValidRecipient reports whether addr is an E.164 phone number.
func ValidRecipient(addr string) bool {
	return e164.MatchString(addr)
}

// SplitRecipients keeps the order of addrs and separates the invalid ones.
func SplitRecipients(addrs []string) (valid, invalid []string) {
	for _, a := range addrs {
		if ValidRecipient(a) {
			valid = append(valid, a)
			continue
		}
		invalid = append(invalid, a)
	}
	return valid, invalid
}
