// Package auth decides whether an inbound payload may act on the
// gateway. SMS trusts the sender identity; every other channel trusts
// a token carried in the payload.
package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Channel sources as carried in the SRC= payload tag.
const (
	SourceSMS       = "sms"
	SourceShortLink = "short-link"
	SourceWideRadio = "wide-radio"
	SourcePub       = "pub"
)

// ErrReject is wrapped by every authorization failure.
var ErrReject = errors.New("unauthorized")

// Config holds the credentials the authenticator checks against. All
// tokens are optional; an empty token never matches.
type Config struct {
	SharedToken   string
	BTToken       string // short-link channel
	LoRaToken     string // wide-radio channel
	MQToken       string // pub channel
	RecoveryToken string
	AdminPhones   []string // normalized E.164
	CountryCode   string   // default prefix for 10-digit numbers, e.g. "+1"
}

// Authenticator checks inbound credentials against the configured set.
type Authenticator struct {
	config Config
	admins map[string]bool
}

// New creates an authenticator. Admin phone numbers are normalized on
// the way in so lookups compare canonical forms.
func New(config Config) *Authenticator {
	a := &Authenticator{
		config: config,
		admins: make(map[string]bool, len(config.AdminPhones)),
	}
	for _, phone := range config.AdminPhones {
		a.admins[NormalizePhone(phone, config.CountryCode)] = true
	}
	return a
}

// Authorize checks one payload's credentials. src is the channel tag,
// sender the SMS originator (empty elsewhere), token and recovery the
// TOK= and RECOV= values carried in the payload.
//
// SMS authorizes by sender identity or recovery token only; the shared
// token is ignored there. Every other channel accepts the shared token
// or its per-channel token.
func (a *Authenticator) Authorize(src, sender, token, recovery string) error {
	if src == SourceSMS {
		if a.admins[NormalizePhone(sender, a.config.CountryCode)] {
			return nil
		}
		if recovery != "" && recovery == a.config.RecoveryToken {
			return nil
		}
		return fmt.Errorf("%w: sms sender %s not admin", ErrReject, sender)
	}

	if token != "" && token == a.config.SharedToken {
		return nil
	}
	if token != "" && token == a.channelToken(src) {
		return nil
	}
	return fmt.Errorf("%w: bad token on %s", ErrReject, src)
}

func (a *Authenticator) channelToken(src string) string {
	switch src {
	case SourceShortLink:
		return a.config.BTToken
	case SourceWideRadio:
		return a.config.LoRaToken
	case SourcePub:
		return a.config.MQToken
	}
	return ""
}

// IsAdmin reports whether a sender is a configured admin, for reply
// gating.
func (a *Authenticator) IsAdmin(sender string) bool {
	return a.admins[NormalizePhone(sender, a.config.CountryCode)]
}

// NormalizePhone canonicalizes a phone number: spaces removed, one
// leading trunk zero stripped, bare 10-digit numbers prefixed with the
// default country code.
func NormalizePhone(raw, countryCode string) string {
	s := strings.ReplaceAll(raw, " ", "")
	if s == "" {
		return ""
	}
	if strings.HasPrefix(s, "+") {
		return s
	}
	if strings.HasPrefix(s, "0") {
		s = s[1:]
	}
	if len(s) == 10 && isDigits(s) && countryCode != "" {
		return countryCode + s
	}
	return s
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
