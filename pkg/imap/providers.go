package imap

import "strings"

// Provider describes a known email provider's IMAP endpoint. The Tag keys
// the action backend registry.
type Provider struct {
	Name string
	Tag  string
	Host string
	Port int
	TLS  bool
}

var knownProviders = map[string]Provider{
	"gmail.com": {
		Name: "Gmail",
		Tag:  "gmail",
		Host: "imap.gmail.com",
		Port: 993,
		TLS:  true,
	},
	"googlemail.com": {
		Name: "Gmail",
		Tag:  "gmail",
		Host: "imap.gmail.com",
		Port: 993,
		TLS:  true,
	},
	"outlook.com": {
		Name: "Outlook",
		Tag:  "generic",
		Host: "outlook.office365.com",
		Port: 993,
		TLS:  true,
	},
	"hotmail.com": {
		Name: "Outlook",
		Tag:  "generic",
		Host: "outlook.office365.com",
		Port: 993,
		TLS:  true,
	},
	"yahoo.com": {
		Name: "Yahoo",
		Tag:  "generic",
		Host: "imap.mail.yahoo.com",
		Port: 993,
		TLS:  true,
	},
	"fastmail.com": {
		Name: "FastMail",
		Tag:  "generic",
		Host: "imap.fastmail.com",
		Port: 993,
		TLS:  true,
	},
}

// DetectProvider maps an email address to its provider settings. Unknown
// domains get the conventional imap.<domain>:993 endpoint and the generic
// provider tag.
func DetectProvider(email string) Provider {
	at := strings.LastIndexByte(email, '@')
	if at < 0 || at == len(email)-1 {
		return Provider{Name: "Unknown", Tag: "generic", Port: 993, TLS: true}
	}
	domain := strings.ToLower(email[at+1:])
	if p, ok := knownProviders[domain]; ok {
		return p
	}
	return Provider{
		Name: domain,
		Tag:  "generic",
		Host: "imap." + domain,
		Port: 993,
		TLS:  true,
	}
}
