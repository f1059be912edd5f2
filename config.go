package main

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/samber/lo"
)

const (
	listSeparator       = ";"
	minIPListLength     = 7
	minTokenListLength  = 121
	tokenLogSuffixChars = 10

	noticeIPAddresses  = "ip_addresses"
	noticeAccessTokens = "access_tokens"
)

var hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9.-]*[A-Za-z0-9])?$`)

// PanelIdentity is the address and bearer token of one panel.
type PanelIdentity struct {
	IPAddress string
	AuthToken string
}

// ConfigurationError reports a problem with the configured panel lists.
// Key names the notice it is surfaced under.
type ConfigurationError struct {
	Key     string
	Message string
}

func (e *ConfigurationError) Error() string {
	return e.Message
}

// PanelSlot is one position of the configured lists: either a usable
// identity or the reason it was rejected.
type PanelSlot struct {
	Err      *ConfigurationError
	Identity PanelIdentity
	Number   int
}

// parsePanelList validates the ';'-separated IP and token lists and pairs
// them by position. A list-level problem returns an error and no slots. A
// problem with one entry only marks that slot.
func parsePanelList(ipList, tokenList string) ([]PanelSlot, error) {
	ipList = strings.TrimSpace(ipList)
	tokenList = strings.TrimSpace(tokenList)

	if len(ipList) < minIPListLength {
		return nil, &ConfigurationError{
			Key:     noticeIPAddresses,
			Message: "Please set IP Addresses of your SPAN panels, separated by ';'",
		}
	}
	if len(tokenList) < minTokenListLength {
		return nil, &ConfigurationError{
			Key:     noticeAccessTokens,
			Message: "Please set Access Tokens of your SPAN panels, in the same order as the IP Addresses, separated by ';'",
		}
	}

	ips := splitList(ipList)
	tokens := splitList(tokenList)

	slots := make([]PanelSlot, 0, len(ips))
	for i, ip := range ips {
		number := i + 1
		slot := PanelSlot{Number: number}

		switch {
		case !validPanelHost(ip):
			slot.Err = &ConfigurationError{
				Key:     panelNoticeKey(number),
				Message: fmt.Sprintf("Panel %d: %q is not a valid IP address or host name", number, ip),
			}
		case i >= len(tokens) || tokens[i] == "":
			slot.Err = &ConfigurationError{
				Key:     panelNoticeKey(number),
				Message: fmt.Sprintf("Panel %d (%s) has no Access Token; tokens must be listed in the same order as IP Addresses", number, ip),
			}
		case strings.ContainsAny(tokens[i], " \t"):
			slot.Err = &ConfigurationError{
				Key:     panelNoticeKey(number),
				Message: fmt.Sprintf("Panel %d (%s) Access Token contains whitespace", number, ip),
			}
		default:
			slot.Identity = PanelIdentity{IPAddress: ip, AuthToken: tokens[i]}
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

func splitList(list string) []string {
	items := lo.Map(strings.Split(list, listSeparator), func(item string, _ int) string {
		return strings.TrimSpace(item)
	})
	// A trailing separator is not an extra panel.
	for len(items) > 0 && items[len(items)-1] == "" {
		items = items[:len(items)-1]
	}
	return items
}

func validPanelHost(host string) bool {
	if host == "" {
		return false
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if net.ParseIP(host) != nil {
		return true
	}
	return hostnamePattern.MatchString(host)
}

func panelNoticeKey(number int) string {
	return fmt.Sprintf("panel_%d", number)
}

// redactToken keeps only the tail of a token for logging.
func redactToken(token string) string {
	if len(token) <= tokenLogSuffixChars {
		return "..."
	}
	return "..." + token[len(token)-tokenLogSuffixChars:]
}
