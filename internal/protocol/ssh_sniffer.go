// lunch - distributed process supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import "strings"

// sshErrorPatterns are substrings that indicate an SSH auth or
// reachability failure, scanned for on every inbound line of a
// remote-spawned slave's channel.
var sshErrorPatterns = []string{
	"password:",
	"passphrase for key",
	"connection refused",
	"no route to host",
	"unknown host",
	"command not found",
	"host key verification failed",
	"identification exchange error",
}

// SSHSniffer scans inbound lines for substrings indicating an SSH
// transport failure and latches after the first match: once Scan reports
// a match it reports no further matches, as required by the "emit
// sshError exactly once per supervisor instance" rule.
type SSHSniffer struct {
	latched bool
}

// NewSSHSniffer returns a sniffer ready to scan a fresh slave channel.
func NewSSHSniffer() *SSHSniffer {
	return &SSHSniffer{}
}

// Scan inspects a raw inbound line (before ParseLine's verb filtering, since
// an SSH password prompt or error is not framed as a verb at all). It
// returns the matched, human-readable message and true the first time a
// pattern matches; afterwards it always returns false.
func (s *SSHSniffer) Scan(line string) (message string, matched bool) {
	if s.latched {
		return "", false
	}
	lower := strings.ToLower(line)
	for _, pattern := range sshErrorPatterns {
		if strings.Contains(lower, pattern) {
			s.latched = true
			return strings.TrimSpace(line), true
		}
	}
	return "", false
}

// Latched reports whether this sniffer has already emitted its one
// sshError.
func (s *SSHSniffer) Latched() bool {
	return s.latched
}
