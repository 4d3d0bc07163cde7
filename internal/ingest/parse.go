package ingest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/1sec-project/perimeter/internal/core"
	"github.com/1sec-project/perimeter/internal/validate"
)

// maxMessageLength bounds the message text copied into event details.
const maxMessageLength = 2048

type syslogMessage struct {
	Facility  int
	Severity  int
	Timestamp *time.Time
	Hostname  string
	AppName   string
	ProcID    string
	Message   string
}

var (
	// <PRI>VERSION TIMESTAMP HOSTNAME APP-NAME PROCID MSGID MSG
	rfc5424Re = regexp.MustCompile(`^<(\d{1,3})>(\d)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s*(.*)$`)
	// <PRI>Mmm dd hh:mm:ss HOSTNAME MSG
	rfc3164Re = regexp.MustCompile(`^<(\d{1,3})>([A-Z][a-z]{2}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})\s+(\S+)\s+(.*)$`)
	barePriRe = regexp.MustCompile(`^<(\d{1,3})>(.+)$`)
)

// parseSyslog returns nil when raw carries no priority header.
func parseSyslog(raw string, now time.Time) *syslogMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	if m := rfc5424Re.FindStringSubmatch(raw); m != nil {
		pri, _ := strconv.Atoi(m[1])
		msg := &syslogMessage{
			Facility: pri / 8,
			Severity: pri % 8,
			Hostname: nilValue(m[4]),
			AppName:  nilValue(m[5]),
			ProcID:   nilValue(m[6]),
			Message:  m[8],
		}
		if t, err := time.Parse(time.RFC3339, m[3]); err == nil {
			msg.Timestamp = &t
		}
		return msg
	}

	if m := rfc3164Re.FindStringSubmatch(raw); m != nil {
		pri, _ := strconv.Atoi(m[1])
		msg := &syslogMessage{
			Facility: pri / 8,
			Severity: pri % 8,
			Hostname: m[3],
			Message:  m[4],
		}
		// BSD timestamps carry no year.
		stamp := fmt.Sprintf("%d %s", now.Year(), strings.Join(strings.Fields(m[2]), " "))
		if t, err := time.ParseInLocation("2006 Jan 2 15:04:05", stamp, time.UTC); err == nil {
			msg.Timestamp = &t
		}
		if idx := strings.Index(msg.Message, ":"); idx > 0 && !strings.Contains(msg.Message[:idx], " ") {
			tag := msg.Message[:idx]
			if pid := strings.Index(tag, "["); pid > 0 {
				msg.AppName = tag[:pid]
				msg.ProcID = strings.Trim(tag[pid:], "[]")
			} else {
				msg.AppName = tag
			}
			msg.Message = strings.TrimSpace(msg.Message[idx+1:])
		}
		return msg
	}

	if m := barePriRe.FindStringSubmatch(raw); m != nil {
		pri, _ := strconv.Atoi(m[1])
		return &syslogMessage{
			Facility: pri / 8,
			Severity: pri % 8,
			Message:  m[2],
		}
	}
	return nil
}

// RFC 5424 uses "-" for an absent field.
func nilValue(s string) string {
	if s == "-" {
		return ""
	}
	return s
}

// severityFromSyslog folds the eight syslog levels onto the four event
// severities: emergency/alert, critical/error, warning, everything else.
func severityFromSyslog(level int) core.Severity {
	switch {
	case level <= 1:
		return core.SeverityCritical
	case level <= 3:
		return core.SeverityHigh
	case level == 4:
		return core.SeverityMedium
	default:
		return core.SeverityLow
	}
}

var (
	authFailureRe = regexp.MustCompile(`(?i)(failed\s+password|authentication\s+failure|invalid\s+user|failed\s+login|bad\s+password|account\s+locked)`)
	authSuccessRe = regexp.MustCompile(`(?i)(accepted\s+password|accepted\s+publickey|session\s+opened|successful\s+login)`)
	privilegeRe   = regexp.MustCompile(`(?i)(sudo:.*COMMAND|\bsu:|privilege|setuid)`)
	firewallRe    = regexp.MustCompile(`(?i)(iptables|nftables|firewall|\bufw\b|filterlog|blocked|dropped|rejected|connection\s+refused)`)
	httpAccessRe  = regexp.MustCompile(`"(GET|POST|PUT|DELETE|PATCH|HEAD|OPTIONS)\s+(\S+)\s+HTTP/\S+"\s+(\d{3})`)
	kernelRe      = regexp.MustCompile(`(?i)(kernel|segfault|oom-killer|panic|call\s+trace)`)
	authGenericRe = regexp.MustCompile(`(?i)(sshd|login|pam_|auth)`)

	usernameRe = regexp.MustCompile(`(?i)(?:for(?:\s+invalid)?\s+user\s+|user[=:\s]+)([A-Za-z0-9._-]+)`)
	srcIPRe    = regexp.MustCompile(`(?:from|SRC=|src[=:\s])\s*(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})`)
)

// classify names the event type stored for a syslog line.
func classify(msg *syslogMessage) string {
	text := msg.AppName + " " + msg.Message
	switch {
	case authFailureRe.MatchString(text):
		return "auth_failure"
	case authSuccessRe.MatchString(text):
		return "auth_success"
	case privilegeRe.MatchString(text):
		return "privilege_change"
	case httpAccessRe.MatchString(text):
		return "http_request"
	case firewallRe.MatchString(text):
		return "network_block"
	case kernelRe.MatchString(text):
		return "system_fault"
	case authGenericRe.MatchString(text):
		return "auth_attempt"
	}
	switch msg.Facility {
	case 4, 10:
		return "auth_attempt"
	case 0:
		return "system_fault"
	}
	return "syslog_event"
}

// toEvent builds a SecurityEvent from msg. peer is the sending host and is
// replaced by an address reported in the message when the sender is a
// local relay.
func toEvent(msg *syslogMessage, peer string, now time.Time) *core.SecurityEvent {
	ev := core.NewSecurityEvent(classify(msg), severityFromSyslog(msg.Severity))
	if msg.Timestamp != nil && !msg.Timestamp.After(now) {
		ev.CreatedAt = msg.Timestamp.UTC()
	}

	text := msg.AppName + " " + msg.Message
	ev.IPAddress = peer
	if m := srcIPRe.FindStringSubmatch(text); m != nil {
		ev.Details["reported_ip"] = m[1]
		if peer == "" || peer == "127.0.0.1" || peer == "::1" {
			ev.IPAddress = m[1]
		}
	}
	if m := usernameRe.FindStringSubmatch(text); m != nil {
		ev.Details["username"] = m[1]
	}
	if m := httpAccessRe.FindStringSubmatch(text); m != nil {
		ev.Details["method"] = m[1]
		ev.Details["path"] = m[2]
		ev.Details["status_code"] = m[3]
	}

	ev.Details["source"] = "syslog"
	ev.Details["facility"] = msg.Facility
	ev.Details["syslog_severity"] = msg.Severity
	if msg.Hostname != "" {
		ev.Details["hostname"] = msg.Hostname
	}
	if msg.AppName != "" {
		ev.Details["app"] = msg.AppName
	}
	if msg.ProcID != "" {
		ev.Details["pid"] = msg.ProcID
	}
	ev.Details["message"] = truncate(msg.Message, maxMessageLength)
	ev.Details = validate.SanitizeMap(ev.Details)
	return ev
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
