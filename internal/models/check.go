package models

import (
	"fmt"
	"time"
)

type CheckID int64

type UserID int64

type CheckType int16

const (
	CheckTypeStatus CheckType = iota
	CheckTypePing
	CheckTypePing6
	CheckTypeHTTPResponse
	CheckTypeCert
	CheckTypeTCPSocket
	CheckTypeSteamServer
)

var checkTypeNames = [...]string{
	CheckTypeStatus:       "status",
	CheckTypePing:         "ping",
	CheckTypePing6:        "ping6",
	CheckTypeHTTPResponse: "http_response",
	CheckTypeCert:         "cert",
	CheckTypeTCPSocket:    "tcp_socket",
	CheckTypeSteamServer:  "steam_server",
}

func (t CheckType) Valid() bool {
	return t >= CheckTypeStatus && int(t) < len(checkTypeNames)
}

func (t CheckType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("unknown(%d)", int16(t))
	}
	return checkTypeNames[t]
}

// Path is the worker route the check is posted to.
func (t CheckType) Path() string {
	return "/" + t.String()
}

// Capability is ipv6 only for ping6, every other type runs over ipv4.
func (t CheckType) Capability() Capability {
	if t == CheckTypePing6 {
		return CapabilityIPv6
	}
	return CapabilityIPv4
}

func ParseCheckType(str string) (CheckType, error) {
	for i, name := range checkTypeNames {
		if name == str {
			return CheckType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown check type %q", str)
}

type IPPortParams struct {
	IP   string  `json:"ip"`
	Port *uint16 `json:"port,omitempty"`
}

type HTTPParams struct {
	Hostname    string `json:"hostname"`
	Redirects   int    `json:"redirects"`
	CheckString string `json:"check_string"`
	Keywords    string `json:"keywords"`
}

type CertParams struct {
	Hostname string `json:"hostname"`
	Buffer   int    `json:"buffer"`
}

// CheckParams holds the type-specific parameters, exactly one is set for a
// well-formed check (none for the status type).
type CheckParams struct {
	IPPort *IPPortParams `json:"ip_port,omitempty"`
	HTTP   *HTTPParams   `json:"http,omitempty"`
	Cert   *CertParams   `json:"cert,omitempty"`
}

type CheckDefinition struct {
	ID         CheckID
	UserID     UserID
	Name       string
	Type       CheckType
	Params     CheckParams
	Status     string
	ErrorState bool
	Interval   time.Duration
	LastCheck  time.Time

	// StatusChangedAt is when Status was last confirmed to change.
	StatusChangedAt time.Time
}

func (c CheckDefinition) NextDue() time.Time {
	return c.LastCheck.Add(c.Interval)
}

func (c CheckDefinition) Due(now time.Time) bool {
	return !now.Before(c.NextDue())
}

// CheckState is the last confirmed status plus the hysteresis flag.
type CheckState struct {
	Status     string
	ErrorState bool
}

// Known reports whether a status was ever recorded for the check.
func (s CheckState) Known() bool {
	return s.Status != ""
}
