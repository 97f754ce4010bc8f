package models

import (
	"net"
	"strconv"
	"time"
)

type Capability string

const (
	CapabilityIPv4 Capability = "ipv4"
	CapabilityIPv6 Capability = "ipv6"
)

func ParseCapability(str string) (Capability, bool) {
	switch Capability(str) {
	case CapabilityIPv4:
		return CapabilityIPv4, true
	case CapabilityIPv6:
		return CapabilityIPv6, true
	}
	return "", false
}

// Heartbeat is the admission message a worker sends on every contact.
type Heartbeat struct {
	Name   string `json:"name"`
	IP     string `json:"ip"`
	Port   uint16 `json:"port"`
	IPv4   bool   `json:"ipv4"`
	IPv6   bool   `json:"ipv6"`
	SSL    bool   `json:"ssl"`
	Secret string `json:"secret"`
}

type Endpoint struct {
	Host string
	Port uint16
	TLS  bool
}

func (e Endpoint) Scheme() string {
	if e.TLS {
		return "https"
	}
	return "http"
}

// String renders scheme://host:port, bracketing ipv6 hosts.
func (e Endpoint) String() string {
	return e.Scheme() + "://" + net.JoinHostPort(e.Host, strconv.FormatUint(uint64(e.Port), 10))
}

type Worker struct {
	Name          string
	Endpoint      Endpoint
	IPv4          bool
	IPv6          bool
	LastHeartbeat time.Time
}

func WorkerFromHeartbeat(hb Heartbeat, now time.Time) Worker {
	return Worker{
		Name: hb.Name,
		Endpoint: Endpoint{
			Host: hb.IP,
			Port: hb.Port,
			TLS:  hb.SSL,
		},
		IPv4:          hb.IPv4,
		IPv6:          hb.IPv6,
		LastHeartbeat: now,
	}
}

func (w Worker) Can(capability Capability) bool {
	switch capability {
	case CapabilityIPv4:
		return w.IPv4
	case CapabilityIPv6:
		return w.IPv6
	}
	return false
}
