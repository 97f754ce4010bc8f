package dispatch

import (
	"errors"
	"time"
)

var ErrNoQuorum = errors.New("dispatcher has no quorum available")

type Config struct {
	NatsURL    string        `envconfig:"DISPATCH_NATS_URL,optional"`
	Subject    string        `envconfig:"DISPATCH_SUBJECT,default=patrol.dispatch.quorum"`
	QueueGroup string        `envconfig:"DISPATCH_QUEUE_GROUP,default=patrol-dispatch"`
	Timeout    time.Duration `envconfig:"DISPATCH_TIMEOUT,default=2s"`
}

// Request asks for a quorum of workers capable of "ipv4" or "ipv6". The
// reply is a JSON array of scheme://host:port strings or null.
type Request struct {
	Request string `json:"request"`
}

var nullReply = []byte("null")
