// Package push delivers derived artifacts to the WirtBot, newest revision
// last, one artifact kind at a time.
package push

import (
	"context"
	"crypto/ed25519"
	"time"
)

type Kind string

const (
	KindServer Kind = "server"
	KindDNS    Kind = "dns"
)

// Kinds lists every pushed artifact.
var Kinds = []Kind{KindServer, KindDNS}

// Update is one artifact text at a topology revision.
type Update struct {
	Kind     Kind
	Revision uint64
	Host     string // destination, e.g. wirtbot.<zone>
	Body     string
	Key      ed25519.PrivateKey // request signing key; nil sends unsigned
}

// Result reports the outcome of a delivery attempt.
type Result struct {
	Kind     Kind
	Revision uint64
	Host     string
	Err      error
	At       time.Time
}

type Pusher interface {
	Push(ctx context.Context, u Update) error
}

// PusherFunc adapts a function to Pusher.
type PusherFunc func(ctx context.Context, u Update) error

func (f PusherFunc) Push(ctx context.Context, u Update) error { return f(ctx, u) }

// Discard accepts every update without sending it.
var Discard Pusher = PusherFunc(func(context.Context, Update) error { return nil })
