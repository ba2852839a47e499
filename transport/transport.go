package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/vinayprograms/docrpc/stream"
	"github.com/vinayprograms/docrpc/subscription"
)

// Common errors.
var (
	ErrClosed     = errors.New("transport closed")
	ErrNoSession  = errors.New("unknown or finished session")
	ErrNotStarted = errors.New("transport not initialized")
)

// Adapter is the contract every wire transport fulfils. The router and the
// batch engine only ever talk to an Adapter, so the buffering strategy of
// each transport stays behind these methods.
type Adapter interface {
	// Initialize prepares the adapter to receive. It is called once.
	Initialize(ctx context.Context) error

	// Shutdown stops receiving and closes every queue and stream the
	// adapter holds. No stream outlives a completed Shutdown.
	Shutdown(ctx context.Context) error

	// Receive blocks for the next inbound message. It returns io.EOF once
	// the transport has no more messages.
	Receive(ctx context.Context) (*InboundMessage, error)

	// Send delivers one outbound message. Exactly one Send follows every
	// inbound message; a message with neither Response nor Notification
	// acknowledges a notification.
	Send(ctx context.Context, msg *OutboundMessage) error

	// SendProgress is best-effort; it never blocks on a slow consumer.
	SendProgress(p stream.Progress)

	// DrainProgress returns and forgets the progress buffered for an
	// operation. Transports that stream progress return nil.
	DrainProgress(operationID string) []stream.Progress

	// ServeSubscription turns a subscription into a sequence of events.
	// The channel is closed when the stream ends.
	ServeSubscription(ctx context.Context, info subscription.Info) (<-chan Event, error)

	// CancelSubscription stops a served stream. It reports whether one was
	// open.
	CancelSubscription(id string) bool

	// NewStreamer returns the result streamer matching the transport.
	NewStreamer(operationID string) stream.Streamer

	// Capabilities describes the transport.
	Capabilities() Capabilities
}

// Capabilities are the flags a transport advertises during initialize.
type Capabilities struct {
	Name string `json:"name"`

	// ProgressStreaming means progress reaches the caller out of band
	// rather than merged into the response.
	ProgressStreaming bool `json:"progress_streaming"`

	// SubscriptionStreaming means change events are pushed over an event
	// stream. Polling works on every transport.
	SubscriptionStreaming bool `json:"subscription_streaming"`

	// Notifications means the server can push unsolicited notifications.
	Notifications bool `json:"notifications"`

	// Concurrent means many sessions are served at once.
	Concurrent bool `json:"concurrent"`

	// KeepaliveSeconds is the idle keepalive period of event streams.
	KeepaliveSeconds int `json:"keepalive_seconds,omitempty"`
}

// Credentials are what the caller presented with a message.
type Credentials struct {
	// Scheme is "bearer" or "api-key"; empty when nothing was presented.
	Scheme string
	Token  string
}

// Empty reports whether no credentials were presented.
func (c Credentials) Empty() bool {
	return c.Token == ""
}

type credentialsKey struct{}

// WithCredentials attaches the caller's credentials to ctx.
func WithCredentials(ctx context.Context, c Credentials) context.Context {
	return context.WithValue(ctx, credentialsKey{}, c)
}

// CredentialsFrom returns the credentials attached to ctx, if any.
func CredentialsFrom(ctx context.Context) Credentials {
	c, _ := ctx.Value(credentialsKey{}).(Credentials)
	return c
}

// InboundMessage wraps one received envelope. Parsing is left to the
// router.
type InboundMessage struct {
	// Session routes the reply back to the caller.
	Session string

	// Raw contains the envelope bytes.
	Raw json.RawMessage

	Credentials Credentials

	// Metadata carries transport headers worth propagating, such as trace
	// context.
	Metadata map[string]string

	Remote     string
	ReceivedAt time.Time
}

// OutboundMessage wraps an outgoing JSON-RPC message.
type OutboundMessage struct {
	// Session is copied from the inbound message being answered. Empty for
	// unsolicited notifications.
	Session string

	// Response is set when replying to a request.
	Response *Response

	// Notification is set when sending an unsolicited notification.
	Notification *Notification
}

// Event is one frame of an event stream. An event with only a Comment is a
// keepalive that clients ignore.
type Event struct {
	Name    string
	ID      string
	Data    interface{}
	Comment string
}

// Event names used on streams.
const (
	EventProgress            = "progress"
	EventSubscriptionCreated = "subscription_created"
	EventChange              = "change"
	EventInfo                = "info"
	EventError               = "error"
)

// SubscriptionSource is the subset of the subscription manager that
// event-stream transports drive.
type SubscriptionSource interface {
	Subscribe(ctx context.Context, resourceType string, filter *subscription.Filter, opts subscription.Options) (subscription.Info, error)
	Poll(ctx context.Context, id, token string, timeout time.Duration) (subscription.PollResult, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Remove(ctx context.Context, id string) (bool, error)
}
