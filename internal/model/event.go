package model

// UserEventKind is a sum type over the Local Notifier's single event
// channel per user-id. spec.md §9 explicitly warns against splitting
// this into multiple channels, which would race and be order-sensitive.
type UserEventKind int

const (
	EventMessageReceived UserEventKind = iota
	EventDisconnect
	EventLowPreKeys
)

// UserEvent is the payload carried on a subscriber's channel. Reason
// is only set for the kinds that need it; MessageReceived
// is a poke (spec.md §4.3) so it carries no payload at all.
type UserEvent struct {
	Kind   UserEventKind
	Reason string
}
