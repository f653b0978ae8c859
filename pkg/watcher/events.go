package watcher

// EventType defines the type of event being broadcast.
type EventType string

const (
	EventBalanceUpdated   EventType = "balance_updated"
	EventTokenListUpdated EventType = "token_list_updated"
	EventSyncUpdated      EventType = "sync_state_updated"
	EventPriceUpdated     EventType = "price_updated"
)

// Event represents a wallet event.
type Event struct {
	Type EventType   `json:"type"`
	Data interface{} `json:"data"`
}

// Subscriber is a channel that receives events.
type Subscriber chan Event
