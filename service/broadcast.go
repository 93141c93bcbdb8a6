package service

// Broadcaster interface to avoid import cycle with the websocket hub
type Broadcaster interface {
	BroadcastToDevice(serial string, message interface{})
	BroadcastToAll(message interface{})
}

type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastToDevice(string, interface{}) {}
func (noopBroadcaster) BroadcastToAll(interface{})            {}

func orNoop(b Broadcaster) Broadcaster {
	if b == nil {
		return noopBroadcaster{}
	}
	return b
}
