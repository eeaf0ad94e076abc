package peer

// Status is where a Peer sits in its connection/trust lifecycle.
type Status int

const (
	StatusDiscovered Status = iota
	StatusConnecting
	StatusConnected
	StatusAuthenticated
	StatusAuthorized
	StatusBlocked
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusDiscovered:
		return "Discovered"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusAuthenticated:
		return "Authenticated"
	case StatusAuthorized:
		return "Authorized"
	case StatusBlocked:
		return "Blocked"
	case StatusDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}
