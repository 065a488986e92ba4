package models

// ConnState is the lifecycle state of one relay connection.
type ConnState int32

const (
	ConnIdle ConnState = iota
	ConnConnecting
	ConnOpen
	ConnClosing
	ConnClosed
)

// String returns the lowercase name used in logs and status payloads.
func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	case ConnClosing:
		return "closing"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}
