package mesh

// Status is reported to the application as the session changes state or
// completes a send.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusReconnecting
	StatusClosed
	// StatusSent follows a single-shard deposit.
	StatusSent
	// StatusSentChunks follows a chunked deposit.
	StatusSentChunks
	// StatusError is emitted once when reconnect attempts are exhausted.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	case StatusSent:
		return "sent"
	case StatusSentChunks:
		return "sent_chunks"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}
