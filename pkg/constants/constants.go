package constants

import "time"

const (
	// GridColumns is the number of columns in the record grid.
	GridColumns = 2

	// DragThrottle is the minimum interval between two drag recomputations (~60/s).
	DragThrottle = 16 * time.Millisecond

	// DropBelowMargin is how far (in pointer units) below the last block the
	// pointer must be before a drag is treated as "move to the end".
	DropBelowMargin = 48.0

	// DefaultHistoryWindow is how many versions a patch's base version may lag
	// behind the canonical version before it is rejected as a conflict.
	DefaultHistoryWindow = 512

	// DefaultWSTimeout bounds a single websocket write.
	DefaultWSTimeout = 10 * time.Second

	// DefaultSendBuffer is the per-connection outbound queue length.
	DefaultSendBuffer = 256
)

var (
	WebsocketScheme       = "ws"
	WebsocketSecureScheme = "wss"
	HTTPScheme            = "http"
	HTTPSecureScheme      = "https"
)
