package websocket

// Message types pushed to clients.
const (
	MsgWelcome             = "welcome"
	MsgPing                = "ping"
	MsgPong                = "pong"
	MsgError               = "error"
	MsgDashboardUpdate     = "dashboardUpdate"
	MsgSecurityEvent       = "securityEvent"
	MsgSystemStatusUpdate  = "systemStatusUpdate"
	MsgCorrelationDetected = "correlationDetected"
	MsgScanProgress        = "scanProgress"
)

// Subscription groups. Scan groups are dynamic ("scan:<id>"), event groups
// carry a minimum risk filter ("events:High").
const (
	GroupDashboard    = "dashboard"
	GroupSystemStatus = "system_status"
	GroupEventsPrefix = "events:"
	GroupScanPrefix   = "scan:"
)

// Message is the wire envelope.
type Message struct {
	Type  string      `json:"type"`
	Group string      `json:"group,omitempty"`
	Data  interface{} `json:"data"`
}

// clientCommand is what clients send upstream.
type clientCommand struct {
	Type  string `json:"type"` // subscribe, unsubscribe, ping
	Group string `json:"group,omitempty"`
}

// NegotiateResponse describes the socket to a connecting client.
type NegotiateResponse struct {
	URL             string   `json:"url"`
	Protocol        string   `json:"protocol"`
	AvailableGroups []string `json:"available_groups"`
}
