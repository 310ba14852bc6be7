package sentinel

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity orders threat levels from least to most serious.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < SeverityLow || s > SeverityCritical {
		return "unknown"
	}
	return severityNames[s]
}

// ParseSeverity maps a config string to a Severity.
func ParseSeverity(value string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	}
	return SeverityLow, fmt.Errorf("unknown severity %q", value)
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ResponseAction is the mitigation chosen for a threat.
type ResponseAction string

const (
	ActionBlockIP            ResponseAction = "block_ip"
	ActionIncreaseMonitoring ResponseAction = "increase_monitoring"
	ActionLogOnly            ResponseAction = "log_only"
)

// ParseResponseAction maps a config string to a ResponseAction.
func ParseResponseAction(value string) (ResponseAction, error) {
	switch ResponseAction(strings.ToLower(strings.TrimSpace(value))) {
	case ActionBlockIP:
		return ActionBlockIP, nil
	case ActionIncreaseMonitoring:
		return ActionIncreaseMonitoring, nil
	case ActionLogOnly:
		return ActionLogOnly, nil
	}
	return ActionLogOnly, fmt.Errorf("unknown response action %q", value)
}

// SecurityEvent is the immutable snapshot of one inspected request.
type SecurityEvent struct {
	Timestamp     time.Time         `json:"timestamp"`
	Source        string            `json:"source"`
	Method        string            `json:"method"`
	Path          string            `json:"path"`
	Query         map[string]string `json:"query,omitempty"`
	Body          string            `json:"body,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	UserID        string            `json:"userId,omitempty"`
	SessionID     string            `json:"sessionId,omitempty"`
}

// NewSecurityEvent snapshots a request, capping the body at bodyLimit bytes
// and generating a correlation id when the caller did not supply one.
func NewSecurityEvent(req InspectRequest, bodyLimit int, now time.Time) SecurityEvent {
	body := req.Body
	if bodyLimit > 0 && len(body) > bodyLimit {
		body = body[:bodyLimit]
	}
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return SecurityEvent{
		Timestamp:     now,
		Source:        req.Source,
		Method:        req.Method,
		Path:          req.Path,
		Query:         req.Query,
		Body:          body,
		CorrelationID: correlationID,
		UserID:        req.UserID,
		SessionID:     req.SessionID,
	}
}

// Field returns the value a pattern condition should match for the given
// field name. Query parameters are addressed as "query.<name>".
func (e *SecurityEvent) Field(name string) (string, bool) {
	switch name {
	case "path":
		return e.Path, true
	case "method":
		return e.Method, true
	case "body":
		return e.Body, true
	case "source":
		return e.Source, true
	case "query":
		if len(e.Query) == 0 {
			return "", true
		}
		// Keys are sorted so regex conditions spanning several parameters
		// see the same string on every request.
		keys := make([]string, 0, len(e.Query))
		for k := range e.Query {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+e.Query[k])
		}
		return strings.Join(parts, "&"), true
	}
	if key, ok := strings.CutPrefix(name, "query."); ok {
		v, exists := e.Query[key]
		return v, exists
	}
	return "", false
}

// Payload concatenates the matchable request payload (query plus body).
func (e *SecurityEvent) Payload() string {
	query, _ := e.Field("query")
	if query == "" {
		return e.Body
	}
	if e.Body == "" {
		return query
	}
	return query + " " + e.Body
}

// ThreatEvent is the classified outcome for one suspicious request.
type ThreatEvent struct {
	ID           string         `json:"id"`
	Event        SecurityEvent  `json:"event"`
	ThreatType   string         `json:"threatType"`
	Severity     Severity       `json:"severity"`
	AnomalyScore float64        `json:"anomalyScore"`
	Confidence   float64        `json:"confidence"`
	Action       ResponseAction `json:"action,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// InspectRequest carries the request context handed to the inspector by the
// surrounding handler layer.
type InspectRequest struct {
	Source        string
	Method        string
	Path          string
	Query         map[string]string
	Body          string
	CorrelationID string
	UserID        string
	SessionID     string
}

// Decision is the inspector's verdict for one request.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
	Threat     *ThreatEvent
}

// State store key layout. All mutable state lives behind these namespaced
// keys; nothing outside the store survives across requests.
func rateKey(class, source string, windowStart time.Time) string {
	return fmt.Sprintf("rate:%s:%s:%d", class, source, windowStart.Unix())
}

func burstKey(class, source string, now time.Time) string {
	return fmt.Sprintf("rate:burst:%s:%s:%d", class, source, now.Unix())
}

func errorKey(class, source string, windowStart time.Time) string {
	return fmt.Sprintf("errors:%s:%s:%d", class, source, windowStart.Unix())
}

func blockKey(source string) string { return "block:" + source }

func monitorKey(source string) string { return "monitor:" + source }

func sessionCountKey(source string) string { return "session:" + source + ":count" }

func sessionStartKey(source string) string { return "session:" + source + ":start" }

func threatKey(ts time.Time) string {
	return "threat:" + ts.UTC().Format(time.RFC3339Nano)
}
