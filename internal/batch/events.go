package batch

// Event types, in the order a client sees them.
const (
	TypeStart         = "start"
	TypeBatchStart    = "batch-start"
	TypeGenerating    = "generating"
	TypeSuccess       = "success"
	TypeError         = "error"
	TypeBatchComplete = "batch-complete"
	TypeComplete      = "complete"
)

// Event is any message pushed to a streaming client. Every event serializes
// with a "type" field.
type Event interface {
	EventType() string
}

type StartEvent struct {
	Type      string `json:"type"`
	Total     int    `json:"total"`
	WaveCount int    `json:"waveCount"`
}

type BatchStartEvent struct {
	Type      string   `json:"type"`
	WaveIndex int      `json:"waveIndex"`
	WaveTotal int      `json:"waveTotal"`
	ItemIDs   []string `json:"itemIds"`
}

type GeneratingEvent struct {
	Type   string `json:"type"`
	ItemID string `json:"itemId"`
}

type SuccessEvent struct {
	Type string `json:"type"`
	ItemSuccess
}

type ErrorEvent struct {
	Type string `json:"type"`
	ItemError
}

type BatchCompleteEvent struct {
	Type      string `json:"type"`
	WaveIndex int    `json:"waveIndex"`
	WaveTotal int    `json:"waveTotal"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
}

type CompleteEvent struct {
	Type string `json:"type"`
	Summary
}

type ItemSuccess struct {
	ItemID            string `json:"itemId"`
	Output            string `json:"output"`
	OutputIsReference bool   `json:"outputIsReference"`
}

type ItemError struct {
	ItemID string `json:"itemId"`
	Error  string `json:"error"`
}

// Summary is the outcome of a whole stream. Lists follow input order.
type Summary struct {
	Successes    []ItemSuccess `json:"successes"`
	Errors       []ItemError   `json:"errors"`
	Total        int           `json:"total"`
	SuccessCount int           `json:"successCount"`
	ErrorCount   int           `json:"errorCount"`
}

func (e StartEvent) EventType() string         { return e.Type }
func (e BatchStartEvent) EventType() string    { return e.Type }
func (e GeneratingEvent) EventType() string    { return e.Type }
func (e SuccessEvent) EventType() string       { return e.Type }
func (e ErrorEvent) EventType() string         { return e.Type }
func (e BatchCompleteEvent) EventType() string { return e.Type }
func (e CompleteEvent) EventType() string      { return e.Type }
