package event

import "time"

type Event interface {
	Message() string
	OccurredAt() time.Time
	Screenshot() []byte
}

type BaseEvent struct {
	message    string
	occurredAt time.Time
	screenshot []byte
}

func (b BaseEvent) Message() string       { return b.message }
func (b BaseEvent) OccurredAt() time.Time { return b.occurredAt }
func (b BaseEvent) Screenshot() []byte    { return b.screenshot }

func Text(message string) BaseEvent {
	return BaseEvent{message: message, occurredAt: time.Now().UTC()}
}

func WithScreenshot(message string, png []byte) BaseEvent {
	return BaseEvent{message: message, occurredAt: time.Now().UTC(), screenshot: png}
}

type ScanStartedEvent struct {
	BaseEvent
	Kingdom uint32
	Pattern string
	RunID   string
}

func ScanStarted(be BaseEvent, kingdom uint32, pattern, runID string) ScanStartedEvent {
	return ScanStartedEvent{BaseEvent: be, Kingdom: kingdom, Pattern: pattern, RunID: runID}
}

type ScanFinishedEvent struct {
	BaseEvent
	Kingdom  uint32
	Found    int
	Duration time.Duration
}

func ScanFinished(be BaseEvent, kingdom uint32, found int, duration time.Duration) ScanFinishedEvent {
	return ScanFinishedEvent{BaseEvent: be, Kingdom: kingdom, Found: found, Duration: duration}
}

type ExchangeFoundEvent struct {
	BaseEvent
	Kingdom   uint32
	X         int
	Y         int
	Confirmed bool
}

func ExchangeFound(be BaseEvent, kingdom uint32, x, y int, confirmed bool) ExchangeFoundEvent {
	return ExchangeFoundEvent{BaseEvent: be, Kingdom: kingdom, X: x, Y: y, Confirmed: confirmed}
}

type ScannerErrorEvent struct {
	BaseEvent
}

func ScannerError(be BaseEvent) ScannerErrorEvent {
	return ScannerErrorEvent{BaseEvent: be}
}

type PhaseChangedEvent struct {
	BaseEvent
	Phase string
}

func PhaseChanged(be BaseEvent, phase string) PhaseChangedEvent {
	return PhaseChangedEvent{BaseEvent: be, Phase: phase}
}
