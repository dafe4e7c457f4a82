package events

import "sync"

// RecordedEvent is one published event, as a Recorder saw it.
type RecordedEvent struct {
	Type string
	Data map[string]any
}

// Recorder is an in-memory Publisher for tests.
type Recorder struct {
	mu        sync.Mutex
	Events    []RecordedEvent
	Err       error
	HealthErr error
}

var _ Publisher = (*Recorder)(nil)

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Produce(eventType string, data map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Events = append(r.Events, RecordedEvent{Type: eventType, Data: data})
	return nil
}

func (r *Recorder) Healthy() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.HealthErr
}

// Types returns the event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.Events))
	for _, event := range r.Events {
		types = append(types, event.Type)
	}
	return types
}
