package event

// Sink receives one envelope per entity state transition. The emitter
// is the production implementation; tests use in-memory recorders.
type Sink interface {
	Emit(evt Envelope)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(Envelope) {}

// MultiSink fans one envelope out to several sinks in order. Used to
// feed the outbound stream and the database archive from one emit.
type MultiSink []Sink

func (m MultiSink) Emit(evt Envelope) {
	for _, s := range m {
		s.Emit(evt)
	}
}
