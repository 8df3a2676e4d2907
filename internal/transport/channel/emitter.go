package channel

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/domain"
)

// Publisher is the subset of Broker that emitters need.
type Publisher interface {
	Publish(event domain.LogEvent)
}

// Emitter stamps id, time and source onto events for one component.
// A nil *Emitter discards everything.
type Emitter struct {
	pub    Publisher
	source string
	clock  func() time.Time
}

func NewEmitter(pub Publisher, source string) *Emitter {
	return &Emitter{pub: pub, source: source, clock: time.Now}
}

// Emitter returns an Emitter publishing to b under source.
func (b *Broker) Emitter(source string) *Emitter {
	return NewEmitter(b, source)
}

func (e *Emitter) emit(sev domain.LogSeverity, subjectID, msg string, err error) {
	if e == nil || e.pub == nil {
		return
	}
	ev := domain.LogEvent{
		ID:        uuid.NewString(),
		Message:   msg,
		Severity:  sev,
		Timestamp: e.clock().UTC(),
		Source:    e.source,
		SubjectID: subjectID,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	e.pub.Publish(ev)
}

func (e *Emitter) Info(subjectID, msg string) {
	e.emit(domain.LogInfo, subjectID, msg, nil)
}

func (e *Emitter) Warn(subjectID, msg string, err error) {
	e.emit(domain.LogWarning, subjectID, msg, err)
}

func (e *Emitter) Error(subjectID, msg string, err error) {
	e.emit(domain.LogError, subjectID, msg, err)
}
