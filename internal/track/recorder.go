package track

import "fmt"

// Recorder is the streaming core's handle on the sink: every method
// schedules the write on the queue and returns immediately.
type Recorder struct {
	sink  Sink
	queue *Queue
}

// NewRecorder ties a sink to a queue.
func NewRecorder(sink Sink, queue *Queue) *Recorder {
	return &Recorder{sink: sink, queue: queue}
}

// SaveTrack schedules a metadata upsert.
func (r *Recorder) SaveTrack(rec *Record) {
	id := rec.ContentID
	r.queue.Enqueue(fmt.Sprintf("save-track %s", id), func() error {
		return r.sink.Save(rec)
	})
}

// MarkAvailable schedules a local-availability flag set.
func (r *Recorder) MarkAvailable(contentID string, sizeBytes int64) {
	r.queue.Enqueue(fmt.Sprintf("mark-available %s", contentID), func() error {
		return r.sink.MarkLocalAvailability(contentID, true, sizeBytes)
	})
}

// MarkUnavailable schedules a local-availability flag clear.
func (r *Recorder) MarkUnavailable(contentID string) {
	r.queue.Enqueue(fmt.Sprintf("mark-unavailable %s", contentID), func() error {
		return r.sink.MarkLocalAvailability(contentID, false, 0)
	})
}

// RecordPlay schedules a play event for the resolved subject.
func (r *Recorder) RecordPlay(contentID, subjectID string) {
	r.queue.Enqueue(fmt.Sprintf("record-play %s", contentID), func() error {
		return r.sink.RecordPlay(contentID, subjectID)
	})
}
