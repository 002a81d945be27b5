package wal

// ============================================================================
// WAL Type Definitions
// Responsibility: Define the event records appended to a job's framed log
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventClaim    EventType = "CLAIM"    // Unit handed to a worker
	EventComplete EventType = "COMPLETE" // Worker finished the unit
	EventFail     EventType = "FAIL"     // Worker gave up on the unit
	EventStop     EventType = "STOP"     // Unit interrupted while processing
	EventReclaim  EventType = "RECLAIM"  // Stopped units made eligible again
	EventPersist  EventType = "PERSIST"  // Batch written back to disk
	EventSplit    EventType = "SPLIT"    // Units detached for handoff
	EventRecord   EventType = "RECORD"   // Opaque payload delivered to a sink job
)

// Event represents a WAL event record. Each event is carried in exactly one
// frame; the checksum guards the fields against a frame that happens to
// verify over damaged bytes.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      EventType `json:"type"`
	JobID     string    `json:"job_id"`
	UnitID    string    `json:"unit_id,omitempty"`
	Count     int       `json:"count,omitempty"` // batch-level events carry the number of units touched
	Payload   []byte    `json:"payload,omitempty"`
	Timestamp int64     `json:"timestamp"` // Unix milliseconds
	Checksum  uint32    `json:"checksum"`
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error

// ReplayStats summarises one pass over a log.
type ReplayStats struct {
	Events         int
	LastSeq        uint64
	FalsePositives int64
	SkippedBytes   int64
}
