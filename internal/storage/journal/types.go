package journal

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the records of the improvement journal
// ============================================================================

// Entry is one improvement of the global best solution
type Entry struct {
	Seq       uint64 `json:"seq"`       // Entry sequence number (monotonically increasing)
	Round     int    `json:"round"`     // Round that produced the improvement
	Metric    int64  `json:"metric"`    // New best total flow time
	Previous  int64  `json:"previous"`  // Best total flow time before the round
	Timestamp int64  `json:"timestamp"` // Unix millisecond timestamp
	Checksum  uint32 `json:"checksum"`  // CRC32 checksum
}

// EntryHandler processes entries during Replay.
// Returning an error stops the replay.
type EntryHandler func(entry Entry) error
