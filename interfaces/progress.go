package interfaces

// Stage names a step of a long-running operation.
type Stage string

const (
	StageFunding      Stage = "funding"
	StageFundingWait  Stage = "funding_wait"
	StageBroadcast    Stage = "broadcast"
	StageBroadcastEnd Stage = "broadcast_done"
	StageScan         Stage = "scan"
	StageScanEnd      Stage = "scan_done"
)

// Event is one progress notification.
type Event struct {
	OperationID string
	Stage       Stage
	Current     int
	Total       int
	Detail      string
}

// ProgressFunc receives progress events. It must not block.
type ProgressFunc func(Event)

// Emit calls f when it is non-nil.
func (f ProgressFunc) Emit(e Event) {
	if f != nil {
		f(e)
	}
}
