package statemanager

// OperationReporter emits the lifecycle events of one operation. It is the
// producing side of the stream: backends and tests use it to build events
// that a Reconciler will consume.
type OperationReporter struct {
	Key  OperationKey
	emit func(OperationEvent)
}

// NewOperationReporter creates a reporter that hands every event to emit
func NewOperationReporter(key OperationKey, emit func(OperationEvent)) *OperationReporter {
	return &OperationReporter{Key: key, emit: emit}
}

func (r *OperationReporter) Started(kind OperationKind) {
	r.emit(OperationEvent{Key: r.Key, Kind: EventStarted, Operation: kind})
}

func (r *OperationReporter) Progress(current, total int) {
	r.emit(OperationEvent{Key: r.Key, Kind: EventProgress, Progress: Progress{Current: current, Total: total}})
}

func (r *OperationReporter) Status(message string) {
	r.emit(OperationEvent{Key: r.Key, Kind: EventStatus, Message: message})
}

func (r *OperationReporter) Warning(message string) {
	r.emit(OperationEvent{Key: r.Key, Kind: EventWarning, Message: message})
}

func (r *OperationReporter) Error(message string) {
	r.emit(OperationEvent{Key: r.Key, Kind: EventError, Message: message})
}

func (r *OperationReporter) Completed() {
	r.emit(OperationEvent{Key: r.Key, Kind: EventCompleted})
}
