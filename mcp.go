package mcp

// PromptListWatcher receives notifications when the server's prompt list changes.
type PromptListWatcher interface {
	// OnPromptListChanged is called when the server sends notifications/prompts/list_changed.
	OnPromptListChanged()
}

// ResourceListWatcher receives notifications when the server's resource list changes.
type ResourceListWatcher interface {
	// OnResourceListChanged is called when the server sends notifications/resources/list_changed.
	OnResourceListChanged()
}

// ToolListWatcher receives notifications when the server's tool list changes.
// Cached tool lists should be refreshed with ListTools.
type ToolListWatcher interface {
	OnToolListChanged()
}

// ProgressListener receives progress updates on long-running operations.
type ProgressListener interface {
	OnProgress(params ProgressParams)
}

// LogReceiver receives log messages sent by the server. Without one, the
// messages are written to the client's logger.
type LogReceiver interface {
	OnLog(params LogParams)
}

// ProgressListenerFunc adapts a function to ProgressListener.
type ProgressListenerFunc func(params ProgressParams)

// OnProgress calls f.
func (f ProgressListenerFunc) OnProgress(params ProgressParams) { f(params) }

// LogReceiverFunc adapts a function to LogReceiver.
type LogReceiverFunc func(params LogParams)

// OnLog calls f.
func (f LogReceiverFunc) OnLog(params LogParams) { f(params) }
