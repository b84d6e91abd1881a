package mcp

import (
	"encoding/json"
	"log/slog"
)

// ToolListWatcher provides an interface for receiving notifications when the server's
// tool list changes. Implementations can use these notifications to refresh cached
// tool lists by calling ListTools again.
type ToolListWatcher interface {
	// OnToolListChanged is called when the server notifies that its tool list has changed.
	OnToolListChanged()
}

// ResourceListWatcher provides an interface for receiving notifications when the
// server's resource list changes.
type ResourceListWatcher interface {
	// OnResourceListChanged is called when the server notifies that its resource list has changed.
	OnResourceListChanged()
}

// PromptListWatcher provides an interface for receiving notifications when the
// server's prompt list changes.
type PromptListWatcher interface {
	// OnPromptListChanged is called when the server notifies that its prompt list has changed.
	OnPromptListChanged()
}

// ProgressListener provides an interface for receiving progress updates on
// long-running operations.
type ProgressListener interface {
	// OnProgress is called when a progress update is received for an operation.
	OnProgress(params ProgressParams)
}

// LogReceiver provides an interface for receiving log messages pushed by the server.
type LogReceiver interface {
	// OnLog is called when a log message is received from the server.
	OnLog(params LogParams)
}

// ProgressParams represents the progress status of a long-running operation.
type ProgressParams struct {
	// ProgressToken uniquely identifies the operation this progress update relates to
	ProgressToken string `json:"progressToken"`
	// Progress represents the current progress value
	Progress float64 `json:"progress"`
	// Total represents the expected final value when known.
	// When non-zero, completion percentage can be calculated as (Progress/Total)*100
	Total float64 `json:"total,omitempty"`
}

// LogParams represents the parameters for a log message pushed by the server.
type LogParams struct {
	// Level indicates the severity level of the message.
	Level string `json:"level"`
	// Logger identifies the source/component that generated the message.
	Logger string `json:"logger"`
	// Data contains the message content and any structured metadata.
	Data json.RawMessage `json:"data"`
}

// NotificationRouter dispatches server-pushed notifications to optional typed
// watchers. It implements the NotificationHandler contract of the transports;
// notifications with no registered watcher are logged at debug level and
// dropped, never treated as an error.
type NotificationRouter struct {
	ToolListWatcher     ToolListWatcher
	ResourceListWatcher ResourceListWatcher
	PromptListWatcher   PromptListWatcher
	ProgressListener    ProgressListener
	LogReceiver         LogReceiver

	// Fallback receives every notification no typed watcher consumed.
	Fallback NotificationHandler

	// Logger defaults to slog.Default when nil.
	Logger *slog.Logger
}

// Handler returns the NotificationHandler to wire into a transport.
func (r *NotificationRouter) Handler() NotificationHandler {
	return r.route
}

func (r *NotificationRouter) route(msg JSONRPCMessage) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch msg.Method {
	case methodNotificationsToolsListChanged:
		if r.ToolListWatcher != nil {
			r.ToolListWatcher.OnToolListChanged()
			return
		}
	case methodNotificationsResourcesListChanged:
		if r.ResourceListWatcher != nil {
			r.ResourceListWatcher.OnResourceListChanged()
			return
		}
	case methodNotificationsPromptsListChanged:
		if r.PromptListWatcher != nil {
			r.PromptListWatcher.OnPromptListChanged()
			return
		}
	case methodNotificationsProgress:
		if r.ProgressListener != nil {
			var params ProgressParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				logger.Error("failed to unmarshal progress params", "err", err)
				return
			}
			r.ProgressListener.OnProgress(params)
			return
		}
	case methodNotificationsMessage:
		if r.LogReceiver != nil {
			var params LogParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				logger.Error("failed to unmarshal log params", "err", err)
				return
			}
			r.LogReceiver.OnLog(params)
			return
		}
	}

	if r.Fallback != nil {
		r.Fallback(msg)
		return
	}
	logger.Debug("dropping notification", "method", msg.Method)
}
