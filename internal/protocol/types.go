package protocol

import "time"

// Version is the only protocol version this host speaks.
const Version = 1

// Commands an exec module must understand.
const (
	CommandDescribe   = "describe"
	CommandActivate   = "activate"
	CommandDeactivate = "deactivate"
	CommandDispose    = "dispose"
)

// Request is the envelope written to an exec module's stdin. The command
// is also passed as the first argument.
type Request struct {
	Protocol      int            `json:"protocol"`
	Command       string         `json:"command"` // describe | activate | deactivate | dispose
	ExtensionID   string         `json:"extension_id,omitempty"`
	ExtensionPath string         `json:"extension_path,omitempty"`
	ActivationID  string         `json:"activation_id,omitempty"`
	Manifest      any            `json:"manifest,omitempty"`
	Disposable    string         `json:"disposable,omitempty"` // only for dispose
	DeadlineAt    time.Time      `json:"deadline_at"`
}

// Response is the envelope read from an exec module's stdout.
type Response struct {
	Status      string     `json:"status"` // ok | error
	Error       string     `json:"error,omitempty"`
	Exports     []string   `json:"exports,omitempty"`     // describe
	Disposables []string   `json:"disposables,omitempty"` // activate
	Logs        []LogEntry `json:"logs,omitempty"`
}

// LogEntry is a log line reported by the module.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}

// Exported reports whether the describe response lists name.
func (r *Response) Exported(name string) bool {
	for _, e := range r.Exports {
		if e == name {
			return true
		}
	}
	return false
}
