package notify

// ErrorKind classifies why a notification was not delivered.
type ErrorKind string

const (
	KindNone             ErrorKind = ""
	NoActiveSession      ErrorKind = "no_active_session"
	InvalidDestination   ErrorKind = "invalid_destination"
	NoPhoneAvailable     ErrorKind = "no_phone_available"
	TemplateNotFound     ErrorKind = "template_not_found"
	NoTemplateForEvent   ErrorKind = "no_template_for_event"
	InitializationFailed ErrorKind = "initialization_failed"
	SendFailed           ErrorKind = "send_failed"
	StoreUnavailable     ErrorKind = "store_unavailable"
)

func (k ErrorKind) String() string {
	if k == KindNone {
		return "ok"
	}
	return string(k)
}

// Result is the outcome of one notification. Failures are values, not errors.
type Result struct {
	Success     bool      `json:"success"`
	Destination string    `json:"destination,omitempty"`
	Kind        ErrorKind `json:"error_kind,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

func succeeded(destination string) Result {
	return Result{Success: true, Destination: destination}
}

func failed(kind ErrorKind, destination, detail string) Result {
	return Result{Kind: kind, Destination: destination, Detail: detail}
}

// BroadcastReport aggregates a fan-out to every user.
type BroadcastReport struct {
	Attempted int               `json:"attempted"`
	Succeeded int               `json:"succeeded"`
	Failures  map[ErrorKind]int `json:"failures,omitempty"`
	// Error is set when the broadcast could not start at all.
	Error ErrorKind `json:"error,omitempty"`
}

func (r *BroadcastReport) add(res Result) {
	r.Attempted++
	if res.Success {
		r.Succeeded++
		return
	}
	if r.Failures == nil {
		r.Failures = make(map[ErrorKind]int)
	}
	r.Failures[res.Kind]++
}
