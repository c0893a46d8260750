package reply

// State is the outcome taxonomy carried by every Reply.
type State int

const (
	Good State = iota
	Pending
	UnknownTask
	InternalError
	InvalidState
	InvalidParam
	SignalObjMismatch
	ServiceUnavailable
	LostInternet
	DroppedConnection
	FileNotFound
	JobSystemDown
	BadHTTPRequest
	GenericNetworkError
	RemoteServerError
	LocalFileError
	JSONParseError
	ExplicitError
	MissingReplyStatus
	MissingReplyData
	StoppedByUser
	NotReady
	NotImplemented
	Unclassified
)

var stateNames = [...]string{
	Good:                "GOOD",
	Pending:             "PENDING",
	UnknownTask:         "UNKNOWN_TASK",
	InternalError:       "INTERNAL_ERROR",
	InvalidState:        "INVALID_STATE",
	InvalidParam:        "INVALID_PARAM",
	SignalObjMismatch:   "SIGNAL_OBJ_MISMATCH",
	ServiceUnavailable:  "SERVICE_UNAVAILABLE",
	LostInternet:        "LOST_INTERNET",
	DroppedConnection:   "DROPPED_CONNECTION",
	FileNotFound:        "FILE_NOT_FOUND",
	JobSystemDown:       "JOB_SYSTEM_DOWN",
	BadHTTPRequest:      "BAD_HTTP_REQUEST",
	GenericNetworkError: "GENERIC_NETWORK_ERROR",
	RemoteServerError:   "REMOTE_SERVER_ERROR",
	LocalFileError:      "LOCAL_FILE_ERROR",
	JSONParseError:      "JSON_PARSE_ERROR",
	ExplicitError:       "EXPLICIT_ERROR",
	MissingReplyStatus:  "MISSING_REPLY_STATUS",
	MissingReplyData:    "MISSING_REPLY_DATA",
	StoppedByUser:       "STOPPED_BY_USER",
	NotReady:            "NOT_READY",
	NotImplemented:      "NOT_IMPLEMENTED",
	Unclassified:        "UNCLASSIFIED",
}

var stateMessages = [...]string{
	Good:                "Request Successful",
	Pending:             "Request In Progress",
	UnknownTask:         "Task for reply is not recognized",
	InternalError:       "Internal error creating reply object",
	InvalidState:        "Network interface method invoked in invalid state",
	InvalidParam:        "Parameters given for task are invalid.",
	SignalObjMismatch:   "Network reply does not match reply object",
	ServiceUnavailable:  "Remote job service is unavailable",
	LostInternet:        "Lost Internet connection. Please check connection and restart program.",
	DroppedConnection:   "Remote service has dropped connection.",
	FileNotFound:        "File Not found",
	JobSystemDown:       "Remote job system may be down for maintainance",
	BadHTTPRequest:      "Invalid HTTP request",
	GenericNetworkError: "Network error in remote request",
	RemoteServerError:   "Remote server has internal error",
	LocalFileError:      "Unable to open local file",
	JSONParseError:      "JSON parse failed",
	ExplicitError:       "Remote system unable to complete request",
	MissingReplyStatus:  "Missing status string in task reply",
	MissingReplyData:    "Expected data from remote reply missing or mal-formed",
	StoppedByUser:       "Task stopped by user",
	NotReady:            "Interface is not ready to enact task",
	NotImplemented:      "Feature Not Implemented",
	Unclassified:        "An unclassified error occured",
}

func (s State) valid() bool {
	return s >= Good && int(s) < len(stateNames)
}

// String returns the upper-case state name.
func (s State) String() string {
	if !s.valid() {
		return "INTERNAL_ERROR"
	}
	return stateNames[s]
}

// Message returns the fixed user-facing text for the state.
func (s State) Message() string {
	if !s.valid() {
		return "INTERNAL ERROR"
	}
	return stateMessages[s]
}

// Outcome is what a Reply completes with.
type Outcome struct {
	State State
	// Message overrides State.Message when the remote supplied its own text.
	Message string
	// Value holds the decoded result of a successful reply.
	Value any
	// Raw holds the body of download-to-buffer replies.
	Raw []byte
	// JobID is set on job submission replies.
	JobID string
}

// OK reports whether the outcome is Good.
func (o Outcome) OK() bool { return o.State == Good }

// Text returns the remote message if present, otherwise the state's text.
func (o Outcome) Text() string {
	if o.Message != "" {
		return o.Message
	}
	return o.State.Message()
}

// Success builds a Good outcome carrying v.
func Success(v any) Outcome {
	return Outcome{State: Good, Value: v}
}

// Failure builds an outcome for a failed state.
func Failure(s State) Outcome {
	return Outcome{State: s}
}

// FailureMsg builds a failed outcome with an explicit message.
func FailureMsg(s State, msg string) Outcome {
	return Outcome{State: s, Message: msg}
}
