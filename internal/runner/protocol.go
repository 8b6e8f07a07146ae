// Package runner owns code execution: one persistent isolated interpreter
// process per workspace, a line-delimited JSON protocol to it, and the
// recovery logic around timeouts and faults.
package runner

import "encoding/json"

// MessageType tags one kernel output message.
type MessageType string

const (
	// MessageStream carries a stdout or stderr chunk.
	MessageStream MessageType = "stream"
	// MessageResult carries the typed display value of an execution.
	MessageResult MessageType = "result"
	// MessageError carries an interpreter exception with traceback.
	MessageError MessageType = "error"
	// MessageStatus carries interpreter state transitions; the idle state
	// terminates collection for a request.
	MessageStatus MessageType = "status"
)

// Result payload mime tags emitted by the worker shim.
const (
	MimeDataframe = "application/vnd.dataframe+json"
	MimePlotly    = "application/vnd.plotly.v1+json"
	MimeJSON      = "application/json"
	MimeText      = "text/plain"
)

// ResultPayload is the typed display value of one execution.
type ResultPayload struct {
	Mime  string          `json:"mime"`
	Value json.RawMessage `json:"value"`
}

// Message is one kernel output message, correlated to a request by ID.
// A session may have stale messages in flight from a prior interrupted
// call; consumers must filter on ID.
type Message struct {
	ID        string         `json:"id"`
	Type      MessageType    `json:"type"`
	Name      string         `json:"name,omitempty"`
	Text      string         `json:"text,omitempty"`
	Data      *ResultPayload `json:"data,omitempty"`
	Ename     string         `json:"ename,omitempty"`
	Evalue    string         `json:"evalue,omitempty"`
	Traceback []string       `json:"traceback,omitempty"`
	State     string         `json:"state,omitempty"`
}

// request is the wire shape of one execution request to the worker.
type request struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}
