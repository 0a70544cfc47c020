package types

import (
	"regexp"
	"time"
)

// ProcessIDPattern constrains deployable process identifiers.
var ProcessIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// ProcessType identifies how a process is executed
type ProcessType string

const (
	ProcessApplication ProcessType = "application"
	ProcessWorkflow    ProcessType = "workflow"
	ProcessBuiltin     ProcessType = "builtin"
	ProcessWPS1        ProcessType = "wps1"
	ProcessESGFCWT     ProcessType = "esgf-cwt"
	ProcessRemote      ProcessType = "remote"
)

// Visibility controls whether a process is listed for non-owners
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// JobControl is an execution mode a process supports
type JobControl string

const (
	JobControlSync  JobControl = "sync"
	JobControlAsync JobControl = "async"
)

// Transmission selects how outputs are returned
type Transmission string

const (
	TransmissionValue     Transmission = "value"
	TransmissionReference Transmission = "reference"
)

// Process is a deployed, describable, executable process
type Process struct {
	ID                 string            `json:"id"`
	Version            string            `json:"version,omitempty"`
	Title              string            `json:"title,omitempty"`
	Description        string            `json:"description,omitempty"`
	Keywords           []string          `json:"keywords,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	Visibility         Visibility        `json:"visibility"`
	JobControlOptions  []JobControl      `json:"jobControlOptions"`
	OutputTransmission []Transmission    `json:"outputTransmission"`
	Inputs             []IODef           `json:"inputs"`
	Outputs            []IODef           `json:"outputs"`
	Package            map[string]any    `json:"package,omitempty"` // CWL-equivalent tree
	Type               ProcessType       `json:"type"`
	Payload            []byte            `json:"payload,omitempty"` // original deploy payload
	WallClockLimit     time.Duration     `json:"wallClockLimit,omitempty"`
	CreatedAt          time.Time         `json:"created"`
	UpdatedAt          time.Time         `json:"updated"`
}

// IOKind is the canonical category of an input or output
type IOKind string

const (
	IOLiteral IOKind = "literal"
	IOBBox    IOKind = "bbox"
	IOComplex IOKind = "complex"
)

// DataType is the literal data type of a literal I/O
type DataType string

const (
	TypeInt      DataType = "int"
	TypeFloat    DataType = "float"
	TypeString   DataType = "string"
	TypeBoolean  DataType = "boolean"
	TypeDateTime DataType = "date-time"
	TypeDuration DataType = "duration"
	TypeURI      DataType = "URI"
	TypeMeasure  DataType = "measure"
)

// UnboundedOccurs marks an I/O accepting any number of values.
// MaxOccurs uses this sentinel rather than a union type.
const UnboundedOccurs = -1

// Format describes one accepted representation of a complex I/O
type Format struct {
	MediaType string `json:"mediaType"`
	Schema    string `json:"schema,omitempty"`
	Encoding  string `json:"encoding,omitempty"`
	Default   bool   `json:"default,omitempty"`
}

// AllowedRange bounds a numeric literal
type AllowedRange struct {
	Min          *float64 `json:"minimumValue,omitempty"`
	Max          *float64 `json:"maximumValue,omitempty"`
	MinExclusive bool     `json:"minExclusive,omitempty"`
	MaxExclusive bool     `json:"maxExclusive,omitempty"`
}

// IODef is the canonical per-I/O record produced by reconciliation
type IODef struct {
	ID            string        `json:"id"`
	Title         string        `json:"title,omitempty"`
	Description   string        `json:"description,omitempty"`
	Kind          IOKind        `json:"kind"`
	DataType      DataType      `json:"dataType,omitempty"`
	AllowedValues []string      `json:"allowedValues,omitempty"`
	AllowedRange  *AllowedRange `json:"allowedRange,omitempty"`
	DefaultValue  any           `json:"defaultValue,omitempty"`
	Formats       []Format      `json:"formats,omitempty"`
	MinOccurs     int           `json:"minOccurs"`
	MaxOccurs     int           `json:"maxOccurs"` // UnboundedOccurs for "unbounded"
	UOM           string        `json:"uom,omitempty"`
}

// Required reports whether at least one value must be supplied.
func (d *IODef) Required() bool {
	return d.MinOccurs > 0
}

// Array reports whether the I/O accepts more than one value.
func (d *IODef) Array() bool {
	return d.MaxOccurs == UnboundedOccurs || d.MaxOccurs > 1
}

// JobStatus is a state of the job lifecycle
type JobStatus string

const (
	StatusAccepted  JobStatus = "accepted"
	StatusStarted   JobStatus = "started"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusDismissed JobStatus = "dismissed"
)

// Terminal reports whether s is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusDismissed
}

// ExecutionMode selects sync/async dispatch for one submission
type ExecutionMode string

const (
	ModeSync  ExecutionMode = "sync"
	ModeAsync ExecutionMode = "async"
	ModeAuto  ExecutionMode = "auto"
)

// Job is one execution of a process. It is exclusively owned by the job
// state machine; every other component mutates it through update intents.
type Job struct {
	ID               string                  `json:"jobID"`
	ProcessID        string                  `json:"processID"`
	ProviderID       string                  `json:"providerID,omitempty"`
	Status           JobStatus               `json:"status"`
	Message          string                  `json:"message,omitempty"`
	Progress         int                     `json:"progress"`
	Created          time.Time               `json:"created"`
	Started          *time.Time              `json:"started,omitempty"`
	Updated          time.Time               `json:"updated"`
	Finished         *time.Time              `json:"finished,omitempty"`
	Inputs           map[string]Value        `json:"inputs,omitempty"`
	Outputs          map[string]Value        `json:"outputs,omitempty"`
	Results          []Result                `json:"results,omitempty"`
	Exceptions       []ExceptionRecord       `json:"exceptions,omitempty"`
	Tags             []string                `json:"tags,omitempty"`
	UserID           string                  `json:"userID,omitempty"`
	EmailToken       string                  `json:"emailToken,omitempty"` // scrypt-derived, never the address
	NotifyEmail      string                  `json:"-"`                    // in-memory only, for the final notification
	ExecutionMode    ExecutionMode           `json:"executionMode"`
	Subscribers      []Subscriber            `json:"subscribers,omitempty"`
	TransmissionByID map[string]Transmission `json:"transmission,omitempty"`
}

// Subscriber is a callback registered at submit time
type Subscriber struct {
	SuccessURI  string `json:"successUri,omitempty"`
	FailedURI   string `json:"failedUri,omitempty"`
	ProgressURI string `json:"inProgressUri,omitempty"`
}

// Result is one materialized job output
type Result struct {
	ID        string `json:"id"`
	Value     string `json:"value,omitempty"`
	Href      string `json:"href,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
}

// ExceptionRecord is one observed failure; records are append-only
type ExceptionRecord struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// LogSource tags the origin of a log line
type LogSource string

const (
	SourceSetup  LogSource = "setup"
	SourceStdout LogSource = "stdout"
	SourceStderr LogSource = "stderr"
	SourceSystem LogSource = "system"
)

// LogEntry is one line of the ordered per-job log stream
type LogEntry struct {
	TS     time.Time `json:"ts"`
	Level  string    `json:"level"`
	Source LogSource `json:"source"`
	Text   string    `json:"text"`
}

// ProviderType identifies a remote offering protocol
type ProviderType string

const (
	ProviderWPS1    ProviderType = "wps1"
	ProviderWPS2    ProviderType = "wps2"
	ProviderREST    ProviderType = "rest"
	ProviderESGFCWT ProviderType = "esgf-cwt"
)

// Provider is a live pass-through to a remote offering
type Provider struct {
	ID         string       `json:"id"`
	URL        string       `json:"url"`
	Type       ProviderType `json:"type"`
	Visibility Visibility   `json:"visibility"`
	CreatedAt  time.Time    `json:"created"`
}

// Quote is a stored execution cost estimate
type Quote struct {
	ID        string    `json:"id"`
	ProcessID string    `json:"processID"`
	UserID    string    `json:"userID,omitempty"`
	Price     float64   `json:"price"`
	Currency  string    `json:"currency"`
	Expire    time.Time `json:"expire"`
	CreatedAt time.Time `json:"created"`
}
