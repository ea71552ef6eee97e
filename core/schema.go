package core

import (
	"time"

	"github.com/google/uuid"
)

// Event is a decoded log event as handed to the rule engine
type Event struct {
	EventID     string            `json:"event_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Category    string            `json:"category"`
	DecodedAs   string            `json:"decoded_as,omitempty"`
	ProgramName string            `json:"program_name,omitempty"`
	Hostname    string            `json:"hostname,omitempty"`
	Location    string            `json:"location,omitempty"`
	Log         string            `json:"full_log"`
	SrcIP       string            `json:"srcip,omitempty"`
	DstIP       string            `json:"dstip,omitempty"`
	SrcPort     string            `json:"srcport,omitempty"`
	DstPort     string            `json:"dstport,omitempty"`
	User        string            `json:"user,omitempty"`
	URL         string            `json:"url,omitempty"`
	ID          string            `json:"id,omitempty"`
	Status      string            `json:"status,omitempty"`
	ExtraData   string            `json:"extra_data,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// NewEvent creates a new Event with a generated UUID
func NewEvent() *Event {
	return &Event{
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Fields:    make(map[string]string),
	}
}

// Field returns a static or dynamic field by name. Static names follow the
// decoder vocabulary (srcip, dstip, user, ...); anything else is looked up in
// Fields.
func (e *Event) Field(name string) string {
	switch name {
	case "srcip":
		return e.SrcIP
	case "dstip":
		return e.DstIP
	case "srcport":
		return e.SrcPort
	case "dstport":
		return e.DstPort
	case "user", "srcuser", "dstuser":
		return e.User
	case "url":
		return e.URL
	case "id":
		return e.ID
	case "status":
		return e.Status
	case "extra_data":
		return e.ExtraData
	case "hostname":
		return e.Hostname
	case "program_name":
		return e.ProgramName
	case "location":
		return e.Location
	}
	return e.Fields[name]
}
