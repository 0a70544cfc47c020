package api

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/telluric-io/tern/pkg/types"
)

// statusInfo is the OGC job status document.
type statusInfo struct {
	JobID     string     `json:"jobID"`
	ProcessID string     `json:"processID,omitempty"`
	Status    string     `json:"status"`
	Message   string     `json:"message,omitempty"`
	Progress  int        `json:"progress,omitempty"`
	Created   time.Time  `json:"created,omitempty"`
	Started   *time.Time `json:"started,omitempty"`
	Finished  *time.Time `json:"finished,omitempty"`
	Links     []link     `json:"links,omitempty"`
}

func (s *Server) statusDoc(j *types.Job) statusInfo {
	base := s.cfg.PublicBaseURL
	doc := statusInfo{
		JobID:     j.ID,
		ProcessID: j.ProcessID,
		Status:    string(j.Status),
		Message:   j.Message,
		Progress:  j.Progress,
		Created:   j.Created,
		Started:   j.Started,
		Finished:  j.Finished,
		Links: []link{
			{Href: base + "/jobs/" + j.ID, Rel: "self", Type: "application/json"},
			{Href: base + "/jobs/" + j.ID + "/logs", Rel: "monitor", Type: "application/json"},
		},
	}
	if j.Status == types.StatusSucceeded {
		doc.Links = append(doc.Links, link{
			Href: base + "/jobs/" + j.ID + "/results",
			Rel:  "http://www.opengis.net/def/rel/ogc/1.0/results",
			Type: "application/json",
		})
	}
	return doc
}

// resultsDoc builds the OGC results document: one member per output id,
// references as {href,type} objects and literals inlined raw when they
// already are valid JSON.
func resultsDoc(results []types.Result) map[string]json.RawMessage {
	grouped := make(map[string][]json.RawMessage)
	order := make([]string, 0, len(results))
	for _, r := range results {
		if _, seen := grouped[r.ID]; !seen {
			order = append(order, r.ID)
		}
		grouped[r.ID] = append(grouped[r.ID], resultMember(r))
	}
	doc := make(map[string]json.RawMessage, len(order))
	for _, id := range order {
		members := grouped[id]
		if len(members) == 1 {
			doc[id] = members[0]
			continue
		}
		arr, _ := json.Marshal(members)
		doc[id] = arr
	}
	return doc
}

func resultMember(r types.Result) json.RawMessage {
	if r.Href != "" {
		member := map[string]string{"href": r.Href}
		if r.MediaType != "" {
			member["type"] = r.MediaType
		}
		raw, _ := json.Marshal(member)
		return raw
	}
	if json.Valid([]byte(r.Value)) {
		return json.RawMessage(r.Value)
	}
	raw, _ := json.Marshal(r.Value)
	return raw
}

// processSummary is one /processes list entry.
type processSummary struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title,omitempty"`
	Description        string   `json:"description,omitempty"`
	Version            string   `json:"version,omitempty"`
	Keywords           []string `json:"keywords,omitempty"`
	JobControlOptions  []string `json:"jobControlOptions,omitempty"`
	OutputTransmission []string `json:"outputTransmission,omitempty"`
	Links              []link   `json:"links,omitempty"`
}

func (s *Server) summaryDoc(p *types.Process) processSummary {
	summary := processSummary{
		ID:          p.ID,
		Title:       p.Title,
		Description: p.Description,
		Version:     p.Version,
		Keywords:    p.Keywords,
		Links: []link{
			{Href: s.cfg.PublicBaseURL + "/processes/" + p.ID, Rel: "self", Type: "application/json"},
		},
	}
	for _, c := range p.JobControlOptions {
		summary.JobControlOptions = append(summary.JobControlOptions, string(c))
	}
	for _, t := range p.OutputTransmission {
		summary.OutputTransmission = append(summary.OutputTransmission, string(t))
	}
	return summary
}

// descriptionDoc is the full OGC process description.
func (s *Server) descriptionDoc(p *types.Process) map[string]any {
	doc := map[string]any{
		"id":      p.ID,
		"inputs":  ioSection(p.Inputs),
		"outputs": ioSection(p.Outputs),
	}
	if p.Title != "" {
		doc["title"] = p.Title
	}
	if p.Description != "" {
		doc["description"] = p.Description
	}
	if p.Version != "" {
		doc["version"] = p.Version
	}
	if len(p.Keywords) > 0 {
		doc["keywords"] = p.Keywords
	}
	if len(p.JobControlOptions) > 0 {
		doc["jobControlOptions"] = p.JobControlOptions
	}
	if len(p.OutputTransmission) > 0 {
		doc["outputTransmission"] = p.OutputTransmission
	}
	doc["links"] = []link{
		{Href: s.cfg.PublicBaseURL + "/processes/" + p.ID, Rel: "self", Type: "application/json"},
		{Href: s.cfg.PublicBaseURL + "/processes/" + p.ID + "/execution", Rel: "http://www.opengis.net/def/rel/ogc/1.0/execute", Type: "application/json"},
	}
	return doc
}

func ioSection(defs []types.IODef) map[string]any {
	out := make(map[string]any, len(defs))
	for i := range defs {
		out[defs[i].ID] = ioDescription(&defs[i])
	}
	return out
}

// ioDescription renders one IODef as an OGC description member with a
// JSON-schema-flavoured schema section.
func ioDescription(d *types.IODef) map[string]any {
	member := map[string]any{
		"minOccurs": d.MinOccurs,
	}
	if d.Title != "" {
		member["title"] = d.Title
	}
	if d.Description != "" {
		member["description"] = d.Description
	}
	if d.MaxOccurs == types.UnboundedOccurs {
		member["maxOccurs"] = "unbounded"
	} else {
		member["maxOccurs"] = d.MaxOccurs
	}
	member["schema"] = ioSchema(d)
	return member
}

func ioSchema(d *types.IODef) map[string]any {
	schema := map[string]any{}
	switch d.Kind {
	case types.IOComplex:
		schema["type"] = "string"
		if len(d.Formats) == 1 {
			schema["contentMediaType"] = d.Formats[0].MediaType
		} else if len(d.Formats) > 1 {
			alternatives := make([]map[string]any, 0, len(d.Formats))
			for _, f := range d.Formats {
				alternatives = append(alternatives, map[string]any{
					"type":             "string",
					"contentMediaType": f.MediaType,
				})
			}
			sort.Slice(alternatives, func(i, j int) bool {
				return alternatives[i]["contentMediaType"].(string) < alternatives[j]["contentMediaType"].(string)
			})
			return map[string]any{"oneOf": alternatives}
		}
	case types.IOBBox:
		schema["type"] = "object"
		schema["format"] = "ogc-bbox"
	default:
		switch d.DataType {
		case types.TypeInt:
			schema["type"] = "integer"
		case types.TypeFloat, types.TypeMeasure:
			schema["type"] = "number"
		case types.TypeBoolean:
			schema["type"] = "boolean"
		case types.TypeDateTime:
			schema["type"] = "string"
			schema["format"] = "date-time"
		case types.TypeDuration:
			schema["type"] = "string"
			schema["format"] = "duration"
		case types.TypeURI:
			schema["type"] = "string"
			schema["format"] = "uri"
		default:
			schema["type"] = "string"
		}
		if len(d.AllowedValues) > 0 {
			schema["enum"] = d.AllowedValues
		}
		if d.AllowedRange != nil {
			if d.AllowedRange.Min != nil {
				schema["minimum"] = *d.AllowedRange.Min
			}
			if d.AllowedRange.Max != nil {
				schema["maximum"] = *d.AllowedRange.Max
			}
		}
		if d.UOM != "" {
			schema["uom"] = d.UOM
		}
	}
	if d.DefaultValue != nil {
		schema["default"] = d.DefaultValue
	}
	if d.Array() {
		items := schema
		schema = map[string]any{"type": "array", "items": items}
		if d.MinOccurs > 1 {
			schema["minItems"] = d.MinOccurs
		}
		if d.MaxOccurs > 1 {
			schema["maxItems"] = d.MaxOccurs
		}
	}
	return schema
}
