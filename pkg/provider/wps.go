package provider

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/types"
)

// wpsURL appends KVP query parameters for a WPS 1.0.0 GET request,
// preserving any parameters already baked into the endpoint.
func wpsURL(endpoint, request, identifier string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	q := u.Query()
	q.Set("service", "WPS")
	q.Set("version", "1.0.0")
	q.Set("request", request)
	if identifier != "" {
		q.Set("identifier", identifier)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type wpsCapabilitiesDoc struct {
	XMLName   xml.Name `xml:"Capabilities"`
	Offerings struct {
		Processes []wpsProcessBrief `xml:"Process"`
	} `xml:"ProcessOfferings"`
}

type wpsProcessBrief struct {
	Identifier string `xml:"Identifier"`
	Title      string `xml:"Title"`
	Abstract   string `xml:"Abstract"`
	Version    string `xml:"processVersion,attr"`
}

type wpsDescriptionsDoc struct {
	XMLName      xml.Name                `xml:"ProcessDescriptions"`
	Descriptions []wpsProcessDescription `xml:"ProcessDescription"`
}

type wpsProcessDescription struct {
	Identifier string `xml:"Identifier"`
	Title      string `xml:"Title"`
	Abstract   string `xml:"Abstract"`
	Version    string `xml:"processVersion,attr"`
	Inputs     struct {
		Inputs []wpsIODescription `xml:"Input"`
	} `xml:"DataInputs"`
	Outputs struct {
		Outputs []wpsIODescription `xml:"Output"`
	} `xml:"ProcessOutputs"`
}

type wpsIODescription struct {
	Identifier string  `xml:"Identifier"`
	Title      string  `xml:"Title"`
	Abstract   string  `xml:"Abstract"`
	MinOccurs  *int    `xml:"minOccurs,attr"`
	MaxOccurs  *string `xml:"maxOccurs,attr"`

	Literal *struct {
		DataType struct {
			Value     string `xml:",chardata"`
			Reference string `xml:"reference,attr"`
		} `xml:"DataType"`
		UOM struct {
			Default string `xml:"Default>UOM"`
		} `xml:"UOMs"`
		Allowed struct {
			Values []string `xml:"Value"`
		} `xml:"AllowedValues"`
		Default string `xml:"DefaultValue"`
	} `xml:"LiteralData"`
	LiteralOutput *struct {
		DataType struct {
			Value     string `xml:",chardata"`
			Reference string `xml:"reference,attr"`
		} `xml:"DataType"`
	} `xml:"LiteralOutput"`

	Complex       *wpsComplexDescription `xml:"ComplexData"`
	ComplexOutput *wpsComplexDescription `xml:"ComplexOutput"`

	BBox       *struct{} `xml:"BoundingBoxData"`
	BBoxOutput *struct{} `xml:"BoundingBoxOutput"`
}

type wpsComplexDescription struct {
	Default struct {
		Format wpsFormat `xml:"Format"`
	} `xml:"Default"`
	Supported struct {
		Formats []wpsFormat `xml:"Format"`
	} `xml:"Supported"`
}

type wpsFormat struct {
	MimeType string `xml:"MimeType"`
	Encoding string `xml:"Encoding"`
	Schema   string `xml:"Schema"`
}

func (r *Registry) wpsCapabilities(ctx context.Context, p *types.Provider) ([]types.Process, error) {
	body, err := r.fetchXML(ctx, wpsURL(p.URL, "GetCapabilities", ""))
	if err != nil {
		return nil, err
	}
	var doc wpsCapabilitiesDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fault.Wrap(fault.KindRemoteExecutor, err,
			"provider %q returned malformed capabilities", p.ID)
	}
	out := make([]types.Process, 0, len(doc.Offerings.Processes))
	for _, proc := range doc.Offerings.Processes {
		out = append(out, types.Process{
			ID:          strings.TrimSpace(proc.Identifier),
			Title:       strings.TrimSpace(proc.Title),
			Description: strings.TrimSpace(proc.Abstract),
			Version:     proc.Version,
			Type:        types.ProcessWPS1,
			Visibility:  p.Visibility,
		})
	}
	return out, nil
}

func (r *Registry) wpsDescribe(ctx context.Context, p *types.Provider, processID string) (*types.Process, error) {
	body, err := r.fetchXML(ctx, wpsURL(p.URL, "DescribeProcess", processID))
	if err != nil {
		return nil, err
	}
	var doc wpsDescriptionsDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fault.Wrap(fault.KindRemoteExecutor, err,
			"provider %q returned malformed description", p.ID)
	}
	for _, d := range doc.Descriptions {
		if strings.TrimSpace(d.Identifier) != processID {
			continue
		}
		proc := &types.Process{
			ID:                 processID,
			Title:              strings.TrimSpace(d.Title),
			Description:        strings.TrimSpace(d.Abstract),
			Version:            d.Version,
			Type:               types.ProcessWPS1,
			Visibility:         p.Visibility,
			JobControlOptions:  []types.JobControl{types.JobControlSync, types.JobControlAsync},
			OutputTransmission: []types.Transmission{types.TransmissionReference},
		}
		for _, in := range d.Inputs.Inputs {
			proc.Inputs = append(proc.Inputs, ioDefFrom(in, true))
		}
		for _, out := range d.Outputs.Outputs {
			proc.Outputs = append(proc.Outputs, ioDefFrom(out, false))
		}
		return proc, nil
	}
	return nil, fault.New(fault.KindNotFound,
		"process %q not offered by provider %q", processID, p.ID)
}

func ioDefFrom(src wpsIODescription, input bool) types.IODef {
	def := types.IODef{
		ID:          strings.TrimSpace(src.Identifier),
		Title:       strings.TrimSpace(src.Title),
		Description: strings.TrimSpace(src.Abstract),
		MinOccurs:   1,
		MaxOccurs:   1,
	}
	if input {
		if src.MinOccurs != nil {
			def.MinOccurs = *src.MinOccurs
		}
		if src.MaxOccurs != nil {
			def.MaxOccurs = parseMaxOccurs(*src.MaxOccurs)
		}
	}

	switch {
	case src.Literal != nil:
		def.Kind = types.IOLiteral
		def.DataType = literalDataType(src.Literal.DataType.Value, src.Literal.DataType.Reference)
		def.AllowedValues = src.Literal.Allowed.Values
		def.UOM = strings.TrimSpace(src.Literal.UOM.Default)
		if v := strings.TrimSpace(src.Literal.Default); v != "" {
			def.DefaultValue = v
		}
	case src.LiteralOutput != nil:
		def.Kind = types.IOLiteral
		def.DataType = literalDataType(src.LiteralOutput.DataType.Value, src.LiteralOutput.DataType.Reference)
	case src.Complex != nil:
		def.Kind = types.IOComplex
		def.Formats = formatsFrom(src.Complex)
	case src.ComplexOutput != nil:
		def.Kind = types.IOComplex
		def.Formats = formatsFrom(src.ComplexOutput)
	case src.BBox != nil, src.BBoxOutput != nil:
		def.Kind = types.IOBBox
	default:
		def.Kind = types.IOLiteral
		def.DataType = types.TypeString
	}
	return def
}

func formatsFrom(c *wpsComplexDescription) []types.Format {
	var formats []types.Format
	def := strings.TrimSpace(c.Default.Format.MimeType)
	seen := map[string]bool{}
	add := func(f wpsFormat) {
		mt := strings.TrimSpace(f.MimeType)
		if mt == "" || seen[mt] {
			return
		}
		seen[mt] = true
		formats = append(formats, types.Format{
			MediaType: mt,
			Encoding:  strings.TrimSpace(f.Encoding),
			Schema:    strings.TrimSpace(f.Schema),
			Default:   mt == def,
		})
	}
	add(c.Default.Format)
	for _, f := range c.Supported.Formats {
		add(f)
	}
	return formats
}

// literalDataType maps a WPS literal type, given either as element text or
// as an ows:reference URI fragment, to the canonical data type.
func literalDataType(value, reference string) types.DataType {
	name := strings.TrimSpace(value)
	if name == "" && reference != "" {
		if i := strings.LastIndexAny(reference, "#:"); i >= 0 {
			name = reference[i+1:]
		}
	}
	switch strings.ToLower(strings.TrimPrefix(name, "xs:")) {
	case "int", "integer", "long", "short":
		return types.TypeInt
	case "float", "double", "decimal":
		return types.TypeFloat
	case "boolean", "bool":
		return types.TypeBoolean
	case "datetime", "date-time":
		return types.TypeDateTime
	case "anyuri", "uri":
		return types.TypeURI
	default:
		return types.TypeString
	}
}

func parseMaxOccurs(raw string) int {
	if strings.EqualFold(strings.TrimSpace(raw), "unbounded") {
		return types.UnboundedOccurs
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func (r *Registry) fetchXML(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/xml, application/xml")
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindRemoteExecutor, err, "provider request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fault.New(fault.KindRemoteExecutor,
			"provider answered %d for %s", resp.StatusCode, target)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read provider response: %w", err)
	}
	return body, nil
}
