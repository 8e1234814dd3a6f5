// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2025 Daniel Schmidt

package mit

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strconv"
)

// XMLCodec implements the XML wire format:
//
//	<imdata totalCount="1">
//	  <fvTenant dn="uni/tn-infra" name="infra">
//	    <fvBD name="bd1"/>
//	  </fvTenant>
//	</imdata>
//
// Element names carry the class, attributes the properties, nesting
// the containment. Decoding yields the same object graph as the JSON
// codec for an equivalent payload.
type XMLCodec struct{}

// Format implements Codec.
func (XMLCodec) Format() Format {
	return FormatXML
}

// ContentType implements Codec.
func (XMLCodec) ContentType() string {
	return "application/xml"
}

// EncodePayload implements Codec.
func (XMLCodec) EncodePayload(node *payloadNode) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := encodeXMLNode(enc, node); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeXMLNode(enc *xml.Encoder, node *payloadNode) error {
	start := xml.StartElement{Name: xml.Name{Local: node.className}}
	for _, attr := range node.attrs {
		start.Attr = append(start.Attr, xml.Attr{
			Name:  xml.Name{Local: attr.name},
			Value: attr.value,
		})
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	for _, child := range node.children {
		if err := encodeXMLNode(enc, child); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

// DecodeResponse implements Codec.
func (XMLCodec) DecodeResponse(schema *SchemaSet, data []byte) (*Response, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	resp := &Response{}
	var stack []*Mo
	inEnvelope := false

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &MitError{
				Code:      ErrQueryFailed,
				Operation: "decode",
				Message:   "response is not valid XML",
				Err:       err,
			}
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if !inEnvelope {
				if t.Name.Local != "imdata" {
					return nil, &MitError{
						Code:      ErrQueryFailed,
						Operation: "decode",
						Message:   "response envelope is not <imdata>",
					}
				}
				inEnvelope = true
				for _, attr := range t.Attr {
					switch attr.Name.Local {
					case "totalCount":
						resp.TotalCount, _ = strconv.Atoi(attr.Value)
					case "subscriptionId":
						resp.SubscriptionID = attr.Value
					}
				}
				continue
			}
			if t.Name.Local == "error" && len(stack) == 0 {
				remote := &RemoteError{}
				for _, attr := range t.Attr {
					switch attr.Name.Local {
					case "code":
						remote.Code = attr.Value
					case "text":
						remote.Text = attr.Value
					}
				}
				resp.Remote = remote
				if err := dec.Skip(); err != nil {
					return nil, err
				}
				continue
			}
			attrs := make(wireAttrs, 0, len(t.Attr))
			for _, attr := range t.Attr {
				attrs = append(attrs, payloadAttr{name: attr.Name.Local, value: attr.Value})
			}
			var parent *Mo
			if len(stack) > 0 {
				parent = stack[len(stack)-1]
			}
			mo, err := buildMo(schema, t.Name.Local, attrs, parent)
			if err != nil {
				return nil, err
			}
			if parent == nil {
				resp.Mos = append(resp.Mos, mo)
			}
			stack = append(stack, mo)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if !inEnvelope {
		return nil, &MitError{
			Code:      ErrQueryFailed,
			Operation: "decode",
			Message:   "response envelope is not <imdata>",
		}
	}
	return resp, nil
}
