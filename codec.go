// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2025 Daniel Schmidt

package mit

import (
	"fmt"
)

// Format identifies a wire payload format.
type Format string

const (
	// FormatJSON selects JSON payloads
	FormatJSON Format = "json"

	// FormatXML selects XML payloads
	FormatXML Format = "xml"
)

// Codec translates between managed object trees and one wire format.
// Both codecs produce the same object graph for equivalent payloads,
// so a tree decoded from JSON and re-encoded as XML loses nothing.
type Codec interface {
	// Format returns the format the codec implements.
	Format() Format

	// ContentType returns the HTTP content type for request bodies.
	ContentType() string

	// EncodePayload renders a commit payload tree as a request body.
	EncodePayload(node *payloadNode) ([]byte, error)

	// DecodeResponse parses a response envelope into managed objects.
	// Result objects are detached trees anchored by their Dn.
	DecodeResponse(schema *SchemaSet, data []byte) (*Response, error)
}

// CodecFor returns the codec for a format.
func CodecFor(format Format) (Codec, error) {
	switch format {
	case FormatJSON, "":
		return JSONCodec{}, nil
	case FormatXML:
		return XMLCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// RemoteError is an error element returned by the controller inside a
// response envelope.
type RemoteError struct {
	// Code is the controller error code, e.g. "400"
	Code string

	// Text is the controller error description
	Text string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("controller error %s: %s", e.Code, e.Text)
}

// Response is a decoded response envelope.
type Response struct {
	// Mos holds the top-level result objects in response order, each
	// with its returned subtree attached
	Mos []*Mo

	// TotalCount is the controller's count of matching objects, which
	// exceeds len(Mos) for paged queries
	TotalCount int

	// SubscriptionID is set when the query requested a subscription
	SubscriptionID string

	// Remote is set when the envelope carries an error element
	Remote *RemoteError
}

// wireAttrs is an ordered attribute list decoded from one element.
type wireAttrs []payloadAttr

func (a wireAttrs) get(name string) (string, bool) {
	for _, attr := range a {
		if attr.name == name {
			return attr.value, true
		}
	}
	return "", false
}

// buildMo constructs a detached Mo from one decoded element. The
// object is anchored by its dn attribute, or by its rn relative to
// parent; with neither, the rn is derived from the naming property
// attributes. Attaching to a parent enforces containment rules.
func buildMo(schema *SchemaSet, elemClass string, attrs wireAttrs, parent *Mo) (*Mo, error) {
	meta, err := schema.Class(elemClass)
	if err != nil {
		return nil, err
	}

	var mo *Mo
	if dnStr, ok := attrs.get("dn"); ok && parent == nil {
		dn, err := ParseDn(schema, dnStr)
		if err != nil {
			return nil, err
		}
		if dn.ClassName() != elemClass {
			return nil, &MitError{
				Code:      ErrMalformedName,
				Operation: "decode",
				Message: fmt.Sprintf("dn %q resolves to class %s, element is %s",
					dnStr, dn.ClassName(), elemClass),
				ClassName: elemClass,
				Dn:        dnStr,
			}
		}
		mo, err = newDetachedMo(meta, dn.Parent(), dn.Rn().namingVals...)
		if err != nil {
			return nil, err
		}
	} else {
		rnStr, ok := attrs.get("rn")
		if !ok {
			if dnStr, hasDn := attrs.get("dn"); hasDn {
				segs := splitDn(dnStr)
				rnStr = segs[len(segs)-1]
			} else {
				rnStr, err = deriveRn(meta, attrs)
				if err != nil {
					return nil, err
				}
			}
		}
		rn, err := ParseRn(meta, rnStr)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, &MitError{
				Code:      ErrMalformedName,
				Operation: "decode",
				Message:   fmt.Sprintf("top-level %s element has no dn attribute", elemClass),
				ClassName: elemClass,
			}
		}
		mo, err = newDetachedMo(meta, Dn{}, rn.namingVals...)
		if err != nil {
			return nil, err
		}
		if err := parent.attach(mo); err != nil {
			return nil, err
		}
	}

	for _, attr := range attrs {
		switch attr.name {
		case "dn", "rn", "childAction":
		case "status":
			mo.status = ParseMoStatus(attr.value)
		default:
			mo.setRemoteProp(attr.name, attr.value)
		}
	}
	if _, ok := attrs.get("status"); !ok {
		mo.resetPending()
	}
	return mo, nil
}

// deriveRn renders an Rn from the naming property attributes of a
// decoded element.
func deriveRn(meta *ClassMeta, attrs wireAttrs) (string, error) {
	vals := make([]string, 0, len(meta.namingProps))
	for _, prop := range meta.namingProps {
		v, ok := attrs.get(prop.Name)
		if !ok {
			return "", &MitError{
				Code:      ErrMalformedName,
				Operation: "decode",
				Message: fmt.Sprintf("%s element carries neither dn, rn nor naming property %q",
					meta.ClassName, prop.Name),
				ClassName: meta.ClassName,
				Property:  prop.Name,
			}
		}
		vals = append(vals, v)
	}
	return encodeRn(meta, vals), nil
}
