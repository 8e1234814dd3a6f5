// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2025 Daniel Schmidt

package mit

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// JSONCodec implements the JSON wire format:
//
//	{
//	  "totalCount": "1",
//	  "imdata": [
//	    {
//	      "fvTenant": {
//	        "attributes": {"dn": "uni/tn-infra", "name": "infra"},
//	        "children": [...]
//	      }
//	    }
//	  ]
//	}
type JSONCodec struct{}

// Format implements Codec.
func (JSONCodec) Format() Format {
	return FormatJSON
}

// ContentType implements Codec.
func (JSONCodec) ContentType() string {
	return "application/json"
}

// EncodePayload implements Codec.
func (JSONCodec) EncodePayload(node *payloadNode) ([]byte, error) {
	body, err := encodeJSONNode(node)
	if err != nil {
		return nil, err
	}
	return []byte(body), nil
}

func encodeJSONNode(node *payloadNode) (string, error) {
	base := escapeJSONPath(node.className)
	body, err := sjson.SetRaw("{}", base+".attributes", "{}")
	if err != nil {
		return "", err
	}
	for _, attr := range node.attrs {
		body, err = sjson.Set(body, base+".attributes."+escapeJSONPath(attr.name), attr.value)
		if err != nil {
			return "", err
		}
	}
	for _, child := range node.children {
		childBody, err := encodeJSONNode(child)
		if err != nil {
			return "", err
		}
		body, err = sjson.SetRaw(body, base+".children.-1", childBody)
		if err != nil {
			return "", err
		}
	}
	return body, nil
}

// escapeJSONPath escapes path syntax in keys so class and property
// names pass through sjson verbatim.
func escapeJSONPath(key string) string {
	r := strings.NewReplacer(".", "\\.", "*", "\\*", "?", "\\?", "|", "\\|", "#", "\\#", "@", "\\@")
	return r.Replace(key)
}

// DecodeResponse implements Codec.
func (JSONCodec) DecodeResponse(schema *SchemaSet, data []byte) (*Response, error) {
	if !gjson.ValidBytes(data) {
		return nil, newError(ErrQueryFailed, "decode", "response is not valid JSON")
	}
	doc := gjson.ParseBytes(data)
	resp := &Response{
		TotalCount:     int(doc.Get("totalCount").Int()),
		SubscriptionID: doc.Get("subscriptionId").String(),
	}

	var decodeErr error
	doc.Get("imdata").ForEach(func(_, item gjson.Result) bool {
		item.ForEach(func(key, value gjson.Result) bool {
			if key.String() == "error" {
				resp.Remote = &RemoteError{
					Code: value.Get("attributes.code").String(),
					Text: value.Get("attributes.text").String(),
				}
				return false
			}
			mo, err := decodeJSONElement(schema, key.String(), value, nil)
			if err != nil {
				decodeErr = err
				return false
			}
			resp.Mos = append(resp.Mos, mo)
			return true
		})
		return decodeErr == nil
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	return resp, nil
}

func decodeJSONElement(schema *SchemaSet, elemClass string, value gjson.Result, parent *Mo) (*Mo, error) {
	var attrs wireAttrs
	value.Get("attributes").ForEach(func(k, v gjson.Result) bool {
		attrs = append(attrs, payloadAttr{name: k.String(), value: v.String()})
		return true
	})
	mo, err := buildMo(schema, elemClass, attrs, parent)
	if err != nil {
		return nil, err
	}
	var childErr error
	value.Get("children").ForEach(func(_, child gjson.Result) bool {
		child.ForEach(func(ck, cv gjson.Result) bool {
			if _, err := decodeJSONElement(schema, ck.String(), cv, mo); err != nil {
				childErr = err
				return false
			}
			return true
		})
		return childErr == nil
	})
	if childErr != nil {
		return nil, childErr
	}
	return mo, nil
}
