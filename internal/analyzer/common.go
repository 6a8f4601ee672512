package analyzer

import (
	"fmt"
	"strconv"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
)

// getServiceName extracts service.name from resource attributes.
// Returns "unknown" if service.name is not found.
func getServiceName(attrs map[string]string) string {
	if name, ok := attrs["service.name"]; ok && name != "" {
		return name
	}
	return "unknown"
}

// extractAttributes flattens OTLP attributes to strings.
func extractAttributes(attrs []*commonpb.KeyValue) map[string]string {
	result := make(map[string]string, len(attrs))
	for _, attr := range attrs {
		result[attr.Key] = attributeValueToString(attr.Value)
	}
	return result
}

// attributeValueToString converts an OTLP attribute value to string.
func attributeValueToString(value *commonpb.AnyValue) string {
	if value == nil {
		return ""
	}

	switch v := value.Value.(type) {
	case *commonpb.AnyValue_StringValue:
		return v.StringValue
	case *commonpb.AnyValue_IntValue:
		return strconv.FormatInt(v.IntValue, 10)
	case *commonpb.AnyValue_DoubleValue:
		return strconv.FormatFloat(v.DoubleValue, 'f', -1, 64)
	case *commonpb.AnyValue_BoolValue:
		return strconv.FormatBool(v.BoolValue)
	default:
		return fmt.Sprintf("%v", value)
	}
}

// attributeTags converts OTLP attributes to span tags, keeping scalar types.
func attributeTags(attrs []*commonpb.KeyValue) map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	tags := make(map[string]any, len(attrs))
	for _, attr := range attrs {
		tags[attr.Key] = attributeValue(attr.Value)
	}
	return tags
}

func attributeValue(value *commonpb.AnyValue) any {
	if value == nil {
		return nil
	}

	switch v := value.Value.(type) {
	case *commonpb.AnyValue_StringValue:
		return v.StringValue
	case *commonpb.AnyValue_IntValue:
		return v.IntValue
	case *commonpb.AnyValue_DoubleValue:
		return v.DoubleValue
	case *commonpb.AnyValue_BoolValue:
		return v.BoolValue
	case *commonpb.AnyValue_ArrayValue:
		values := v.ArrayValue.GetValues()
		out := make([]any, 0, len(values))
		for _, item := range values {
			out = append(out, attributeValue(item))
		}
		return out
	default:
		return attributeValueToString(value)
	}
}

// firstAttr returns the first non-empty value among keys.
func firstAttr(attrs map[string]string, keys ...string) string {
	for _, k := range keys {
		if v, ok := attrs[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

// isEmptyBytes reports whether b is empty or all zeros.
func isEmptyBytes(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
