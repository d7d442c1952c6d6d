package common

import (
	"context"
	"fmt"
	"regexp"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// RequestID context key for a caller provided request ID
type RequestID struct{}

// UpdateLogTags create a new Apex log.Fields map which includes the request ID from context
func UpdateLogTags(ctxt context.Context, original log.Fields) (log.Fields, error) {
	result := log.Fields{}
	for field, value := range original {
		result[field] = value
	}
	if ctxt.Value(RequestID{}) != nil {
		requestID, ok := ctxt.Value(RequestID{}).(string)
		if !ok {
			return result, fmt.Errorf("request ID in context is not a string")
		}
		result["request"] = requestID
	}
	return result, nil
}

// Topic names are dot separated alphanumeric segments. Filter terms append
// additional "field=value" segments.
var topicNameMatcher = regexp.MustCompile(`^[a-zA-Z0-9_\-]+(\.[a-zA-Z0-9_\-=]+)*$`)

// ValidateTopicName verify a topic name is safe for use with the realtime transports
func ValidateTopicName(topic string) error {
	if !topicNameMatcher.MatchString(topic) {
		return fmt.Errorf("topic name '%s' is not valid", topic)
	}
	return nil
}
