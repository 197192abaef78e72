package tgui

import (
	"fmt"
	"strings"
)

// Data formats inline callback data as "ns:action" or "ns:action:payload".
// The payload is kept as-is. The result must fit MaxCallbackDataLen.
func Data(ns, action, payload string) (string, error) {
	ns = strings.TrimSpace(ns)
	action = strings.TrimSpace(action)
	s := ns + ":" + action
	if payload != "" {
		s += ":" + payload
	}
	if len(s) > MaxCallbackDataLen {
		return "", fmt.Errorf("%w: %d bytes", ErrCallbackDataTooLong, len(s))
	}
	return s, nil
}

// ParseData splits callback data produced by Data. The payload may itself
// contain ':'.
func ParseData(data string) (ns, action, payload string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(data), ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", false
	}
	if len(parts) == 3 {
		payload = parts[2]
	}
	return parts[0], parts[1], payload, true
}
