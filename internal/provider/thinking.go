package provider

import (
	"fmt"
	"strings"
)

// ThinkingLevel is the requested reasoning effort.
type ThinkingLevel string

const (
	ThinkingOff     ThinkingLevel = "off"
	ThinkingMinimal ThinkingLevel = "minimal"
	ThinkingLow     ThinkingLevel = "low"
	ThinkingMedium  ThinkingLevel = "medium"
	ThinkingHigh    ThinkingLevel = "high"
	ThinkingXHigh   ThinkingLevel = "xhigh"
)

var thinkingOrder = []ThinkingLevel{ThinkingXHigh, ThinkingHigh, ThinkingMedium, ThinkingLow, ThinkingMinimal, ThinkingOff}

// ParseThinkingLevel accepts the level names; "" means off.
func ParseThinkingLevel(s string) (ThinkingLevel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ThinkingOff, nil
	}
	for _, l := range thinkingOrder {
		if string(l) == s {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown thinking level %q", s)
}

// Enabled reports whether any reasoning is requested.
func (l ThinkingLevel) Enabled() bool {
	return l != "" && l != ThinkingOff
}

// Downgrade returns the next lower level not yet attempted, or false when
// every lower level has been tried.
func (l ThinkingLevel) Downgrade(attempted map[ThinkingLevel]bool) (ThinkingLevel, bool) {
	start := -1
	for i, candidate := range thinkingOrder {
		if candidate == l {
			start = i
			break
		}
	}
	if start < 0 {
		return "", false
	}
	for _, candidate := range thinkingOrder[start+1:] {
		if !attempted[candidate] {
			return candidate, true
		}
	}
	return "", false
}

// BudgetTokens maps a level to an extended-thinking token budget.
func (l ThinkingLevel) BudgetTokens() int {
	switch l {
	case ThinkingMinimal:
		return 1024
	case ThinkingLow:
		return 4096
	case ThinkingMedium:
		return 10000
	case ThinkingHigh:
		return 24000
	case ThinkingXHigh:
		return 32000
	default:
		return 0
	}
}

// Effort maps a level to an OpenAI reasoning effort.
func (l ThinkingLevel) Effort() string {
	switch l {
	case ThinkingMinimal, ThinkingLow:
		return "low"
	case ThinkingMedium:
		return "medium"
	case ThinkingHigh, ThinkingXHigh:
		return "high"
	default:
		return ""
	}
}
