// Package action defines the typed instruction model shared by the model
// output parser, the script compiler, and the control loop, plus the parser
// that turns free-form vision-model text into ordered actions.
package action

import (
	"regexp"
	"strconv"
	"strings"
)

// Known action type identifiers. Unknown types are still legal data; they are
// rejected by the actuator at execution time, never at parse time.
const (
	TypeClick       = "click"
	TypeLeftDouble  = "left_double"
	TypeRightSingle = "right_single"
	TypeDrag        = "drag"
	TypeSwipe       = "swipe"
	TypeScroll      = "scroll"
	TypeHotkey      = "hotkey"
	TypeType        = "type"
	TypeSleep       = "sleep"
	TypeWait        = "wait"
	TypeHome        = "iphone_home"
	TypeAppSwitcher = "iphone_app_switcher"
	TypeRunScript   = "run_script"
	TypeFinished    = "finished"
	TypeCallUser    = "call_user"
	TypeErrorEnv    = "error_env"
)

// IsTerminal reports whether t ends the run (or requires human judgment).
// Only the control loop acts on this; parser and cache treat terminal types
// as ordinary data.
func IsTerminal(t string) bool {
	switch t {
	case TypeFinished, TypeCallUser, TypeErrorEnv:
		return true
	}
	return false
}

// Inputs is the fixed optional-field set an action may carry. It is
// deliberately a struct rather than an open map so the actuator can match
// exhaustively on what it understands.
type Inputs struct {
	Content    string   `json:"content,omitempty"`
	StartBox   string   `json:"start_box,omitempty"`
	EndBox     string   `json:"end_box,omitempty"`
	Key        string   `json:"key,omitempty"`
	Direction  string   `json:"direction,omitempty"`
	Seconds    *float64 `json:"seconds,omitempty"`
	Ms         *int     `json:"ms,omitempty"`
	IntervalMs *int     `json:"interval_ms,omitempty"`
}

// Action is one typed, immutable instruction derived from model or script
// output. Raw preserves the original call text for signatures and replay
// transcripts.
type Action struct {
	Type       string `json:"action_type"`
	Inputs     Inputs `json:"inputs"`
	Thought    string `json:"thought,omitempty"`
	Reflection string `json:"reflection,omitempty"`
	Raw        string `json:"raw,omitempty"`
}

// Signature is the identity used by the dead-loop guard: two actions with the
// same type and raw call text count as a repeat.
func (a Action) Signature() string {
	return a.Type + "|" + strings.TrimSpace(a.Raw)
}

var numRe = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// ParseBoxPoint decodes a point or box string into a single point. Accepts
// "(x,y)", "x y", "[x1,y1,x2,y2]", "<point>x y</point>" and "<bbox>..</bbox>"
// forms. Four or more numbers are treated as a box and reduced to its center.
// Used by actuators to resolve coordinates; the parser itself keeps the raw
// string.
func ParseBoxPoint(s string) (x, y float64, ok bool) {
	ss := strings.TrimSpace(s)
	if ss == "" || ss == "[]" {
		return 0, 0, false
	}
	matches := numRe.FindAllString(ss, -1)
	if len(matches) < 2 {
		return 0, 0, false
	}
	nums := make([]float64, 0, len(matches))
	for _, m := range matches {
		f, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return 0, 0, false
		}
		nums = append(nums, f)
	}
	if len(nums) >= 4 {
		return (nums[0] + nums[2]) / 2, (nums[1] + nums[3]) / 2, true
	}
	return nums[0], nums[1], true
}

// SplitTopLevel splits s on any rune in seps, ignoring separators inside
// single/double quotes or nested (), [], {} groups. Empty fragments are
// dropped. Shared by the parser (";" and newline) and the script compiler
// (newline, ";" and ",").
func SplitTopLevel(s string, seps string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var out []string
	var buf strings.Builder
	var quote rune
	depth := 0

	flush := func() {
		part := strings.TrimSpace(buf.String())
		buf.Reset()
		if part != "" {
			out = append(out, part)
		}
	}

	for _, ch := range s {
		if quote != 0 {
			buf.WriteRune(ch)
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch {
		case ch == '\'' || ch == '"':
			quote = ch
			buf.WriteRune(ch)
		case ch == '(' || ch == '[' || ch == '{':
			depth++
			buf.WriteRune(ch)
		case ch == ')' || ch == ']' || ch == '}':
			if depth > 0 {
				depth--
			}
			buf.WriteRune(ch)
		case depth == 0 && strings.ContainsRune(seps, ch):
			flush()
		default:
			buf.WriteRune(ch)
		}
	}
	flush()
	return out
}
