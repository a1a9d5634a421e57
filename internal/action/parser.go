package action

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Markers understood in model output. The fullwidth colon shows up with some
// providers, so the action marker accepts both.
var (
	actionMarkerRe  = regexp.MustCompile(`(?i)action[:：]`)
	thoughtRe       = regexp.MustCompile(`(?i)thought:`)
	reflectionRe    = regexp.MustCompile(`(?i)reflection:`)
	summaryRe       = regexp.MustCompile(`(?i)action_summary:`)
	thoughtLabelRe  = regexp.MustCompile(`(?im)^\s*thought:\s*`)
	callRe          = regexp.MustCompile(`(?s)^([A-Za-z_]\w*)\((.*)\)$`)
	bareTokenRe     = regexp.MustCompile(`^\w+$`)
	kwRe            = regexp.MustCompile(`(?s)^([A-Za-z_]\w*)\s*=\s*(.+)$`)
	startPointRe    = regexp.MustCompile(`start_point\s*=`)
	endPointRe      = regexp.MustCompile(`end_point\s*=`)
	barePointRe     = regexp.MustCompile(`\bpoint\s*=`)
	bboxTagRe       = regexp.MustCompile(`(?i)</?bbox>`)
	pointTagRe      = regexp.MustCompile(`(?i)</?point>`)
	wsRe            = regexp.MustCompile(`\s+`)
	numberLiteralRe = regexp.MustCompile(`^-?\d+(?:\.\d+)?$`)
)

// bareTokens are the action words models may emit without parentheses.
var bareTokens = map[string]bool{
	TypeHome:        true,
	TypeAppSwitcher: true,
	TypeWait:        true,
	TypeFinished:    true,
	TypeCallUser:    true,
}

// Parse converts free-form model output into an ordered action list. It never
// fails: statements that cannot be understood come back as error_env actions
// carrying a diagnostic and the raw text, and text with no action section at
// all yields exactly one error_env action.
func Parse(text string) []Action {
	thought, reflection, actionStr := extractSections(text)

	raws := SplitTopLevel(actionStr, ";\n")
	if len(raws) == 0 {
		return []Action{{
			Type:       TypeErrorEnv,
			Inputs:     Inputs{Content: "missing action"},
			Thought:    thought,
			Reflection: reflection,
		}}
	}

	out := make([]Action, 0, len(raws))
	for _, raw := range raws {
		raw = strings.TrimSpace(raw)
		typ, kwargs, err := parseCall(raw)
		if err != nil {
			out = append(out, Action{
				Type:       TypeErrorEnv,
				Inputs:     Inputs{Content: "parse error: " + err.Error()},
				Thought:    thought,
				Reflection: reflection,
				Raw:        raw,
			})
			continue
		}
		out = append(out, Action{
			Type:       typ,
			Inputs:     inputsFromKwargs(kwargs),
			Thought:    thought,
			Reflection: reflection,
			Raw:        raw,
		})
	}
	return out
}

// extractSections pulls the Thought/Reflection text and the action segment out
// of the model output. The action segment is everything after the LAST
// "Action:" marker; if no marker exists the whole text is the action segment.
func extractSections(text string) (thought, reflection, actionStr string) {
	text = strings.TrimSpace(text)

	if loc := thoughtRe.FindStringIndex(text); loc != nil {
		thought = cutAtActionMarker(text[loc[1]:])
		// Models sometimes repeat the "Thought:" label on continuation lines.
		thought = strings.TrimSpace(thoughtLabelRe.ReplaceAllString(thought, ""))
	} else if loc := reflectionRe.FindStringIndex(text); loc != nil {
		rest := text[loc[1]:]
		if sl := summaryRe.FindStringIndex(rest); sl != nil {
			reflection = strings.TrimSpace(rest[:sl[0]])
			thought = cutAtActionMarker(rest[sl[1]:])
		} else {
			reflection = cutAtActionMarker(rest)
		}
	} else if loc := summaryRe.FindStringIndex(text); loc != nil {
		thought = cutAtActionMarker(text[loc[1]:])
	}

	markers := actionMarkerRe.FindAllStringIndex(text, -1)
	if len(markers) == 0 {
		return thought, reflection, strings.TrimSpace(text)
	}
	last := markers[len(markers)-1]
	return thought, reflection, strings.TrimSpace(text[last[1]:])
}

func cutAtActionMarker(s string) string {
	if loc := actionMarkerRe.FindStringIndex(s); loc != nil {
		s = s[:loc[0]]
	}
	return strings.TrimSpace(s)
}

// preprocessCall normalizes vendor variants before parsing: UI box-tag
// markers are dropped and point/start_point/end_point arguments are rewritten
// to the canonical start_box/end_box form.
func preprocessCall(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "<|box_start|>", "")
	s = strings.ReplaceAll(s, "<|box_end|>", "")
	s = startPointRe.ReplaceAllString(s, "start_box=")
	s = endPointRe.ReplaceAllString(s, "end_box=")
	s = barePointRe.ReplaceAllString(s, "start_box=")
	return s
}

// parseCall parses one action statement into a type name and keyword
// arguments. A strict literal-argument parse is attempted first; on failure a
// tolerant key=value scan takes over.
func parseCall(src string) (string, map[string]string, error) {
	src = preprocessCall(src)
	src = strings.TrimRight(strings.TrimSpace(src), ".")
	if src == "" {
		return "", nil, fmt.Errorf("empty action")
	}

	if bareTokenRe.MatchString(src) {
		if bareTokens[strings.ToLower(src)] {
			return strings.ToLower(src), nil, nil
		}
		return "", nil, fmt.Errorf("unrecognized bare action token %q", src)
	}

	m := callRe.FindStringSubmatch(src)
	if m == nil {
		return "", nil, fmt.Errorf("not a function call: %q", src)
	}
	name, argsStr := m[1], strings.TrimSpace(m[2])
	if argsStr == "" {
		return name, map[string]string{}, nil
	}

	if kwargs, err := parseArgsStrict(argsStr); err == nil {
		return name, kwargs, nil
	}
	return name, parseArgsTolerant(argsStr), nil
}

// parseArgsStrict requires every argument to be key=<string literal|number>.
func parseArgsStrict(argsStr string) (map[string]string, error) {
	kwargs := map[string]string{}
	for _, pair := range SplitTopLevel(argsStr, ",") {
		km := kwRe.FindStringSubmatch(pair)
		if km == nil {
			return nil, fmt.Errorf("not a keyword argument: %q", pair)
		}
		val, err := unquoteLiteral(strings.TrimSpace(km[2]))
		if err != nil {
			return nil, err
		}
		kwargs[km[1]] = val
	}
	return kwargs, nil
}

// parseArgsTolerant salvages whatever key=value tokens it can, stripping
// surrounding quotes without escape processing and folding <bbox>/<point>
// tags into plain coordinate tuples.
func parseArgsTolerant(argsStr string) map[string]string {
	kwargs := map[string]string{}
	for _, pair := range SplitTopLevel(argsStr, ",") {
		eq := strings.Index(pair, "=")
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(pair[:eq])
		val := strings.TrimSpace(pair[eq+1:])
		if len(val) >= 2 {
			if (val[0] == '\'' && val[len(val)-1] == '\'') || (val[0] == '"' && val[len(val)-1] == '"') {
				val = val[1 : len(val)-1]
			}
		}
		if bboxTagRe.MatchString(val) {
			val = "(" + wsRe.ReplaceAllString(strings.TrimSpace(bboxTagRe.ReplaceAllString(val, "")), ",") + ")"
		}
		if pointTagRe.MatchString(val) {
			val = "(" + wsRe.ReplaceAllString(strings.TrimSpace(pointTagRe.ReplaceAllString(val, "")), ",") + ")"
		}
		kwargs[key] = val
	}
	return kwargs
}

// unquoteLiteral decodes a quoted string literal (either quote style, with
// backslash escapes) or passes through a bare numeric/boolean literal.
func unquoteLiteral(v string) (string, error) {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return strconv.Unquote(v)
	}
	if len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'' {
		return unescapeSingleQuoted(v[1 : len(v)-1])
	}
	if numberLiteralRe.MatchString(v) || v == "true" || v == "false" || v == "True" || v == "False" {
		return v, nil
	}
	return "", fmt.Errorf("not a literal: %q", v)
}

func unescapeSingleQuoted(s string) (string, error) {
	var b strings.Builder
	escaped := false
	for _, ch := range s {
		if escaped {
			switch ch {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			case '\\', '\'', '"':
				b.WriteRune(ch)
			default:
				b.WriteByte('\\')
				b.WriteRune(ch)
			}
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == '\'' {
			return "", fmt.Errorf("unescaped quote inside single-quoted literal")
		}
		b.WriteRune(ch)
	}
	if escaped {
		return "", fmt.Errorf("dangling escape in literal")
	}
	return b.String(), nil
}

// inputsFromKwargs folds raw keyword arguments into the fixed input set,
// applying the text->content and hotkey->key aliases.
func inputsFromKwargs(kwargs map[string]string) Inputs {
	var in Inputs
	if v, ok := kwargs["content"]; ok {
		in.Content = v
	} else if v, ok := kwargs["text"]; ok {
		in.Content = v
	}
	if v, ok := kwargs["start_box"]; ok {
		in.StartBox = v
	}
	if v, ok := kwargs["end_box"]; ok {
		in.EndBox = v
	}
	if v, ok := kwargs["key"]; ok {
		in.Key = v
	} else if v, ok := kwargs["hotkey"]; ok {
		in.Key = v
	}
	if v, ok := kwargs["direction"]; ok {
		in.Direction = v
	}
	if v, ok := kwargs["seconds"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			in.Seconds = &f
		}
	}
	if v, ok := kwargs["ms"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			in.Ms = &n
		}
	}
	if v, ok := kwargs["interval_ms"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			in.IntervalMs = &n
		}
	}
	return in
}
