// Package script compiles the action-script DSL into typed actions. A script
// is a list of statements (raw action calls or keyword commands) with
// ${NAME} templating, repetition suffixes and recursive includes resolved
// through a registry. Compilation is all-or-nothing.
package script

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/NoEdgeAI/iphoneclaw/internal/action"
)

// DefaultMaxDepth bounds run_script expansion. Cycles are detected by path,
// so the depth limit only guards against pathologically deep include trees.
const DefaultMaxDepth = 5

var (
	templateRe    = regexp.MustCompile(`\$\{([A-Z0-9_]+)\}`)
	wsRe          = regexp.MustCompile(`\s+`)
	rawCallRe     = regexp.MustCompile(`(?s)^[A-Za-z_]\w*\(.*\)$`)
	bareActionRe  = regexp.MustCompile(`^(iphone_home|iphone_app_switcher|wait|finished|call_user)$`)
	runScriptRe   = regexp.MustCompile(`(?s)^run_script\((.*)\)$`)
	intLiteralRe  = regexp.MustCompile(`^\d+$`)
	swipeDirs     = map[string]bool{"up": true, "down": true, "left": true, "right": true}
	knownKeywords = map[string]bool{
		"iphone_home": true, "iphone_app_switcher": true, "sleep": true,
		"wait": true, "swipe": true, "fswipe": true, "scroll": true,
		"hotkey": true, "type": true, "open_app": true, "include": true,
		"run_script": true,
	}
)

// Compiler turns script text into actions. Safe for concurrent use; it keeps
// no per-compile state (the include stack is threaded explicitly).
type Compiler struct {
	Registry Registry
	MaxDepth int
}

// NewCompiler returns a compiler using the given registry for includes.
func NewCompiler(reg Registry) *Compiler {
	return &Compiler{Registry: reg, MaxDepth: DefaultMaxDepth}
}

// Compile compiles script text. vars seeds ${NAME} templating (environment
// variables fill the gaps); baseDir anchors relative include paths.
func (c *Compiler) Compile(text string, vars map[string]string, baseDir string) ([]action.Action, error) {
	return c.compileText(text, vars, baseDir, nil, c.depth())
}

// CompileFile compiles a script file. The file's own path seeds the include
// stack so that any include chain leading back to it is reported as a cycle.
func (c *Compiler) CompileFile(path string, vars map[string]string) ([]action.Action, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	src, err := c.Registry.Load(abs)
	if err != nil {
		return nil, compileErrorf(ErrCodeUnresolvedRef, "%v", err)
	}
	return c.compileText(src, vars, filepath.Dir(abs), []string{abs}, c.depth())
}

// Calls compiles script text down to raw action-call strings without
// expanding includes. Useful for inspection and round-trip testing.
func (c *Compiler) Calls(text string, vars map[string]string, baseDir string) ([]string, error) {
	calls, cerr := actionCalls(text, vars)
	if cerr != nil {
		return nil, cerr
	}
	return calls, nil
}

// ExpandRunScripts replaces run_script actions (typically parsed out of live
// model output) with the actions of the referenced scripts, recursively and
// cycle-checked.
func (c *Compiler) ExpandRunScripts(acts []action.Action) ([]action.Action, error) {
	var out []action.Action
	for _, a := range acts {
		inner, err := c.expandOne(a, "", nil, c.depth())
		if err != nil {
			return nil, err
		}
		out = append(out, inner...)
	}
	return out, nil
}

func (c *Compiler) depth() int {
	if c.MaxDepth > 0 {
		return c.MaxDepth
	}
	return DefaultMaxDepth
}

func (c *Compiler) compileText(text string, vars map[string]string, baseDir string, stack []string, depthLeft int) ([]action.Action, error) {
	calls, cerr := actionCalls(text, vars)
	if cerr != nil {
		return nil, cerr
	}
	if len(calls) == 0 {
		return nil, nil
	}

	parsed := action.Parse("Action: " + strings.Join(calls, "\n"))
	var out []action.Action
	for _, a := range parsed {
		if a.Type == action.TypeErrorEnv {
			return nil, compileErrorf(ErrCodeBadStatement, "statement did not compile to a valid action call: %s", a.Raw)
		}
		inner, err := c.expandOne(a, baseDir, stack, depthLeft)
		if err != nil {
			return nil, err
		}
		out = append(out, inner...)
	}
	return out, nil
}

// expandOne resolves a single run_script action into the actions of its
// target. The cycle check runs before the depth check so that a circular
// include chain is always reported as such, not as depth exhaustion.
func (c *Compiler) expandOne(a action.Action, baseDir string, stack []string, depthLeft int) ([]action.Action, error) {
	if a.Type != action.TypeRunScript {
		return []action.Action{a}, nil
	}

	name, path, vars, err := ParseRunScriptCall(a.Raw)
	if err != nil {
		return nil, err
	}
	target := path
	if target == "" {
		target = name
	}
	if target == "" {
		return nil, compileErrorf(ErrCodeMissingArgument, "run_script(...) missing name/path")
	}

	// Relative include paths are anchored at the including script first.
	if baseDir != "" && !filepath.IsAbs(target) {
		if cand := filepath.Join(baseDir, target); fileExists(cand) {
			target = cand
		}
	}

	abs, rerr := c.Registry.Resolve(target)
	if rerr != nil {
		return nil, compileErrorf(ErrCodeUnresolvedRef, "%v", rerr)
	}
	abs, _ = filepath.Abs(abs)

	for _, p := range stack {
		if p == abs {
			chain := make([]string, 0, len(stack)+1)
			for _, q := range append(append([]string{}, stack...), abs) {
				chain = append(chain, filepath.Base(q))
			}
			return nil, compileErrorf(ErrCodeCircularInclude,
				"circular script include detected: %s", strings.Join(chain, " -> "))
		}
	}
	if depthLeft <= 0 {
		return nil, compileErrorf(ErrCodeDepthExceeded, "script expansion depth exceeded at %s", filepath.Base(abs))
	}

	src, lerr := c.Registry.Load(abs)
	if lerr != nil {
		return nil, compileErrorf(ErrCodeUnresolvedRef, "%v", lerr)
	}
	return c.compileText(src, vars, filepath.Dir(abs), append(append([]string{}, stack...), abs), depthLeft-1)
}

// RenderTemplate substitutes ${NAME} from vars, then from the environment.
// Unknown variables are left verbatim so scripts stay editable.
func RenderTemplate(text string, vars map[string]string) string {
	return templateRe.ReplaceAllStringFunc(text, func(m string) string {
		key := m[2 : len(m)-1]
		if v, ok := vars[key]; ok {
			return v
		}
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return m
	})
}

// actionCalls renders templates, splits statements and expands each into raw
// action-call strings.
func actionCalls(text string, vars map[string]string) ([]string, *CompileError) {
	rendered := RenderTemplate(text, vars)
	stmts := action.SplitTopLevel(rendered, "\n;,")

	// Best-effort splitting for space-joined sequences like
	// "iphone_home() sleep swipe left x 10".
	var pieces []string
	for _, st := range stmts {
		for _, piece := range explodeFunctionPrefix(st) {
			piece = strings.TrimSpace(piece)
			if piece == "" {
				continue
			}
			if !strings.ContainsAny(piece, "()=") {
				pieces = append(pieces, splitCompoundNoParens(piece)...)
			} else {
				pieces = append(pieces, piece)
			}
		}
	}

	var out []string
	for _, st := range pieces {
		calls, err := expandStmt(st)
		if err != nil {
			return nil, err
		}
		out = append(out, calls...)
	}
	return out, nil
}

// explodeFunctionPrefix splits "iphone_home() sleep swipe left" into the
// leading call and the trailing text.
func explodeFunctionPrefix(stmt string) []string {
	s := strings.TrimSpace(stmt)
	if s == "" {
		return nil
	}
	if !strings.Contains(s, "(") {
		return []string{s}
	}
	var quote byte
	depth := 0
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
			if depth == 0 {
				head := strings.TrimSpace(s[:i+1])
				tail := strings.TrimSpace(s[i+1:])
				switch {
				case head != "" && tail != "":
					return []string{head, tail}
				case head != "":
					return []string{head}
				case tail != "":
					return []string{tail}
				}
				return nil
			}
		}
	}
	return []string{s}
}

// splitCompoundNoParens splits a paren-free statement at DSL keyword
// boundaries: "sleep swipe left x 10 swipe down" becomes three statements.
func splitCompoundNoParens(stmt string) []string {
	s := wsRe.ReplaceAllString(strings.TrimSpace(stmt), " ")
	if s == "" {
		return nil
	}
	var out []string
	var cur []string
	for _, tok := range strings.Split(s, " ") {
		if knownKeywords[strings.ToLower(tok)] && len(cur) > 0 {
			out = append(out, strings.Join(cur, " "))
			cur = []string{tok}
		} else {
			cur = append(cur, tok)
		}
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, " "))
	}
	return out
}

// expandStmt expands one statement into raw action-call strings compatible
// with the action parser.
func expandStmt(stmt string) ([]string, *CompileError) {
	s := strings.TrimSpace(stmt)
	if s == "" || strings.HasPrefix(s, "#") || strings.HasPrefix(s, "//") {
		return nil, nil
	}

	if rawCallRe.MatchString(s) {
		return []string{s}, nil
	}
	if bareActionRe.MatchString(s) {
		return []string{s + "()"}, nil
	}

	toks := splitFields(s)
	if len(toks) == 0 {
		return nil, nil
	}
	cmd := strings.ToLower(toks[0])
	rest := toks[1:]

	// "<cmd> ... x N" repetition suffix.
	rep := 1
	if len(rest) >= 2 && strings.EqualFold(rest[len(rest)-2], "x") {
		if n, err := strconv.Atoi(rest[len(rest)-1]); err == nil {
			rep = n
			rest = rest[:len(rest)-2]
		}
	}

	var calls []string
	switch cmd {
	case "iphone_home", "home":
		calls = []string{"iphone_home()"}
	case "iphone_app_switcher", "app_switcher":
		calls = []string{"iphone_app_switcher()"}
	case "sleep":
		call, err := sleepCall(rest)
		if err != nil {
			return nil, err
		}
		calls = []string{call}
	case "wait":
		calls = []string{"wait()"}
	case "swipe", "fswipe", "scroll":
		verb := "swipe"
		if cmd == "scroll" {
			verb = "scroll"
		}
		if len(rest) == 0 {
			return nil, compileErrorf(ErrCodeMissingArgument, "%s requires a direction: up|down|left|right", cmd)
		}
		d := strings.ToLower(strings.TrimSpace(rest[0]))
		if !swipeDirs[d] {
			return nil, compileErrorf(ErrCodeBadStatement, "%s direction must be up|down|left|right, got %q", cmd, d)
		}
		calls = []string{fmt.Sprintf("%s(direction=%s)", verb, strconv.Quote(d))}
	case "hotkey":
		if len(rest) == 0 {
			return nil, compileErrorf(ErrCodeMissingArgument, "hotkey requires keys, e.g. 'hotkey cmd 1'")
		}
		key := strings.ToLower(strings.TrimSpace(strings.Join(rest, " ")))
		calls = []string{fmt.Sprintf("hotkey(key=%s)", strconv.Quote(key))}
	case "type":
		content := unescapeTypeContent(restOfStatement(s))
		calls = []string{fmt.Sprintf("type(content=%s)", strconv.Quote(content))}
	case "open_app":
		name := strings.TrimSpace(restOfStatement(s))
		macro, err := openAppMacro(name)
		if err != nil {
			return nil, err
		}
		calls = macro
	case "include", "run_script":
		call, err := includeCall(cmd, rest)
		if err != nil {
			return nil, err
		}
		calls = []string{call}
	default:
		return nil, compileErrorf(ErrCodeUnknownCommand, "unknown command: %q", cmd)
	}

	if rep <= 0 {
		return nil, nil
	}
	out := make([]string, 0, len(calls)*rep)
	for i := 0; i < rep; i++ {
		out = append(out, calls...)
	}
	return out, nil
}

// restOfStatement returns everything after the first whitespace-delimited
// word, preserving internal spacing.
func restOfStatement(s string) string {
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return ""
	}
	return strings.TrimLeft(s[i:], " \t")
}

func sleepCall(args []string) (string, *CompileError) {
	if len(args) == 0 {
		return "sleep(ms=50)", nil
	}
	a := strings.ToLower(strings.TrimSpace(args[0]))
	switch {
	case strings.HasSuffix(a, "ms"):
		n, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(a, "ms")), 64)
		if err != nil {
			return "", compileErrorf(ErrCodeBadStatement, "sleep: invalid duration %q", args[0])
		}
		return fmt.Sprintf("sleep(ms=%d)", int(n)), nil
	case strings.HasSuffix(a, "s"):
		n, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(a, "s")), 64)
		if err != nil {
			return "", compileErrorf(ErrCodeBadStatement, "sleep: invalid duration %q", args[0])
		}
		return fmt.Sprintf("sleep(seconds=%v)", n), nil
	case intLiteralRe.MatchString(a):
		// Bare integer reads as milliseconds, bare float as seconds.
		n, _ := strconv.Atoi(a)
		return fmt.Sprintf("sleep(ms=%d)", n), nil
	default:
		n, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return "", compileErrorf(ErrCodeBadStatement, "sleep: invalid duration %q", args[0])
		}
		return fmt.Sprintf("sleep(seconds=%v)", n), nil
	}
}

// openAppMacro launches an app through Spotlight: home, pull down the search
// field, type the name plus newline to open the first match.
func openAppMacro(name string) ([]string, *CompileError) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, compileErrorf(ErrCodeMissingArgument, "open_app requires a non-empty app name")
	}
	return []string{
		"iphone_home()",
		`swipe(direction="down")`,
		"sleep(ms=120)",
		fmt.Sprintf("type(content=%s)", strconv.Quote(name+"\n")),
		"sleep(ms=350)",
	}, nil
}

func includeCall(cmd string, rest []string) (string, *CompileError) {
	if len(rest) == 0 {
		return "", compileErrorf(ErrCodeMissingArgument, "%s requires a script name/path", cmd)
	}
	target := strings.TrimSpace(rest[0])
	if target == "" {
		return "", compileErrorf(ErrCodeMissingArgument, "%s requires a non-empty script name/path", cmd)
	}
	vars, err := parseVarsTokens(rest[1:])
	if err != nil {
		return "", err
	}

	key := "name"
	if strings.ContainsAny(target, `/\`) || strings.HasSuffix(target, ".txt") || strings.HasPrefix(target, ".") {
		key = "path"
	}
	if len(vars) == 0 {
		return fmt.Sprintf("run_script(%s=%s)", key, strconv.Quote(target)), nil
	}
	blob, merr := json.Marshal(vars)
	if merr != nil {
		return "", compileErrorf(ErrCodeBadVarsToken, "vars not encodable: %v", merr)
	}
	return fmt.Sprintf("run_script(%s=%s, vars=%s)", key, strconv.Quote(target), string(blob)), nil
}

func parseVarsTokens(tokens []string) (map[string]string, *CompileError) {
	out := map[string]string{}
	for _, tok := range tokens {
		t := strings.TrimSpace(tok)
		if t == "" {
			continue
		}
		k, v, ok := strings.Cut(t, "=")
		if !ok {
			return nil, compileErrorf(ErrCodeBadVarsToken, "vars must be KEY=VALUE, got %q", t)
		}
		k = strings.TrimSpace(k)
		if k == "" {
			return nil, compileErrorf(ErrCodeBadVarsToken, "vars has empty key: %q", t)
		}
		out[k] = v
	}
	return out, nil
}

// unescapeTypeContent applies the escape conventions scripts may use inside
// `type` statements: \n \r \t \\ \" \'. Backslash is unescaped last.
func unescapeTypeContent(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, `\r`, "\r")
	s = strings.ReplaceAll(s, `\n`, "\n")
	s = strings.ReplaceAll(s, `\t`, "\t")
	s = strings.ReplaceAll(s, `\"`, `"`)
	s = strings.ReplaceAll(s, `\'`, "'")
	s = strings.ReplaceAll(s, `\\`, `\`)
	return s
}

// splitFields tokenizes a DSL statement, honoring single and double quotes.
func splitFields(s string) []string {
	var out []string
	var buf strings.Builder
	var quote rune
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for _, ch := range s {
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			} else {
				buf.WriteRune(ch)
			}
		case ch == '\'' || ch == '"':
			quote = ch
		case ch == ' ' || ch == '\t':
			flush()
		default:
			buf.WriteRune(ch)
		}
	}
	flush()
	return out
}

// ParseRunScriptCall decodes the argument forms of run_script(...):
// name=/path= references, a positional name, a vars={...} JSON object and
// bare KEY=value sugar.
func ParseRunScriptCall(raw string) (name, path string, vars map[string]string, err error) {
	vars = map[string]string{}
	s := strings.TrimSpace(raw)
	m := runScriptRe.FindStringSubmatch(s)
	if m == nil {
		return "", "", nil, compileErrorf(ErrCodeBadStatement, "not a run_script(...) call: %q", s)
	}
	for _, pair := range action.SplitTopLevel(strings.TrimSpace(m[1]), ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			// Positional: run_script("name").
			if t := unquoteLoose(strings.TrimSpace(pair)); t != "" {
				name = t
			}
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		switch k {
		case "name":
			name = unquoteLoose(v)
		case "path":
			path = unquoteLoose(v)
		case "vars":
			raw := map[string]any{}
			if uerr := json.Unmarshal([]byte(v), &raw); uerr != nil {
				return "", "", nil, compileErrorf(ErrCodeBadVarsToken, "run_script vars must be a JSON object: %v", uerr)
			}
			for vk, vv := range raw {
				if vv == nil {
					vars[vk] = ""
					continue
				}
				vars[vk] = fmt.Sprintf("%v", vv)
			}
		default:
			// Sugar: run_script("x", APP="bilibili").
			vars[k] = unquoteLoose(v)
		}
	}
	return name, path, vars, nil
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func unquoteLoose(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		if u, err := strconv.Unquote(v); err == nil {
			return strings.TrimSpace(u)
		}
	}
	if len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'' {
		return strings.TrimSpace(v[1 : len(v)-1])
	}
	return strings.TrimSpace(v)
}
