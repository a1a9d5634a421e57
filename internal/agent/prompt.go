package agent

import (
	"fmt"
	"strings"
)

// actionSpace lists the calls the model is allowed to emit, with the usage
// notes the model is shown verbatim.
var actionSpace = []string{
	"click(start_box='<|box_start|>(x1,y1)<|box_end|>')",
	"left_double(start_box='<|box_start|>(x1,y1)<|box_end|>')",
	"right_single(start_box='<|box_start|>(x1,y1)<|box_end|>')",
	"drag(start_box='<|box_start|>(x1,y1)<|box_end|>', end_box='<|box_start|>(x3,y3)<|box_end|>')",
	"iphone_home() # iPhone Home Screen (Cmd+1)",
	"iphone_app_switcher() # iPhone App Switcher (Cmd+2)",
	"hotkey(key='ctrl c') # Split keys with a space and use lowercase. Also, do not use more than 3 keys in one hotkey action.",
	`type(content='xxx') # Use escape characters \', \", and \n in content part to ensure we can parse the content in normal python string format. If you want to submit your input, use \n at the end of content.`,
	"scroll(start_box='<|box_start|>(x1,y1)<|box_end|>', direction='down or up or right or left') # Show more information on the `direction` side.",
	"wait() # Sleep for 5s and take a screenshot to check for any changes.",
	"finished()",
	"call_user() # Submit the task and call the user when the task is unsolvable, or when you need the user's help.",
}

// SystemPrompt renders the base rules handed to the model as the system turn.
// Kept minimal and deterministic.
func SystemPrompt(language string) string {
	if language == "" {
		language = "en"
	}
	var b strings.Builder
	b.WriteString("You are a GUI agent controlling an iPhone via the macOS app 'iPhone Mirroring'.\n")
	b.WriteString("You will be given a screenshot of the iPhone Mirroring window.\n")
	b.WriteString("Decide the next action and output EXACTLY in the following format:\n\n")
	b.WriteString("Thought: <one short paragraph>\n")
	b.WriteString("Action: <one action call>\n\n")
	b.WriteString("Allowed actions:\n")
	for _, a := range actionSpace {
		fmt.Fprintf(&b, "- %s\n", a)
	}
	b.WriteString("\nCoordinate format:\n")
	b.WriteString("- Use coordinates in the range [0, 1000] relative to the screenshot.\n")
	b.WriteString("- Use (x,y) for click/scroll points.\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Output exactly one Action per response.\n")
	b.WriteString("- If you are done, use finished(). If you need user help, use call_user().\n")
	b.WriteString("- Typing constraint: `type(content=...)` must be ASCII only. For Chinese input, type pinyin letters (ASCII)\n")
	b.WriteString("  using the iPhone IME and select the Chinese candidate via clicks. Do NOT output Chinese characters in type().\n")
	b.WriteString("- iPhone Home/App Library scrolling: perform scroll/swipe near the bottom (just above the tab bar / dock),\n")
	b.WriteString("  not in the middle of the screen.\n")
	b.WriteString("- Vertical scrolling: DO NOT use `drag(...)` to scroll up/down. Use `scroll(direction='up'|'down', ...)`.\n")
	b.WriteString("- Scroll uses a mouse wheel event. Do NOT click to focus before scrolling (click may open items).\n")
	fmt.Fprintf(&b, "- Respond in language: %s\n", language)
	return b.String()
}
