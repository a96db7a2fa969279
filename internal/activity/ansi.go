package activity

import "regexp"

// ansiPattern matches CSI/OSC escape sequences and stray control bytes that
// agent TUIs emit constantly. Classification runs on the stripped text so
// cursor movement and color churn never look like output activity patterns.
var ansiPattern = regexp.MustCompile(
	`\x1b\[[0-9;?]*[ -/]*[@-~]` + // CSI sequences
		`|\x1b\][^\x07\x1b]*(\x07|\x1b\\)` + // OSC sequences
		`|\x1b[@-_]` + // other escapes
		`|[\x00-\x08\x0b\x0c\x0e-\x1f]`, // control bytes except \t \n \r
)

// stripANSI removes terminal escape sequences and control bytes.
func stripANSI(data []byte) []byte {
	return ansiPattern.ReplaceAll(data, nil)
}
