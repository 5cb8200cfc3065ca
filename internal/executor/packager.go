package executor

import (
	"encoding/base64"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/xid"
)

type interpreter struct {
	command   string
	extension string
}

var interpreters = map[string]interpreter{
	"python":     {command: "python3", extension: "py"},
	"py":         {command: "python3", extension: "py"},
	"javascript": {command: "node", extension: "js"},
	"js":         {command: "node", extension: "js"},
	"node":       {command: "node", extension: "js"},
	"typescript": {command: "npx tsx", extension: "ts"},
	"ts":         {command: "npx tsx", extension: "ts"},
}

// tempName is swapped in tests.
var tempName = func(ext string) string {
	return fmt.Sprintf("/tmp/code_%d_%s.%s", time.Now().UnixMilli(), xid.New().String(), ext)
}

// Pack turns source code into a single shell command for the given language.
//
// Known languages are written to a temp file through base64, so the source is
// never interpolated into the shell. The interpreter's exit code is captured
// and re-raised after the temp file is removed. Shell and unknown languages
// run verbatim.
func Pack(code, language string) string {
	lang := strings.ToLower(strings.TrimSpace(language))

	interp, ok := interpreters[lang]
	if !ok {
		return code
	}

	encoded := base64.StdEncoding.EncodeToString([]byte(code))
	file := tempName(interp.extension)

	return fmt.Sprintf(
		"echo '%s' | base64 -d > %s && %s %s; exitcode=$?; rm -f %s; exit $exitcode",
		encoded, file, interp.command, file, file,
	)
}

// SupportedLanguages lists the canonical language names: those Pack wraps
// with an interpreter, plus bash, whose code runs verbatim.
func SupportedLanguages() []string {
	return []string{"python", "javascript", "typescript", "bash"}
}

// LanguageForFile guesses the language of a source file from its extension.
// It returns "" when the extension is unknown.
func LanguageForFile(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".py":
		return "python"
	case ".js", ".mjs", ".cjs":
		return "javascript"
	case ".ts":
		return "typescript"
	case ".sh", ".bash":
		return "bash"
	}
	return ""
}

// shellQuote wraps s in single quotes for use as one shell word.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
