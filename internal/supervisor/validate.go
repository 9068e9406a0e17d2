package supervisor

import (
	"os"
	"regexp"
	"strings"

	"github.com/ckoons/argo/internal/argoerr"
)

// forbiddenPathChars is the character set rejected anywhere in a script
// path: shell metacharacters that could turn a path into a command.
const forbiddenPathChars = ";|&$`<>(){}[]!"

var envKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

var envBlocklist = map[string]bool{
	"LD_PRELOAD":     true,
	"LD_LIBRARY_PATH": true,
	"PATH":           true,
	"IFS":            true,
	"BASH_ENV":       true,
	"ENV":            true,
	"SHELLOPTS":      true,
	"PS4":            true,
}

func isBlockedEnvKey(key string) bool {
	if envBlocklist[key] {
		return true
	}
	return strings.HasPrefix(key, "DYLD_")
}

// ValidateScriptPath rejects traversal, shell metacharacters, and paths
// that don't resolve to a regular file.
func ValidateScriptPath(path string) error {
	if path == "" {
		return argoerr.New(argoerr.InputInvalid, "script_path is empty")
	}
	if strings.Contains(path, "..") {
		return argoerr.New(argoerr.InputInvalid, "script_path contains ..")
	}
	for _, c := range []byte{'|', '>', '<', '&'} {
		if path[0] == c {
			return argoerr.New(argoerr.InputInvalid, "script_path starts with a forbidden character")
		}
	}
	if strings.ContainsAny(path, forbiddenPathChars) {
		return argoerr.New(argoerr.InputInvalid, "script_path contains a forbidden character")
	}

	info, err := os.Stat(path)
	if err != nil {
		return argoerr.Wrap(argoerr.InputInvalid, "script_path does not exist", err)
	}
	if !info.Mode().IsRegular() {
		return argoerr.New(argoerr.InputInvalid, "script_path is not a regular file")
	}
	return nil
}

// ValidateEnv returns only the entries that pass both the key-pattern
// check and the blocklist, erroring on the first entry that fails either.
func ValidateEnv(env map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if !envKeyPattern.MatchString(k) {
			return nil, argoerr.New(argoerr.InputInvalid, "invalid environment key: "+k)
		}
		if isBlockedEnvKey(k) {
			return nil, argoerr.New(argoerr.InputInvalid, "blocked environment key: "+k)
		}
		out[k] = v
	}
	return out, nil
}

// ValidateWorkflowID rejects empty or oversized workflow identifiers.
func ValidateWorkflowID(id string) error {
	if id == "" {
		return argoerr.New(argoerr.InputNull, "workflow_id is empty")
	}
	if len(id) > 256 {
		return argoerr.New(argoerr.InputInvalid, "workflow_id exceeds 256 characters")
	}
	return nil
}
