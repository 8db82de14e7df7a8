package worker

import (
	"encoding/json"
	"regexp"
	"strings"
)

// RewriteArtifacts scans a skill's stdout for absolute paths under the job
// workspace, rewrites them to workspace-relative form, and attaches the set
// as _workerFiles plus _workerProcessId so the node can fetch the files back
// before delivery. Stdout without any workspace path passes through
// unchanged. JSON-object stdout gets the keys added in place; anything else
// is wrapped as {"output": ...}.
func RewriteArtifacts(stdout, workspaceDir, processID string) string {
	if stdout == "" || workspaceDir == "" {
		return stdout
	}
	root := strings.TrimRight(workspaceDir, "/") + "/"
	re := regexp.MustCompile(regexp.QuoteMeta(root) + `[^\s"'` + "`" + `]*`)

	seen := map[string]bool{}
	var rels []string
	out := re.ReplaceAllStringFunc(stdout, func(abs string) string {
		// A path at the end of a sentence drags punctuation along; strip it.
		path := strings.TrimRight(abs, ".,;:!?")
		tail := abs[len(path):]
		rel := strings.TrimPrefix(path, root)
		if rel == "" {
			return abs
		}
		if !seen[rel] {
			seen[rel] = true
			rels = append(rels, rel)
		}
		return rel + tail
	})
	if len(rels) == 0 {
		return stdout
	}

	var obj map[string]any
	trimmed := strings.TrimSpace(out)
	if strings.HasPrefix(trimmed, "{") && json.Unmarshal([]byte(trimmed), &obj) == nil {
		obj["_workerFiles"] = rels
		obj["_workerProcessId"] = processID
		if b, err := json.Marshal(obj); err == nil {
			return string(b)
		}
		return out
	}
	b, err := json.Marshal(map[string]any{
		"output":           out,
		"_workerFiles":     rels,
		"_workerProcessId": processID,
	})
	if err != nil {
		return out
	}
	return string(b)
}
