package supervisor

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/bmatcuk/doublestar/v4"
)

// maxScanBytes caps how much of one artifact file the scanner reads.
const maxScanBytes = 1 << 20

// Violation is one sandbox finding.
type Violation struct {
	Path    string `json:"path"`
	Rule    string `json:"rule"`
	Snippet string `json:"snippet,omitempty"`
}

// ScanResult is the sandbox verdict over an artifact directory. Killed
// means the output must not be integrated.
type ScanResult struct {
	Killed     bool        `json:"killed"`
	Reason     string      `json:"reason,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
	Scanned    int         `json:"scanned"`
}

type denyRule struct {
	name string
	re   *regexp.Regexp
}

// defaultDenylist flags artifact content no generated change may carry.
var defaultDenylist = []denyRule{
	{"destructive_rm", regexp.MustCompile(`\brm\s+-[a-zA-Z]*r[a-zA-Z]*f[a-zA-Z]*\s+/`)},
	{"pipe_to_shell", regexp.MustCompile(`curl[^\n]*\|\s*(ba|z)?sh\b`)},
	{"privilege_escalation", regexp.MustCompile(`\bsudo\s`)},
	{"private_key_material", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{"hardcoded_aws_secret", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"obfuscated_exec", regexp.MustCompile(`base64\s+(-d|--decode)[^\n]*\|\s*(ba|z)?sh\b`)},
}

// Sandbox confines developer output: only files matching the allowed
// patterns may exist in an artifact directory, and no file may match the
// content denylist.
type Sandbox struct {
	allowed  []string
	denylist []denyRule
}

// NewSandbox builds a sandbox with the given doublestar allow patterns
// (relative to the artifact root) and the default content denylist. No
// patterns means every path is allowed.
func NewSandbox(allowedPatterns []string) *Sandbox {
	return &Sandbox{allowed: allowedPatterns, denylist: defaultDenylist}
}

// ScanDir walks the artifact directory and returns the verdict. Any
// violation kills the artifact with reason "failed_security_scan".
func (s *Sandbox) ScanDir(root string) (*ScanResult, error) {
	result := &ScanResult{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		result.Scanned++

		if !s.pathAllowed(rel) {
			result.Violations = append(result.Violations, Violation{
				Path: rel,
				Rule: "path_not_allowed",
			})
			return nil
		}
		violations, err := s.scanFile(path, rel)
		if err != nil {
			return err
		}
		result.Violations = append(result.Violations, violations...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	if len(result.Violations) > 0 {
		result.Killed = true
		result.Reason = "failed_security_scan"
	}
	return result, nil
}

// CheckContent scans a single blob, for callers vetting output before it
// touches disk.
func (s *Sandbox) CheckContent(name string, content []byte) []Violation {
	var out []Violation
	for _, rule := range s.denylist {
		if loc := rule.re.FindIndex(content); loc != nil {
			out = append(out, Violation{
				Path:    name,
				Rule:    rule.name,
				Snippet: snippet(content, loc[0]),
			})
		}
	}
	return out
}

func (s *Sandbox) pathAllowed(rel string) bool {
	if len(s.allowed) == 0 {
		return true
	}
	for _, pattern := range s.allowed {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

func (s *Sandbox) scanFile(path, rel string) ([]Violation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, maxScanBytes)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return nil, err
	}
	content := buf[:n]
	if bytes.IndexByte(content, 0) >= 0 {
		// Binary; the denylist targets scripts and source.
		return nil, nil
	}
	return s.CheckContent(rel, content), nil
}

func snippet(content []byte, at int) string {
	end := at + 60
	if end > len(content) {
		end = len(content)
	}
	return string(content[at:end])
}
