package codesign

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"

	"github.com/aluedeke/go-zsign/internal/atomicfile"
)

const codeResourcesPath = "_CodeSignature/CodeResources"

// resourceRule classifies a bundle file by its slash-separated relative path.
type resourceRule struct {
	match    func(rel string) bool
	omit     bool
	optional bool
	// legacyOnly files are listed in files but not in files2
	legacyOnly bool
}

var resourceRules = []resourceRule{
	{match: func(rel string) bool { return slashBase(rel) == ".DS_Store" }, omit: true},
	{match: func(rel string) bool { return strings.HasPrefix(slashBase(rel), "._") }, omit: true},
	{match: func(rel string) bool { return strings.Contains(rel, ".git/") || slashBase(rel) == ".gitignore" }, omit: true},
	{match: func(rel string) bool { return strings.HasSuffix(rel, ".lproj/locversion.plist") }, omit: true},
	{match: func(rel string) bool { return strings.Contains(rel, ".lproj/") }, optional: true},
	{match: func(rel string) bool { return rel == "Info.plist" || rel == "PkgInfo" }, legacyOnly: true},
}

func slashBase(rel string) string {
	if i := strings.LastIndexByte(rel, '/'); i >= 0 {
		return rel[i+1:]
	}
	return rel
}

func classifyResource(rel string) resourceRule {
	for _, r := range resourceRules {
		if r.match(rel) {
			return r
		}
	}
	return resourceRule{}
}

// GenerateCodeResources hashes every file of the bundle at dir, nested
// bundles included, except the bundle executable exec and its own
// CodeResources. Nested bundles must already be signed.
func GenerateCodeResources(dir, exec string) ([]byte, error) {
	files := make(map[string]interface{})
	files2 := make(map[string]interface{})

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == codeResourcesPath || (exec != "" && rel == exec) {
			return nil
		}
		rule := classifyResource(rel)
		if rule.omit {
			return nil
		}

		if d.Type()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if !rule.legacyOnly {
				files2[rel] = map[string]interface{}{"symlink": target}
			}
			return nil
		}

		sum1, sum256, err := hashResource(path)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", rel, err)
		}
		if rule.optional {
			files[rel] = map[string]interface{}{"hash": sum1, "optional": true}
		} else {
			files[rel] = sum1
		}
		if rule.legacyOnly {
			return nil
		}
		entry := map[string]interface{}{"hash": sum1, "hash2": sum256}
		if rule.optional {
			entry["optional"] = true
		}
		files2[rel] = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	data, err := plist.MarshalIndent(map[string]interface{}{
		"files":  files,
		"files2": files2,
		"rules":  defaultRules(),
		"rules2": defaultRules2(),
	}, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CodeResources: %w", err)
	}
	return data, nil
}

// writeCodeResources generates the CodeResources of dir, writes it and
// returns its bytes for the resource-directory special slot.
func writeCodeResources(dir, exec string) ([]byte, error) {
	data, err := GenerateCodeResources(dir, exec)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dir, "_CodeSignature"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create _CodeSignature directory: %w", err)
	}
	if err := atomicfile.WriteFile(filepath.Join(dir, filepath.FromSlash(codeResourcesPath)), data); err != nil {
		return nil, fmt.Errorf("failed to write CodeResources: %w", err)
	}
	return data, nil
}

// hashResource returns the SHA-1 and SHA-256 of a file in one pass.
func hashResource(path string) (sum1, sum256 []byte, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()

	h1, h256 := sha1.New(), sha256.New()
	if _, err := io.Copy(io.MultiWriter(h1, h256), f); err != nil {
		return nil, nil, err
	}
	return h1.Sum(nil), h256.Sum(nil), nil
}

// weights are float64 so they encode as <real>
func defaultRules() map[string]interface{} {
	return map[string]interface{}{
		"^.*": true,
		"^.*\\.lproj/": map[string]interface{}{
			"optional": true,
			"weight":   float64(1000),
		},
		"^.*\\.lproj/locversion.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(1100),
		},
		"^Base\\.lproj/": map[string]interface{}{
			"weight": float64(1010),
		},
		"^version.plist$": true,
	}
}

func defaultRules2() map[string]interface{} {
	return map[string]interface{}{
		"^.*": true,
		".*\\.dSYM($|/)": map[string]interface{}{
			"weight": float64(11),
		},
		"^(.*/)?\\.DS_Store$": map[string]interface{}{
			"omit":   true,
			"weight": float64(2000),
		},
		"^.*\\.lproj/": map[string]interface{}{
			"optional": true,
			"weight":   float64(1000),
		},
		"^.*\\.lproj/locversion.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(1100),
		},
		"^Base\\.lproj/": map[string]interface{}{
			"weight": float64(1010),
		},
		"^Info\\.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(20),
		},
		"^PkgInfo$": map[string]interface{}{
			"omit":   true,
			"weight": float64(20),
		},
		"^embedded\\.provisionprofile$": map[string]interface{}{
			"weight": float64(20),
		},
		"^version\\.plist$": map[string]interface{}{
			"weight": float64(20),
		},
	}
}
