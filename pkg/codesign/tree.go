package codesign

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ComponentKind is the role of a Component in its bundle.
type ComponentKind int

const (
	ComponentApp ComponentKind = iota
	ComponentFramework
	ComponentAppex
	ComponentXCTest
	ComponentWatchApp
	ComponentDylib
	// ComponentLoose is a Mach-O file signed on its own, outside a bundle.
	ComponentLoose
)

func (k ComponentKind) String() string {
	switch k {
	case ComponentApp:
		return "app"
	case ComponentFramework:
		return "framework"
	case ComponentAppex:
		return "appex"
	case ComponentXCTest:
		return "xctest"
	case ComponentWatchApp:
		return "watch app"
	case ComponentDylib:
		return "dylib"
	}
	return "loose"
}

// IsBundle reports whether the component is a directory bundle.
func (k ComponentKind) IsBundle() bool {
	return k != ComponentDylib && k != ComponentLoose
}

// State tracks a component through a signing run.
type State int

const (
	StateDiscovered State = iota
	StateMetadataRewritten
	StateInjected
	StateSigned
	StateVerified
)

func (s State) String() string {
	switch s {
	case StateMetadataRewritten:
		return "metadata rewritten"
	case StateInjected:
		return "injected"
	case StateSigned:
		return "signed"
	case StateVerified:
		return "verified"
	}
	return "discovered"
}

// Component is a node of the bundle tree.
type Component struct {
	Path string
	Kind ComponentKind
	// Executable is the Mach-O payload, empty for resource-only bundles.
	Executable string
	// InfoPlist is empty when the bundle has none.
	InfoPlist string
	Children  []*Component
	State     State
}

func bundleKind(dir string, root bool) (ComponentKind, bool) {
	switch filepath.Ext(dir) {
	case ".app":
		if root {
			return ComponentApp, true
		}
		return ComponentWatchApp, true
	case ".framework":
		return ComponentFramework, true
	case ".appex":
		return ComponentAppex, true
	case ".xctest":
		return ComponentXCTest, true
	}
	return 0, false
}

// BuildTree walks root once and returns its component tree. root is a
// bundle directory or a single Mach-O file.
func BuildTree(root string) (*Component, error) {
	st, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return &Component{Path: root, Kind: ComponentLoose, Executable: root}, nil
	}
	kind, ok := bundleKind(root, true)
	if !ok {
		// treat any other directory as an application bundle
		kind = ComponentApp
	}
	return buildBundle(root, kind)
}

func buildBundle(dir string, kind ComponentKind) (*Component, error) {
	c := &Component{Path: dir, Kind: kind}
	if info := filepath.Join(dir, "Info.plist"); fileExists(info) {
		c.InfoPlist = info
	}
	c.Executable = bundleExecutable(dir, c.InfoPlist)

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		if d.IsDir() {
			if d.Name() == "_CodeSignature" {
				return filepath.SkipDir
			}
			if kind, ok := bundleKind(path, false); ok {
				child, err := buildBundle(path, kind)
				if err != nil {
					return err
				}
				c.Children = append(c.Children, child)
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), ".dylib") && d.Type().IsRegular() {
			c.Children = append(c.Children, &Component{Path: path, Kind: ComponentDylib, Executable: path})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	sort.Slice(c.Children, func(i, j int) bool { return c.Children[i].Path < c.Children[j].Path })
	return c, nil
}

// bundleExecutable resolves CFBundleExecutable, falling back to the bundle
// name without extension. It returns "" when no such file exists.
func bundleExecutable(dir, infoPlist string) string {
	var name string
	if infoPlist != "" {
		if info, err := readPlistFile(infoPlist); err == nil {
			name, _ = info["CFBundleExecutable"].(string)
		}
	}
	if name == "" {
		base := filepath.Base(dir)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	exe := filepath.Join(dir, name)
	if st, err := os.Stat(exe); err != nil || st.IsDir() {
		return ""
	}
	return exe
}

// PostOrder returns the tree with every child before its parent.
func (c *Component) PostOrder() []*Component {
	var out []*Component
	var walk func(*Component)
	walk = func(n *Component) {
		for _, child := range n.Children {
			walk(child)
		}
		out = append(out, n)
	}
	walk(c)
	return out
}

// Rel returns the component path relative to the directory holding root.
func (c *Component) Rel(root *Component) string {
	rel, err := filepath.Rel(filepath.Dir(root.Path), c.Path)
	if err != nil {
		return filepath.Base(c.Path)
	}
	return rel
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
