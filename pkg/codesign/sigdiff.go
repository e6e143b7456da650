package codesign

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/go-cmp/cmp"
)

// fprint is a helper that ignores fmt.Fprintf errors (for CLI output)
func fprint(w io.Writer, format string, a ...interface{}) {
	_, _ = fmt.Fprintf(w, format, a...)
}

// fprintln is a helper that ignores fmt.Fprintln errors (for CLI output)
func fprintln(w io.Writer) {
	_, _ = fmt.Fprintln(w)
}

// SignatureDiff is the comparison of two signed files or bundles.
type SignatureDiff struct {
	Path1       string
	Path2       string
	BundleDiffs []BundleDiff
}

// BundleDiff compares one slice of one component.
type BundleDiff struct {
	// Key is the component path and CPU the slices were matched by.
	Key              string
	SignatureDiff    FieldDiff
	CodeDirDiffs     []CodeDirDiff
	RequirementsDiff FieldDiff
	EntitlementsDiff EntitlementsDiff
	CMSDiff          FieldDiff

	OnlyIn1 bool
	OnlyIn2 bool
}

// FieldDiff is a simple value comparison.
type FieldDiff struct {
	Name   string
	Same   bool
	Value1 string
	Value2 string
}

// CodeDirDiff compares two CodeDirectories of the same hash type.
type CodeDirDiff struct {
	HashType         string
	Missing          FieldDiff
	Fields           []FieldDiff
	SpecialSlotDiffs []FieldDiff
	CodeHashesSame   bool
	CodeHashesCount1 int
	CodeHashesCount2 int
}

// Same reports whether nothing differs.
func (d *CodeDirDiff) Same() bool {
	if !d.Missing.Same || !d.CodeHashesSame {
		return false
	}
	for _, f := range append(append([]FieldDiff(nil), d.Fields...), d.SpecialSlotDiffs...) {
		if !f.Same {
			return false
		}
	}
	return true
}

// EntitlementsDiff holds entitlement keys that differ.
type EntitlementsDiff struct {
	Same    bool
	Added   map[string]interface{}    // In 2 but not in 1
	Removed map[string]interface{}    // In 1 but not in 2
	Changed map[string][2]interface{} // Different values
}

func compareField(name, val1, val2 string) FieldDiff {
	return FieldDiff{Name: name, Same: val1 == val2, Value1: val1, Value2: val2}
}

// CompareSignatures compares two slices.
func CompareSignatures(info1, info2 *SignatureInfo) *BundleDiff {
	diff := &BundleDiff{Key: diffKey(info1)}
	diff.SignatureDiff = compareField("Signature",
		fmt.Sprintf("%d blobs, %d bytes", len(info1.Blobs), info1.SignatureLen),
		fmt.Sprintf("%d blobs, %d bytes", len(info2.Blobs), info2.SignatureLen))

	byType1 := codeDirsByType(info1)
	byType2 := codeDirsByType(info2)
	var types []string
	for t := range byType1 {
		types = append(types, t)
	}
	for t := range byType2 {
		if _, ok := byType1[t]; !ok {
			types = append(types, t)
		}
	}
	sort.Strings(types)
	for _, t := range types {
		cd1, ok1 := byType1[t]
		cd2, ok2 := byType2[t]
		if ok1 && ok2 {
			diff.CodeDirDiffs = append(diff.CodeDirDiffs, compareCodeDirectories(t, cd1, cd2))
			continue
		}
		diff.CodeDirDiffs = append(diff.CodeDirDiffs, CodeDirDiff{
			HashType: t,
			Missing:  compareField("Presence", presence(ok1), presence(ok2)),
		})
	}

	diff.RequirementsDiff = compareField("Requirements",
		fmt.Sprintf("%d bytes", len(info1.Requirements)),
		fmt.Sprintf("%d bytes", len(info2.Requirements)))
	if diff.RequirementsDiff.Same {
		diff.RequirementsDiff.Same = bytes.Equal(info1.Requirements, info2.Requirements)
	}
	diff.EntitlementsDiff = compareEntitlements(info1.Entitlements, info2.Entitlements)
	diff.CMSDiff = compareField("CMS Signature", cmsSummary(info1), cmsSummary(info2))
	return diff
}

func presence(ok bool) string {
	if ok {
		return "present"
	}
	return "missing"
}

func cmsSummary(info *SignatureInfo) string {
	switch {
	case !info.Signed:
		return "unsigned"
	case info.AdHoc:
		return "ad-hoc"
	case info.CMSError != "":
		return "invalid"
	}
	return info.SignerCN
}

type codeDirView struct {
	Version, Flags, PageSize, CodeLimit string
	Identifier, TeamID                  string
	Special, Code                       [][]byte
}

func codeDirsByType(info *SignatureInfo) map[string]codeDirView {
	out := make(map[string]codeDirView)
	for _, cd := range info.CodeDirs {
		out[cd.HashType.String()] = codeDirView{
			Version:    fmt.Sprintf("0x%x", cd.Version),
			Flags:      fmt.Sprintf("0x%x", cd.Flags),
			PageSize:   fmt.Sprintf("%d", 1<<cd.PageSizeBits),
			CodeLimit:  fmt.Sprintf("%d", cd.CodeLimit),
			Identifier: cd.Identifier,
			TeamID:     cd.TeamID,
			Special:    cd.Special,
			Code:       cd.Code,
		}
	}
	return out
}

func compareCodeDirectories(hashType string, cd1, cd2 codeDirView) CodeDirDiff {
	diff := CodeDirDiff{HashType: hashType, Missing: FieldDiff{Same: true}}
	diff.Fields = []FieldDiff{
		compareField("Version", cd1.Version, cd2.Version),
		compareField("Flags", cd1.Flags, cd2.Flags),
		compareField("Identifier", cd1.Identifier, cd2.Identifier),
		compareField("Team ID", cd1.TeamID, cd2.TeamID),
		compareField("Page Size", cd1.PageSize, cd2.PageSize),
		compareField("Code Limit", cd1.CodeLimit, cd2.CodeLimit),
	}

	n := len(cd1.Special)
	if len(cd2.Special) > n {
		n = len(cd2.Special)
	}
	for slot := n; slot >= 1; slot-- {
		v1, v2 := "<empty>", "<empty>"
		if slot <= len(cd1.Special) {
			v1 = hex.EncodeToString(cd1.Special[slot-1])
		}
		if slot <= len(cd2.Special) {
			v2 = hex.EncodeToString(cd2.Special[slot-1])
		}
		diff.SpecialSlotDiffs = append(diff.SpecialSlotDiffs,
			compareField(fmt.Sprintf("-%d (%s)", slot, slotName(uint32(slot))), v1, v2))
	}

	diff.CodeHashesCount1 = len(cd1.Code)
	diff.CodeHashesCount2 = len(cd2.Code)
	diff.CodeHashesSame = cmp.Equal(cd1.Code, cd2.Code)
	return diff
}

func compareEntitlements(ent1, ent2 map[string]interface{}) EntitlementsDiff {
	diff := EntitlementsDiff{
		Same:    true,
		Added:   make(map[string]interface{}),
		Removed: make(map[string]interface{}),
		Changed: make(map[string][2]interface{}),
	}
	for key, val1 := range ent1 {
		val2, ok := ent2[key]
		switch {
		case !ok:
			diff.Removed[key] = val1
			diff.Same = false
		case !cmp.Equal(val1, val2):
			diff.Changed[key] = [2]interface{}{val1, val2}
			diff.Same = false
		}
	}
	for key, val2 := range ent2 {
		if _, ok := ent1[key]; !ok {
			diff.Added[key] = val2
			diff.Same = false
		}
	}
	return diff
}

func diffKey(info *SignatureInfo) string {
	if info.RelativePath == "" {
		return info.CPU
	}
	return info.RelativePath + " [" + info.CPU + "]"
}

// CompareBundles compares the signatures of two files or two bundles. Bundle
// components are matched by their path inside the bundle.
func CompareBundles(path1, path2 string, recursive bool) (*SignatureDiff, error) {
	infos1, err := signatureInfos(path1, recursive)
	if err != nil {
		return nil, fmt.Errorf("failed to get signature info for %s: %w", path1, err)
	}
	infos2, err := signatureInfos(path2, recursive)
	if err != nil {
		return nil, fmt.Errorf("failed to get signature info for %s: %w", path2, err)
	}

	m1 := make(map[string]*SignatureInfo)
	m2 := make(map[string]*SignatureInfo)
	var keys []string
	for _, info := range infos1 {
		m1[diffKey(info)] = info
		keys = append(keys, diffKey(info))
	}
	for _, info := range infos2 {
		k := diffKey(info)
		m2[k] = info
		if _, ok := m1[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	diff := &SignatureDiff{Path1: path1, Path2: path2}
	for _, k := range keys {
		info1, ok1 := m1[k]
		info2, ok2 := m2[k]
		switch {
		case ok1 && ok2:
			diff.BundleDiffs = append(diff.BundleDiffs, *CompareSignatures(info1, info2))
		case ok1:
			diff.BundleDiffs = append(diff.BundleDiffs, BundleDiff{Key: k, OnlyIn1: true})
		default:
			diff.BundleDiffs = append(diff.BundleDiffs, BundleDiff{Key: k, OnlyIn2: true})
		}
	}
	return diff, nil
}

func signatureInfos(path string, recursive bool) ([]*SignatureInfo, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		return GetBundleSignatureInfo(path, recursive)
	}
	return ParseSignature(path)
}

// PrintSignatureDiff prints a signature diff to a writer
func PrintSignatureDiff(diff *SignatureDiff, w io.Writer) {
	fprint(w, "Comparing:\n")
	fprint(w, "  1: %s\n", diff.Path1)
	fprint(w, "  2: %s\n", diff.Path2)
	fprintln(w)
	for i := range diff.BundleDiffs {
		printBundleDiff(&diff.BundleDiffs[i], w)
	}
}

func printBundleDiff(diff *BundleDiff, w io.Writer) {
	fprint(w, "=== %s ===\n", diff.Key)
	if diff.OnlyIn1 {
		fprint(w, "  Only in 1\n")
		return
	}
	if diff.OnlyIn2 {
		fprint(w, "  Only in 2\n")
		return
	}
	printFieldDiff(w, "Signature", diff.SignatureDiff)
	for i := range diff.CodeDirDiffs {
		printCodeDirDiff(w, &diff.CodeDirDiffs[i])
	}
	printFieldDiff(w, "Requirements", diff.RequirementsDiff)
	printEntitlementsDiff(w, &diff.EntitlementsDiff)
	printFieldDiff(w, "CMS Signature", diff.CMSDiff)
	fprintln(w)
}

func printFieldDiff(w io.Writer, name string, diff FieldDiff) {
	if diff.Same {
		fprint(w, "  %-16s SAME (%s)\n", name+":", diff.Value1)
		return
	}
	fprint(w, "  %-16s DIFFER\n", name+":")
	fprint(w, "    - 1: %s\n", diff.Value1)
	fprint(w, "    + 2: %s\n", diff.Value2)
}

func printCodeDirDiff(w io.Writer, diff *CodeDirDiff) {
	name := "CodeDirectory (" + diff.HashType + ")"
	if diff.Same() {
		fprint(w, "  %-16s SAME\n", name+":")
		return
	}
	if !diff.Missing.Same {
		fprint(w, "  %-16s %s vs %s\n", name+":", diff.Missing.Value1, diff.Missing.Value2)
		return
	}
	fprint(w, "  %s:\n", name)
	for _, f := range diff.Fields {
		if !f.Same {
			fprint(w, "    %-13s DIFFER (%s vs %s)\n", f.Name+":", f.Value1, f.Value2)
		}
	}
	for _, f := range diff.SpecialSlotDiffs {
		if f.Same {
			continue
		}
		v1, v2 := f.Value1, f.Value2
		if len(v1) > 40 {
			v1 = v1[:40] + "..."
		}
		if len(v2) > 40 {
			v2 = v2[:40] + "..."
		}
		fprint(w, "    Slot %s: DIFFER\n", f.Name)
		fprint(w, "      - 1: %s\n", v1)
		fprint(w, "      + 2: %s\n", v2)
	}
	if diff.CodeHashesSame {
		fprint(w, "    Code Hashes:  SAME (%d pages)\n", diff.CodeHashesCount1)
	} else {
		fprint(w, "    Code Hashes:  DIFFER (%d vs %d pages)\n", diff.CodeHashesCount1, diff.CodeHashesCount2)
	}
}

func printEntitlementsDiff(w io.Writer, diff *EntitlementsDiff) {
	if diff.Same {
		fprint(w, "  %-16s SAME\n", "Entitlements:")
		return
	}
	fprint(w, "  %-16s DIFFER\n", "Entitlements:")
	for _, key := range sortedKeys(diff.Removed) {
		fprint(w, "    - %s: %v\n", key, diff.Removed[key])
	}
	for _, key := range sortedKeys(diff.Added) {
		fprint(w, "    + %s: %v\n", key, diff.Added[key])
	}
	changed := make([]string, 0, len(diff.Changed))
	for key := range diff.Changed {
		changed = append(changed, key)
	}
	sort.Strings(changed)
	for _, key := range changed {
		fprint(w, "    ~ %s:\n", key)
		fprint(w, "      - 1: %v\n", diff.Changed[key][0])
		fprint(w, "      + 2: %v\n", diff.Changed[key][1])
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
