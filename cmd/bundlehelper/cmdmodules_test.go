package main

import (
	"testing"

	"bundlehelper/manifest"
)

func namedModules(names ...string) []*manifest.Module {
	out := make([]*manifest.Module, len(names))
	for i, n := range names {
		out[i] = &manifest.Module{Name: n}
	}
	return out
}

func rangeNames(t *testing.T, mods []*manifest.Module, startAt, startAfter, stopAt, stopAfter string) []string {
	t.Helper()
	got, err := sliceModuleRange(mods, startAt, startAfter, stopAt, stopAfter)
	if err != nil {
		t.Fatalf("sliceModuleRange: %v", err)
	}
	names := make([]string, len(got))
	for i, m := range got {
		names[i] = m.Name
	}
	return names
}

func TestSliceModuleRange(t *testing.T) {
	mods := namedModules("a", "b", "c", "d")

	cases := []struct {
		startAt, startAfter, stopAt, stopAfter string
		want                                   []string
	}{
		{"", "", "", "", []string{"a", "b", "c", "d"}},
		{"b", "", "", "", []string{"b", "c", "d"}},
		{"", "b", "", "", []string{"c", "d"}},
		{"", "", "b", "", []string{"a", "b"}},
		{"", "", "", "b", []string{"a", "b", "c"}},
		{"b", "", "c", "", []string{"b", "c"}},
		{"d", "", "a", "", nil},
	}
	for _, tc := range cases {
		got := rangeNames(t, mods, tc.startAt, tc.startAfter, tc.stopAt, tc.stopAfter)
		if len(got) != len(tc.want) {
			t.Fatalf("range(%q,%q,%q,%q) = %v, want %v", tc.startAt, tc.startAfter, tc.stopAt, tc.stopAfter, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("range(%q,%q,%q,%q) = %v, want %v", tc.startAt, tc.startAfter, tc.stopAt, tc.stopAfter, got, tc.want)
			}
		}
	}
}

func TestSliceModuleRangeUnknownNameIsUsageError(t *testing.T) {
	_, err := sliceModuleRange(namedModules("a"), "nope", "", "", "")
	if err == nil || !isUsageError.In(err) {
		t.Fatalf("expected usage error, got %v", err)
	}
}
