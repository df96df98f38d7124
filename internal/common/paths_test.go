// Copyright 2025 StrataFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import "testing"

func TestNormalizeVirtualPath(t *testing.T) {
	cases := map[string]string{
		"":              "/",
		"/":             "/",
		"foo":           "/foo",
		"/foo/":         "/foo",
		"/foo//bar":     "/foo/bar",
		"/foo/../bar":   "/bar",
		"/foo/./bar/":   "/foo/bar",
		"\\win\\style":  "/win/style",
		"/a/b/c/../../": "/a",
	}
	for in, want := range cases {
		if got := NormalizeVirtualPath(in); got != want {
			t.Errorf("NormalizeVirtualPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeRelPath(t *testing.T) {
	cases := map[string]string{
		"":         "",
		"/":        "",
		".":        "",
		"foo/":     "foo",
		"/foo/bar": "foo/bar",
		"a/../b":   "b",
		"../../x":  "x",
	}
	for in, want := range cases {
		if got := NormalizeRelPath(in); got != want {
			t.Errorf("NormalizeRelPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsPathPrefix(t *testing.T) {
	tests := []struct {
		prefix, path string
		want         bool
	}{
		{"/", "/anything", true},
		{"/data", "/data", true},
		{"/data", "/data/x", true},
		{"/data", "/database/x", false},
		{"/data/special", "/data/special/f.txt", true},
		{"/data/special", "/data/other/f.txt", false},
	}
	for _, tt := range tests {
		if got := IsPathPrefix(tt.prefix, tt.path); got != tt.want {
			t.Errorf("IsPathPrefix(%q, %q) = %v, want %v", tt.prefix, tt.path, got, tt.want)
		}
	}
}

func TestParentAndBase(t *testing.T) {
	if got := ParentPath("a/b/c"); got != "a/b" {
		t.Errorf("ParentPath = %q", got)
	}
	if got := ParentPath("a"); got != "" {
		t.Errorf("ParentPath top-level = %q", got)
	}
	if got := BaseName("a/b/c.txt"); got != "c.txt" {
		t.Errorf("BaseName = %q", got)
	}
	if got := JoinPath("a", "b", "c"); got != "a/b/c" {
		t.Errorf("JoinPath = %q", got)
	}
}
