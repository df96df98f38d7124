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

import (
	"path"
	"strings"
)

// NormalizeVirtualPath cleans a virtual (namespace) path into canonical form:
// always absolute, forward slashes, no trailing slash except for the root "/".
func NormalizeVirtualPath(p string) string {
	if p == "" {
		return "/"
	}
	p = strings.ReplaceAll(p, "\\", "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	p = path.Clean(p)
	return p
}

// NormalizeRelPath cleans a mount-relative path, removing leading/trailing
// slashes. The mount root is the empty string.
func NormalizeRelPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// SplitPath splits a path into its components.
func SplitPath(p string) []string {
	p = NormalizeRelPath(p)
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// JoinPath joins path components into a mount-relative path.
func JoinPath(parts ...string) string {
	return NormalizeRelPath(path.Join(parts...))
}

// ParentPath returns the parent directory of a mount-relative path.
func ParentPath(p string) string {
	p = NormalizeRelPath(p)
	if p == "" {
		return ""
	}
	dir := path.Dir(p)
	if dir == "." {
		return ""
	}
	return dir
}

// BaseName returns the last component of a path.
func BaseName(p string) string {
	p = NormalizeRelPath(p)
	if p == "" {
		return ""
	}
	return path.Base(p)
}

// IsPathPrefix reports whether prefix is a path-segment-aligned prefix of p.
// Both arguments must be normalized virtual paths. "/data" is a prefix of
// "/data/x" but not of "/database/x"; "/" is a prefix of everything.
func IsPathPrefix(prefix, p string) bool {
	if prefix == "/" {
		return true
	}
	if p == prefix {
		return true
	}
	return strings.HasPrefix(p, prefix+"/")
}
