// Copyright 2015 Matthew Holt and The Caddy Authors
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

// Package pathmap resolves a request URI into the CGI path variables a
// FastCGI responder needs: SCRIPT_NAME, PATH_INFO, PATH_TRANSLATED, and
// SCRIPT_FILENAME. It is a pure helper with no knowledge of sessions or
// the wire protocol; a Responder calls it while assembling the
// parameters it hands back in its own response, never inside the core
// engine.
package pathmap

import (
	"path"
	"path/filepath"
	"strings"
)

// Rule configures how a document root splits request paths into script
// and path-info halves.
type Rule struct {
	// Root is the filesystem directory script paths resolve beneath.
	Root string
	// SplitPath is the suffix marking where a script path ends and
	// PATH_INFO begins, e.g. ".php".
	SplitPath string
	// PathPrefix is prepended to SCRIPT_NAME, for deployments mounted
	// under a sub-path of the virtual host.
	PathPrefix string
}

// CanSplit reports whether reqPath contains Rule.SplitPath.
func (r Rule) CanSplit(reqPath string) bool {
	return r.SplitPos(reqPath) >= 0
}

// SplitPos returns the index at which the first occurrence of
// Rule.SplitPath in reqPath begins, or -1 if it isn't present.
func (r Rule) SplitPos(reqPath string) int {
	if r.SplitPath == "" {
		return -1
	}
	idx := strings.Index(reqPath, r.SplitPath)
	if idx < 0 {
		return -1
	}
	return idx
}

// Split divides reqPath into its script and path-info halves according
// to Rule.SplitPath. ok is false if reqPath cannot be split.
func Split(r Rule, reqPath string) (scriptName, pathInfo string, ok bool) {
	pos := r.SplitPos(reqPath)
	if pos < 0 {
		return "", "", false
	}
	docURI := reqPath[:pos+len(r.SplitPath)]
	pathInfo = reqPath[pos+len(r.SplitPath):]
	scriptName = strings.TrimSuffix(docURI, pathInfo)
	scriptName = path.Join(r.PathPrefix, scriptName)
	return scriptName, pathInfo, true
}

// Env builds the subset of CGI parameters that depend purely on path
// shape, given the already-split scriptName/pathInfo from Split.
// reqPath and pathInfo are cleaned against a pinned leading slash before
// joining under Root, so a ".." segment can't climb out of the document
// root the way a raw filepath.Join(Root, reqPath) would let it.
func Env(r Rule, reqPath, scriptName, pathInfo string) map[string]string {
	cleanReqPath := path.Clean("/" + reqPath)
	cleanPathInfo := path.Clean("/" + pathInfo)
	absPath := filepath.Join(r.Root, cleanReqPath)
	scriptFilename := strings.TrimSuffix(absPath, cleanPathInfo)
	return map[string]string{
		"SCRIPT_NAME":     scriptName,
		"PATH_INFO":       pathInfo,
		"PATH_TRANSLATED": filepath.Join(r.Root, cleanPathInfo),
		"SCRIPT_FILENAME": scriptFilename,
		"DOCUMENT_URI":    reqPath,
		"DOCUMENT_ROOT":   r.Root,
	}
}
