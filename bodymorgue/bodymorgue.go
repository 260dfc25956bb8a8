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

// Package bodymorgue spools large STDIN/DATA bodies to disk once they
// exceed a configured in-memory threshold, optionally gzip-compressed.
// It is never invoked by the core session handler; a Responder wraps a
// session's Stdin with Spool when it wants disk backing for large
// uploads.
package bodymorgue

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// Morgue allocates and tracks spillover files beneath Dir.
type Morgue struct {
	// Dir is the directory spillover files are created under.
	Dir string
	// Threshold is the number of bytes a body may occupy in memory
	// before it spills to disk.
	Threshold int
	// Compress gzip-compresses spilled bytes on write; the reader Spool
	// returns decompresses them transparently.
	Compress bool
}

// entry tracks one body's state: either still in the in-memory buffer,
// or spilled to a backing file.
type entry struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	file *os.File
	gw   *gzip.Writer
}

// Writer returns an io.WriteCloser for the body named id. Bytes stay in
// memory until Threshold is exceeded, then the writer transparently
// spills the accumulated bytes (and everything after) to a temp file.
func (m *Morgue) Writer(id string) (io.WriteCloser, error) {
	return &spoolWriter{morgue: m, id: id}, nil
}

type spoolWriter struct {
	morgue *Morgue
	id     string
	e      entry
	spoke  bool // has spilled to disk
}

func (w *spoolWriter) Write(p []byte) (int, error) {
	w.e.mu.Lock()
	defer w.e.mu.Unlock()

	if !w.spoke && w.e.buf.Len()+len(p) > w.morgue.Threshold {
		if err := w.spill(); err != nil {
			return 0, err
		}
	}
	if w.spoke {
		if w.morgue.Compress {
			return w.e.gw.Write(p)
		}
		return w.e.file.Write(p)
	}
	return w.e.buf.Write(p)
}

// spill moves the in-memory buffer to a backing temp file. Caller must
// hold w.e.mu.
func (w *spoolWriter) spill() error {
	f, err := os.CreateTemp(w.morgue.Dir, "fastcgi-body-*")
	if err != nil {
		return err
	}
	w.e.file = f
	w.spoke = true
	var dst io.Writer = f
	if w.morgue.Compress {
		w.e.gw = gzip.NewWriter(f)
		dst = w.e.gw
	}
	if _, err := dst.Write(w.e.buf.Bytes()); err != nil {
		return err
	}
	w.e.buf.Reset()
	return nil
}

func (w *spoolWriter) Close() error {
	w.e.mu.Lock()
	defer w.e.mu.Unlock()
	if !w.spoke {
		return nil
	}
	if w.e.gw != nil {
		if err := w.e.gw.Close(); err != nil {
			return err
		}
	}
	return w.e.file.Close()
}

// Path returns the backing file's path if the body spilled to disk, or
// "" if it never exceeded the in-memory threshold.
func (w *spoolWriter) Path() string {
	if w.e.file == nil {
		return ""
	}
	return w.e.file.Name()
}

// Spool copies r through a Morgue-backed writer and returns a reader
// over the result: the in-memory buffer if r stayed under threshold, or
// a file-backed reader (transparently gunzipped) otherwise.
func Spool(m *Morgue, id string, r io.Reader) (io.ReadCloser, error) {
	w, err := m.Writer(id)
	if err != nil {
		return nil, err
	}
	sw := w.(*spoolWriter)
	if _, err := io.Copy(sw, r); err != nil {
		sw.Close()
		return nil, err
	}
	if err := sw.Close(); err != nil {
		return nil, err
	}

	if !sw.spoke {
		return io.NopCloser(bytes.NewReader(sw.e.buf.Bytes())), nil
	}

	f, err := os.Open(sw.Path())
	if err != nil {
		return nil, err
	}
	if !m.Compress {
		return f, nil
	}
	gr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &gzipReadCloser{gr: gr, f: f}, nil
}

type gzipReadCloser struct {
	gr *gzip.Reader
	f  *os.File
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gr.Read(p) }

func (g *gzipReadCloser) Close() error {
	gerr := g.gr.Close()
	ferr := g.f.Close()
	if gerr != nil {
		return gerr
	}
	return ferr
}
