// Package document implements the per-connection document cache: the
// authoritative record of which files are open, what version and content an
// LSP server has last been told about, and the URI<->path conversions every
// other lspcore package needs. It is grounded on the open-document
// bookkeeping scattered through the teacher's gopls client (DidOpen, the
// URI construction in its test suite) generalized into a standalone,
// concurrency-safe cache with the monotonic-version invariant spec.md
// requires.
package document

import (
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/quillsys/lspgate/errors"
)

// Document is a single open file as the LSP server currently knows it.
type Document struct {
	URI        string
	LanguageID string
	Version    int
	Content    string
}

// TextDocumentIdentifier is the {uri} shape LSP requests use to name a file.
type TextDocumentIdentifier struct {
	URI string `json:"uri"`
}

// VersionedTextDocumentIdentifier additionally carries the version LSP
// change notifications must quote.
type VersionedTextDocumentIdentifier struct {
	URI     string `json:"uri"`
	Version int    `json:"version"`
}

// Identifier projects the document's identity without its version.
func (d *Document) Identifier() TextDocumentIdentifier {
	return TextDocumentIdentifier{URI: d.URI}
}

// VersionedIdentifier projects the document's identity including its
// current version.
func (d *Document) VersionedIdentifier() VersionedTextDocumentIdentifier {
	return VersionedTextDocumentIdentifier{URI: d.URI, Version: d.Version}
}

// Cache is a concurrency-safe, URI-keyed table of open documents for one
// LSP connection. Versions are strictly monotonic per URI between opens:
// Open sets it to 1, Update always increments it.
type Cache struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

// NewCache returns an empty document cache.
func NewCache() *Cache {
	return &Cache{docs: make(map[string]*Document)}
}

// Open registers uri as open. If content is empty it is read from disk via
// PathFromURI. Re-opening an already-open URI replaces its content and
// resets its version to 1, matching didOpen semantics.
func (c *Cache) Open(uri, languageID, content string) (*Document, error) {
	if content == "" {
		path, err := PathFromURI(uri)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", path)
		}
		content = string(data)
	}

	doc := &Document{URI: uri, LanguageID: languageID, Version: 1, Content: content}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[uri] = doc
	return doc, nil
}

// Update replaces a document's content and increments its version. It
// returns an InvalidInput error if the document was never opened.
func (c *Cache) Update(uri, content string) (*Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, ok := c.docs[uri]
	if !ok {
		return nil, errors.NewInvalidInput("document is not open: "+uri, "call update_document with a previously opened file, or let the dispatcher open it first")
	}
	doc.Version++
	doc.Content = content
	return doc, nil
}

// Close removes uri from the cache.
func (c *Cache) Close(uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.docs, uri)
}

// Get returns the cached document for uri, if any.
func (c *Cache) Get(uri string) (*Document, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.docs[uri]
	return doc, ok
}

// EnsureOpen returns the cached document for uri, opening it from disk first
// if it is not already tracked.
func (c *Cache) EnsureOpen(uri, languageID string) (*Document, error) {
	if doc, ok := c.Get(uri); ok {
		return doc, nil
	}
	return c.Open(uri, languageID, "")
}

// Len reports how many documents are currently open, for tests and status
// reporting.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}

// URIFromPath normalizes path to an absolute filesystem path and converts it
// to a file:// URI. lspgate only ever deals in the file scheme.
func URIFromPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve absolute path for %s", path)
	}
	abs = filepath.ToSlash(abs)
	if len(abs) == 0 || abs[0] != '/' {
		abs = "/" + abs
	}
	u := url.URL{Scheme: "file", Path: abs}
	return u.String(), nil
}

// PathFromURI converts a file:// URI back to an absolute filesystem path.
// Non-file schemes are rejected since lspgate never brokers them.
func PathFromURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", errors.Wrapf(err, "failed to parse uri %s", uri)
	}
	if u.Scheme != "file" {
		return "", errors.NewInvalidInput("unsupported uri scheme: "+u.Scheme, "lspgate only operates on file:// uris")
	}
	return filepath.FromSlash(u.Path), nil
}
