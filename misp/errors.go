package misp

import "fmt"

// ConfigError is raised for unknown or malformed instance configuration
// (§7). It is fatal when raised from export().
type ConfigError struct {
	Instance string
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("misp: config error for instance %q: %s", e.Instance, e.Reason)
}

// FetchError wraps an HTTP non-2xx response or transport failure (§7).
type FetchError struct {
	Instance   string
	Path       string
	StatusCode int
	Body       string
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("misp: fetch %s/%s failed: %s", e.Instance, e.Path, e.Err)
	}
	return fmt.Sprintf("misp: fetch %s/%s failed (HTTP %d): %s", e.Instance, e.Path, e.StatusCode, e.Body)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError wraps malformed JSON or an unparsable attribute (§7).
type ParseError struct {
	Context string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("misp: parse error (%s): %s", e.Context, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ArchiveError wraps a malformed or unreadable ZIP archive. Per §4.3 it
// never surfaces past AttachmentHandler.ExtractMalwareSample, which
// degrades to the original file handle, but it is still a named type so
// the degrade path can be logged uniformly.
type ArchiveError struct {
	Path string
	Err  error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("misp: archive error for %s: %s", e.Path, e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

// PersistenceError wraps a rejection from a platform store (§7).
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("misp: persistence error during %s: %s", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ExportError wraps a MISP rejection of an exported attribute (§7). It
// carries the offending artifact's data type for diagnostics.
type ExportError struct {
	Instance string
	DataType string
	Message  string
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("misp: export to %s rejected %s attribute: %s", e.Instance, e.DataType, e.Message)
}
