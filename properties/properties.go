// Package properties attaches JSON property documents to resources.
//
// Each resource id has at most one document, stored as an atomicfile
// slot at <root>/properties/<id>. Setting properties merges them into
// the existing document with a read-modify-write that retries when
// another writer got there first, so concurrent updates from separate
// processes are never lost.
package properties

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"time"

	"github.com/gophersatwork/stash/atomicfile"
	"github.com/gophersatwork/stash/errs"
	"github.com/gophersatwork/stash/resource"
	"github.com/spf13/afero"
)

// Dir is the directory below the root holding property documents.
const Dir = "properties"

const maxAttempts = 20

// Properties is the set of property documents below one root.
type Properties struct {
	fs     afero.Fs
	dir    string
	logger *slog.Logger
}

// Option defines a function that configures Properties.
type Option func(*Properties)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Properties) {
		p.logger = logger
	}
}

// Open returns the property documents kept below root.
func Open(fs afero.Fs, root string, options ...Option) *Properties {
	p := &Properties{
		fs:     fs,
		dir:    filepath.Join(root, Dir),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, option := range options {
		option(p)
	}
	return p
}

func (p *Properties) slot(id resource.ID) *atomicfile.Slot {
	return atomicfile.Open(p.fs, filepath.Join(p.dir, id.String()), atomicfile.WithLogger(p.logger))
}

// Set merges props into the document of id and returns the result.
// Keys in props replace existing keys; other existing keys are kept.
func (p *Properties) Set(id resource.ID, props map[string]any) (map[string]any, error) {
	const op = "properties.set"
	slot := p.slot(id)

	backoff := time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		current, version, err := p.read(slot)
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return nil, err
		}
		if current == nil {
			current = make(map[string]any, len(props))
		}
		maps.Copy(current, props)

		data, err := json.Marshal(current)
		if err != nil {
			return nil, fmt.Errorf("%s %s: encoding properties: %w", op, id, err)
		}
		if _, err := slot.Write(data, &version); err != nil {
			if errors.Is(err, errs.ErrVersionConflict) {
				p.logger.Debug("properties changed concurrently, retrying", "id", id.String(), "attempt", attempt+1)
				time.Sleep(backoff)
				if backoff < 50*time.Millisecond {
					backoff *= 2
				}
				continue
			}
			return nil, err
		}
		return current, nil
	}
	return nil, errs.New(errs.ErrVersionConflict, op, id.String(), fmt.Errorf("gave up after %d attempts", maxAttempts))
}

// Get returns the document of id. A resource without properties is
// errs.ErrNotFound.
func (p *Properties) Get(id resource.ID) (map[string]any, error) {
	props, _, err := p.read(p.slot(id))
	return props, err
}

// Raw returns the stored JSON document of id.
func (p *Properties) Raw(id resource.ID) ([]byte, error) {
	data, _, err := p.slot(id).Read()
	return data, err
}

// Remove deletes the document of id.
func (p *Properties) Remove(id resource.ID) error {
	return p.slot(id).Remove()
}

// read returns the decoded document and its version. An absent
// document is version 0 and an errs.ErrNotFound error.
func (p *Properties) read(slot *atomicfile.Slot) (map[string]any, uint64, error) {
	data, version, err := slot.Read()
	if err != nil {
		return nil, 0, err
	}
	var props map[string]any
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, 0, errs.New(errs.ErrChecksumMismatch, "properties.read", slot.Path(), err)
	}
	// JSON null decodes into a nil map without complaint.
	if props == nil {
		return nil, 0, errs.New(errs.ErrChecksumMismatch, "properties.read", slot.Path(), errors.New("document is not an object"))
	}
	return props, version, nil
}
