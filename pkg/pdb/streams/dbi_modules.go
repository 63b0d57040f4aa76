package streams

import (
	"fmt"
	"strings"

	pdberrors "github.com/jtang613/pdbwriter/pkg/pdb/errors"
)

// ModuleRecord is a module registered with a DBIStreamBuilder.
type ModuleRecord struct {
	name        string
	objFile     string
	sourceFiles []string
}

// Name returns the module's display name.
func (m *ModuleRecord) Name() string {
	return m.name
}

// ObjectFile returns the object or archive path the module came from.
func (m *ModuleRecord) ObjectFile() string {
	return m.objFile
}

// SourceFiles returns the module's files in registration order. The slice is
// owned by the record.
func (m *ModuleRecord) SourceFiles() []string {
	return m.sourceFiles
}

// moduleRegistry keeps modules in registration order plus a name index into
// that order. Serialization only ever walks list.
type moduleRegistry struct {
	list   []*ModuleRecord
	byName map[string]int
}

func newModuleRegistry() moduleRegistry {
	return moduleRegistry{byName: make(map[string]int)}
}

func (r *moduleRegistry) add(objFile, name string) error {
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("module %q: %w", name, pdberrors.ErrDuplicateModule)
	}
	if strings.IndexByte(name, 0) >= 0 || strings.IndexByte(objFile, 0) >= 0 {
		return fmt.Errorf("module %q (%q): %w", name, objFile, pdberrors.ErrInvalidInput)
	}
	r.byName[name] = len(r.list)
	r.list = append(r.list, &ModuleRecord{name: name, objFile: objFile})
	return nil
}

func (r *moduleRegistry) lookup(name string) (*ModuleRecord, bool) {
	i, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.list[i], true
}

// fileRefs is the number of file references across all modules.
func (r *moduleRegistry) fileRefs() int {
	n := 0
	for _, m := range r.list {
		n += len(m.sourceFiles)
	}
	return n
}
