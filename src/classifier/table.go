// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package classifier

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"maskpipeworker/src/model"
)

// Table holds the known operation kinds. It is built once at startup and read-only
// afterwards.
type Table struct {
	kinds map[string]*Kind
}

// NewTable returns a table with the given kinds. Later kinds replace earlier ones
// with the same name.
func NewTable(kinds ...*Kind) (*Table, error) {
	t := &Table{kinds: make(map[string]*Kind, len(kinds))}
	for _, k := range kinds {
		if err := t.add(k); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// DefaultTable returns the built-in kinds.
func DefaultTable() *Table {
	t, err := NewTable(DBInstanceKind(), DBSnapshotKind(), MaskingRunKind())
	if err != nil {
		panic(fmt.Sprintf("built-in kinds are invalid: %v", err))
	}
	return t
}

var validate = validator.New()

// add validates and registers k. A kind replacing an existing one keeps its prober
// unless it names another.
func (t *Table) add(k *Kind) error {
	if prev, ok := t.kinds[k.Name]; ok && k.Prober == "" {
		k.Prober = prev.Prober
	}
	if err := validate.Struct(k); err != nil {
		return fmt.Errorf("invalid kind %q: %w", k.Name, err)
	}
	if err := k.compile(); err != nil {
		return err
	}
	t.kinds[k.Name] = k
	return nil
}

// Lookup returns the kind registered under name.
func (t *Table) Lookup(name string) (*Kind, error) {
	k, ok := t.kinds[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownKind, name)
	}
	return k, nil
}

// SubjectField is a model.SubjectFieldFunc over the table.
func (t *Table) SubjectField(name string) string {
	if k, ok := t.kinds[name]; ok {
		return k.SubjectField
	}
	return ""
}

// Names returns the registered kind names, sorted.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.kinds))
	for name := range t.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type kindsFile struct {
	Kinds []*Kind `yaml:"kinds"`
}

// LoadFile adds or replaces kinds from a YAML file of the form
//
//	kinds:
//	  - name: masked-replica
//	    prober: rds-instance
//	    subject_field: ReplicaDBInstanceIdentifier
//	    success: [available]
//	    pending: [creating, backing-up]
//	    terminal: [failed, "inaccessible-*"]
//
// A new kind must name the prober it is polled with; a replaced kind may omit it.
func (t *Table) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read kinds file: %w", err)
	}
	return t.Load(data)
}

// Load is LoadFile over raw YAML.
func (t *Table) Load(data []byte) error {
	var f kindsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse kinds file: %w", err)
	}
	for _, k := range f.Kinds {
		if k == nil {
			continue
		}
		if err := t.add(k); err != nil {
			return err
		}
	}
	return nil
}
