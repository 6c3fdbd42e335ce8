package classifier

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"

	"github.com/google/renameio"

	"github.com/kozaktomas/rollcall/internal/lbph"
)

// Files inside the model directory.
const (
	ModelFile      = "classifier.bin"
	LabelTableFile = "label_table.json"
)

const envelopeVersion = 1

// envelope is the gob payload of classifier.bin. It carries its own copy of
// the label table so a blob and a side-car from different runs are detected.
type envelope struct {
	Version int
	Table   LabelTable
	Model   *lbph.Model
}

func save(dir string, snap *snapshot) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	var blob bytes.Buffer
	env := envelope{Version: envelopeVersion, Table: snap.table, Model: snap.model}
	if err := gob.NewEncoder(&blob).Encode(env); err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	table, err := json.MarshalIndent(snap.table, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode label table: %w", err)
	}

	if err := renameio.WriteFile(filepath.Join(dir, ModelFile), blob.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write model: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(dir, LabelTableFile), table, 0o644); err != nil {
		return fmt.Errorf("failed to write label table: %w", err)
	}
	return nil
}

func load(dir string) (*snapshot, error) {
	blob, blobErr := os.ReadFile(filepath.Join(dir, ModelFile))
	tableData, tableErr := os.ReadFile(filepath.Join(dir, LabelTableFile))

	blobMissing := errors.Is(blobErr, os.ErrNotExist)
	tableMissing := errors.Is(tableErr, os.ErrNotExist)
	switch {
	case blobMissing && tableMissing:
		return nil, ErrNoModel
	case blobMissing:
		return nil, fmt.Errorf("%w: %s without %s", ErrModelCorrupt, LabelTableFile, ModelFile)
	case tableMissing:
		return nil, fmt.Errorf("%w: %s without %s", ErrModelCorrupt, ModelFile, LabelTableFile)
	case blobErr != nil:
		return nil, fmt.Errorf("failed to read model: %w", blobErr)
	case tableErr != nil:
		return nil, fmt.Errorf("failed to read label table: %w", tableErr)
	}

	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelCorrupt, err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrModelCorrupt, env.Version)
	}
	if env.Model == nil || env.Model.Len() == 0 {
		return nil, fmt.Errorf("%w: empty model", ErrModelCorrupt)
	}

	var table LabelTable
	if err := json.Unmarshal(tableData, &table); err != nil {
		return nil, fmt.Errorf("%w: label table: %w", ErrModelCorrupt, err)
	}
	if !maps.Equal(table, env.Table) {
		return nil, fmt.Errorf("%w: label table does not match model", ErrModelCorrupt)
	}
	labels := env.Model.Labels()
	if len(labels) != len(table) {
		return nil, fmt.Errorf("%w: model has %d labels, table has %d", ErrModelCorrupt, len(labels), len(table))
	}
	for _, l := range labels {
		if _, ok := table[l]; !ok {
			return nil, fmt.Errorf("%w: label %d missing from label table", ErrModelCorrupt, l)
		}
	}

	return &snapshot{model: env.Model, table: table}, nil
}

func removeModel(dir string) error {
	for _, name := range []string{ModelFile, LabelTableFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	return nil
}
