package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/zkchannels/zkchannel/escrow"
	"github.com/zkchannels/zkchannel/zkabacus"
)

// snapshot is the on-disk form of the simulated chain.
type snapshot struct {
	Contracts map[escrow.ContractID]*escrow.ContractState `json:"contracts"`
	Params    map[escrow.ContractID]zkabacus.PublicParams `json:"params"`
	Height    uint64                                      `json:"height"`
}

// Open returns a backend that loads the snapshot at path, if one exists,
// and rewrites it after every successful submission. Contract state then
// carries across process restarts, which the demo binaries rely on.
func Open(path string, opts ...Option) (*Backend, error) {
	b := New(opts...)
	b.snapshotPath = path

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading escrow snapshot %s: %w", path, err)
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decoding escrow snapshot %s: %w", path, err)
	}
	if snap.Contracts != nil {
		b.contracts = snap.Contracts
	}
	if snap.Params != nil {
		b.params = snap.Params
	}
	b.height = snap.Height
	return b, nil
}

// save rewrites the snapshot file. Callers hold b.mu. A nil path means
// the backend is purely in-memory.
func (b *Backend) save() error {
	if b.snapshotPath == "" {
		return nil
	}
	raw, err := json.MarshalIndent(snapshot{
		Contracts: b.contracts,
		Params:    b.params,
		Height:    b.height,
	}, "", "  ")
	if err != nil {
		return err
	}
	tmp := b.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("writing escrow snapshot: %w", err)
	}
	return os.Rename(tmp, b.snapshotPath)
}
