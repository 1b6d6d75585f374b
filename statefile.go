package prefork

import (
	"fmt"
	"os"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// StateRecord is the on-disk record that lets a control client locate a
// running server. It is written when the master adopts cluster mode and
// removed on clean shutdown. Readers must tolerate absence and staleness;
// the PID is verified for liveness before being trusted.
type StateRecord struct {
	// PID is the master process id
	PID int `yaml:"pid"`

	// ControlURL is the control channel address (unix:///path or tcp://host:port)
	ControlURL string `yaml:"control_url"`

	// ControlAuthToken is the optional token required by the control channel
	ControlAuthToken string `yaml:"control_auth_token,omitempty"`
}

// WriteStateFile persists the record atomically (write-to-temp plus rename)
// so readers never observe a partial file. A write failure is fatal to
// server startup; callers must treat it as such.
func WriteStateFile(path string, rec *StateRecord) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding state file: %w", err)
	}
	if err := renameio.WriteFile(path, data, StateFileMode); err != nil {
		return fmt.Errorf("writing state file %q: %w", path, err)
	}
	return nil
}

// ReadStateFile reads and decodes the record. A missing file returns
// ErrStateFileNotFound.
func ReadStateFile(path string) (*StateRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrStateFileNotFound
		}
		return nil, fmt.Errorf("reading state file %q: %w", path, err)
	}
	rec := &StateRecord{}
	if err := yaml.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("decoding state file %q: %w", path, err)
	}
	return rec, nil
}

// RemoveStateFile removes the record, ignoring an already-gone file.
// Removal is best-effort; failures are for the caller to log and swallow.
func RemoveStateFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
