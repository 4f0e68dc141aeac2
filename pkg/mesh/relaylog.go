package mesh

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/bitcraps/bitcraps/pkg/bcerr"
)

// RelayLog persists relay records as an append-only JSON-lines file,
// the durable side of proof-of-relay accounting. A mining-reward
// batch job reads it back with ReadRelayLog; the mesh never does.
type RelayLog struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// OpenRelayLog opens (creating if needed) the append-only log at path.
func OpenRelayLog(path string) (*RelayLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, bcerr.New(bcerr.KindResource, "mesh.OpenRelayLog", err)
	}
	return &RelayLog{f: f, enc: json.NewEncoder(f)}, nil
}

// Append writes records to the log in order. Partial failure leaves
// earlier records written; the caller re-drains remaining ones next
// sweep.
func (l *RelayLog) Append(records []RelayRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range records {
		if err := l.enc.Encode(rec); err != nil {
			return bcerr.New(bcerr.KindResource, "mesh.RelayLog.Append", err)
		}
	}
	return nil
}

// Close syncs and closes the underlying file.
func (l *RelayLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.f.Sync(); err != nil {
		l.f.Close()
		return bcerr.New(bcerr.KindResource, "mesh.RelayLog.Close", err)
	}
	return l.f.Close()
}

// ReadRelayLog loads every record from an append-only log written by
// Append, for the reward accounting job.
func ReadRelayLog(path string) ([]RelayRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, bcerr.New(bcerr.KindResource, "mesh.ReadRelayLog", err)
	}
	defer f.Close()

	var out []RelayRecord
	dec := json.NewDecoder(f)
	for dec.More() {
		var rec RelayRecord
		if err := dec.Decode(&rec); err != nil {
			return out, bcerr.New(bcerr.KindResource, "mesh.ReadRelayLog", err)
		}
		out = append(out, rec)
	}
	return out, nil
}
