package ledger

// Factory opens per-session managers rooted at one data directory. The
// orchestrator holds a single factory and opens a manager per session it
// processes.
type Factory struct {
	dataDir string
}

// NewFactory creates a factory rooted at dataDir.
func NewFactory(dataDir string) *Factory {
	return &Factory{dataDir: dataDir}
}

// Open returns the ledger for a session, creating it on first use.
func (f *Factory) Open(sessionID string) (*Manager, error) {
	return NewManager(f.dataDir, sessionID)
}

// Load returns the ledger for a session that must already exist.
func (f *Factory) Load(sessionID string) (*Manager, error) {
	return Load(f.dataDir, sessionID)
}
