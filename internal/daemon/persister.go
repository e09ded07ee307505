package daemon

import (
	loopdomain "github.com/scottidler/loopr/internal/domain/loop"
	"github.com/scottidler/loopr/internal/domain/tooljob"
	"github.com/scottidler/loopr/internal/storage"
)

// storePersister adapts storage.Store's single Save(Record) method to
// engine.Persister's SaveLoop/SaveToolJob pair, since Loop and ToolJob
// both already implement storage.Record.
type storePersister struct {
	store *storage.Store
}

func (p *storePersister) SaveLoop(l *loopdomain.Loop) error {
	return p.store.Save(l)
}

func (p *storePersister) SaveToolJob(j *tooljob.ToolJob) error {
	return p.store.Save(j)
}
