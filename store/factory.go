package store

import "github.com/spectralhq/spectralnotify/broker"

// Factory opens per-entity stores below a data directory. It satisfies
// broker.StoreOpener.
type Factory struct {
	DataDir string
}

func (f Factory) OpenTask(id string) (broker.TaskStorage, error) {
	return OpenTaskStore(EntityPath(f.DataDir, string(broker.KindTask), id))
}

func (f Factory) OpenWorkflow(id string) (broker.WorkflowStorage, error) {
	return OpenWorkflowStore(EntityPath(f.DataDir, string(broker.KindWorkflow), id))
}
