package api

import (
	"errors"
	"fmt"

	"github.com/poimap/server/internal/service"
)

// DatasetInfo describes a dataset in the /api/datasets response.
type DatasetInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type datasetEntry struct {
	info DatasetInfo
	svc  *service.ViewportService
}

// DatasetRegistry maps dataset ids to their viewport services. Datasets are
// listed in registration order; the first one registered is the default
// until SetDefault says otherwise.
type DatasetRegistry struct {
	title          string
	defaultDataset string
	order          []string
	entries        map[string]datasetEntry
}

// NewDatasetRegistry creates an empty registry.
func NewDatasetRegistry(title string) *DatasetRegistry {
	return &DatasetRegistry{
		title:   title,
		entries: make(map[string]datasetEntry),
	}
}

// Register adds svc under info.ID. An empty name shows the id.
func (r *DatasetRegistry) Register(info DatasetInfo, svc *service.ViewportService) {
	if info.Name == "" {
		info.Name = info.ID
	}
	if _, ok := r.entries[info.ID]; !ok {
		r.order = append(r.order, info.ID)
	}
	r.entries[info.ID] = datasetEntry{info: info, svc: svc}
	if r.defaultDataset == "" {
		r.defaultDataset = info.ID
	}
}

// SetDefault selects the dataset served under /api.
func (r *DatasetRegistry) SetDefault(id string) error {
	if _, ok := r.entries[id]; !ok {
		return fmt.Errorf("default dataset %q is not registered", id)
	}
	r.defaultDataset = id
	return nil
}

// Get returns the service for id, or nil.
func (r *DatasetRegistry) Get(id string) *service.ViewportService {
	return r.entries[id].svc
}

// Default returns the default dataset's service, or nil when empty.
func (r *DatasetRegistry) Default() *service.ViewportService {
	return r.Get(r.defaultDataset)
}

// DefaultDatasetID returns the default dataset id.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "POI Map"
}

// Datasets lists registered datasets in registration order.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	infos := make([]DatasetInfo, 0, len(r.order))
	for _, id := range r.order {
		infos = append(infos, r.entries[id].info)
	}
	return infos
}

// Close releases every registered service.
func (r *DatasetRegistry) Close() error {
	var errs []error
	for _, id := range r.order {
		errs = append(errs, r.entries[id].svc.Close())
	}
	return errors.Join(errs...)
}
