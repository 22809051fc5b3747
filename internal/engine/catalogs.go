package engine

import (
	"errors"
	"fmt"
	"sort"

	"github.com/lsst-epo/aladin-lite/internal/catalog"
	"github.com/lsst-epo/aladin-lite/internal/executor"
	"github.com/lsst-epo/aladin-lite/internal/spatial"
	"github.com/lsst-epo/aladin-lite/pkg/metrics"
)

// Catalog job states.
const (
	CatalogIndexing = "indexing"
	CatalogReady    = "ready"
	CatalogFailed   = "failed"
)

// ErrCatalogNotFound is returned for an unknown catalog name.
var ErrCatalogNotFound = errors.New("catalog not found")

// catalog previews are counted at this resolution or coarser
const catalogTileSize = 512

type catalogState struct {
	status string
	cat    *catalog.Catalog
	err    error
}

// CatalogInfo describes an ingested catalog.
type CatalogInfo struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Sources int    `json:"sources"`
	Depth   int    `json:"depth"`
	// InView counts sources inside the cells visible in the current viewport.
	InView int    `json:"in_view"`
	Error  string `json:"error,omitempty"`
}

// AddCatalog starts indexing CSV data in the background. A catalog with the
// same name is replaced once indexing finishes.
func (e *Engine) AddCatalog(name string, data []byte) executor.ID {
	id := e.exec.Spawn(catalog.NewIndexJob(name, data, e.cfg.CatalogDepth))
	e.jobs[id] = name
	if st, ok := e.catalogs[name]; ok && st.cat != nil {
		st.status = CatalogIndexing
	} else {
		e.catalogs[name] = &catalogState{status: CatalogIndexing}
	}
	e.log.Info("Catalog indexing started", "catalog", name, "bytes", len(data))
	return id
}

func (e *Engine) finishCatalog(name string, r executor.Result) {
	st, ok := e.catalogs[name]
	if !ok {
		st = &catalogState{}
		e.catalogs[name] = st
	}
	cat, err := executor.Value[*catalog.Catalog](r)
	if err != nil {
		st.status, st.err = CatalogFailed, err
		metrics.ExecutorJobs.WithLabelValues("failed").Inc()
		e.log.Warn("Catalog indexing failed", "catalog", name, "error", err)
		return
	}
	st.status, st.cat, st.err = CatalogReady, cat, nil
	metrics.ExecutorJobs.WithLabelValues("done").Inc()
	e.log.Info("Catalog indexed", "catalog", name, "sources", len(cat.Sources))
}

// Catalog describes a catalog and counts its sources in the current view.
func (e *Engine) Catalog(name string) (CatalogInfo, error) {
	st, ok := e.catalogs[name]
	if !ok {
		return CatalogInfo{}, fmt.Errorf("%w: %s", ErrCatalogNotFound, name)
	}
	info := CatalogInfo{Name: name, Status: st.status}
	if st.err != nil {
		info.Error = st.err.Error()
	}
	if st.cat == nil {
		return info, nil
	}
	info.Sources = len(st.cat.Sources)
	info.Depth = st.cat.Depth
	if e.hasView {
		depth := spatial.DepthFor(e.view, catalogTileSize, 0, st.cat.Depth)
		for _, c := range e.index.Visible(e.view, spatial.FrameICRS, depth) {
			info.InView += st.cat.CountIn(c)
		}
	}
	return info, nil
}

// Catalogs lists catalog names.
func (e *Engine) Catalogs() []string {
	names := make([]string, 0, len(e.catalogs))
	for name := range e.catalogs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
