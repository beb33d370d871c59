package workflows

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dshills/blockflow/graph"
)

var (
	// ErrNotFound is returned for ids with neither a deployment nor a file.
	ErrNotFound = errors.New("workflow not found")

	// ErrNotDeployed is returned for workflows that have a file but were
	// never deployed.
	ErrNotDeployed = errors.New("workflow is not deployed")

	// ErrInvalidID is returned for ids that cannot name a file in the
	// catalog directory.
	ErrInvalidID = errors.New("invalid workflow id")
)

// Status describes the deployment of one workflow.
type Status struct {
	IsDeployed bool       `json:"isDeployed"`
	DeployedAt *time.Time `json:"deployedAt"`

	// IsPublished reports whether the deployment has a source file in the
	// catalog directory.
	IsPublished bool `json:"isPublished"`

	// NeedsRedeployment reports whether the source file changed after the
	// workflow was deployed.
	NeedsRedeployment bool `json:"needsRedeployment"`
}

type deployment struct {
	wf         *graph.Workflow
	path       string
	modTime    time.Time
	deployedAt time.Time
}

// Catalog holds the deployed workflows. Deploying validates the definition
// against the registry once, so runs of a deployed workflow never fail on
// structure.
//
// Catalog is safe for concurrent use.
type Catalog struct {
	dir string
	reg *graph.Registry
	now func() time.Time

	mu       sync.RWMutex
	deployed map[string]*deployment
}

// NewCatalog creates a catalog over the workflow files in dir. An empty dir
// holds only workflows added with Add.
func NewCatalog(dir string, reg *graph.Registry) *Catalog {
	return &Catalog{
		dir:      dir,
		reg:      reg,
		now:      time.Now,
		deployed: make(map[string]*deployment),
	}
}

// Add deploys an in-memory workflow.
func (c *Catalog) Add(wf *graph.Workflow) error {
	if wf == nil || wf.ID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if err := wf.Validate(c.reg); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deployed[wf.ID] = &deployment{wf: wf, deployedAt: c.now()}
	return nil
}

// Deploy loads, validates and deploys the file of id, replacing any earlier
// deployment.
func (c *Catalog) Deploy(id string) (Status, error) {
	wf, path, info, err := c.check(id)
	if err != nil {
		return Status{}, err
	}
	c.mu.Lock()
	c.deployed[id] = &deployment{wf: wf, path: path, modTime: info.ModTime(), deployedAt: c.now()}
	c.mu.Unlock()
	return c.Status(id)
}

// Check loads and validates the file of id without deploying it.
func (c *Catalog) Check(id string) (*graph.Workflow, error) {
	wf, _, _, err := c.check(id)
	return wf, err
}

// Validate checks an arbitrary definition against the catalog registry.
func (c *Catalog) Validate(wf *graph.Workflow) error {
	return wf.Validate(c.reg)
}

func (c *Catalog) check(id string) (*graph.Workflow, string, os.FileInfo, error) {
	path, info, err := c.file(id)
	if err != nil {
		return nil, "", nil, err
	}
	wf, err := Load(path)
	if err != nil {
		return nil, "", nil, err
	}
	if wf.ID != id {
		return nil, "", nil, fmt.Errorf("file %s declares workflow %q, want %q", path, wf.ID, id)
	}
	if err := wf.Validate(c.reg); err != nil {
		return nil, "", nil, fmt.Errorf("workflow %s: %w", id, err)
	}
	return wf, path, info, nil
}

// DeployAll deploys every workflow file in the catalog directory. Files that
// fail are reported together; the others stay deployed.
func (c *Catalog) DeployAll() ([]string, error) {
	ids, err := c.List()
	if err != nil {
		return nil, err
	}
	var deployed []string
	var errs []error
	for _, id := range ids {
		if _, err := c.Deploy(id); err != nil {
			errs = append(errs, err)
			continue
		}
		deployed = append(deployed, id)
	}
	return deployed, errors.Join(errs...)
}

// List returns the ids of the workflow files in the catalog directory,
// sorted.
func (c *Catalog) List() ([]string, error) {
	if c.dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("read workflows dir: %w", err)
	}
	seen := make(map[string]bool)
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !supported(filepath.Ext(e.Name())) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Get returns the deployed workflow of id.
func (c *Catalog) Get(id string) (*graph.Workflow, error) {
	c.mu.RLock()
	d, ok := c.deployed[id]
	c.mu.RUnlock()
	if ok {
		return d.wf, nil
	}
	if _, _, err := c.file(id); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s", ErrNotDeployed, id)
}

// Status reports the deployment status of id. Ids with neither a deployment
// nor a file return ErrNotFound.
func (c *Catalog) Status(id string) (Status, error) {
	c.mu.RLock()
	d, ok := c.deployed[id]
	c.mu.RUnlock()

	_, info, fileErr := c.file(id)
	if !ok {
		if fileErr != nil {
			return Status{}, fileErr
		}
		return Status{}, nil
	}

	at := d.deployedAt
	st := Status{IsDeployed: true, DeployedAt: &at, IsPublished: d.path != ""}
	if d.path != "" && fileErr == nil {
		st.NeedsRedeployment = info.ModTime().After(d.modTime)
	}
	return st, nil
}

// Undeploy removes the deployment of id. The file, if any, is kept.
func (c *Catalog) Undeploy(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.deployed, id)
}

// file locates the definition file of id.
func (c *Catalog) file(id string) (string, os.FileInfo, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if c.dir != "" {
		for _, ext := range Extensions {
			path := filepath.Join(c.dir, id+ext)
			info, err := os.Stat(path)
			if err == nil && !info.IsDir() {
				return path, info, nil
			}
		}
	}
	return "", nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func supported(ext string) bool {
	for _, e := range Extensions {
		if e == ext {
			return true
		}
	}
	return false
}
