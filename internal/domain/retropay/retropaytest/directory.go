package retropaytest

import (
	"context"
	"sync"
)

// Directory is a fake employee directory keyed by tenant.
type Directory struct {
	mu        sync.Mutex
	employees map[string]map[string]struct{}
	Err       error
}

func NewDirectory() *Directory {
	return &Directory{employees: map[string]map[string]struct{}{}}
}

func (d *Directory) Add(tenantID string, employeeIDs ...string) *Directory {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.employees[tenantID]
	if !ok {
		set = map[string]struct{}{}
		d.employees[tenantID] = set
	}
	for _, id := range employeeIDs {
		set[id] = struct{}{}
	}
	return d
}

func (d *Directory) EmployeeExists(_ context.Context, tenantID, employeeID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return false, d.Err
	}
	_, ok := d.employees[tenantID][employeeID]
	return ok, nil
}
