// Package factory implements the component factory record and its
// registry: instantiation and teardown are delegated to the registered
// create/destroy functions and instance numbering to a NumberingPolicy,
// so the Manager never has to know a concrete component type to create
// or destroy one. The registry is
// populated by the entry point (or a loaded module) and consumed by
// type name; it never imports concrete component packages itself.
package factory

import (
	"fmt"
	"sync"

	"rtcd/internal/rtcerr"
)

// ManagerHandle is the opaque reference passed through to create/destroy
// functions; the factory package has no opinion about its contents.
type ManagerHandle any

// Profile describes a registered component type.
type Profile struct {
	TypeName string
	Version  string
	Vendor   string
	Category string
}

// CreateFunc instantiates one component of type C given a handle to
// the owning Manager.
type CreateFunc[C any] func(mgr ManagerHandle) (C, error)

// DestroyFunc finalizes one component instance.
type DestroyFunc[C any] func(mgr ManagerHandle, instance C) error

// record is a factory registration: profile, create/destroy
// functions, numbering policy, and live-instance count.
type record[C any] struct {
	profile Profile
	create  CreateFunc[C]
	destroy DestroyFunc[C]
	policy  NumberingPolicy
	count   int
	numbers map[string]int // instance name -> allocated number, for release on destroy
}

// Registry holds one record per registered type name.
type Registry[C any] struct {
	mu      sync.Mutex
	records map[string]*record[C]
}

// NewRegistry returns an empty registry.
func NewRegistry[C any]() *Registry[C] {
	return &Registry[C]{records: make(map[string]*record[C])}
}

// Register adds a factory for profile.TypeName. A nil policy defaults
// to DefaultNumberingPolicy. Registering an already-known type name is
// rejected.
func (r *Registry[C]) Register(profile Profile, create CreateFunc[C], destroy DestroyFunc[C], policy NumberingPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[profile.TypeName]; exists {
		return rtcerr.New(rtcerr.BadParameter, "factory.Register: type already registered")
	}
	if policy == nil {
		policy = NewDefaultNumberingPolicy()
	}
	r.records[profile.TypeName] = &record[C]{
		profile: profile,
		create:  create,
		destroy: destroy,
		policy:  policy,
		numbers: make(map[string]int),
	}
	return nil
}

// Create instantiates typeName, assigns it an instance_name of
// "<type_name><number>", and returns the instance alongside that name.
func (r *Registry[C]) Create(mgr ManagerHandle, typeName string) (instance C, instanceName string, err error) {
	r.mu.Lock()
	rec, ok := r.records[typeName]
	r.mu.Unlock()
	if !ok {
		return instance, "", rtcerr.New(rtcerr.NotAvailable, "factory.Create: unknown type "+typeName)
	}

	instance, err = rec.create(mgr)
	if err != nil {
		return instance, "", rtcerr.Wrap(rtcerr.InternalError, "factory.Create", err)
	}

	r.mu.Lock()
	n := rec.policy.Allocate()
	instanceName = fmt.Sprintf("%s%d", rec.profile.TypeName, n)
	rec.numbers[instanceName] = n
	rec.count++
	r.mu.Unlock()

	return instance, instanceName, nil
}

// Destroy finalizes instance and releases its instance number back to
// the policy.
func (r *Registry[C]) Destroy(mgr ManagerHandle, typeName, instanceName string, instance C) error {
	r.mu.Lock()
	rec, ok := r.records[typeName]
	r.mu.Unlock()
	if !ok {
		return rtcerr.New(rtcerr.NotAvailable, "factory.Destroy: unknown type "+typeName)
	}

	err := rec.destroy(mgr, instance)

	r.mu.Lock()
	if n, ok := rec.numbers[instanceName]; ok {
		rec.policy.Release(n)
		delete(rec.numbers, instanceName)
		rec.count--
	}
	r.mu.Unlock()

	if err != nil {
		return rtcerr.Wrap(rtcerr.InternalError, "factory.Destroy", err)
	}
	return nil
}

// Count returns the number of live instances of typeName.
func (r *Registry[C]) Count(typeName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[typeName]
	if !ok {
		return 0
	}
	return rec.count
}

// TypeNames returns every registered type name.
func (r *Registry[C]) TypeNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.records))
	for name := range r.records {
		names = append(names, name)
	}
	return names
}
