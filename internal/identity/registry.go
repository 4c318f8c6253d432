package identity

import (
	"fmt"
	"sort"
	"sync"
)

// RemoteRef addresses one item inside a remote job.
type RemoteRef struct {
	JobID  string
	ItemID string
}

func (r RemoteRef) String() string {
	return r.JobID + "/" + r.ItemID
}

// ConflictError reports an attempt to bind an id that is already bound to a
// different counterpart.
type ConflictError struct {
	LocalID  string
	Remote   RemoteRef
	Existing string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("identity conflict: %s cannot bind to %s; already bound to %s", e.LocalID, e.Remote, e.Existing)
}

// Registry is a bijection between local item handles and remote (job, item)
// pairs. All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	byLocal  map[string]RemoteRef
	byRemote map[RemoteRef]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byLocal:  make(map[string]RemoteRef),
		byRemote: make(map[RemoteRef]string),
	}
}

// Assign binds localID to (jobID, itemID). Repeating an existing binding is a
// no-op; binding either side to a different counterpart returns *ConflictError.
func (r *Registry) Assign(localID, jobID, itemID string) error {
	ref := RemoteRef{JobID: jobID, ItemID: itemID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.byRemote[ref]; ok {
		if owner == localID {
			return nil
		}
		return &ConflictError{LocalID: localID, Remote: ref, Existing: owner}
	}
	if current, ok := r.byLocal[localID]; ok {
		return &ConflictError{LocalID: localID, Remote: ref, Existing: current.String()}
	}
	r.byLocal[localID] = ref
	r.byRemote[ref] = localID
	return nil
}

// Resolve returns the local handle bound to (jobID, itemID).
func (r *Registry) Resolve(jobID, itemID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	localID, ok := r.byRemote[RemoteRef{JobID: jobID, ItemID: itemID}]
	return localID, ok
}

// Lookup returns the remote pair bound to localID.
func (r *Registry) Lookup(localID string) (RemoteRef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.byLocal[localID]
	return ref, ok
}

// Release removes both directions of localID's binding. Unknown ids are ignored.
func (r *Registry) Release(localID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.byLocal[localID]
	if !ok {
		return
	}
	delete(r.byLocal, localID)
	delete(r.byRemote, ref)
}

// LocalIDsForJob lists local handles bound to items of jobID, sorted.
func (r *Registry) LocalIDsForJob(jobID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for ref, localID := range r.byRemote {
		if ref.JobID == jobID {
			ids = append(ids, localID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byLocal)
}
