// Package core runs game entities.
//
// Every entity owns a Worker that executes submitted work one item at a time
// in submission order. Work already running on an entity's worker may call
// back into the same entity; calls on the same call chain run inline instead
// of queueing behind themselves.
//
// An entity's state lives in components. The behavior operating on a
// component is its agent, resolved through a logic.Provider so it can be
// replaced while the component and its state stay in memory. State
// components persist one record each and detect changes by hashing the
// record's encoding.
//
// The Manager is the directory of live entities. It creates them on demand,
// recycles idle ones and saves modified state in bounded batches.
package core
