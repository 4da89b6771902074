// Package scheduler runs periodic jobs on exactly one node of the cluster
// per interval.
//
// Every node ticks, but a tick only runs the job after winning a lease in
// the shared store:
//
//	coedit:lease:<job> -> {holder: <node-id>, expires: <time>}
//
// The lease lasts one interval. Whichever node ticks first after it
// expires takes it over, so a dead node's jobs move to a live node within
// one interval.
package scheduler
