// Package routing resolves which backend node owns a resource.
//
// Ownership lives in the routing store (package metadata) as one JSON
// record per resource. The Resolver reads and writes those records and turns
// store notifications into a stream of allocation changes. Reads go straight
// to the store on every call; nothing is cached here, so an assignment is
// visible to readers as soon as the store propagates it.
package routing
