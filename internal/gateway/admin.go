package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dray-io/drayproxy/internal/logging"
	"github.com/dray-io/drayproxy/internal/routing"
)

// maxAdminBody bounds assignment request bodies.
const maxAdminBody = 64 << 10

// AssignRequest is the body of PUT /admin/resources/{resource}.
type AssignRequest struct {
	Address string `json:"address"`
	Trust   string `json:"trust,omitempty"`
}

// ResourceView is the admin representation of a routing entry.
type ResourceView struct {
	Resource   string             `json:"resource"`
	Node       routing.Node       `json:"node"`
	State      routing.RouteState `json:"state"`
	AssignedAt int64              `json:"assignedAt"`
	Version    int64              `json:"version"`
}

// AllocationEvent is one NDJSON line of GET /admin/allocations. A nil Node
// means the resource was unassigned.
type AllocationEvent struct {
	Resource string        `json:"resource"`
	Node     *ResourceView `json:"node"`
}

func viewOf(resource string, rn routing.RoutingNode) ResourceView {
	return ResourceView{
		Resource:   resource,
		Node:       rn.Node,
		State:      rn.State,
		AssignedAt: rn.AssignedAt,
		Version:    rn.Version,
	}
}

func (g *Gateway) handleGetResource(w http.ResponseWriter, r *http.Request) {
	resource := r.PathValue("resource")
	rn, found, err := g.backend.Lookup(r.Context(), resource)
	if err != nil {
		g.writeError(w, r, err, 0)
		return
	}
	if !found {
		g.writeError(w, r, fmt.Errorf("%w: %q", routing.ErrResourceUnowned, resource), 0)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(resource, rn))
}

func (g *Gateway) handleAssign(w http.ResponseWriter, r *http.Request) {
	resource := r.PathValue("resource")

	var body AssignRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxAdminBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid assignment body: "+err.Error())
		return
	}
	trust, err := routing.ParseTrust(body.Trust)
	if err != nil {
		g.writeError(w, r, err, 0)
		return
	}

	node := routing.Node{Address: body.Address, Trust: trust}
	if err := g.backend.AssignResource(r.Context(), resource, node); err != nil {
		g.writeError(w, r, err, 0)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleUnassign(w http.ResponseWriter, r *http.Request) {
	resource := r.PathValue("resource")
	if err := g.backend.UnassignResource(r.Context(), resource); err != nil {
		g.writeError(w, r, err, 0)
		return
	}
	if g.limiter != nil {
		g.limiter.Remove(resource)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleMarkActive(w http.ResponseWriter, r *http.Request) {
	if err := g.backend.MarkActive(r.Context(), r.PathValue("resource")); err != nil {
		g.writeError(w, r, err, 0)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAllocations streams the allocation snapshot and then every change
// as newline-delimited JSON until the client goes away.
func (g *Gateway) handleAllocations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stream, err := g.backend.GetAllocation(ctx)
	if err != nil {
		g.writeError(w, r, err, 0)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-stream.C():
			if !ok {
				if err := stream.Err(); err != nil && !errors.Is(err, ctx.Err()) {
					logging.FromCtx(ctx, g.logger).Warnf("allocation stream ended", map[string]any{"error": err.Error()})
				}
				return
			}
			ev := AllocationEvent{Resource: a.Resource}
			if a.Node != nil {
				v := viewOf(a.Resource, *a.Node)
				ev.Node = &v
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
