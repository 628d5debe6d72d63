// Package httpapi exposes a DHT endpoint's get/put surface and routing table
// over HTTP.
//
//	GET /values         keys held by this node and their TTL as JSON
//	GET /values/{key}   200 with the raw value, 404 when no node holds it
//	PUT /values/{key}   204 once stored, 413 when too large, 503 when no replica answered
//	GET /nodes          routing table snapshot as JSON
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/opd-ai/kaddht/dht"
	"github.com/opd-ai/kaddht/keyspace"
	"github.com/opd-ai/kaddht/limits"
	"github.com/sirupsen/logrus"
)

// DefaultRequestTimeout bounds a single HTTP request, lookups included.
const DefaultRequestTimeout = 60 * time.Second

// ActiveWindow is how recently a node must have been heard from to be
// listed as active.
const ActiveWindow = 15 * time.Minute

// Node is the endpoint surface served over HTTP.
type Node interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Self() keyspace.NodeInfo
	RoutingTable() *dht.RoutingTable
	Store() *dht.ValueStore
}

// Handler serves get/put requests against a Node.
type Handler struct {
	node Node
}

// NewHandler creates a handler for node.
func NewHandler(node Node) *Handler {
	return &Handler{node: node}
}

// Router returns the chi router with all routes mounted.
func (h *Handler) Router(timeout time.Duration) *chi.Mux {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer,
		middleware.Timeout(timeout),
	)

	r.With(render.SetContentType(render.ContentTypeJSON)).Get("/values", h.ListValues)
	r.Get("/values/{key}", h.GetValue)
	r.Put("/values/{key}", h.PutValue)
	r.With(render.SetContentType(render.ContentTypeJSON)).Get("/nodes", h.ListNodes)
	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

func renderError(w http.ResponseWriter, r *http.Request, status int, err error) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: err.Error()})
}

// GetValue returns the value stored under the key with status 200, or 404
// when the traversal found no holder.
func (h *Handler) GetValue(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	value, err := h.node.Get(r.Context(), key)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, dht.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		}
		logrus.WithFields(logrus.Fields{
			"function": "GetValue",
			"key":      key,
			"status":   status,
			"error":    err.Error(),
		}).Debug("Get request failed")
		renderError(w, r, status, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(value)
}

// PutValue stores the request body under the key. Values that cannot fit in
// a single datagram are refused with 413.
func (h *Handler) PutValue(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	value, err := io.ReadAll(io.LimitReader(r.Body, int64(limits.MaxValueSize)+1))
	if err != nil {
		renderError(w, r, http.StatusBadRequest, err)
		return
	}
	if len(value) > limits.MaxValueSize {
		renderError(w, r, http.StatusRequestEntityTooLarge, dht.ErrValueTooLarge)
		return
	}

	if err := h.node.Put(r.Context(), key, value); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, dht.ErrValueTooLarge):
			status = http.StatusRequestEntityTooLarge
		case errors.Is(err, dht.ErrNoReplica):
			status = http.StatusServiceUnavailable
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		}
		logrus.WithFields(logrus.Fields{
			"function": "PutValue",
			"key":      key,
			"status":   status,
			"error":    err.Error(),
		}).Warn("Put request failed")
		renderError(w, r, status, err)
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "PutValue",
		"key":      key,
		"size":     len(value),
	}).Info("Stored value")
	w.WriteHeader(http.StatusNoContent)
}

type nodeView struct {
	ID          keyspace.Key `json:"id"`
	Addr        string       `json:"addr"`
	Bucket      int          `json:"bucket"`
	Status      string       `json:"status"`
	LastSeen    time.Time    `json:"last_seen"`
	Active      bool         `json:"active"`
	Reliability float64      `json:"reliability"`
}

type nodesResponse struct {
	Self  keyspace.NodeInfo `json:"self"`
	Size  int               `json:"size"`
	Nodes []nodeView        `json:"nodes"`
}

// ListNodes renders the routing table.
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	table := h.node.RoutingTable()
	entries := table.Nodes()
	now := time.Now()

	resp := nodesResponse{
		Self:  h.node.Self(),
		Size:  len(entries),
		Nodes: make([]nodeView, 0, len(entries)),
	}
	for _, n := range entries {
		resp.Nodes = append(resp.Nodes, nodeView{
			ID:          n.ID,
			Addr:        n.Addr,
			Bucket:      table.BucketIndex(n.ID),
			Status:      n.Status.String(),
			LastSeen:    n.LastSeen,
			Active:      n.IsActive(ActiveWindow, now),
			Reliability: n.Reliability(),
		})
	}
	render.JSON(w, r, resp)
}

type valuesResponse struct {
	TTL  string         `json:"ttl"`
	Keys []keyspace.Key `json:"keys"`
}

// ListValues renders the keys of the values stored on this node. Keys are
// identifiers; the string keys they were hashed from are not kept.
func (h *Handler) ListValues(w http.ResponseWriter, r *http.Request) {
	store := h.node.Store()
	keys := store.Keys()
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })

	render.JSON(w, r, valuesResponse{
		TTL:  store.TTL().String(),
		Keys: keys,
	})
}
