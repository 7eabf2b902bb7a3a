/*
handlers.go - HTTP API handlers for the reference-date engine

PURPOSE:
  Exposes the event catalog, the reference-date resolver and the weight
  deriver via REST API. Handles HTTP request/response, JSON serialization,
  and delegates to the refdate package.

ENDPOINTS:
  Events:
    GET    /api/events                      List events in display order
    POST   /api/events                      Create event
    POST   /api/events/reorder              Reassign display positions
    GET    /api/events/{id}                 Event with its occurrences
    PUT    /api/events/{id}                 Update name and flags
    DELETE /api/events/{id}                 Delete (only without occurrences)
    GET    /api/events/{id}/occurrences     List occurrences
    POST   /api/events/{id}/occurrences     Add occurrence

  Occurrences:
    DELETE /api/occurrences/{id}            Remove occurrence
    POST   /api/corrections                 Atomic remove + add

  Resolution:
    GET    /api/resolve?date=&store=&channel=&source=&offset=   One tuple
    POST   /api/resolve                                          Batch
    POST   /api/weights                                          Resolve + derive weights

  Integrity:
    GET    /api/conflicts?year=             Precedence conflicts
    GET    /api/integrity?year=&offset=     Full integrity report
    GET    /api/integrity/runs              Scheduled run history
    POST   /api/integrity/runs              Run the check now

  Store groups:
    GET    /api/store-groups                       Groups with members
    POST   /api/store-groups                       Create or update group
    GET    /api/store-groups/{id}/members          Members
    POST   /api/store-groups/{id}/members          Add member
    DELETE /api/store-groups/{id}/members/{store}  Remove member

  Store aliases:
    GET    /api/store-aliases?source=       Aliases, optionally of one source
    POST   /api/store-aliases               Register alias
    PUT    /api/store-aliases/{id}          Update alias
    DELETE /api/store-aliases/{id}          Delete alias
    GET    /api/store-aliases/resolve       Map ?alias=&source= to a store code

  Admin:
    POST   /api/reconcile?dry_run=&prune=   Apply a YAML/JSON manifest
    GET    /api/settings/base-offset        Active base offset
    PUT    /api/settings/base-offset        Change base offset

  Scenarios:
    GET    /api/scenarios                   List demo scenarios
    POST   /api/scenarios/load              Reset and load a demo scenario

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: Database access (groups, settings, integrity runs)
  - Catalog: the only path for catalog mutations
  - Resolver / Weights: read-only computation
  - Groups / Offset: TTL caches over the group index and app_settings

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, unknown store or channel, bad manifest
  - 404: Event, occurrence, group or alias not found
  - 409: Duplicate occurrence or alias, event in use, precedence conflict
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. The X-Actor header is
  recorded on occurrences for audit only.

SEE ALSO:
  - dto.go: Request/response data structures
  - scheduler.go: Scheduled integrity checks
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kpiportal/refdate-engine/config"
	"github.com/kpiportal/refdate-engine/factory"
	"github.com/kpiportal/refdate-engine/refdate"
	"github.com/kpiportal/refdate-engine/store/sqlite"
)

// maxManifestBytes bounds /api/reconcile request bodies.
const maxManifestBytes = 4 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    *sqlite.Store
	Catalog  *refdate.Catalog
	Resolver *refdate.Resolver
	Weights  *refdate.WeightDeriver

	Groups *refdate.CachedValue[*refdate.GroupIndex]
	Offset *refdate.CachedValue[int]

	// Scheduler is optional; when nil POST /api/integrity/runs runs inline.
	Scheduler *IntegrityScheduler

	currentScenario string
}

// NewHandler wires the engine over a SQLite store.
func NewHandler(store *sqlite.Store, cfg *config.Config) *Handler {
	groups := refdate.NewCachedValue(cfg.GroupCacheTTL, func(ctx context.Context) (*refdate.GroupIndex, error) {
		return refdate.LoadGroupIndex(ctx, store)
	}, nil)
	offset := refdate.NewCachedValue(cfg.GroupCacheTTL, refdate.BaseOffsetLoader(store, cfg.BaseOffsetYears), nil)

	return &Handler{
		Store:    store,
		Catalog:  refdate.NewCatalog(store, groups),
		Resolver: refdate.NewResolver(store, groups, cfg.BatchWorkers),
		Weights:  refdate.NewWeightDeriver(store, cfg.PeriodConfig()),
		Groups:   groups,
		Offset:   offset,
	}
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// ListEvents returns all events in display order.
// GET /api/events
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Catalog.ListEvents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list events", err)
		return
	}

	dtos := make([]EventDTO, 0, len(events))
	for _, e := range events {
		dtos = append(dtos, toEventDTO(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": dtos})
}

// CreateEvent creates an event.
// POST /api/events
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	e, err := h.Catalog.CreateEvent(r.Context(), refdate.Event{
		Name:        req.Name,
		IsHoliday:   req.IsHoliday,
		UseInBudget: req.UseInBudget,
		IsInternal:  req.IsInternal,
		SortOrder:   req.SortOrder,
	})
	if err != nil {
		writeDomainError(w, "Failed to create event", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEventDTO(e))
}

// GetEvent returns an event and its occurrences.
// GET /api/events/{id}
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := eventIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid event id", err)
		return
	}

	store := h.Catalog.Store()
	e, err := store.GetEvent(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get event", err)
		return
	}
	occs, err := store.ListOccurrences(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list occurrences", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"event":       toEventDTO(e),
		"occurrences": toOccurrenceDTOs(occs),
	})
}

// UpdateEvent changes an event's name and flags.
// PUT /api/events/{id}
func (h *Handler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	id, err := eventIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid event id", err)
		return
	}
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	e := refdate.Event{
		ID:          id,
		Name:        req.Name,
		IsHoliday:   req.IsHoliday,
		UseInBudget: req.UseInBudget,
		IsInternal:  req.IsInternal,
		SortOrder:   req.SortOrder,
	}
	if err := h.Catalog.UpdateEvent(r.Context(), e); err != nil {
		writeDomainError(w, "Failed to update event", err)
		return
	}

	updated, err := h.Catalog.Store().GetEvent(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get event", err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(updated))
}

// DeleteEvent deletes an event without occurrences.
// DELETE /api/events/{id}
func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	id, err := eventIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid event id", err)
		return
	}
	if err := h.Catalog.DeleteEvent(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to delete event", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

// ReorderEvents assigns new display positions atomically.
// POST /api/events/reorder
func (h *Handler) ReorderEvents(w http.ResponseWriter, r *http.Request) {
	var req ReorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	entries := make([]refdate.SortEntry, 0, len(req.Order))
	for _, o := range req.Order {
		entries = append(entries, refdate.SortEntry{EventID: refdate.EventID(o.EventID), SortOrder: o.SortOrder})
	}
	if err := h.Catalog.ReorderEvents(r.Context(), entries); err != nil {
		writeDomainError(w, "Failed to reorder events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reordered", "count": len(entries)})
}

// =============================================================================
// OCCURRENCE HANDLERS
// =============================================================================

// ListOccurrences returns an event's occurrences.
// GET /api/events/{id}/occurrences
func (h *Handler) ListOccurrences(w http.ResponseWriter, r *http.Request) {
	id, err := eventIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid event id", err)
		return
	}
	store := h.Catalog.Store()
	if _, err := store.GetEvent(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to get event", err)
		return
	}
	occs, err := store.ListOccurrences(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list occurrences", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"occurrences": toOccurrenceDTOs(occs)})
}

// AddOccurrence adds one occurrence to an event.
// POST /api/events/{id}/occurrences
func (h *Handler) AddOccurrence(w http.ResponseWriter, r *http.Request) {
	id, err := eventIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid event id", err)
		return
	}
	var req OccurrenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in, err := req.toNewOccurrence(id)
	if err != nil {
		writeDomainError(w, "Invalid occurrence", err)
		return
	}
	o, err := h.Catalog.AddOccurrence(r.Context(), in, actor(r))
	if err != nil {
		writeDomainError(w, "Failed to add occurrence", err)
		return
	}
	writeJSON(w, http.StatusCreated, toOccurrenceDTO(o))
}

// RemoveOccurrence deletes one occurrence.
// DELETE /api/occurrences/{id}
func (h *Handler) RemoveOccurrence(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid occurrence id", err)
		return
	}
	if err := h.Catalog.RemoveOccurrence(r.Context(), refdate.OccurrenceID(n)); err != nil {
		writeDomainError(w, "Failed to remove occurrence", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

// ApplyCorrection removes and adds occurrences in one transaction.
// POST /api/corrections
func (h *Handler) ApplyCorrection(w http.ResponseWriter, r *http.Request) {
	var req CorrectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	corr := refdate.Correction{Actor: req.Actor}
	if corr.Actor == "" {
		corr.Actor = actor(r)
	}
	for _, id := range req.Remove {
		corr.Remove = append(corr.Remove, refdate.OccurrenceID(id))
	}
	for i, a := range req.Add {
		if a.EventID == 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("add[%d]: event_id is required", i), nil)
			return
		}
		in, err := a.toNewOccurrence(refdate.EventID(a.EventID))
		if err != nil {
			writeDomainError(w, fmt.Sprintf("add[%d]: invalid occurrence", i), err)
			return
		}
		corr.Add = append(corr.Add, in)
	}

	added, err := h.Catalog.ApplyCorrection(r.Context(), corr)
	if err != nil {
		writeDomainError(w, "Correction rolled back", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "applied",
		"removed": len(corr.Remove),
		"added":   toOccurrenceDTOs(added),
	})
}

// =============================================================================
// RESOLUTION HANDLERS
// =============================================================================

// ResolveOne resolves a single (date, store, channel) tuple.
// GET /api/resolve?date=2026-08-21&store=T001&channel=Salón&offset=1
func (h *Handler) ResolveOne(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query, err := TupleRequest{
		Date:      q.Get("date"),
		StoreCode: q.Get("store"),
		Channel:   q.Get("channel"),
		Source:    q.Get("source"),
	}.toQuery()
	if err != nil {
		writeDomainError(w, "Invalid tuple", err)
		return
	}
	offset, err := h.offsetParam(r, 0)
	if err != nil {
		writeDomainError(w, "Invalid offset", err)
		return
	}

	res, err := h.Resolver.Resolve(r.Context(), query, offset)
	if err != nil {
		writeDomainError(w, "Failed to resolve", err)
		return
	}
	writeJSON(w, http.StatusOK, toResolutionDTO(res))
}

// ResolveBatch resolves many tuples against one snapshot.
// POST /api/resolve
func (h *Handler) ResolveBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req BatchResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.TargetYear == 0 {
		writeError(w, http.StatusBadRequest, "target_year is required", nil)
		return
	}
	offset, err := h.offsetParam(r, req.BaseOffsetYears)
	if err != nil {
		writeDomainError(w, "Invalid offset", err)
		return
	}

	scopes, err := h.batchScopes(ctx, req)
	if err != nil {
		writeDomainError(w, "Invalid batch", err)
		return
	}

	out, err := h.Resolver.ResolveBatch(ctx, refdate.BatchRequest{
		TargetYear:      req.TargetYear,
		BaseOffsetYears: offset,
		Scopes:          scopes,
	})
	if err != nil && out == nil {
		writeDomainError(w, "Failed to resolve batch", err)
		return
	}

	resp := BatchResolveResponse{
		BatchID:         uuid.NewString(),
		TargetYear:      out.TargetYear,
		BaseOffsetYears: out.BaseOffsetYears,
		Results:         make([]ResolutionDTO, 0, len(out.Results)),
		Errors:          toBatchErrorDTOs(out.Errors),
	}
	for _, res := range out.Results {
		resp.Results = append(resp.Results, toResolutionDTO(res))
	}
	for _, s := range refdate.SummarizeMonthShifts(out.Results) {
		resp.MonthShifts = append(resp.MonthShifts, MonthShiftDTO{
			TargetMonth: int(s.TargetMonth),
			BaseMonth:   int(s.BaseMonth),
			Count:       s.Count,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// batchScopes builds the tuple list: explicit tuples, or a full-year grid.
func (h *Handler) batchScopes(ctx context.Context, req BatchResolveRequest) ([]refdate.Query, error) {
	if !req.FullYear {
		scopes := make([]refdate.Query, 0, len(req.Tuples))
		for i, t := range req.Tuples {
			q, err := t.toQuery()
			if err != nil {
				return nil, fmt.Errorf("tuples[%d]: %w", i, err)
			}
			scopes = append(scopes, q)
		}
		return scopes, nil
	}

	stores := req.Stores
	if len(stores) == 0 {
		idx, err := h.Groups.Get(ctx)
		if err != nil {
			return nil, err
		}
		stores = idx.Stores()
	}
	channels := []refdate.Channel{refdate.ChannelAny}
	if len(req.Channels) > 0 {
		channels = channels[:0]
		for _, c := range req.Channels {
			ch, err := refdate.ParseChannel(c)
			if err != nil {
				return nil, err
			}
			channels = append(channels, ch)
		}
	}
	return refdate.FullYearScopes(req.TargetYear, stores, channels), nil
}

// DeriveWeights resolves tuples and derives the weight of each adjusted date.
// POST /api/weights
func (h *Handler) DeriveWeights(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req WeightRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.TargetYear == 0 {
		writeError(w, http.StatusBadRequest, "target_year is required", nil)
		return
	}
	offset, err := h.offsetParam(r, req.BaseOffsetYears)
	if err != nil {
		writeDomainError(w, "Invalid offset", err)
		return
	}

	scopes := make([]refdate.Query, 0, len(req.Tuples))
	for i, t := range req.Tuples {
		q, err := t.toQuery()
		if err != nil {
			writeDomainError(w, fmt.Sprintf("tuples[%d]: invalid tuple", i), err)
			return
		}
		scopes = append(scopes, q)
	}

	// One snapshot for the whole request; failed tuples are reported, not fatal.
	out, err := h.Resolver.ResolveBatch(ctx, refdate.BatchRequest{
		TargetYear:      req.TargetYear,
		BaseOffsetYears: offset,
		Scopes:          scopes,
	})
	if err != nil && out == nil {
		writeDomainError(w, "Failed to resolve tuples", err)
		return
	}

	weights, err := h.Weights.Weights(ctx, out.Results)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to derive weights", err)
		return
	}

	dtos := make([]WeightDTO, 0, len(weights))
	for _, dw := range weights {
		dto := WeightDTO{
			Resolution:  toResolutionDTO(dw.Result),
			PeriodStart: dw.Period.Start.String(),
			PeriodEnd:   dw.Period.End.String(),
		}
		if dw.Err != nil {
			dto.Error = dw.Err.Error()
		} else {
			dto.Weight = dw.Weight.String()
		}
		dtos = append(dtos, dto)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"period":  string(h.Weights.Period().Type),
		"weights": dtos,
		"errors":  toBatchErrorDTOs(out.Errors),
	})
}

// =============================================================================
// INTEGRITY HANDLERS
// =============================================================================

// ListConflicts returns the precedence conflicts of a year.
// GET /api/conflicts?year=2026
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	year, err := yearParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return
	}
	conflicts, err := h.Catalog.ListConflicts(r.Context(), year)
	if err != nil {
		writeDomainError(w, "Failed to list conflicts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"year":      year,
		"conflicts": toConflictDTOs(conflicts),
	})
}

// CheckIntegrity runs every catalog check for a year.
// GET /api/integrity?year=2026&offset=1
func (h *Handler) CheckIntegrity(w http.ResponseWriter, r *http.Request) {
	year, err := yearParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return
	}
	offset, err := h.offsetParam(r, 0)
	if err != nil {
		writeDomainError(w, "Invalid offset", err)
		return
	}

	report, err := h.Catalog.CheckIntegrity(r.Context(), year, offset)
	if err != nil {
		writeDomainError(w, "Failed to check integrity", err)
		return
	}
	writeJSON(w, http.StatusOK, toIntegrityDTO(report))
}

// ListIntegrityRuns returns the scheduled run history.
// GET /api/integrity/runs?limit=20
func (h *Handler) ListIntegrityRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := h.Store.ListIntegrityRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get integrity runs", err)
		return
	}

	dtos := make([]IntegrityRunDTO, 0, len(runs))
	for _, run := range runs {
		dto := IntegrityRunDTO{
			ID:                  run.ID,
			TargetYear:          run.TargetYear,
			BaseYear:            run.BaseYear,
			Status:              run.Status,
			Conflicts:           run.Conflicts,
			MissingCounterparts: run.MissingCounterparts,
			InvalidScopes:       run.InvalidScopes,
			Error:               run.Error,
		}
		if run.StartedAt != nil {
			dto.StartedAt = run.StartedAt.Format(time.RFC3339)
		}
		if run.CompletedAt != nil {
			dto.CompletedAt = run.CompletedAt.Format(time.RFC3339)
		}
		dtos = append(dtos, dto)
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// TriggerIntegrityRun runs the scheduled check immediately.
// POST /api/integrity/runs
func (h *Handler) TriggerIntegrityRun(w http.ResponseWriter, r *http.Request) {
	sched := h.Scheduler
	if sched == nil {
		sched = NewIntegrityScheduler(h.Store, h, "")
	}
	run, err := sched.RunNow(r.Context())
	if err != nil {
		writeDomainError(w, "Integrity run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": run.Status,
		"run_id": run.ID,
	})
}

// =============================================================================
// STORE GROUP HANDLERS
// =============================================================================

// ListStoreGroups returns every group with its members.
// GET /api/store-groups
func (h *Handler) ListStoreGroups(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	groups, err := h.Store.ListGroups(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list store groups", err)
		return
	}
	members, err := h.Store.ListMembers(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list store group members", err)
		return
	}

	byGroup := make(map[refdate.GroupID][]string)
	for _, m := range members {
		byGroup[m.GroupID] = append(byGroup[m.GroupID], m.StoreCode)
	}
	dtos := make([]StoreGroupDTO, 0, len(groups))
	for _, g := range groups {
		dtos = append(dtos, StoreGroupDTO{
			ID:          int64(g.ID),
			Description: g.Description,
			IsPublished: g.IsPublished,
			Members:     nonNil(byGroup[g.ID]),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": dtos})
}

// SaveStoreGroup creates or updates a group header.
// POST /api/store-groups
func (h *Handler) SaveStoreGroup(w http.ResponseWriter, r *http.Request) {
	var req StoreGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID <= 0 {
		writeError(w, http.StatusBadRequest, "id must be a positive integer", nil)
		return
	}

	g := refdate.StoreGroup{ID: refdate.GroupID(req.ID), Description: req.Description, IsPublished: req.IsPublished}
	if err := h.Store.SaveGroup(r.Context(), g); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save store group", err)
		return
	}
	h.Groups.Invalidate()
	writeJSON(w, http.StatusCreated, StoreGroupDTO{
		ID:          req.ID,
		Description: req.Description,
		IsPublished: req.IsPublished,
		Members:     []string{},
	})
}

// ListGroupMembers returns the store codes of a group.
// GET /api/store-groups/{id}/members
func (h *Handler) ListGroupMembers(w http.ResponseWriter, r *http.Request) {
	id, err := groupIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid group id", err)
		return
	}
	members, err := h.Store.ListMembers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list members", err)
		return
	}

	codes := []string{}
	for _, m := range members {
		if m.GroupID == id {
			codes = append(codes, m.StoreCode)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"group_id": id, "members": codes})
}

// AddGroupMember adds a store to a group.
// POST /api/store-groups/{id}/members
func (h *Handler) AddGroupMember(w http.ResponseWriter, r *http.Request) {
	id, err := groupIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid group id", err)
		return
	}
	var req MemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	ctx := r.Context()
	idx, err := h.Groups.Get(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load store groups", err)
		return
	}
	code := idx.CanonicalStore(req.StoreCode, req.Source)
	if code == "" {
		writeError(w, http.StatusBadRequest, "store_code is required", nil)
		return
	}

	if err := h.Store.SaveStore(ctx, code, ""); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to register store", err)
		return
	}
	if err := h.Store.AddMember(ctx, id, code); err != nil {
		writeDomainError(w, "Failed to add member", err)
		return
	}
	h.Groups.Invalidate()
	writeJSON(w, http.StatusCreated, map[string]any{"group_id": id, "store_code": code})
}

// RemoveGroupMember removes a store from a group.
// DELETE /api/store-groups/{id}/members/{store}
func (h *Handler) RemoveGroupMember(w http.ResponseWriter, r *http.Request) {
	id, err := groupIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid group id", err)
		return
	}
	ctx := r.Context()
	idx, err := h.Groups.Get(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load store groups", err)
		return
	}
	code := idx.CanonicalStore(chi.URLParam(r, "store"), r.URL.Query().Get("source"))
	if err := h.Store.RemoveMember(ctx, id, code); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to remove member", err)
		return
	}
	h.Groups.Invalidate()
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

// =============================================================================
// STORE ALIAS HANDLERS
// =============================================================================

// ListStoreAliases returns every alias, optionally for one source.
// GET /api/store-aliases?source=CONTA
func (h *Handler) ListStoreAliases(w http.ResponseWriter, r *http.Request) {
	aliases, err := h.Store.ListAliases(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list store aliases", err)
		return
	}
	source, filter := r.URL.Query().Get("source"), r.URL.Query().Has("source")
	dtos := make([]StoreAliasDTO, 0, len(aliases))
	for _, a := range aliases {
		if filter && a.Source != refdate.NormalizeSource(source) {
			continue
		}
		dtos = append(dtos, toStoreAliasDTO(a))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateStoreAlias registers an alias.
// POST /api/store-aliases
func (h *Handler) CreateStoreAlias(w http.ResponseWriter, r *http.Request) {
	alias, ok := decodeStoreAlias(w, r)
	if !ok {
		return
	}
	id, err := h.Store.InsertAlias(r.Context(), alias)
	if err != nil {
		writeDomainError(w, "Failed to create store alias", err)
		return
	}
	h.Groups.Invalidate()
	alias = alias.Normalize()
	alias.ID = id
	log.Printf("[Alias] %q (%s) -> %s", alias.Alias, sourceLabel(alias.Source), alias.StoreCode)
	writeJSON(w, http.StatusCreated, toStoreAliasDTO(alias))
}

// UpdateStoreAlias replaces an alias row.
// PUT /api/store-aliases/{id}
func (h *Handler) UpdateStoreAlias(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid alias id", err)
		return
	}
	alias, ok := decodeStoreAlias(w, r)
	if !ok {
		return
	}
	alias.ID = refdate.AliasID(id)
	if err := h.Store.UpdateAlias(r.Context(), alias); err != nil {
		writeDomainError(w, "Failed to update store alias", err)
		return
	}
	h.Groups.Invalidate()
	writeJSON(w, http.StatusOK, toStoreAliasDTO(alias.Normalize()))
}

// DeleteStoreAlias removes an alias.
// DELETE /api/store-aliases/{id}
func (h *Handler) DeleteStoreAlias(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid alias id", err)
		return
	}
	if err := h.Store.DeleteAlias(r.Context(), refdate.AliasID(id)); err != nil {
		writeDomainError(w, "Failed to delete store alias", err)
		return
	}
	h.Groups.Invalidate()
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

// ResolveStoreAlias shows which store code a name maps to.
// GET /api/store-aliases/resolve?alias=Zona%2010&source=CONTA
func (h *Handler) ResolveStoreAlias(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if strings.TrimSpace(q.Get("alias")) == "" {
		writeError(w, http.StatusBadRequest, "alias is required", nil)
		return
	}
	idx, err := h.Groups.Get(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load store groups", err)
		return
	}
	code := idx.CanonicalStore(q.Get("alias"), q.Get("source"))
	writeJSON(w, http.StatusOK, map[string]any{
		"alias":      q.Get("alias"),
		"source":     refdate.NormalizeSource(q.Get("source")),
		"store_code": code,
		"known":      idx.KnownStore(code),
	})
}

func decodeStoreAlias(w http.ResponseWriter, r *http.Request) (refdate.StoreAlias, bool) {
	var req StoreAliasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return refdate.StoreAlias{}, false
	}
	alias := refdate.StoreAlias{Source: req.Source, Alias: req.Alias, StoreCode: req.StoreCode}
	if err := alias.Validate(); err != nil {
		writeDomainError(w, "Invalid store alias", err)
		return refdate.StoreAlias{}, false
	}
	return alias, true
}

func sourceLabel(source string) string {
	if source == "" {
		return "any source"
	}
	return source
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Reconcile applies a declarative manifest to the catalog.
// POST /api/reconcile?dry_run=true&prune=false
//
// The body is the manifest itself, YAML or JSON (Content-Type decides;
// otherwise the payload is sniffed).
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxManifestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read manifest", err)
		return
	}

	format := ""
	switch ct := r.Header.Get("Content-Type"); {
	case strings.Contains(ct, "json"):
		format = "json"
	case strings.Contains(ct, "yaml"):
		format = "yaml"
	}
	m, err := factory.ParseManifest(body, format)
	if err != nil {
		writeDomainError(w, "Invalid manifest", err)
		return
	}

	opts := refdate.ReconcileOptions{Actor: actor(r)}
	if opts.DryRun, err = boolParam(r, "dry_run"); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid dry_run", err)
		return
	}
	if opts.Prune, err = boolParam(r, "prune"); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid prune", err)
		return
	}

	report, err := h.Catalog.Reconcile(r.Context(), m, opts)
	if err != nil {
		writeDomainError(w, "Reconciliation rolled back", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileResponse(report))
}

// GetBaseOffset returns the active base offset.
// GET /api/settings/base-offset
func (h *Handler) GetBaseOffset(w http.ResponseWriter, r *http.Request) {
	offset, err := h.Offset.Get(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to read base offset", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"base_offset_years": offset,
		"refreshed_at":      h.Offset.LastRefreshed().Format(time.RFC3339),
	})
}

// SetBaseOffset changes the active base offset.
// PUT /api/settings/base-offset
func (h *Handler) SetBaseOffset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BaseOffsetYears int `json:"base_offset_years"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.BaseOffsetYears < 1 {
		writeDomainError(w, "Invalid base offset", refdate.ErrInvalidOffset)
		return
	}

	if err := h.Store.SetSetting(r.Context(), refdate.BaseOffsetSetting, strconv.Itoa(req.BaseOffsetYears)); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save base offset", err)
		return
	}
	h.Offset.Invalidate()
	writeJSON(w, http.StatusOK, map[string]any{"base_offset_years": req.BaseOffsetYears})
}

// =============================================================================
// HELPERS
// =============================================================================

// offsetParam picks the base offset: ?offset= first, then the request body
// value, then the active setting.
func (h *Handler) offsetParam(r *http.Request, fromBody int) (int, error) {
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, fmt.Errorf("%w: %q", refdate.ErrInvalidOffset, v)
		}
		return n, nil
	}
	if fromBody != 0 {
		if fromBody < 1 {
			return 0, refdate.ErrInvalidOffset
		}
		return fromBody, nil
	}
	return h.Offset.Get(r.Context())
}

func eventIDParam(r *http.Request) (refdate.EventID, error) {
	n, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return refdate.EventID(n), err
}

func groupIDParam(r *http.Request) (refdate.GroupID, error) {
	n, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return refdate.GroupID(n), err
}

func yearParam(r *http.Request) (int, error) {
	v := r.URL.Query().Get("year")
	if v == "" {
		return 0, errors.New("year is required")
	}
	year, err := strconv.Atoi(v)
	if err != nil || year < 1900 || year > 2200 {
		return 0, fmt.Errorf("invalid year %q", v)
	}
	return year, nil
}

func boolParam(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

// actor identifies who made a change, for occurrence audit columns.
func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get("X-Actor")); a != "" {
		return a
	}
	return "api"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps refdate errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case refdate.IsNotFound(err):
		status = http.StatusNotFound
	case refdate.IsConflict(err):
		status = http.StatusConflict
	case refdate.IsClientError(err):
		status = http.StatusBadRequest
	}

	resp := ErrorResponse{Error: message, Code: errorCode(err)}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, refdate.ErrDuplicateOccurrence):
		return "duplicate_occurrence"
	case errors.Is(err, refdate.ErrEventInUse):
		return "event_in_use"
	case errors.Is(err, refdate.ErrEventNotFound), errors.Is(err, refdate.ErrOccurrenceNotFound),
		errors.Is(err, refdate.ErrGroupNotFound), errors.Is(err, refdate.ErrAliasNotFound):
		return "not_found"
	case errors.Is(err, refdate.ErrDuplicateAlias):
		return "duplicate_alias"
	case errors.Is(err, refdate.ErrInvalidAlias):
		return "invalid_alias"
	case errors.Is(err, refdate.ErrInvalidManifest):
		return "invalid_manifest"
	}
	return string(refdate.KindOf(err))
}
