/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the refdate domain model from the external API contract: dates travel as
  YYYY-MM-DD strings, channels as their display names, scopes as nullable
  fields.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Catalog:
    EventDTO, EventRequest, ReorderRequest
    OccurrenceDTO, OccurrenceRequest, CorrectionRequest

  Resolution:
    ResolutionDTO, BatchResolveRequest, BatchResolveResponse, BatchErrorDTO

  Weights:
    WeightRequest, WeightDTO

  Integrity:
    ConflictDTO, IntegrityDTO, IntegrityRunDTO

  Store groups:
    StoreGroupDTO, StoreGroupRequest, MemberRequest

  Store aliases:
    StoreAliasDTO, StoreAliasRequest

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - refdate/types.go: Domain types
*/
package api

import (
	"fmt"
	"time"

	"github.com/kpiportal/refdate-engine/refdate"
)

// =============================================================================
// CATALOG
// =============================================================================

// EventDTO represents an event in API responses.
type EventDTO struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	IsHoliday   bool   `json:"is_holiday"`
	UseInBudget bool   `json:"use_in_budget"`
	IsInternal  bool   `json:"is_internal"`
	SortOrder   int    `json:"sort_order"`
}

// EventRequest creates or updates an event.
type EventRequest struct {
	Name        string `json:"name"`
	IsHoliday   bool   `json:"is_holiday"`
	UseInBudget bool   `json:"use_in_budget"`
	IsInternal  bool   `json:"is_internal"`
	SortOrder   int    `json:"sort_order,omitempty"`
}

// ReorderRequest assigns new display positions.
type ReorderRequest struct {
	Order []struct {
		EventID   int64 `json:"event_id"`
		SortOrder int   `json:"sort_order"`
	} `json:"order"`
}

// OccurrenceDTO represents an occurrence in API responses.
type OccurrenceDTO struct {
	ID            int64  `json:"id"`
	EventID       int64  `json:"event_id"`
	EffectiveDate string `json:"effective_date"`
	NominalDate   string `json:"nominal_date,omitempty"`
	Channel       string `json:"channel,omitempty"`
	StoreGroup    int64  `json:"store_group,omitempty"`
	ModifiedBy    string `json:"modified_by,omitempty"`
	ModifiedAt    string `json:"modified_at,omitempty"`
}

// OccurrenceRequest adds an occurrence. EventID is taken from the URL when
// the request is posted under /events/{id}/occurrences.
type OccurrenceRequest struct {
	EventID       int64  `json:"event_id,omitempty"`
	EffectiveDate string `json:"effective_date"`
	NominalDate   string `json:"nominal_date,omitempty"`
	Channel       string `json:"channel,omitempty"`
	StoreGroup    int64  `json:"store_group,omitempty"`
}

// CorrectionRequest is an atomic delete-then-insert.
type CorrectionRequest struct {
	Remove []int64             `json:"remove"`
	Add    []OccurrenceRequest `json:"add"`
	Actor  string              `json:"actor,omitempty"`
}

// =============================================================================
// RESOLUTION
// =============================================================================

// ResolutionDTO is one resolved tuple.
type ResolutionDTO struct {
	TargetDate            string `json:"target_date"`
	StoreCode             string `json:"store_code"`
	Channel               string `json:"channel,omitempty"`
	NaturalReferenceDate  string `json:"natural_reference_date"`
	AdjustedReferenceDate string `json:"adjusted_reference_date"`
	OverrideApplied       bool   `json:"override_applied"`
	EventID               int64  `json:"event_id,omitempty"`
	OccurrenceID          int64  `json:"occurrence_id,omitempty"`
	Warning               string `json:"warning,omitempty"`
	CrossesMonth          bool   `json:"crosses_month,omitempty"`
}

// TupleRequest is one (date, store, channel) input. StoreCode may be a
// registered alias of Source.
type TupleRequest struct {
	Date      string `json:"date"`
	StoreCode string `json:"store_code"`
	Channel   string `json:"channel,omitempty"`
	Source    string `json:"source,omitempty"`
}

// BatchResolveRequest resolves many tuples. With FullYear set, Tuples is
// ignored and every (day x store x channel) of the year is resolved for the
// given stores (all known stores when empty) and channels.
type BatchResolveRequest struct {
	TargetYear      int            `json:"target_year"`
	BaseOffsetYears int            `json:"base_offset_years,omitempty"`
	Tuples          []TupleRequest `json:"tuples,omitempty"`
	FullYear        bool           `json:"full_year,omitempty"`
	Stores          []string       `json:"stores,omitempty"`
	Channels        []string       `json:"channels,omitempty"`
}

// BatchErrorDTO is one failed tuple.
type BatchErrorDTO struct {
	Date      string `json:"date"`
	StoreCode string `json:"store_code"`
	Channel   string `json:"channel,omitempty"`
	Kind      string `json:"kind"`
	Error     string `json:"error"`
}

// BatchResolveResponse wraps a batch result.
type BatchResolveResponse struct {
	BatchID         string          `json:"batch_id"`
	TargetYear      int             `json:"target_year"`
	BaseOffsetYears int             `json:"base_offset_years"`
	Results         []ResolutionDTO `json:"results"`
	Errors          []BatchErrorDTO `json:"errors"`
	MonthShifts     []MonthShiftDTO `json:"month_shifts,omitempty"`
}

// MonthShiftDTO counts results whose adjusted date left the target month.
type MonthShiftDTO struct {
	TargetMonth int `json:"target_month"`
	BaseMonth   int `json:"base_month"`
	Count       int `json:"count"`
}

// =============================================================================
// WEIGHTS
// =============================================================================

// WeightRequest resolves tuples and derives the weight of each adjusted date.
// Tuples that fail to resolve come back as per-item errors.
type WeightRequest struct {
	TargetYear      int            `json:"target_year"`
	BaseOffsetYears int            `json:"base_offset_years,omitempty"`
	Tuples          []TupleRequest `json:"tuples"`
}

// WeightDTO is the weight of one resolved tuple.
type WeightDTO struct {
	Resolution  ResolutionDTO `json:"resolution"`
	PeriodStart string        `json:"period_start"`
	PeriodEnd   string        `json:"period_end"`
	Weight      string        `json:"weight,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// =============================================================================
// INTEGRITY
// =============================================================================

// ConflictDTO is one precedence conflict.
type ConflictDTO struct {
	Date        string          `json:"date"`
	Channel     string          `json:"channel,omitempty"`
	Stores      []string        `json:"stores,omitempty"`
	Specificity int             `json:"specificity"`
	Occurrences []OccurrenceDTO `json:"occurrences"`
}

// MissingCounterpartDTO is a target-year occurrence without a base-year sibling.
type MissingCounterpartDTO struct {
	Occurrence OccurrenceDTO `json:"occurrence"`
	EventName  string        `json:"event_name"`
	BaseYear   int           `json:"base_year"`
}

// InvalidScopeDTO is an occurrence whose group scope cannot be expanded.
type InvalidScopeDTO struct {
	Occurrence OccurrenceDTO `json:"occurrence"`
	Reason     string        `json:"reason"`
}

// IntegrityDTO is a full integrity report.
type IntegrityDTO struct {
	TargetYear          int                     `json:"target_year"`
	BaseYear            int                     `json:"base_year"`
	CheckedAt           string                  `json:"checked_at"`
	Clean               bool                    `json:"clean"`
	Conflicts           []ConflictDTO           `json:"conflicts"`
	MissingCounterparts []MissingCounterpartDTO `json:"missing_counterparts"`
	InvalidScopes       []InvalidScopeDTO       `json:"invalid_scopes"`
}

// IntegrityRunDTO is one scheduled check in the run history.
type IntegrityRunDTO struct {
	ID                  string `json:"id"`
	TargetYear          int    `json:"target_year"`
	BaseYear            int    `json:"base_year"`
	Status              string `json:"status"`
	Conflicts           int    `json:"conflicts"`
	MissingCounterparts int    `json:"missing_counterparts"`
	InvalidScopes       int    `json:"invalid_scopes"`
	Error               string `json:"error,omitempty"`
	StartedAt           string `json:"started_at,omitempty"`
	CompletedAt         string `json:"completed_at,omitempty"`
}

// ReconcileResponse reports what a reconciliation changed.
type ReconcileResponse struct {
	DryRun             bool            `json:"dry_run"`
	Changed            bool            `json:"changed"`
	EventsCreated      []string        `json:"events_created"`
	EventsUpdated      []string        `json:"events_updated"`
	EventsDeleted      []string        `json:"events_deleted"`
	OccurrencesAdded   []OccurrenceDTO `json:"occurrences_added"`
	OccurrencesRemoved []OccurrenceDTO `json:"occurrences_removed"`
}

// =============================================================================
// STORE GROUPS
// =============================================================================

// StoreGroupDTO represents a store group with its members.
type StoreGroupDTO struct {
	ID          int64    `json:"id"`
	Description string   `json:"description"`
	IsPublished bool     `json:"is_published"`
	Members     []string `json:"members"`
}

// StoreGroupRequest creates or updates a group.
type StoreGroupRequest struct {
	ID          int64  `json:"id"`
	Description string `json:"description"`
	IsPublished bool   `json:"is_published"`
}

// MemberRequest adds or removes a store from a group.
type MemberRequest struct {
	StoreCode string `json:"store_code"`
	Source    string `json:"source,omitempty"`
}

// =============================================================================
// STORE ALIASES
// =============================================================================

// StoreAliasDTO is one alias row.
type StoreAliasDTO struct {
	ID        int64  `json:"id"`
	Source    string `json:"source,omitempty"`
	Alias     string `json:"alias"`
	StoreCode string `json:"store_code"`
}

// StoreAliasRequest creates or updates an alias. An empty source applies to
// every source system.
type StoreAliasRequest struct {
	Source    string `json:"source,omitempty"`
	Alias     string `json:"alias"`
	StoreCode string `json:"store_code"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toEventDTO(e refdate.Event) EventDTO {
	return EventDTO{
		ID:          int64(e.ID),
		Name:        e.Name,
		IsHoliday:   e.IsHoliday,
		UseInBudget: e.UseInBudget,
		IsInternal:  e.IsInternal,
		SortOrder:   e.SortOrder,
	}
}

func toOccurrenceDTO(o refdate.Occurrence) OccurrenceDTO {
	dto := OccurrenceDTO{
		ID:            int64(o.ID),
		EventID:       int64(o.EventID),
		EffectiveDate: o.EffectiveDate.String(),
		Channel:       string(o.Scope.Channel),
		StoreGroup:    int64(o.Scope.Group),
		ModifiedBy:    o.ModifiedBy,
	}
	if o.NominalDate != nil {
		dto.NominalDate = o.NominalDate.String()
	}
	if !o.ModifiedAt.IsZero() {
		dto.ModifiedAt = o.ModifiedAt.Format(time.RFC3339)
	}
	return dto
}

func toOccurrenceDTOs(occs []refdate.Occurrence) []OccurrenceDTO {
	dtos := make([]OccurrenceDTO, 0, len(occs))
	for _, o := range occs {
		dtos = append(dtos, toOccurrenceDTO(o))
	}
	return dtos
}

func toResolutionDTO(r refdate.ResolutionResult) ResolutionDTO {
	return ResolutionDTO{
		TargetDate:            r.TargetDate.String(),
		StoreCode:             r.StoreCode,
		Channel:               string(r.Channel),
		NaturalReferenceDate:  r.NaturalReferenceDate.String(),
		AdjustedReferenceDate: r.AdjustedReferenceDate.String(),
		OverrideApplied:       r.OverrideApplied,
		EventID:               int64(r.EventID),
		OccurrenceID:          int64(r.OccurrenceID),
		Warning:               r.Warning,
		CrossesMonth:          r.CrossesMonth(),
	}
}

func toStoreAliasDTO(a refdate.StoreAlias) StoreAliasDTO {
	return StoreAliasDTO{ID: int64(a.ID), Source: a.Source, Alias: a.Alias, StoreCode: a.StoreCode}
}

func toBatchErrorDTOs(errs []refdate.BatchError) []BatchErrorDTO {
	dtos := make([]BatchErrorDTO, 0, len(errs))
	for _, be := range errs {
		dtos = append(dtos, BatchErrorDTO{
			Date:      be.Scope.Date.String(),
			StoreCode: be.Scope.StoreCode,
			Channel:   string(be.Scope.Channel),
			Kind:      string(be.Kind),
			Error:     be.Err.Error(),
		})
	}
	return dtos
}

func toConflictDTOs(conflicts []refdate.ConflictReport) []ConflictDTO {
	dtos := make([]ConflictDTO, 0, len(conflicts))
	for _, c := range conflicts {
		dtos = append(dtos, ConflictDTO{
			Date:        c.Date.String(),
			Channel:     string(c.Channel),
			Stores:      c.Stores,
			Specificity: c.Specificity,
			Occurrences: toOccurrenceDTOs(c.Occurrences),
		})
	}
	return dtos
}

func toIntegrityDTO(r refdate.IntegrityReport) IntegrityDTO {
	dto := IntegrityDTO{
		TargetYear:          r.TargetYear,
		BaseYear:            r.BaseYear,
		CheckedAt:           r.CheckedAt.Format(time.RFC3339),
		Clean:               r.Clean(),
		Conflicts:           toConflictDTOs(r.Conflicts),
		MissingCounterparts: make([]MissingCounterpartDTO, 0, len(r.MissingCounterparts)),
		InvalidScopes:       make([]InvalidScopeDTO, 0, len(r.InvalidScopes)),
	}
	for _, m := range r.MissingCounterparts {
		dto.MissingCounterparts = append(dto.MissingCounterparts, MissingCounterpartDTO{
			Occurrence: toOccurrenceDTO(m.Occurrence),
			EventName:  m.EventName,
			BaseYear:   m.BaseYear,
		})
	}
	for _, s := range r.InvalidScopes {
		dto.InvalidScopes = append(dto.InvalidScopes, InvalidScopeDTO{
			Occurrence: toOccurrenceDTO(s.Occurrence),
			Reason:     s.Reason,
		})
	}
	return dto
}

func toReconcileResponse(r refdate.ReconcileReport) ReconcileResponse {
	return ReconcileResponse{
		DryRun:             r.DryRun,
		Changed:            r.Changed(),
		EventsCreated:      nonNil(r.EventsCreated),
		EventsUpdated:      nonNil(r.EventsUpdated),
		EventsDeleted:      nonNil(r.EventsDeleted),
		OccurrencesAdded:   toOccurrenceDTOs(r.OccurrencesAdded),
		OccurrencesRemoved: toOccurrenceDTOs(r.OccurrencesRemoved),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// toQuery parses a tuple. The date must be YYYY-MM-DD; the channel is
// matched loosely ("salon" -> Salón).
func (t TupleRequest) toQuery() (refdate.Query, error) {
	d, err := refdate.ParseDate(t.Date)
	if err != nil {
		return refdate.Query{}, err
	}
	ch, err := refdate.ParseChannel(t.Channel)
	if err != nil {
		return refdate.Query{}, err
	}
	if t.StoreCode == "" {
		return refdate.Query{}, fmt.Errorf("%w: store_code is required", refdate.ErrScopeResolution)
	}
	return refdate.Query{Date: d, StoreCode: t.StoreCode, Channel: ch, Source: t.Source}, nil
}

// toNewOccurrence parses an occurrence request for eventID.
func (o OccurrenceRequest) toNewOccurrence(eventID refdate.EventID) (refdate.NewOccurrence, error) {
	eff, err := refdate.ParseDate(o.EffectiveDate)
	if err != nil {
		return refdate.NewOccurrence{}, err
	}
	ch, err := refdate.ParseChannel(o.Channel)
	if err != nil {
		return refdate.NewOccurrence{}, err
	}
	in := refdate.NewOccurrence{
		EventID:       eventID,
		EffectiveDate: eff,
		Scope:         refdate.Scope{Channel: ch, Group: refdate.GroupID(o.StoreGroup)},
	}
	if o.NominalDate != "" {
		nom, err := refdate.ParseDate(o.NominalDate)
		if err != nil {
			return refdate.NewOccurrence{}, err
		}
		in.NominalDate = &nom
	}
	return in, nil
}
