package server

import (
	"encoding/json"
	"time"

	"robotfleet/internal/domain"
	"robotfleet/internal/engine"
)

// Request payloads

type CreateLicenceRequest struct {
	ExpirationDate time.Time `json:"expiration_date" doc:"Instant after which the licence is expired"`
}

type CreateAlimentationRequest struct {
	AlimentationType string `json:"alimentationType" enum:"SOLAIRE,NUCLEAIRE"`
	IsHealthy        bool   `json:"isHealthy"`
	Capacity         int    `json:"capacity" minimum:"0"`
}

type CreateGuidageRequest struct {
	IsHealthy bool `json:"isHealthy"`
}

type CreateRobotRequest struct {
	Name           string `json:"name" minLength:"1"`
	IsHealthy      bool   `json:"isHealthy"`
	Motor          string `json:"motor" enum:"PETIT,MOYEN,GRAND"`
	AlimentationID int64  `json:"alimentation_id"`
	GuidageID      int64  `json:"guidage_id"`
	LicenceID      int64  `json:"licence_id"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Permissions []string `json:"permissions,omitempty"`
}

// Responses

type LicenceResponse struct {
	ID             int64     `json:"id"`
	IsHealthy      bool      `json:"isHealthy"`
	ExpirationDate time.Time `json:"expiration_date"`
	AffectedRobots []int64   `json:"affected_robots,omitempty"`
}

type AlimentationResponse struct {
	ID               int64   `json:"id"`
	IsHealthy        bool    `json:"isHealthy"`
	AlimentationType string  `json:"alimentationType"`
	Capacity         int     `json:"capacity"`
	AffectedRobots   []int64 `json:"affected_robots,omitempty"`
}

type GuidageResponse struct {
	ID             int64   `json:"id"`
	IsHealthy      bool    `json:"isHealthy"`
	AffectedRobots []int64 `json:"affected_robots,omitempty"`
}

type RobotResponse struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	IsHealthy      bool   `json:"isHealthy"`
	Motor          string `json:"motor"`
	AlimentationID int64  `json:"alimentation_id"`
	GuidageID      int64  `json:"guidage_id"`
	LicenceID      int64  `json:"licence_id"`
	Consumption    int    `json:"consumption"`
}

type ReconcileResponse struct {
	RunID            string    `json:"run_id"`
	LicencesUpdated  int       `json:"licences_updated"`
	RobotsAffected   int       `json:"robots_affected"`
	RobotsDowngraded int       `json:"robots_downgraded"`
	RobotsRecovered  int       `json:"robots_recovered"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func licenceResponse(l domain.Licence) LicenceResponse {
	return LicenceResponse{ID: l.ID, IsHealthy: l.IsHealthy, ExpirationDate: l.ExpirationDate}
}

func alimentationResponse(a domain.Alimentation) AlimentationResponse {
	return AlimentationResponse{ID: a.ID, IsHealthy: a.IsHealthy, AlimentationType: string(a.AlimentationType), Capacity: a.Capacity}
}

func guidageResponse(g domain.Guidage) GuidageResponse {
	return GuidageResponse{ID: g.ID, IsHealthy: g.IsHealthy}
}

func robotResponse(r domain.Robot) RobotResponse {
	return RobotResponse{
		ID:             r.ID,
		Name:           r.Name,
		IsHealthy:      r.IsHealthy,
		Motor:          string(r.Motor),
		AlimentationID: r.AlimentationID,
		GuidageID:      r.GuidageID,
		LicenceID:      r.LicenceID,
		Consumption:    r.PowerConsumption(),
	}
}

func reconcileResponse(s engine.ReconcileSummary) ReconcileResponse {
	return ReconcileResponse(s)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func mapSlice[T, R any](items []T, fn func(T) R) []R {
	out := make([]R, 0, len(items))
	for _, it := range items {
		out = append(out, fn(it))
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
