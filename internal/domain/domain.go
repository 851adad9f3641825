package domain

import (
	"fmt"
	"strings"
	"time"
)

// Kind names an entity table of the fleet.
type Kind string

const (
	KindLicence      Kind = "licence"
	KindAlimentation Kind = "alimentation"
	KindGuidage      Kind = "guidage"
	KindRobot        Kind = "robot"
)

// DependencyKinds are the kinds a robot depends on, in the order they are checked.
var DependencyKinds = []Kind{KindAlimentation, KindGuidage, KindLicence}

// ParseKind accepts singular or plural names ("licences", "guidage", ...).
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "s"))
	switch k {
	case KindLicence, KindAlimentation, KindGuidage, KindRobot:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalid, s)
}

// IsDependency reports whether robots can reference entities of this kind.
func (k Kind) IsDependency() bool {
	return k == KindLicence || k == KindAlimentation || k == KindGuidage
}

type AlimentationType string

const (
	AlimentationSolaire   AlimentationType = "SOLAIRE"
	AlimentationNucleaire AlimentationType = "NUCLEAIRE"
)

func (t AlimentationType) Valid() bool {
	return t == AlimentationSolaire || t == AlimentationNucleaire
}

type MotorType string

const (
	MotorPetit MotorType = "PETIT"
	MotorMoyen MotorType = "MOYEN"
	MotorGrand MotorType = "GRAND"
)

var motorConsumption = map[MotorType]int{
	MotorPetit: 10,
	MotorMoyen: 20,
	MotorGrand: 30,
}

func (m MotorType) Valid() bool {
	_, ok := motorConsumption[m]
	return ok
}

// PowerConsumption returns the fixed consumption of the motor, 0 for unknown motors.
func (m MotorType) PowerConsumption() int {
	return motorConsumption[m]
}

type Licence struct {
	ID             int64     `json:"id"`
	IsHealthy      bool      `json:"isHealthy"`
	ExpirationDate time.Time `json:"expiration_date" format:"date-time"`
}

type Alimentation struct {
	ID               int64            `json:"id"`
	IsHealthy        bool             `json:"isHealthy"`
	AlimentationType AlimentationType `json:"alimentationType" enum:"SOLAIRE,NUCLEAIRE"`
	Capacity         int              `json:"capacity"`
}

type Guidage struct {
	ID        int64 `json:"id"`
	IsHealthy bool  `json:"isHealthy"`
}

type Robot struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	IsHealthy      bool      `json:"isHealthy"`
	Motor          MotorType `json:"motor" enum:"PETIT,MOYEN,GRAND"`
	AlimentationID int64     `json:"alimentation_id"`
	GuidageID      int64     `json:"guidage_id"`
	LicenceID      int64     `json:"licence_id"`
}

// PowerConsumption of the robot's motor.
func (r Robot) PowerConsumption() int {
	return r.Motor.PowerConsumption()
}

// DependencyID returns the id the robot references for a dependency kind.
func (r Robot) DependencyID(k Kind) (int64, bool) {
	switch k {
	case KindAlimentation:
		return r.AlimentationID, true
	case KindGuidage:
		return r.GuidageID, true
	case KindLicence:
		return r.LicenceID, true
	}
	return 0, false
}

// HealthFilter selects entities by health flag; nil matches all.
type HealthFilter struct {
	Healthy *bool
	Offset  int
	Limit   int
}

// RobotFilter selects robots. Zero-valued dependency ids are ignored.
type RobotFilter struct {
	Healthy        *bool
	AlimentationID int64
	GuidageID      int64
	LicenceID      int64
	Offset         int
	Limit          int
}

// ByDependency returns a filter matching robots that reference (kind, id).
func ByDependency(kind Kind, id int64) RobotFilter {
	var f RobotFilter
	switch kind {
	case KindAlimentation:
		f.AlimentationID = id
	case KindGuidage:
		f.GuidageID = id
	case KindLicence:
		f.LicenceID = id
	}
	return f
}

// HealthChange is one committed flip of an entity's health flag.
type HealthChange struct {
	Kind    Kind
	ID      int64
	Healthy bool
	Reason  string
	// Cause names the failing dependency behind a cascade, e.g. "licence:3".
	Cause   string
	ActorID string
	RunID   string
}

// Cause formats a dependency reference for HealthChange.Cause.
func Cause(kind Kind, id int64) string {
	return fmt.Sprintf("%s:%d", kind, id)
}

// Reasons recorded with health changes.
const (
	ReasonOperator = "operator"
	ReasonExpired  = "licence.expired"
	ReasonCascade  = "cascade"
	ReasonRecovery = "recovery"
)

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func BoolPtr(b bool) *bool { return &b }
