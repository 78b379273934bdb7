package patient

import (
	"errors"
	"regexp"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("patient not found")
	ErrEmailTaken         = errors.New("email already registered to another account")
	ErrDuplicatePatientID = errors.New("patient id already assigned")
	ErrDuplicateUser      = errors.New("user already registered")
	ErrUnreachable        = errors.New("patient has no contact address")
	ErrValidation         = errors.New("invalid patient data")
)

// IDPattern matches public patient identifiers such as P-2026-047.
var IDPattern = regexp.MustCompile(`^P-\d{4}-\d{3,}$`)

// ValidID reports whether id has the public patient identifier format.
func ValidID(id string) bool {
	return IDPattern.MatchString(id)
}

// Patient maps to the patient table. PatientID is the public identifier
// printed on QR cards; ID is internal.
type Patient struct {
	ID                    uuid.UUID `db:"id" json:"id"`
	UserID                string    `db:"user_id" json:"user_id"`
	Email                 string    `db:"email" json:"email"`
	PatientID             string    `db:"patient_id" json:"patient_id"`
	FullName              string    `db:"full_name" json:"full_name"`
	BloodType             string    `db:"blood_type" json:"blood_type,omitempty"`
	Allergies             string    `db:"allergies" json:"allergies,omitempty"`
	EmergencyContactName  string    `db:"emergency_contact_name" json:"emergency_contact_name,omitempty"`
	EmergencyContactPhone string    `db:"emergency_contact_phone" json:"emergency_contact_phone,omitempty"`
	CreatedAt             time.Time `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time `db:"updated_at" json:"updated_at"`
}

// EmergencyContact is who to call when the patient cannot speak for themselves.
type EmergencyContact struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// LifePacket is the minimal dataset released under emergency override.
type LifePacket struct {
	PatientID        string           `json:"patient_id"`
	FullName         string           `json:"full_name"`
	BloodType        string           `json:"blood_type"`
	Allergies        string           `json:"allergies"`
	EmergencyContact EmergencyContact `json:"emergency_contact"`
}

func (p *Patient) LifePacket() LifePacket {
	return LifePacket{
		PatientID: p.PatientID,
		FullName:  p.FullName,
		BloodType: p.BloodType,
		Allergies: p.Allergies,
		EmergencyContact: EmergencyContact{
			Name:  p.EmergencyContactName,
			Phone: p.EmergencyContactPhone,
		},
	}
}

// ProfileUpdate carries the fields a patient may change. Nil fields are left
// untouched.
type ProfileUpdate struct {
	FullName              *string `json:"full_name"`
	BloodType             *string `json:"blood_type"`
	Allergies             *string `json:"allergies"`
	EmergencyContactName  *string `json:"emergency_contact_name"`
	EmergencyContactPhone *string `json:"emergency_contact_phone"`
}

var bloodTypes = map[string]bool{
	"A+": true, "A-": true, "B+": true, "B-": true,
	"AB+": true, "AB-": true, "O+": true, "O-": true,
}

// ValidBloodType accepts the eight ABO/Rh groups, or empty for unknown.
func ValidBloodType(bt string) bool {
	return bt == "" || bloodTypes[bt]
}
