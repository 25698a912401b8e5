package directory

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ehr/portal/internal/platform/apperr"
)

// Role is the namespace an identity is registered in.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

// Roles lists every namespace, in resolution order.
var Roles = []Role{RolePatient, RoleDoctor}

func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RolePatient:
		return RolePatient, nil
	case RoleDoctor:
		return RoleDoctor, nil
	}
	return "", apperr.Validation("role must be %q or %q, got %q", RolePatient, RoleDoctor, s)
}

func (r Role) Valid() bool { return r == RolePatient || r == RoleDoctor }

// Profile holds the descriptive registration fields. Patient-only and
// doctor-only fields are left empty for the other role.
type Profile struct {
	DateOfBirth string `json:"date_of_birth,omitempty"`
	Gender      string `json:"gender,omitempty"`

	HomeAddress string `json:"home_address,omitempty"`
	BloodGroup  string `json:"blood_group,omitempty"`

	HospitalName   string `json:"hospital_name,omitempty"`
	Specialization string `json:"specialization,omitempty"`
	Department     string `json:"department,omitempty"`
	Designation    string `json:"designation,omitempty"`
	WorkExperience string `json:"work_experience,omitempty"`
}

// Identity is a registered doctor or patient.
type Identity struct {
	ID           string    `json:"id"`
	Role         Role      `json:"role"`
	DisplayName  string    `json:"display_name"`
	AccountRef   string    `json:"account_ref"`
	ContactEmail string    `json:"contact_email,omitempty"`
	Profile      Profile   `json:"profile"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Registration is the input to Register.
type Registration struct {
	ID           string  `json:"id"`
	Role         Role    `json:"role"`
	DisplayName  string  `json:"display_name"`
	AccountRef   string  `json:"account_ref"`
	ContactEmail string  `json:"contact_email"`
	Profile      Profile `json:"profile"`
}

// Actor is the resolved identity behind one request. It is never stored.
type Actor struct {
	AccountRef string `json:"account_ref"`
	Role       Role   `json:"role"`
	ID         string `json:"id"`
}

// Is reports whether the actor is the identity id in role.
func (a Actor) Is(role Role, id string) bool {
	return a.Role == role && a.ID == id
}

func (a Actor) String() string {
	return fmt.Sprintf("%s:%s(%s)", a.Role, a.ID, a.AccountRef)
}

var (
	idPattern      = regexp.MustCompile(`^\d{6}$`)
	accountPattern = regexp.MustCompile(`^[a-z0-9:._@-]{1,128}$`)
	emailPattern   = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	datePattern    = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

// ValidateID enforces the 6-digit health identifier format.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", apperr.ErrInvalidIDFormat, id)
	}
	return nil
}

// NormalizeAccount lower-cases and trims an external account reference so
// that wallet addresses compare case-insensitively.
func NormalizeAccount(ref string) string {
	return strings.ToLower(strings.TrimSpace(ref))
}

// SameAccount compares two account references case-insensitively.
func SameAccount(a, b string) bool {
	return NormalizeAccount(a) == NormalizeAccount(b)
}

func validateAccount(ref string) error {
	if ref == "" {
		return apperr.Validation("account_ref is required")
	}
	if !accountPattern.MatchString(ref) {
		return apperr.Validation("account_ref %q contains unsupported characters", ref)
	}
	return nil
}

func (r *Registration) normalize() {
	r.ID = strings.TrimSpace(r.ID)
	r.AccountRef = NormalizeAccount(r.AccountRef)
	r.DisplayName = strings.TrimSpace(r.DisplayName)
	r.ContactEmail = strings.TrimSpace(r.ContactEmail)
}

// Validate runs every local check Register needs before touching storage.
func (r *Registration) Validate() error {
	if !r.Role.Valid() {
		return apperr.Validation("role must be %q or %q", RolePatient, RoleDoctor)
	}
	if err := ValidateID(r.ID); err != nil {
		return err
	}
	if err := validateAccount(r.AccountRef); err != nil {
		return err
	}
	if r.DisplayName == "" {
		return apperr.Validation("display_name is required")
	}
	if r.ContactEmail != "" && !emailPattern.MatchString(r.ContactEmail) {
		return apperr.Validation("contact_email %q is not a valid address", r.ContactEmail)
	}
	if r.Profile.DateOfBirth != "" && !datePattern.MatchString(r.Profile.DateOfBirth) {
		return apperr.Validation("date_of_birth must be yyyy-mm-dd")
	}
	return nil
}
