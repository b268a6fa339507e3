package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Gender is the enumerated gender field of a registry record.
// The numeric values match the on-ledger encoding (a single byte).
type Gender uint8

const (
	GenderMale Gender = iota
	GenderFemale
	GenderOther
)

// String returns the lowercase name of the gender
func (g Gender) String() string {
	switch g {
	case GenderMale:
		return "male"
	case GenderFemale:
		return "female"
	case GenderOther:
		return "other"
	default:
		return fmt.Sprintf("gender(%d)", uint8(g))
	}
}

// Valid reports whether g is one of the known variants
func (g Gender) Valid() bool {
	return g <= GenderOther
}

// ParseGender parses a gender name, case-insensitively
func ParseGender(s string) (Gender, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "male":
		return GenderMale, nil
	case "female":
		return GenderFemale, nil
	case "other":
		return GenderOther, nil
	default:
		return 0, fmt.Errorf("unknown gender %q", s)
	}
}

// MarshalJSON encodes the gender as its name
func (g Gender) MarshalJSON() ([]byte, error) {
	if !g.Valid() {
		return nil, fmt.Errorf("invalid gender value %d", uint8(g))
	}
	return json.Marshal(g.String())
}

// UnmarshalJSON decodes a gender name
func (g *Gender) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("gender must be a string: %w", err)
	}
	parsed, err := ParseGender(s)
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

// RecordFields holds the user-editable fields of a record
type RecordFields struct {
	Name    string `json:"name"`
	Surname string `json:"surname"`
	Age     uint32 `json:"age"`
	Gender  Gender `json:"gender"`
}

// Record is one registry entry as read from a ledger.
// ID is the ledger-assigned index; it is never reused after deletion.
type Record struct {
	ID        uint32 `json:"id"`
	Name      string `json:"name"`
	Surname   string `json:"surname"`
	Age       uint32 `json:"age"`
	Gender    Gender `json:"gender"`
	Graduated bool   `json:"graduated"`
}

// Fields returns the editable portion of the record
func (r Record) Fields() RecordFields {
	return RecordFields{
		Name:    r.Name,
		Surname: r.Surname,
		Age:     r.Age,
		Gender:  r.Gender,
	}
}

// Matches reports whether the record carries exactly the given fields
func (r Record) Matches(f RecordFields) bool {
	return r.Fields() == f
}
