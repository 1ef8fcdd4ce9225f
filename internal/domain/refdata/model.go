package refdata

import (
	"fmt"
	"strings"
)

// Kind names a reference entity.
type Kind string

const (
	KindPayer         Kind = "payer"
	KindProvider      Kind = "provider"
	KindFacility      Kind = "facility"
	KindClinician     Kind = "clinician"
	KindActivityCode  Kind = "activity_code"
	KindDiagnosisCode Kind = "diagnosis_code"
	KindDenialCode    Kind = "denial_code"
)

// Code systems applied when a file does not name one.
const (
	DefaultActivityCodeSystem  = "LOCAL"
	DefaultDiagnosisCodeSystem = "ICD-10"
)

// Descriptor ties a reference kind to its table. KeyColumns is both the
// lookup key and the ON CONFLICT target, and must name exactly the columns
// of a unique constraint on Table. Runtime auto-insert and CSV bootstrap
// build their statements from the same Descriptor.
type Descriptor struct {
	Kind       Kind
	Table      string
	KeyColumns []string
	// Attributes are the non-key columns a bootstrap row may set.
	Attributes []string
	// Defaults fill key or attribute columns left blank.
	Defaults map[string]string
	CSVFile  string
}

// Validate rejects descriptors that would produce unsafe or empty SQL.
func (d Descriptor) Validate() error {
	if d.Kind == "" || !identifier(d.Table) {
		return fmt.Errorf("descriptor %q: invalid table %q", d.Kind, d.Table)
	}
	if len(d.KeyColumns) == 0 {
		return fmt.Errorf("descriptor %q: no key columns", d.Kind)
	}
	for _, c := range append(append([]string{}, d.KeyColumns...), d.Attributes...) {
		if !identifier(c) {
			return fmt.Errorf("descriptor %q: invalid column %q", d.Kind, c)
		}
	}
	return nil
}

// KeyValues applies defaults to raw key values and reports whether the
// result is usable. A blank value with no default makes the key unusable.
func (d Descriptor) KeyValues(raw ...string) ([]string, bool) {
	if len(raw) > len(d.KeyColumns) {
		return nil, false
	}
	out := make([]string, len(d.KeyColumns))
	for i, col := range d.KeyColumns {
		v := ""
		if i < len(raw) {
			v = strings.TrimSpace(raw[i])
		}
		if v == "" {
			v = d.Defaults[col]
		}
		if v == "" {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func identifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// Descriptors returns the reference tables created by the schema
// migrations, keyed by kind.
func Descriptors() map[Kind]Descriptor {
	return map[Kind]Descriptor{
		KindPayer: {
			Kind: KindPayer, Table: "payer",
			KeyColumns: []string{"payer_code"},
			Attributes: []string{"name", "status"},
			Defaults:   map[string]string{"status": "ACTIVE"},
			CSVFile:    "payers.csv",
		},
		KindProvider: {
			Kind: KindProvider, Table: "provider",
			KeyColumns: []string{"provider_code"},
			Attributes: []string{"name", "status"},
			Defaults:   map[string]string{"status": "ACTIVE"},
			CSVFile:    "providers.csv",
		},
		KindFacility: {
			Kind: KindFacility, Table: "facility",
			KeyColumns: []string{"facility_code"},
			Attributes: []string{"name", "city", "country", "status"},
			Defaults:   map[string]string{"status": "ACTIVE"},
			CSVFile:    "facilities.csv",
		},
		KindClinician: {
			Kind: KindClinician, Table: "clinician",
			KeyColumns: []string{"clinician_code"},
			Attributes: []string{"name", "specialty", "status"},
			Defaults:   map[string]string{"status": "ACTIVE"},
			CSVFile:    "clinicians.csv",
		},
		KindActivityCode: {
			Kind: KindActivityCode, Table: "activity_code",
			KeyColumns: []string{"code", "code_system"},
			Attributes: []string{"description", "status"},
			Defaults:   map[string]string{"code_system": DefaultActivityCodeSystem, "status": "ACTIVE"},
			CSVFile:    "activity_codes.csv",
		},
		KindDiagnosisCode: {
			Kind: KindDiagnosisCode, Table: "diagnosis_code",
			KeyColumns: []string{"code", "code_system"},
			Attributes: []string{"description", "status"},
			Defaults:   map[string]string{"code_system": DefaultDiagnosisCodeSystem, "status": "ACTIVE"},
			CSVFile:    "diagnosis_codes.csv",
		},
		KindDenialCode: {
			Kind: KindDenialCode, Table: "denial_code",
			KeyColumns: []string{"code"},
			Attributes: []string{"description", "payer_code"},
			CSVFile:    "denial_codes.csv",
		},
	}
}

// Policy decides what happens on a lookup miss. It is fixed at startup.
type Policy struct {
	BootstrapEnabled bool
	AutoInsert       bool
}

// InsertOnMiss reports whether unseen codes are created. With bootstrap
// disabled nothing else will ever populate the tables, so misses always
// insert; with bootstrap enabled they insert only when AutoInsert is set.
func (p Policy) InsertOnMiss() bool {
	return !p.BootstrapEnabled || p.AutoInsert
}

// Source identifies where a code was seen, for the discovery audit.
type Source struct {
	IngestionFileID int64
	ClaimID         string
}

// Discovery is one code_discovery_audit row.
type Discovery struct {
	Table           string
	Code            string
	CodeSystem      string
	DiscoveredBy    string
	IngestionFileID int64
	ClaimID         string
}
