// Package claimxml reads claim submission and remittance advice files.
package claimxml

import "time"

// RootType identifies which of the two supported documents a file holds.
type RootType int

const (
	RootUnknown RootType = iota
	RootSubmission
	RootRemittance
)

// Root element names.
const (
	SubmissionElement = "Claim.Submission"
	RemittanceElement = "Remittance.Advice"
)

func (r RootType) String() string {
	switch r {
	case RootSubmission:
		return SubmissionElement
	case RootRemittance:
		return RemittanceElement
	}
	return "unknown"
}

// RootFromElement maps a document element name to its RootType.
func RootFromElement(name string) RootType {
	switch name {
	case SubmissionElement:
		return RootSubmission
	case RemittanceElement:
		return RootRemittance
	}
	return RootUnknown
}

// Mode selects how a file is read.
type Mode string

const (
	// ModeDisk decodes one claim element at a time from the stream.
	ModeDisk Mode = "disk"
	// ModeMem reads the whole file and decodes it in one pass.
	ModeMem Mode = "mem"
)

// ModeFor picks disk streaming for files at or above threshold bytes. A
// non-positive threshold always streams.
func ModeFor(size, threshold int64) Mode {
	if threshold <= 0 || size >= threshold {
		return ModeDisk
	}
	return ModeMem
}

// Header is the file-level envelope shared by both document types.
type Header struct {
	SenderID        string
	ReceiverID      string
	TransactionDate time.Time
	RecordCount     int
	DispositionFlag string
}

// Claim is one claim record. Submission-only and remittance-only fields are
// left zero for the other document type.
type Claim struct {
	ID       string
	IDPayer  string
	MemberID string
	PayerID  string

	ProviderID       string
	EmiratesIDNumber string
	Gross            float64
	PatientShare     float64
	Net              float64
	Comments         string

	// Remittance advice.
	DenialCode       string
	PaymentReference string
	DateSettlement   *time.Time

	Encounter    *Encounter
	Diagnoses    []Diagnosis
	Activities   []Activity
	Resubmission *Resubmission
}

type Encounter struct {
	FacilityID          string
	Type                string
	PatientID           string
	Start               *time.Time
	End                 *time.Time
	StartType           string
	EndType             string
	TransferSource      string
	TransferDestination string
}

type Diagnosis struct {
	Type string
	Code string
}

// Activity is a billed service line. List, Gross, PatientShare,
// PaymentAmount and DenialCode are only present on remittances.
type Activity struct {
	ID                   string
	Start                *time.Time
	Type                 string
	Code                 string
	Quantity             float64
	Net                  float64
	Clinician            string
	PriorAuthorizationID string

	List          *float64
	Gross         *float64
	PatientShare  *float64
	PaymentAmount float64
	DenialCode    string
}

type Resubmission struct {
	Type    string
	Comment string
}
