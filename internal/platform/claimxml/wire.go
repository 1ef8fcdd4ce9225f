package claimxml

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/claims/ingest/internal/platform/ingesterr"
)

// Element shapes as they appear on the wire. Every leaf is read as text and
// converted afterwards so that a bad number reports the field that held it.

type xmlHeader struct {
	SenderID        string `xml:"SenderID"`
	ReceiverID      string `xml:"ReceiverID"`
	TransactionDate string `xml:"TransactionDate"`
	RecordCount     string `xml:"RecordCount"`
	DispositionFlag string `xml:"DispositionFlag"`
}

type xmlClaim struct {
	ID               string           `xml:"ID"`
	IDPayer          string           `xml:"IDPayer"`
	MemberID         string           `xml:"MemberID"`
	PayerID          string           `xml:"PayerID"`
	ProviderID       string           `xml:"ProviderID"`
	EmiratesIDNumber string           `xml:"EmiratesIDNumber"`
	Gross            string           `xml:"Gross"`
	PatientShare     string           `xml:"PatientShare"`
	Net              string           `xml:"Net"`
	Comments         string           `xml:"Comments"`
	DenialCode       string           `xml:"DenialCode"`
	PaymentReference string           `xml:"PaymentReference"`
	DateSettlement   string           `xml:"DateSettlement"`
	Encounter        *xmlEncounter    `xml:"Encounter"`
	Diagnoses        []xmlDiagnosis   `xml:"Diagnosis"`
	Activities       []xmlActivity    `xml:"Activity"`
	Resubmission     *xmlResubmission `xml:"Resubmission"`
}

type xmlEncounter struct {
	FacilityID          string `xml:"FacilityID"`
	Type                string `xml:"Type"`
	PatientID           string `xml:"PatientID"`
	Start               string `xml:"Start"`
	End                 string `xml:"End"`
	StartType           string `xml:"StartType"`
	EndType             string `xml:"EndType"`
	TransferSource      string `xml:"TransferSource"`
	TransferDestination string `xml:"TransferDestination"`
}

type xmlDiagnosis struct {
	Type string `xml:"Type"`
	Code string `xml:"Code"`
}

type xmlActivity struct {
	ID                   string `xml:"ID"`
	Start                string `xml:"Start"`
	Type                 string `xml:"Type"`
	Code                 string `xml:"Code"`
	Quantity             string `xml:"Quantity"`
	Net                  string `xml:"Net"`
	List                 string `xml:"List"`
	Gross                string `xml:"Gross"`
	PatientShare         string `xml:"PatientShare"`
	PaymentAmount        string `xml:"PaymentAmount"`
	DenialCode           string `xml:"DenialCode"`
	Clinician            string `xml:"Clinician"`
	PriorAuthorizationID string `xml:"PriorAuthorizationID"`
}

type xmlResubmission struct {
	Type    string `xml:"Type"`
	Comment string `xml:"Comment"`
}

// Timestamps carry no zone on the wire; they are read as UTC so the same
// bytes always produce the same event time.
var dateLayouts = []string{
	"02/01/2006 15:04",
	"02/01/2006 15:04:05",
	"02/01/2006",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// converter accumulates the first conversion error so call sites stay flat.
type converter struct {
	err   error
	field string
}

func (c *converter) text(s string) string { return strings.TrimSpace(s) }

func (c *converter) number(field, s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" || c.err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		c.err, c.field = err, field
	}
	return v
}

func (c *converter) optNumber(field, s string) *float64 {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	v := c.number(field, s)
	return &v
}

func (c *converter) date(field, s string) *time.Time {
	if strings.TrimSpace(s) == "" || c.err != nil {
		return nil
	}
	t, err := parseDate(s)
	if err != nil {
		c.err, c.field = err, field
		return nil
	}
	return &t
}

func (h *xmlHeader) toHeader() (Header, error) {
	var missing []string
	for name, v := range map[string]string{
		"SenderID":        h.SenderID,
		"ReceiverID":      h.ReceiverID,
		"TransactionDate": h.TransactionDate,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Header{}, &ingesterr.ParseError{
			Code: ingesterr.CodeMissingHeader,
			Msg:  "header missing " + joinSorted(missing),
		}
	}

	txDate, err := parseDate(h.TransactionDate)
	if err != nil {
		return Header{}, &ingesterr.ParseError{Code: ingesterr.CodeInvalidValue, Msg: "Header/TransactionDate: " + err.Error(), Err: err}
	}

	out := Header{
		SenderID:        strings.TrimSpace(h.SenderID),
		ReceiverID:      strings.TrimSpace(h.ReceiverID),
		TransactionDate: txDate,
		DispositionFlag: strings.TrimSpace(h.DispositionFlag),
	}
	if rc := strings.TrimSpace(h.RecordCount); rc != "" {
		n, err := strconv.Atoi(rc)
		if err != nil {
			return Header{}, &ingesterr.ParseError{Code: ingesterr.CodeInvalidValue, Msg: "Header/RecordCount: " + err.Error(), Err: err}
		}
		out.RecordCount = n
	}
	return out, nil
}

func (x *xmlClaim) toClaim(root RootType) (*Claim, error) {
	var c converter
	claim := &Claim{
		ID:               c.text(x.ID),
		IDPayer:          c.text(x.IDPayer),
		MemberID:         c.text(x.MemberID),
		PayerID:          c.text(x.PayerID),
		ProviderID:       c.text(x.ProviderID),
		EmiratesIDNumber: c.text(x.EmiratesIDNumber),
		Gross:            c.number("Gross", x.Gross),
		PatientShare:     c.number("PatientShare", x.PatientShare),
		Net:              c.number("Net", x.Net),
		Comments:         c.text(x.Comments),
		DenialCode:       c.text(x.DenialCode),
		PaymentReference: c.text(x.PaymentReference),
		DateSettlement:   c.date("DateSettlement", x.DateSettlement),
	}

	if e := x.Encounter; e != nil {
		claim.Encounter = &Encounter{
			FacilityID:          c.text(e.FacilityID),
			Type:                c.text(e.Type),
			PatientID:           c.text(e.PatientID),
			Start:               c.date("Encounter/Start", e.Start),
			End:                 c.date("Encounter/End", e.End),
			StartType:           c.text(e.StartType),
			EndType:             c.text(e.EndType),
			TransferSource:      c.text(e.TransferSource),
			TransferDestination: c.text(e.TransferDestination),
		}
	}
	for _, d := range x.Diagnoses {
		claim.Diagnoses = append(claim.Diagnoses, Diagnosis{Type: c.text(d.Type), Code: c.text(d.Code)})
	}
	for _, a := range x.Activities {
		claim.Activities = append(claim.Activities, Activity{
			ID:                   c.text(a.ID),
			Start:                c.date("Activity/Start", a.Start),
			Type:                 c.text(a.Type),
			Code:                 c.text(a.Code),
			Quantity:             c.number("Activity/Quantity", a.Quantity),
			Net:                  c.number("Activity/Net", a.Net),
			Clinician:            c.text(a.Clinician),
			PriorAuthorizationID: c.text(a.PriorAuthorizationID),
			List:                 c.optNumber("Activity/List", a.List),
			Gross:                c.optNumber("Activity/Gross", a.Gross),
			PatientShare:         c.optNumber("Activity/PatientShare", a.PatientShare),
			PaymentAmount:        c.number("Activity/PaymentAmount", a.PaymentAmount),
			DenialCode:           c.text(a.DenialCode),
		})
	}
	if r := x.Resubmission; r != nil {
		claim.Resubmission = &Resubmission{Type: c.text(r.Type), Comment: c.text(r.Comment)}
	}

	if c.err != nil {
		return nil, &ingesterr.ParseError{
			Code: ingesterr.CodeInvalidValue,
			Msg:  fmt.Sprintf("claim %q field %s: %v", claim.ID, c.field, c.err),
			Err:  c.err,
		}
	}
	if missing := claim.missingFields(root); len(missing) > 0 {
		return nil, &ingesterr.ParseError{
			Code: ingesterr.CodeMissingClaimFields,
			Msg:  fmt.Sprintf("claim %q missing %s", claim.ID, strings.Join(missing, ", ")),
		}
	}
	return claim, nil
}

func (c *Claim) missingFields(root RootType) []string {
	var missing []string
	need := func(name, v string) {
		if v == "" {
			missing = append(missing, name)
		}
	}

	need("ID", c.ID)
	switch root {
	case RootSubmission:
		need("PayerID", c.PayerID)
		need("ProviderID", c.ProviderID)
		need("EmiratesIDNumber", c.EmiratesIDNumber)
		if c.Encounter != nil {
			need("Encounter/FacilityID", c.Encounter.FacilityID)
		}
	case RootRemittance:
		need("IDPayer", c.IDPayer)
		need("PaymentReference", c.PaymentReference)
	}
	for i, a := range c.Activities {
		need(fmt.Sprintf("Activity[%d]/ID", i), a.ID)
		need(fmt.Sprintf("Activity[%d]/Code", i), a.Code)
	}
	for i, d := range c.Diagnoses {
		need(fmt.Sprintf("Diagnosis[%d]/Type", i), d.Type)
		need(fmt.Sprintf("Diagnosis[%d]/Code", i), d.Code)
	}
	return missing
}

func joinSorted(names []string) string {
	sort.Strings(names)
	return strings.Join(names, ", ")
}
