package integration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/claims/ingest/internal/domain/audit"
	"github.com/claims/ingest/internal/domain/claims"
	"github.com/claims/ingest/internal/domain/refdata"
	"github.com/claims/ingest/internal/platform/ingesterr"
	"github.com/claims/ingest/internal/platform/intake"
)

const txDate = "05/03/2024 10:30"

func TestSubmission_SingleClaim(t *testing.T) {
	h := newHarness(t)

	h.ingestFile(t, "sub-a.xml", submissionDoc(txDate, oneActivityClaim("CLM-A")))

	a := h.lastAudit(t, "sub-a.xml")
	if a.Status != audit.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s (%v)", a.Status, a.ErrorMessage)
	}
	c := a.Counts
	if c.Claims.Parsed != 1 || c.Activities.Parsed != 1 || c.Diagnoses.Parsed != 1 {
		t.Errorf("expected parsed 1/1/1, got %d/%d/%d", c.Claims.Parsed, c.Activities.Parsed, c.Diagnoses.Parsed)
	}
	if c.Claims.Persisted != 1 || c.Activities.Persisted != 1 || c.Diagnoses.Persisted != 1 {
		t.Errorf("expected persisted 1/1/1, got %d/%d/%d", c.Claims.Persisted, c.Activities.Persisted, c.Diagnoses.Persisted)
	}
	if !a.VerificationPassed {
		t.Error("expected verification to pass")
	}

	if n := h.count(t, `SELECT COUNT(*) FROM claim_key WHERE claim_id = 'CLM-A'`); n != 1 {
		t.Errorf("expected 1 claim key, got %d", n)
	}
	if n := h.count(t, `SELECT COUNT(*) FROM claim_event WHERE type = 1`); n != 1 {
		t.Errorf("expected 1 submission event, got %d", n)
	}
	if n := h.count(t, `SELECT COUNT(*) FROM claim_status_timeline WHERE status = 'SUBMITTED'`); n != 1 {
		t.Errorf("expected 1 SUBMITTED status, got %d", n)
	}
	if c.EventActivities.Persisted != 1 {
		t.Errorf("expected 1 event activity snapshot persisted, got %d", c.EventActivities.Persisted)
	}
	if n := h.count(t, `
		SELECT COUNT(*) FROM claim_event_activity cea
		JOIN claim_event e ON e.id = cea.claim_event_id
		WHERE e.type = 1 AND cea.activity_ref_id IS NOT NULL AND cea.activity_id_at_event = 'A-1'`); n != 1 {
		t.Errorf("expected 1 submission snapshot row, got %d", n)
	}
	if got := h.Source.Names("done"); len(got) != 1 {
		t.Errorf("expected file archived to done, got %v", got)
	}
}

func TestSubmission_SameFileTwice(t *testing.T) {
	h := newHarness(t)
	doc := submissionDoc(txDate, oneActivityClaim("CLM-B"))

	h.ingestFile(t, "sub-b.xml", doc)
	h.ingestFile(t, "sub-b.xml", doc)

	if n := h.count(t, `SELECT COUNT(*) FROM ingestion_file_audit WHERE file_id = 'sub-b.xml'`); n != 2 {
		t.Fatalf("expected an audit row per run, got %d", n)
	}
	a := h.lastAudit(t, "sub-b.xml")
	if a.Status != audit.StatusSuccess || a.ErrorCode != nil {
		t.Fatalf("expected second run to succeed without error, got %s %v", a.Status, a.ErrorCode)
	}
	c := a.Counts
	if c.Claims.Persisted != 0 || c.Activities.Persisted != 0 || c.Events.Persisted != 0 {
		t.Errorf("expected no new rows on rerun, got claims=%d activities=%d events=%d",
			c.Claims.Persisted, c.Activities.Persisted, c.Events.Persisted)
	}
	if c.Claims.Deduplicated != 1 || c.Events.Deduplicated != 1 {
		t.Errorf("expected rerun to be absorbed as duplicates, got claims=%d events=%d",
			c.Claims.Deduplicated, c.Events.Deduplicated)
	}
	if !a.VerificationPassed {
		t.Error("expected rerun verification to pass")
	}

	if n := h.count(t, `SELECT COUNT(*) FROM claim_key`); n != 1 {
		t.Errorf("expected 1 claim key, got %d", n)
	}
	if n := h.count(t, `SELECT COUNT(*) FROM claim_event WHERE type = 1`); n != 1 {
		t.Errorf("expected 1 submission event, got %d", n)
	}
	if n := h.count(t, `SELECT COUNT(*) FROM activity`); n != 1 {
		t.Errorf("expected 1 activity row, got %d", n)
	}
	if c.EventActivities.Deduplicated != 1 {
		t.Errorf("expected the snapshot to be absorbed on rerun, got %+v", c.EventActivities)
	}
	if n := h.count(t, `SELECT COUNT(*) FROM claim_event_activity`); n != 1 {
		t.Errorf("expected 1 snapshot row, got %d", n)
	}
}

func TestRemittance_BeforeSubmission(t *testing.T) {
	h := newHarness(t)

	h.ingestFile(t, "ra-c.xml", remittanceDoc("2024-04-01T08:00:00", "CLM-NEW"))

	a := h.lastAudit(t, "ra-c.xml")
	if a.Status != audit.StatusSuccess {
		t.Fatalf("expected remittance before submission to succeed, got %s (%v)", a.Status, a.ErrorMessage)
	}
	if n := h.count(t, `SELECT COUNT(*) FROM claim_key WHERE claim_id = 'CLM-NEW'`); n != 1 {
		t.Errorf("expected a new claim key, got %d", n)
	}
	if n := h.count(t, `SELECT COUNT(*) FROM claim_event WHERE type = 3`); n != 1 {
		t.Errorf("expected 1 remittance event, got %d", n)
	}
	if n := h.count(t, `SELECT COUNT(*) FROM claim_event WHERE type = 1`); n != 0 {
		t.Errorf("expected no submission event, got %d", n)
	}
	if n := h.count(t, `
		SELECT COUNT(*) FROM claim_event_activity
		WHERE remittance_activity_ref_id IS NOT NULL AND payment_amount_at_event = 10`); n != 1 {
		t.Errorf("expected 1 remittance snapshot row with the paid amount, got %d", n)
	}

	// The submission arriving later attaches to the same key.
	h.ingestFile(t, "sub-c.xml", submissionDoc(txDate, oneActivityClaim("CLM-NEW")))
	if n := h.count(t, `SELECT COUNT(*) FROM claim_key`); n != 1 {
		t.Errorf("expected the submission to reuse the key, got %d keys", n)
	}
	if n := h.count(t, `SELECT COUNT(*) FROM claim_event`); n != 2 {
		t.Errorf("expected 2 events, got %d", n)
	}
	if n := h.count(t, `SELECT COUNT(*) FROM claim_event_activity`); n != 2 {
		t.Errorf("expected a snapshot row per event, got %d", n)
	}
}

func TestReference_ConstraintMismatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, stmt := range []string{
		`ALTER TABLE activity_code ADD COLUMN type TEXT`,
		`ALTER TABLE activity_code DROP CONSTRAINT uq_activity_code`,
		`ALTER TABLE activity_code ADD CONSTRAINT uq_activity_code_type UNIQUE (code, type)`,
	} {
		if _, err := h.Pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("alter activity_code: %v", err)
		}
	}

	err := h.inTx(ctx, func(ctx context.Context) error {
		_, _, err := h.Resolver.Resolve(ctx, refdata.KindActivityCode, refdata.Source{ClaimID: "CLM-D"}, "99213", "")
		return err
	})
	var rre *ingesterr.ReferenceResolutionError
	if !errors.As(err, &rre) {
		t.Fatalf("expected ReferenceResolutionError, got %v", err)
	}
	if rre.Table != "activity_code" {
		t.Errorf("expected table activity_code, got %s", rre.Table)
	}

	h.ingestFile(t, "sub-d.xml", submissionDoc(txDate, oneActivityClaim("CLM-D")))
	a := h.lastAudit(t, "sub-d.xml")
	if a.Status != audit.StatusFailed || a.ErrorCode == nil || *a.ErrorCode != ingesterr.CodeReference {
		t.Fatalf("expected FAILED with %s, got %s %v", ingesterr.CodeReference, a.Status, a.ErrorCode)
	}
	if n := h.count(t, `SELECT COUNT(*) FROM activity_code`); n != 0 {
		t.Errorf("expected no activity codes to be written, got %d", n)
	}
	if n := h.count(t, `SELECT COUNT(*) FROM claim_key`); n != 0 {
		t.Errorf("expected the file to roll back, got %d claim keys", n)
	}
	if got := h.Source.Names("error"); len(got) != 2 {
		t.Errorf("expected file and sidecar in error, got %v", got)
	}

	// A fresh resolver reports the drift up front.
	h.rebuild(t, claims.NewRepoPG(h.Pool))
	if err := h.Resolver.CheckSchema(ctx); err == nil || !strings.Contains(err.Error(), "activity_code") {
		t.Errorf("expected schema check to name activity_code, got %v", err)
	}
}

func TestSubmission_RollbackMidFile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, stmt := range []string{
		`CREATE FUNCTION stop_after_eight() RETURNS trigger AS $$
		BEGIN
			IF (SELECT COUNT(*) FROM activity WHERE claim_id = NEW.claim_id) >= 8 THEN
				RAISE EXCEPTION 'activity store rejected row %', NEW.activity_id;
			END IF;
			RETURN NEW;
		END $$ LANGUAGE plpgsql`,
		`CREATE TRIGGER stop_after_eight BEFORE INSERT ON activity
			FOR EACH ROW EXECUTE FUNCTION stop_after_eight()`,
	} {
		if _, err := h.Pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("install trigger: %v", err)
		}
	}

	c := claimRow{ID: "CLM-E", Diagnoses: []string{"J06.9"}}
	for i := 1; i <= 10; i++ {
		c.Activities = append(c.Activities, activityRow{ID: fmt.Sprintf("A-%d", i), Code: "99213", Clinician: "DOC-5"})
	}
	h.ingestFile(t, "sub-e.xml", submissionDoc(txDate, c))

	a := h.lastAudit(t, "sub-e.xml")
	if a.Status != audit.StatusFailed {
		t.Fatalf("expected FAILED, got %s", a.Status)
	}
	if a.Counts.Activities.Parsed != 10 || a.Counts.Activities.Persisted != 0 {
		t.Errorf("expected activities parsed=10 persisted=0, got %d/%d",
			a.Counts.Activities.Parsed, a.Counts.Activities.Persisted)
	}
	if a.VerificationPassed {
		t.Error("expected verification to fail")
	}
	if n := h.count(t, `SELECT COUNT(*) FROM activity`); n != 0 {
		t.Errorf("expected no activities after rollback, got %d", n)
	}
	if n := h.count(t, `SELECT COUNT(*) FROM claim_key`); n != 0 {
		t.Errorf("expected no claim keys after rollback, got %d", n)
	}
	if n := h.count(t, `SELECT COUNT(*) FROM ingestion_error WHERE audit_id = $1`, a.ID); n == 0 {
		t.Error("expected an ingestion error row for the failed run")
	}
	if _, ok := h.Source.Read("error", "sub-e.xml"+intake.ErrorSuffix); !ok {
		t.Error("expected an error sidecar")
	}
}

func TestSubmission_DuplicateWithoutResubmission(t *testing.T) {
	h := newHarness(t)

	h.ingestFile(t, "sub-f1.xml", submissionDoc(txDate, oneActivityClaim("CLM-F")))
	h.ingestFile(t, "sub-f2.xml", submissionDoc("06/03/2024 09:00", oneActivityClaim("CLM-F"), oneActivityClaim("CLM-F2")))

	a := h.lastAudit(t, "sub-f2.xml")
	if a.Status != audit.StatusSuccess {
		t.Fatalf("expected the file to commit, got %s %v", a.Status, a.ErrorCode)
	}
	c := a.Counts.Claims
	if c.Parsed != 2 || c.Persisted != 1 || c.Skipped != 1 {
		t.Errorf("expected claims parsed=2 persisted=1 skipped=1, got %+v", c)
	}
	if !a.VerificationPassed {
		t.Error("expected verification to pass with the skipped claim counted")
	}
	if n := h.count(t, `
		SELECT COUNT(*) FROM ingestion_error
		WHERE audit_id = $1 AND error_code = $2 AND object_type = 'claim' AND object_key = 'CLM-F'`,
		a.ID, ingesterr.CodeDuplicateSubmission); n != 1 {
		t.Errorf("expected 1 %s row for CLM-F, got %d", ingesterr.CodeDuplicateSubmission, n)
	}
	if n := h.count(t, `
		SELECT COUNT(*) FROM ingestion_error
		WHERE audit_id = $1 AND object_type = 'file' AND object_key = 'sub-f2.xml'`, a.ID); n != 1 {
		t.Errorf("expected 1 file summary row, got %d", n)
	}
	if n := h.count(t, `SELECT COUNT(*) FROM claim_event WHERE type = 1`); n != 2 {
		t.Errorf("expected submissions for CLM-F and CLM-F2 only, got %d", n)
	}
	if n := h.count(t, `
		SELECT COUNT(*) FROM claim cl JOIN claim_key k ON k.id = cl.claim_key_id
		WHERE k.claim_id = 'CLM-F2'`); n != 1 {
		t.Errorf("expected CLM-F2 persisted, got %d", n)
	}
	if got := h.Source.Names("done"); len(got) != 2 {
		t.Errorf("expected both files in done, got done=%v error=%v", got, h.Source.Names("error"))
	}
}

func TestSubmission_Resubmission(t *testing.T) {
	h := newHarness(t)

	h.ingestFile(t, "sub-g1.xml", submissionDoc(txDate, oneActivityClaim("CLM-G")))
	resent := oneActivityClaim("CLM-G")
	resent.Resubmit = true
	h.ingestFile(t, "sub-g2.xml", submissionDoc("06/03/2024 09:00", resent))

	a := h.lastAudit(t, "sub-g2.xml")
	if a.Status != audit.StatusSuccess {
		t.Fatalf("expected resubmission to succeed, got %s (%v)", a.Status, a.ErrorMessage)
	}
	if n := h.count(t, `SELECT COUNT(*) FROM claim_event WHERE type = 1`); n != 1 {
		t.Errorf("expected 1 submission event, got %d", n)
	}
	if n := h.count(t, `SELECT COUNT(*) FROM claim_event WHERE type = 2`); n != 1 {
		t.Errorf("expected 1 resubmission event, got %d", n)
	}
	if n := h.count(t, `SELECT COUNT(*) FROM claim_resubmission`); n != 1 {
		t.Errorf("expected 1 resubmission detail row, got %d", n)
	}
	if n := h.count(t, `SELECT COUNT(*) FROM claim_key WHERE last_event_type = 2`); n != 1 {
		t.Errorf("expected the key to point at the resubmission, got %d", n)
	}
	if n := h.count(t, `
		SELECT COUNT(*) FROM claim_event_activity cea
		JOIN claim_event e ON e.id = cea.claim_event_id WHERE e.type = 2`); n != 1 {
		t.Errorf("expected the resubmission to carry its own snapshot, got %d", n)
	}
	if n := h.count(t, `SELECT COUNT(*) FROM claim_event_activity`); n != 2 {
		t.Errorf("expected 2 snapshot rows, got %d", n)
	}
}
