package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/claims/ingest/internal/domain/refdata"
	"github.com/claims/ingest/internal/ingest"
)

// Several files carrying the same claims, processed by parallel workers,
// must converge on one key and one Submission per claim.
func TestConcurrentFiles_SameClaims(t *testing.T) {
	h := newHarness(t)

	shared := []claimRow{oneActivityClaim("CLM-X1"), oneActivityClaim("CLM-X2"), oneActivityClaim("CLM-X3")}
	const files = 6
	for i := 0; i < files; i++ {
		h.Source.Put(fmt.Sprintf("dup-%02d.xml", i), []byte(submissionDoc(txDate, shared...)))
	}

	if err := h.orchestrator(ingest.WithWorkers(files)).Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if got := h.Source.Names("done"); len(got) != files {
		t.Errorf("expected all %d files done, got done=%v error=%v", files, got, h.Source.Names("error"))
	}
	if n := h.count(t, `SELECT COUNT(*) FROM claim_key`); n != len(shared) {
		t.Errorf("expected %d claim keys, got %d", len(shared), n)
	}
	if n := h.count(t, `
		SELECT COUNT(*) FROM (
			SELECT claim_key_id FROM claim_event WHERE type = 1
			GROUP BY claim_key_id HAVING COUNT(*) > 1
		) dup`); n != 0 {
		t.Errorf("expected at most one submission per key, %d keys have more", n)
	}
	if n := h.count(t, `SELECT COUNT(*) FROM claim`); n != len(shared) {
		t.Errorf("expected %d claim rows, got %d", len(shared), n)
	}
	if n := h.count(t, `SELECT COUNT(*) FROM claim_event_activity`); n != len(shared) {
		t.Errorf("expected %d snapshot rows, got %d", len(shared), n)
	}
	if n := h.count(t, `SELECT COUNT(*) FROM activity_code WHERE code = '99213'`); n != 1 {
		t.Errorf("expected one activity code row, got %d", n)
	}
	if n := h.count(t, `SELECT COUNT(*) FROM ingestion_file`); n != files {
		t.Errorf("expected %d registered files, got %d", files, n)
	}
}

// Concurrent resolution of an unseen code from separate transactions yields
// a single row and the same id everywhere.
func TestConcurrentResolve_Converges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const workers = 12
	ids := make([]int64, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = h.inTx(ctx, func(ctx context.Context) error {
				id, ok, err := h.Resolver.Resolve(ctx, refdata.KindFacility, refdata.Source{ClaimID: fmt.Sprintf("C-%d", i)}, "FAC-NEW")
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("facility not resolved")
				}
				ids[i] = id
				return nil
			})
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: %v", i, err)
		}
	}
	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("expected every worker to resolve id %d, worker %d got %d", ids[0], i, ids[i])
		}
	}
	if n := h.count(t, `SELECT COUNT(*) FROM facility WHERE facility_code = 'FAC-NEW'`); n != 1 {
		t.Errorf("expected one facility row, got %d", n)
	}
	if n := h.count(t, `SELECT COUNT(*) FROM code_discovery_audit WHERE source_table = 'facility'`); n == 0 {
		t.Error("expected discovery rows for the unseen facility")
	}
}

// Shutdown mid-drain leaves nothing half-written: every file is either
// committed and archived or still claimable after recovery.
func TestRecover_AfterCancelledDrain(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 4; i++ {
		h.Source.Put(fmt.Sprintf("sub-r%d.xml", i), []byte(submissionDoc(txDate, oneActivityClaim(fmt.Sprintf("CLM-R%d", i)))))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = h.orchestrator().Drain(ctx)

	if err := h.orchestrator().Drain(context.Background()); err != nil {
		t.Fatalf("drain after recovery: %v", err)
	}
	if got := h.Source.Names("done"); len(got) != 4 {
		t.Errorf("expected 4 files done, got %v (inflight=%v)", got, h.Source.Names("inflight"))
	}
	if n := h.count(t, `SELECT COUNT(*) FROM claim_event WHERE type = 1`); n != 4 {
		t.Errorf("expected 4 submission events, got %d", n)
	}
}
