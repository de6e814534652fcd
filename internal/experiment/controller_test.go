package experiment

import (
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"promptlab/internal/cache"
	"promptlab/internal/db"
)

type testEnv struct {
	gdb     *gorm.DB
	ctrl    *Controller
	prompts *db.PromptStore
	exps    *db.ExperimentStore
	cache   *cache.VersionCache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	path := filepath.Join(t.TempDir(), "promptlab.db")
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	prompts := db.NewPromptStore(gdb)
	exps := db.NewExperimentStore(gdb)
	vc := cache.New(prompts, time.Minute)
	return &testEnv{
		gdb:     gdb,
		ctrl:    NewController(prompts, exps, vc),
		prompts: prompts,
		exps:    exps,
		cache:   vc,
	}
}

// seedVersions creates n versions of the named prompt. Version 1 is
// the active one, per the store's first-version rule.
func (e *testEnv) seedVersions(t *testing.T, name string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		if _, err := e.prompts.CreateVersion(name, "template {x}", []string{"x"}, "tester"); err != nil {
			t.Fatalf("CreateVersion #%d failed: %v", i, err)
		}
	}
}

func (e *testEnv) startTest(t *testing.T, name string, split int) string {
	t.Helper()
	id, err := e.ctrl.StartTest(name, 1, 2, split, 0, "")
	if err != nil {
		t.Fatalf("StartTest failed: %v", err)
	}
	return id
}

func TestStartTest(t *testing.T) {
	env := newTestEnv(t)
	env.seedVersions(t, "greeting", 2)

	id := env.startTest(t, "greeting", 50)
	exp, err := env.exps.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if exp.Status != db.StatusRunning {
		t.Errorf("status = %q, want running", exp.Status)
	}
	if exp.MinSamples != 100 {
		t.Errorf("min samples = %d, want default 100", exp.MinSamples)
	}
}

func TestStartTest_Validation(t *testing.T) {
	env := newTestEnv(t)
	env.seedVersions(t, "greeting", 2)

	if _, err := env.ctrl.StartTest("greeting", 1, 1, 50, 0, ""); !db.IsValidation(err) {
		t.Errorf("identical versions = %v, want validation", err)
	}
	if _, err := env.ctrl.StartTest("greeting", 1, 2, 101, 0, ""); !db.IsValidation(err) {
		t.Errorf("split 101 = %v, want validation", err)
	}
	if _, err := env.ctrl.StartTest("greeting", 1, 9, 50, 0, ""); !db.IsNotFound(err) {
		t.Errorf("unknown version = %v, want not found", err)
	}
	if _, err := env.ctrl.StartTest("missing", 1, 2, 50, 0, ""); !db.IsNotFound(err) {
		t.Errorf("unknown prompt = %v, want not found", err)
	}
}

func TestStartTest_OneRunningPerPrompt(t *testing.T) {
	env := newTestEnv(t)
	env.seedVersions(t, "greeting", 2)

	env.startTest(t, "greeting", 50)
	if _, err := env.ctrl.StartTest("greeting", 1, 2, 50, 0, ""); !db.IsConflict(err) {
		t.Errorf("second start = %v, want conflict", err)
	}
}

func TestRouteRequest_NoExperiment(t *testing.T) {
	env := newTestEnv(t)
	env.seedVersions(t, "greeting", 1)

	_, ok, err := env.ctrl.RouteRequest("greeting")
	if err != nil {
		t.Fatalf("RouteRequest failed: %v", err)
	}
	if ok {
		t.Error("ok = true, want false when nothing is running")
	}
}

func TestRouteRequest_SplitBoundaries(t *testing.T) {
	env := newTestEnv(t)
	env.seedVersions(t, "greeting", 2)
	env.startTest(t, "greeting", 70)

	// Draw of exactly the split goes to A; one above goes to B.
	env.ctrl.draw = func() int { return 70 }
	version, ok, err := env.ctrl.RouteRequest("greeting")
	if err != nil || !ok {
		t.Fatalf("RouteRequest = (%v, %v)", ok, err)
	}
	if version != 1 {
		t.Errorf("draw at split = version %d, want 1", version)
	}

	env.ctrl.draw = func() int { return 71 }
	version, _, _ = env.ctrl.RouteRequest("greeting")
	if version != 2 {
		t.Errorf("draw above split = version %d, want 2", version)
	}
}

func TestRouteRequest_ExtremeSplits(t *testing.T) {
	env := newTestEnv(t)
	env.seedVersions(t, "greeting", 2)
	env.seedVersions(t, "summary", 2)

	env.startTest(t, "greeting", 100)
	env.startTest(t, "summary", 0)

	for draw := 1; draw <= 100; draw++ {
		d := draw
		env.ctrl.draw = func() int { return d }

		version, _, _ := env.ctrl.RouteRequest("greeting")
		if version != 1 {
			t.Fatalf("split 100, draw %d = version %d, want 1", d, version)
		}
		version, _, _ = env.ctrl.RouteRequest("summary")
		if version != 2 {
			t.Fatalf("split 0, draw %d = version %d, want 2", d, version)
		}
	}
}

func TestRouteRequest_Distribution(t *testing.T) {
	env := newTestEnv(t)
	env.seedVersions(t, "greeting", 2)
	env.startTest(t, "greeting", 30)

	// Sweep every draw value once: the observed shares must match the
	// split exactly for a uniform draw.
	countA := 0
	for draw := 1; draw <= 100; draw++ {
		d := draw
		env.ctrl.draw = func() int { return d }
		version, ok, err := env.ctrl.RouteRequest("greeting")
		if err != nil || !ok {
			t.Fatalf("RouteRequest = (%v, %v)", ok, err)
		}
		if version == 1 {
			countA++
		}
	}
	if countA != 30 {
		t.Errorf("version 1 drew %d of 100, want 30", countA)
	}
}

func TestRecordResult(t *testing.T) {
	env := newTestEnv(t)
	env.seedVersions(t, "greeting", 2)
	id := env.startTest(t, "greeting", 50)

	if err := env.ctrl.RecordResult("greeting", 1, "trace-1", true, 0.4, nil); err != nil {
		t.Fatalf("RecordResult failed: %v", err)
	}

	aggs, err := env.exps.Aggregate(id)
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if aggs[1].Requests != 1 {
		t.Errorf("requests = %d, want 1", aggs[1].Requests)
	}
}

func TestRecordResult_NoActiveExperimentIsNoop(t *testing.T) {
	env := newTestEnv(t)
	env.seedVersions(t, "greeting", 1)

	// A report arriving when nothing is running is dropped, not failed:
	// the reporter may have routed before the experiment ended.
	if err := env.ctrl.RecordResult("greeting", 1, "trace-1", true, 0.4, nil); err != nil {
		t.Errorf("RecordResult = %v, want nil", err)
	}
}

func TestRecordResult_ForeignVersionRejected(t *testing.T) {
	env := newTestEnv(t)
	env.seedVersions(t, "greeting", 3)
	env.startTest(t, "greeting", 50)

	if err := env.ctrl.RecordResult("greeting", 3, "trace-1", true, 0.4, nil); !db.IsValidation(err) {
		t.Errorf("RecordResult = %v, want validation", err)
	}
}

func TestCompleteTest_PromotesWinner(t *testing.T) {
	env := newTestEnv(t)
	env.seedVersions(t, "greeting", 2)
	id := env.startTest(t, "greeting", 50)

	// Warm the cache so promotion has a stale entry to invalidate.
	if active, err := env.cache.Get("greeting"); err != nil || active.Version != 1 {
		t.Fatalf("cache.Get = (%+v, %v), want version 1", active, err)
	}

	// Version 2 wins decisively: same speed, double the success rate.
	for i := 0; i < 50; i++ {
		if err := env.ctrl.RecordResult("greeting", 1, "", i%2 == 0, 1.0, nil); err != nil {
			t.Fatalf("RecordResult failed: %v", err)
		}
		if err := env.ctrl.RecordResult("greeting", 2, "", true, 1.0, nil); err != nil {
			t.Fatalf("RecordResult failed: %v", err)
		}
	}

	winner, err := env.ctrl.CompleteTest(id, true)
	if err != nil {
		t.Fatalf("CompleteTest failed: %v", err)
	}
	if winner == nil || *winner != 2 {
		t.Fatalf("winner = %v, want 2", winner)
	}

	exp, err := env.exps.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if exp.Status != db.StatusCompleted {
		t.Errorf("status = %q, want completed", exp.Status)
	}
	if exp.WinnerVersion == nil || *exp.WinnerVersion != 2 {
		t.Errorf("recorded winner = %v, want 2", exp.WinnerVersion)
	}

	// Promotion moved the pointer and invalidated the cache: the next
	// cached read must see the winner, not the warmed entry.
	active, err := env.cache.Get("greeting")
	if err != nil {
		t.Fatalf("cache.Get failed: %v", err)
	}
	if active.Version != 2 {
		t.Errorf("active after promotion = %d, want 2", active.Version)
	}
}

func TestCompleteTest_NoWinnerNoPromotion(t *testing.T) {
	env := newTestEnv(t)
	env.seedVersions(t, "greeting", 2)
	id := env.startTest(t, "greeting", 50)

	// Statistically indistinguishable arms.
	for i := 0; i < 20; i++ {
		if err := env.ctrl.RecordResult("greeting", 1, "", true, 1.0, nil); err != nil {
			t.Fatalf("RecordResult failed: %v", err)
		}
		if err := env.ctrl.RecordResult("greeting", 2, "", true, 1.0, nil); err != nil {
			t.Fatalf("RecordResult failed: %v", err)
		}
	}

	winner, err := env.ctrl.CompleteTest(id, true)
	if err != nil {
		t.Fatalf("CompleteTest failed: %v", err)
	}
	if winner != nil {
		t.Errorf("winner = %d, want none", *winner)
	}

	active, err := env.prompts.GetActive("greeting")
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if active.Version != 1 {
		t.Errorf("active = %d, want 1 (no promotion without a winner)", active.Version)
	}
}

func TestCompleteTest_FailedPromotionLeavesTestRunning(t *testing.T) {
	env := newTestEnv(t)
	env.seedVersions(t, "greeting", 2)
	id := env.startTest(t, "greeting", 50)

	// Version 2 wins decisively.
	for i := 0; i < 50; i++ {
		if err := env.ctrl.RecordResult("greeting", 1, "", i%2 == 0, 1.0, nil); err != nil {
			t.Fatalf("RecordResult failed: %v", err)
		}
		if err := env.ctrl.RecordResult("greeting", 2, "", true, 1.0, nil); err != nil {
			t.Fatalf("RecordResult failed: %v", err)
		}
	}

	// Break the promotion target out from under the controller.
	if err := env.gdb.Where("name = ? AND version = ?", "greeting", 2).
		Delete(&db.PromptVersion{}).Error; err != nil {
		t.Fatalf("delete version failed: %v", err)
	}

	if _, err := env.ctrl.CompleteTest(id, true); !db.IsNotFound(err) {
		t.Fatalf("CompleteTest = %v, want not found", err)
	}

	// Promotion ran first and failed, so no terminal transition was
	// written: the experiment is still running and can be completed
	// again once the problem is resolved.
	exp, err := env.exps.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if exp.Status != db.StatusRunning {
		t.Errorf("status = %q, want running", exp.Status)
	}
	if exp.WinnerVersion != nil {
		t.Errorf("winner = %v, want none", exp.WinnerVersion)
	}

	active, err := env.prompts.GetActive("greeting")
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if active.Version != 1 {
		t.Errorf("active = %d, want 1", active.Version)
	}

	winner, err := env.ctrl.CompleteTest(id, false)
	if err != nil {
		t.Fatalf("retry without promotion failed: %v", err)
	}
	if winner == nil || *winner != 2 {
		t.Errorf("winner on retry = %v, want 2", winner)
	}
}

func TestCompleteTest_AlreadyTerminal(t *testing.T) {
	env := newTestEnv(t)
	env.seedVersions(t, "greeting", 2)
	id := env.startTest(t, "greeting", 50)

	if err := env.ctrl.CancelTest(id); err != nil {
		t.Fatalf("CancelTest failed: %v", err)
	}
	if _, err := env.ctrl.CompleteTest(id, false); !db.IsState(err) {
		t.Errorf("CompleteTest after cancel = %v, want state error", err)
	}
}

func TestCancelTest(t *testing.T) {
	env := newTestEnv(t)
	env.seedVersions(t, "greeting", 2)
	id := env.startTest(t, "greeting", 50)

	if err := env.ctrl.CancelTest(id); err != nil {
		t.Fatalf("CancelTest failed: %v", err)
	}

	exp, err := env.exps.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if exp.Status != db.StatusCancelled {
		t.Errorf("status = %q, want cancelled", exp.Status)
	}
	if exp.WinnerVersion != nil {
		t.Errorf("winner = %v, want none", exp.WinnerVersion)
	}

	// Routing falls back once nothing is running.
	if _, ok, _ := env.ctrl.RouteRequest("greeting"); ok {
		t.Error("RouteRequest ok = true after cancel, want false")
	}
}

func TestGetStatistics(t *testing.T) {
	env := newTestEnv(t)
	env.seedVersions(t, "greeting", 2)
	id := env.startTest(t, "greeting", 50)

	if err := env.ctrl.RecordResult("greeting", 1, "", true, 1.0, nil); err != nil {
		t.Fatalf("RecordResult failed: %v", err)
	}
	if err := env.ctrl.RecordResult("greeting", 2, "", false, 2.0, nil); err != nil {
		t.Fatalf("RecordResult failed: %v", err)
	}

	stats, err := env.ctrl.GetStatistics(id)
	if err != nil {
		t.Fatalf("GetStatistics failed: %v", err)
	}
	if stats.TestID != id || stats.PromptName != "greeting" {
		t.Errorf("identity = %s/%s", stats.TestID, stats.PromptName)
	}
	if stats.VersionA.Requests != 1 || stats.VersionA.SuccessRate != 1.0 {
		t.Errorf("version A = %+v", stats.VersionA)
	}
	if stats.VersionB.Requests != 1 || stats.VersionB.SuccessRate != 0.0 {
		t.Errorf("version B = %+v", stats.VersionB)
	}

	if _, err := env.ctrl.GetStatistics("missing"); !db.IsNotFound(err) {
		t.Errorf("GetStatistics(missing) = %v, want not found", err)
	}
}

func TestUpdateSplitThroughController(t *testing.T) {
	env := newTestEnv(t)
	env.seedVersions(t, "greeting", 2)
	id := env.startTest(t, "greeting", 50)

	if err := env.ctrl.UpdateSplit(id, 90); err != nil {
		t.Fatalf("UpdateSplit failed: %v", err)
	}
	exp, err := env.exps.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if exp.SplitPercentage != 90 {
		t.Errorf("split = %d, want 90", exp.SplitPercentage)
	}
}
