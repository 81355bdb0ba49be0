package sqlite

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nevindra/maestro"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTask(id, goal string) maestro.Task {
	now := maestro.NowUnix()
	return maestro.Task{
		ID:        id,
		Goal:      goal,
		Status:    maestro.StatusPending,
		Priority:  maestro.PriorityMedium,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestInitIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "init.db"))
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	task := newTask("t1", "написать парсер логов")
	task.Meta.Category = maestro.CategoryCoding
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Goal != task.Goal || got.Status != maestro.StatusPending {
		t.Errorf("unexpected task: %+v", got)
	}
	if got.Meta.Category != maestro.CategoryCoding {
		t.Errorf("metadata lost: %+v", got.Meta)
	}

	claimed, ok, err := s.ClaimTask(ctx, "t1", maestro.NowUnix())
	if err != nil || !ok {
		t.Fatalf("ClaimTask: ok=%v err=%v", ok, err)
	}
	if claimed.Status != maestro.StatusInProgress || claimed.AttemptCount != 1 {
		t.Errorf("claim: status=%s attempts=%d", claimed.Status, claimed.AttemptCount)
	}

	ok, err = s.TransitionTask(ctx, "t1", maestro.StatusInProgress, maestro.StatusCompleted,
		maestro.WithResult("готово", 0.8))
	if err != nil || !ok {
		t.Fatalf("TransitionTask: ok=%v err=%v", ok, err)
	}

	final, _ := s.GetTask(ctx, "t1")
	if final.Status != maestro.StatusCompleted {
		t.Errorf("status = %s, want completed", final.Status)
	}
	if final.Meta.Result != "готово" || final.Meta.ValidationScore != 0.8 {
		t.Errorf("result not stored: %+v", final.Meta)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.GetTask(context.Background(), "missing")
	if !errors.Is(err, maestro.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestClaimTaskOnlyWhenPending(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.CreateTask(ctx, newTask("t1", "goal"))

	if _, ok, _ := s.ClaimTask(ctx, "t1", 100); !ok {
		t.Fatal("first claim should win")
	}
	if _, ok, _ := s.ClaimTask(ctx, "t1", 101); ok {
		t.Error("second claim should lose: task is in_progress")
	}
	if _, ok, _ := s.ClaimTask(ctx, "missing", 102); ok {
		t.Error("claim of unknown task should report false")
	}
}

func TestTransitionTaskGuard(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.CreateTask(ctx, newTask("t1", "goal"))

	// Task is pending; an in_progress → completed transition must not apply.
	ok, err := s.TransitionTask(ctx, "t1", maestro.StatusInProgress, maestro.StatusCompleted)
	if err != nil {
		t.Fatalf("TransitionTask: %v", err)
	}
	if ok {
		t.Fatal("transition with wrong prior status should report false")
	}
	got, _ := s.GetTask(ctx, "t1")
	if got.Status != maestro.StatusPending {
		t.Errorf("row was modified: status=%s", got.Status)
	}
}

func TestTransitionAppendsAttempts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.CreateTask(ctx, newTask("t1", "goal"))

	for i, out := range []string{"первая попытка", "вторая попытка"} {
		if _, ok, _ := s.ClaimTask(ctx, "t1", int64(100+i)); !ok {
			t.Fatalf("claim %d failed", i)
		}
		ok, err := s.TransitionTask(ctx, "t1", maestro.StatusInProgress, maestro.StatusPending,
			maestro.WithLastError(maestro.FailValidation),
			maestro.WithNextRetryAt(int64(200+i)),
			maestro.WithAttemptOutput(out))
		if err != nil || !ok {
			t.Fatalf("transition %d: ok=%v err=%v", i, ok, err)
		}
	}

	got, _ := s.GetTask(ctx, "t1")
	if len(got.Meta.Attempts) != 2 || got.Meta.Attempts[0] != "первая попытка" {
		t.Errorf("attempts = %v", got.Meta.Attempts)
	}
	if got.Meta.LastError != maestro.FailValidation {
		t.Errorf("last error = %s", got.Meta.LastError)
	}
	if got.NextRetryAt != 201 {
		t.Errorf("next retry = %d, want 201", got.NextRetryAt)
	}
	if got.AttemptCount != 2 {
		t.Errorf("attempt count = %d, want 2", got.AttemptCount)
	}
}

func TestAssignTaskGuard(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.CreateTask(ctx, newTask("t1", "goal"))

	ok, err := s.AssignTask(ctx, "t1", "Ольга", maestro.FamilyMLX, "qwen3:32b")
	if err != nil || !ok {
		t.Fatalf("first assign: ok=%v err=%v", ok, err)
	}
	ok, err = s.AssignTask(ctx, "t1", "Павел", maestro.FamilyOllama, "qwen2.5:7b")
	if err != nil {
		t.Fatalf("second assign: %v", err)
	}
	if ok {
		t.Error("second assign should lose")
	}

	got, _ := s.GetTask(ctx, "t1")
	if got.Assignee != "Ольга" {
		t.Errorf("assignee = %s", got.Assignee)
	}
	if got.Meta.PreferredSource != maestro.FamilyMLX || got.Meta.PreferredModel != "qwen3:32b" {
		t.Errorf("routing hints = %+v", got.Meta)
	}
}

func TestListUnassignedTasks(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := newTask("a", "first")
	a.CreatedAt = 100
	b := newTask("b", "second")
	b.CreatedAt = 200
	c := newTask("c", "taken")
	c.CreatedAt = 50
	c.Assignee = "Иван"
	for _, task := range []maestro.Task{a, b, c} {
		s.CreateTask(ctx, task)
	}

	got, err := s.ListUnassignedTasks(ctx, 10)
	if err != nil {
		t.Fatalf("ListUnassignedTasks: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("unexpected order: %v", taskIDs(got))
	}
}

func TestPullReadyTasksOrdering(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	low := newTask("low", "низкий")
	low.Priority = maestro.PriorityLow
	low.CreatedAt = 10
	low.Assignee = "Анна"

	urgent := newTask("urgent", "срочный")
	urgent.Priority = maestro.PriorityUrgent
	urgent.CreatedAt = 300
	urgent.Assignee = "Анна"

	oldMedium := newTask("old-medium", "старый средний")
	oldMedium.CreatedAt = 20
	oldMedium.Assignee = "Анна"

	newMedium := newTask("new-medium", "новый средний")
	newMedium.CreatedAt = 30
	newMedium.Assignee = "Анна"

	backoff := newTask("backoff", "в откате")
	backoff.Priority = maestro.PriorityUrgent
	backoff.Assignee = "Анна"
	backoff.NextRetryAt = 10_000

	unassigned := newTask("unassigned", "без исполнителя")

	for _, task := range []maestro.Task{low, urgent, oldMedium, newMedium, backoff, unassigned} {
		s.CreateTask(ctx, task)
	}

	got, err := s.PullReadyTasks(ctx, 1000, 10)
	if err != nil {
		t.Fatalf("PullReadyTasks: %v", err)
	}
	want := []string{"urgent", "old-medium", "new-medium", "low"}
	ids := taskIDs(got)
	if len(ids) != len(want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("got %v, want %v", ids, want)
		}
	}
}

func TestSweepStuckTasks(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.CreateTask(ctx, newTask("stale", "застрял"))
	s.CreateTask(ctx, newTask("fresh", "работает"))
	if _, ok, _ := s.ClaimTask(ctx, "stale", 100); !ok {
		t.Fatal("claim stale")
	}
	if _, ok, _ := s.ClaimTask(ctx, "fresh", 950); !ok {
		t.Fatal("claim fresh")
	}

	n, err := s.SweepStuckTasks(ctx, 900, 1000)
	if err != nil {
		t.Fatalf("SweepStuckTasks: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}

	stale, _ := s.GetTask(ctx, "stale")
	if stale.Status != maestro.StatusPending {
		t.Errorf("stale status = %s, want pending", stale.Status)
	}
	if stale.AttemptCount != 1 {
		t.Errorf("sweep must not change attempt count, got %d", stale.AttemptCount)
	}
	fresh, _ := s.GetTask(ctx, "fresh")
	if fresh.Status != maestro.StatusInProgress {
		t.Errorf("fresh status = %s, want in_progress", fresh.Status)
	}
}

func TestCountTasksByStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.CreateTask(ctx, newTask("a", "one"))
	s.CreateTask(ctx, newTask("b", "two"))
	s.CreateTask(ctx, newTask("c", "three"))
	s.ClaimTask(ctx, "c", 100)

	counts, err := s.CountTasksByStatus(ctx)
	if err != nil {
		t.Fatalf("CountTasksByStatus: %v", err)
	}
	if counts[maestro.StatusPending] != 2 || counts[maestro.StatusInProgress] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestConcurrentClaimsSingleWinner(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.CreateTask(ctx, newTask("t1", "goal"))

	const n = 10
	wins := make(chan bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.ClaimTask(ctx, "t1", maestro.NowUnix())
			if err != nil {
				t.Errorf("ClaimTask: %v", err)
			}
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for ok := range wins {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("claim winners = %d, want 1", winners)
	}
	got, _ := s.GetTask(ctx, "t1")
	if got.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", got.AttemptCount)
	}
}

func TestUpsertExpertsPreservesStats(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seed := []maestro.Expert{{Name: "Ольга", Role: "Backend инженер", Department: "engineering", SuccessRate: 0.5}}
	if err := s.UpsertExperts(ctx, seed); err != nil {
		t.Fatalf("UpsertExperts: %v", err)
	}
	if err := s.AdjustExpertWorkload(ctx, "Ольга", 2); err != nil {
		t.Fatalf("AdjustExpertWorkload: %v", err)
	}
	if err := s.RecordExpertOutcome(ctx, "Ольга", true); err != nil {
		t.Fatalf("RecordExpertOutcome: %v", err)
	}

	// Re-sync from seed with a changed role: stats must survive.
	seed[0].Role = "Старший инженер"
	seed[0].SuccessRate = 0.5
	if err := s.UpsertExperts(ctx, seed); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	experts, err := s.ListExperts(ctx)
	if err != nil || len(experts) != 1 {
		t.Fatalf("ListExperts: %v (%d)", err, len(experts))
	}
	e := experts[0]
	if e.Role != "Старший инженер" {
		t.Errorf("role not updated: %s", e.Role)
	}
	if e.Workload != 2 {
		t.Errorf("workload reset by upsert: %d", e.Workload)
	}
	if math.Abs(e.SuccessRate-0.55) > 1e-6 {
		t.Errorf("success rate = %f, want 0.55", e.SuccessRate)
	}
}

func TestAdjustExpertWorkloadFloor(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.UpsertExperts(ctx, []maestro.Expert{{Name: "Иван", Department: "general"}})

	s.AdjustExpertWorkload(ctx, "Иван", -5)
	experts, _ := s.ListExperts(ctx)
	if experts[0].Workload != 0 {
		t.Errorf("workload went negative: %d", experts[0].Workload)
	}
}

func TestKnowledgeSearchOrdering(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	nodes := []maestro.KnowledgeNode{
		{ID: "near", Content: "ближний", Embedding: []float32{1, 0, 0}, Confidence: 0.5},
		{ID: "far", Content: "дальний", Embedding: []float32{0, 1, 0}, Confidence: 0.9},
		{ID: "no-emb", Content: "без вектора", Confidence: 1.0},
	}
	for _, n := range nodes {
		if err := s.UpsertNode(ctx, n); err != nil {
			t.Fatalf("UpsertNode: %v", err)
		}
	}

	got, err := s.SearchNodes(ctx, []float32{1, 0, 0}, 10)
	if err != nil {
		t.Fatalf("SearchNodes: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("returned %d nodes, want 2 (no-emb excluded)", len(got))
	}
	if got[0].ID != "near" || got[1].ID != "far" {
		t.Errorf("order: %s, %s", got[0].ID, got[1].ID)
	}
	if got[0].Score < 0.99 {
		t.Errorf("near score = %f", got[0].Score)
	}
}

func TestKnowledgeSearchTieBreaksOnConfidence(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	emb := []float32{0.5, 0.5}
	s.UpsertNode(ctx, maestro.KnowledgeNode{ID: "low-conf", Content: "a", Embedding: emb, Confidence: 0.3})
	s.UpsertNode(ctx, maestro.KnowledgeNode{ID: "high-conf", Content: "b", Embedding: emb, Confidence: 0.9})

	got, err := s.SearchNodes(ctx, emb, 2)
	if err != nil || len(got) != 2 {
		t.Fatalf("SearchNodes: %v (%d)", err, len(got))
	}
	if got[0].ID != "high-conf" {
		t.Errorf("equal scores should order by confidence, got %s first", got[0].ID)
	}
}

func TestKeywordSearchCyrillicCaseFolding(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.UpsertNode(ctx, maestro.KnowledgeNode{ID: "std", Content: "Стандарт кодирования на Go", Confidence: 0.8})
	s.UpsertNode(ctx, maestro.KnowledgeNode{ID: "other", Content: "Регламент отпусков", Confidence: 0.9})

	got, err := s.SearchNodesKeyword(ctx, []string{"СТАНДАРТ"}, 10)
	if err != nil {
		t.Fatalf("SearchNodesKeyword: %v", err)
	}
	if len(got) != 1 || got[0].ID != "std" {
		t.Errorf("got %v", nodeIDs(got))
	}

	if got, _ := s.SearchNodesKeyword(ctx, nil, 10); got != nil {
		t.Errorf("empty terms should return nothing, got %v", nodeIDs(got))
	}
}

func TestUpsertNodeWithoutEmbeddingKeepsStored(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.UpsertNode(ctx, maestro.KnowledgeNode{ID: "n", Content: "v1", Embedding: []float32{1, 0}})
	s.UpsertNode(ctx, maestro.KnowledgeNode{ID: "n", Content: "v2"})

	got, err := s.SearchNodes(ctx, []float32{1, 0}, 1)
	if err != nil || len(got) != 1 {
		t.Fatalf("SearchNodes after re-upsert: %v (%d)", err, len(got))
	}
	if got[0].Content != "v2" {
		t.Errorf("content = %s, want v2", got[0].Content)
	}
}

func TestIncrementNodeUsage(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.UpsertNode(ctx, maestro.KnowledgeNode{ID: "a", Content: "первый", Confidence: 0.9})
	s.UpsertNode(ctx, maestro.KnowledgeNode{ID: "b", Content: "второй", Confidence: 0.8})

	if err := s.IncrementNodeUsage(ctx, []string{"a"}); err != nil {
		t.Fatalf("IncrementNodeUsage: %v", err)
	}
	got, _ := s.SearchNodesKeyword(ctx, []string{"перв", "втор"}, 10)
	for _, n := range got {
		want := 0
		if n.ID == "a" {
			want = 1
		}
		if n.UsageCount != want {
			t.Errorf("node %s usage = %d, want %d", n.ID, n.UsageCount, want)
		}
	}
}

func TestBoardDecisionRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	d := maestro.BoardDecision{
		ID:          maestro.NewID(),
		TaskID:      "t1",
		Decision:    "Упростить задачу и повторить",
		Rationale:   "Три попытки упали на валидации",
		Risks:       []string{"потеря контекста"},
		Confidence:  0.7,
		HumanReview: true,
		CreatedAt:   100,
	}
	if err := s.SaveDecision(ctx, d); err != nil {
		t.Fatalf("SaveDecision: %v", err)
	}

	got, found, err := s.DecisionForTask(ctx, "t1")
	if err != nil || !found {
		t.Fatalf("DecisionForTask: found=%v err=%v", found, err)
	}
	if got.Decision != d.Decision || !got.HumanReview || len(got.Risks) != 1 {
		t.Errorf("round trip mismatch: %+v", got)
	}

	// A later decision for the same task supersedes the first.
	d2 := d
	d2.ID = maestro.NewID()
	d2.Decision = "Передать человеку"
	d2.CreatedAt = 200
	s.SaveDecision(ctx, d2)
	got, _, _ = s.DecisionForTask(ctx, "t1")
	if got.Decision != "Передать человеку" {
		t.Errorf("want newest decision, got %q", got.Decision)
	}

	if _, found, _ := s.DecisionForTask(ctx, "unknown"); found {
		t.Error("unknown task should report found=false")
	}
}

func TestCosineSimilarity(t *testing.T) {
	// Identical vectors = 1.0
	s := cosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3})
	if math.Abs(float64(s)-1.0) > 1e-6 {
		t.Errorf("identical vectors: expected ~1.0, got %f", s)
	}

	// Orthogonal vectors = 0.0
	s = cosineSimilarity([]float32{1, 0}, []float32{0, 1})
	if math.Abs(float64(s)) > 1e-6 {
		t.Errorf("orthogonal vectors: expected ~0.0, got %f", s)
	}

	// Mismatched lengths = 0.0
	s = cosineSimilarity([]float32{1, 0}, []float32{1, 0, 0})
	if s != 0 {
		t.Errorf("mismatched lengths: expected 0, got %f", s)
	}
}

func taskIDs(tasks []maestro.Task) []string {
	ids := make([]string, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}
	return ids
}

func nodeIDs(nodes []maestro.KnowledgeNode) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}
