package policy

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
)

func problem(kind contracts.ProblemKind, class contracts.DataClassification) *contracts.ProblemSpec {
	return &contracts.ProblemSpec{ID: "p1", Kind: kind, ClientID: "c1", DataClassification: class, Size: contracts.ProblemSize{Variables: 4}, Units: 16}
}

func TestEngine_Ordering(t *testing.T) {
	rules := []Rule{
		{ID: "truncate", Priority: 20, When: `problem.kind == "TEXT_GENERATION"`, Effect: contracts.VerdictAllowWithChange,
			Modify: &contracts.Modification{TruncatePromptChars: 100}},
		{ID: "cost-cap", Priority: 10, When: `cost_estimate > 50`, Effect: contracts.VerdictDeny},
		{ID: "cheap-tier", Priority: 15, Stage: contracts.StagePre, When: `problem.classification_rank <= 1`, Effect: contracts.VerdictAllowWithChange,
			Modify: &contracts.Modification{MaxCostPerUnit: 0.5}},
		{ID: "regulated", Priority: 30, When: `problem.data_classification == "REGULATED"`, Effect: contracts.VerdictDeny},
		{ID: "audit", Priority: 5, When: `true`, Effect: contracts.VerdictAllow},
	}
	e, err := NewEngine(rules, WithIDGenerator(func() string { return "d1" }))
	require.NoError(t, err)
	assert.Equal(t, []string{"audit", "cost-cap", "cheap-tier", "truncate", "regulated"}, ids(e.Rules()))

	t.Run("no match allows", func(t *testing.T) {
		d := e.Evaluate(context.Background(), contracts.StagePost, Subject{Problem: problem(contracts.KindQUBO, contracts.ClassPublic)})
		assert.Equal(t, contracts.VerdictAllow, d.Verdict)
		assert.Equal(t, []string{"audit"}, d.Reasons)
		assert.Equal(t, "d1", d.DecisionID)
	})

	t.Run("deny short-circuits", func(t *testing.T) {
		d := e.Evaluate(context.Background(), contracts.StagePre, Subject{Problem: problem(contracts.KindTextGeneration, contracts.ClassRegulated), CostEstimate: 80})
		assert.Equal(t, contracts.VerdictDeny, d.Verdict)
		assert.Equal(t, []string{"audit", "cost-cap"}, d.Reasons)
		assert.Nil(t, d.Modification)
		assert.Equal(t, contracts.SubjectProblem, d.SubjectKind)
	})

	t.Run("highest priority modification wins", func(t *testing.T) {
		d := e.Evaluate(context.Background(), contracts.StagePre, Subject{Problem: problem(contracts.KindTextGeneration, contracts.ClassPublic)})
		assert.Equal(t, contracts.VerdictAllowWithChange, d.Verdict)
		assert.Equal(t, []string{"audit", "cheap-tier", "truncate"}, d.Reasons)
		assert.Equal(t, 0.5, d.Modification.MaxCostPerUnit)
		assert.Zero(t, d.Modification.TruncatePromptChars)
	})

	t.Run("later deny overrides modification", func(t *testing.T) {
		d := e.Evaluate(context.Background(), contracts.StagePost, Subject{Problem: problem(contracts.KindTextGeneration, contracts.ClassRegulated)})
		assert.Equal(t, contracts.VerdictDeny, d.Verdict)
		assert.Equal(t, []string{"audit", "truncate", "regulated"}, d.Reasons)
	})
}

func TestEngine_OrderingExtremePriorities(t *testing.T) {
	e, err := NewEngine([]Rule{
		{ID: "max", Priority: math.MaxInt, When: `true`, Effect: contracts.VerdictAllow},
		{ID: "min", Priority: math.MinInt, When: `true`, Effect: contracts.VerdictAllow},
		{ID: "zero", Priority: 0, When: `true`, Effect: contracts.VerdictAllow},
		{ID: "zero-later", Priority: 0, When: `true`, Effect: contracts.VerdictAllow},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"min", "zero", "zero-later", "max"}, ids(e.Rules()))
}

func ids(rules []Rule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.ID
	}
	return out
}

func TestEngine_PostSeesResult(t *testing.T) {
	e, err := NewEngine([]Rule{{
		ID: "pii-in-output", Priority: 1, Stage: contracts.StagePost,
		When:   `has(result.text) && result.text.contains("SSN")`,
		Effect: contracts.VerdictDeny,
	}})
	require.NoError(t, err)

	job := &contracts.Job{JobID: "j1"}
	d := e.Evaluate(context.Background(), contracts.StagePost, Subject{
		Problem: problem(contracts.KindTextGeneration, contracts.ClassPublic),
		Job:     job,
		Result:  &contracts.Result{Text: "your SSN is"},
	})
	assert.True(t, d.Denied())
	assert.Equal(t, contracts.SubjectJob, d.SubjectKind)
	assert.Equal(t, "j1", d.SubjectID)

	d = e.Evaluate(context.Background(), contracts.StagePre, Subject{Problem: problem(contracts.KindTextGeneration, contracts.ClassPublic)})
	assert.False(t, d.Denied(), "POST rule ignored at PRE")
}

func TestEngine_EvalErrorDenies(t *testing.T) {
	e, err := NewEngine([]Rule{{ID: "broken", Priority: 1, When: `provider.jurisdiction == "EU"`, Effect: contracts.VerdictDeny}})
	require.NoError(t, err)
	d := e.Evaluate(context.Background(), contracts.StagePre, Subject{Problem: problem(contracts.KindQUBO, contracts.ClassPublic)})
	assert.True(t, d.Denied())
	assert.Equal(t, []string{"broken"}, d.Reasons)
}

func TestNewEngine_Rejects(t *testing.T) {
	for name, r := range map[string]Rule{
		"syntax":           {ID: "a", When: `problem.kind ==`, Effect: contracts.VerdictDeny},
		"non-bool":         {ID: "a", When: `cost_estimate + 1.0`, Effect: contracts.VerdictDeny},
		"bad effect":       {ID: "a", When: `true`, Effect: "MAYBE"},
		"no modification":  {ID: "a", When: `true`, Effect: contracts.VerdictAllowWithChange},
		"bad stage":        {ID: "a", When: `true`, Effect: contracts.VerdictDeny, Stage: "MID"},
		"no id":            {When: `true`, Effect: contracts.VerdictDeny},
		"pre reads result": {ID: "a", Stage: contracts.StagePre, When: `has(result.output)`, Effect: contracts.VerdictDeny},
	} {
		_, err := NewEngine([]Rule{r})
		assert.Error(t, err, name)
	}
}

func TestVariables(t *testing.T) {
	env, err := NewEnv()
	require.NoError(t, err)
	ast, issues := env.Compile(`problem.kind == "QUBO" && provider.supported_kinds.exists(k, k == problem.kind) && cost_estimate > 1`)
	require.NoError(t, issues.Err())
	vars, err := Variables(ast)
	require.NoError(t, err)
	assert.Equal(t, []string{"cost_estimate", "problem", "provider"}, vars)

	_, err = NewEngine([]Rule{{ID: "post", Stage: contracts.StagePost, When: `job.attempt_count > 1`, Effect: contracts.VerdictDeny}})
	assert.NoError(t, err)
}

func testTrackers(t *testing.T) map[string]SpendTracker {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]SpendTracker{
		"memory": NewMemorySpendTracker(time.Hour),
		"redis":  NewRedisSpendTracker(client, time.Hour),
	}
}

func TestSpendTrackers(t *testing.T) {
	for name, tracker := range testTrackers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, err := tracker.Reserve(ctx, "c1", 6, 10)
			require.NoError(t, err)
			assert.True(t, a.Allowed)
			assert.Zero(t, a.WindowSpend)

			b, err := tracker.Reserve(ctx, "c1", 5, 10)
			require.NoError(t, err)
			assert.False(t, b.Allowed)
			assert.Equal(t, 6.0, b.WindowSpend)

			other, err := tracker.Reserve(ctx, "c2", 5, 10)
			require.NoError(t, err)
			assert.True(t, other.Allowed, "clients are independent")

			require.NoError(t, tracker.Settle(ctx, a, 2.5))
			spent, err := tracker.Spend(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, 2.5, spent)

			c, err := tracker.Reserve(ctx, "c1", 7.5, 10)
			require.NoError(t, err)
			assert.True(t, c.Allowed)

			require.NoError(t, tracker.Release(ctx, c))
			spent, err = tracker.Spend(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, 2.5, spent)

			unlimited, err := tracker.Reserve(ctx, "c1", 1e9, 0)
			require.NoError(t, err)
			assert.True(t, unlimited.Allowed)
		})
	}
}

func TestSpendTrackers_ConcurrentReserveNeverOvershoots(t *testing.T) {
	for name, tracker := range testTrackers(t) {
		t.Run(name, func(t *testing.T) {
			var (
				wg      sync.WaitGroup
				allowed atomic.Int32
			)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					r, err := tracker.Reserve(context.Background(), "burst", 1, 5)
					if err == nil && r.Allowed {
						allowed.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(5), allowed.Load())
		})
	}
}

func TestMemorySpendTracker_WindowExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewMemorySpendTracker(time.Hour).WithClock(func() time.Time { return now })
	_, err := tr.Reserve(context.Background(), "c1", 10, 10)
	require.NoError(t, err)

	now = now.Add(61 * time.Minute)
	r, err := tr.Reserve(context.Background(), "c1", 10, 10)
	require.NoError(t, err)
	assert.True(t, r.Allowed)
	assert.Zero(t, r.WindowSpend)
}

func TestGovernor_PreCheck(t *testing.T) {
	e, err := NewEngine([]Rule{{ID: "cap", Priority: 1, When: `cost_estimate > 100`, Effect: contracts.VerdictDeny}})
	require.NoError(t, err)
	tracker := NewMemorySpendTracker(time.Hour)
	g := NewGovernor(e, tracker, Ceilings{Default: 30, PerClient: map[string]float64{"vip": 0}})
	ctx := context.Background()

	d, r, err := g.PreCheck(ctx, Subject{Problem: problem(contracts.KindQUBO, contracts.ClassPublic), CostEstimate: 200})
	require.NoError(t, err)
	assert.True(t, d.Denied())
	assert.False(t, r.Allowed, "denied requests reserve nothing")

	d, r, err = g.PreCheck(ctx, Subject{Problem: problem(contracts.KindQUBO, contracts.ClassPublic), CostEstimate: 20})
	require.NoError(t, err)
	assert.False(t, d.Denied())
	assert.True(t, r.Allowed)

	d, _, err = g.PreCheck(ctx, Subject{Problem: problem(contracts.KindQUBO, contracts.ClassPublic), CostEstimate: 20})
	require.NoError(t, err)
	assert.True(t, d.Denied())
	assert.Equal(t, []string{RuleSpendCeiling}, d.Reasons)
	assert.Equal(t, 20.0, d.WindowSpend)

	require.NoError(t, g.Release(ctx, r))
	spent, _ := tracker.Spend(ctx, "c1")
	assert.Zero(t, spent)

	vip := problem(contracts.KindQUBO, contracts.ClassPublic)
	vip.ClientID = "vip"
	d, _, err = g.PreCheck(ctx, Subject{Problem: vip, CostEstimate: 99})
	require.NoError(t, err)
	assert.False(t, d.Denied(), "zero ceiling is unlimited")
}
