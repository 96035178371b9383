package rule

import (
	"context"
	"testing"
)

func newEngine(t *testing.T) *CelEngine {
	t.Helper()
	engine, err := NewCelEngine()
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func TestEligible_EmptyRulePasses(t *testing.T) {
	engine := newEngine(t)
	ok, err := engine.Eligible(context.Background(), "", map[string]interface{}{"user_id": "u1"})
	if err != nil || !ok {
		t.Fatalf("empty rule: ok=%v err=%v", ok, err)
	}
}

func TestEligible_Verdict(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()
	rule := `user_id.startsWith("vip-") && activity_id != ""`

	fact := map[string]interface{}{
		"user_id":     "vip-42",
		"activity_id": "act-1",
		"sku_id":      "sku-1",
	}
	ok, err := engine.Eligible(ctx, rule, fact)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !ok {
		t.Error("vip user should be eligible")
	}

	fact["user_id"] = "guest-7"
	ok, err = engine.Eligible(ctx, rule, fact)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if ok {
		t.Error("guest user should not be eligible")
	}
}

func TestEligible_InvalidRule(t *testing.T) {
	engine := newEngine(t)
	if _, err := engine.Eligible(context.Background(), "user_id ===", nil); err == nil {
		t.Fatal("invalid rule must return an error")
	}
}

func TestEligible_CachesCompiledProgram(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()
	rule := `user_id != ""`
	fact := map[string]interface{}{"user_id": "u1", "activity_id": "a", "sku_id": "s"}

	for i := 0; i < 3; i++ {
		if ok, err := engine.Eligible(ctx, rule, fact); err != nil || !ok {
			t.Fatalf("round %d: ok=%v err=%v", i, ok, err)
		}
	}
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	if len(engine.programs) != 1 {
		t.Errorf("program cache size = %d, want 1", len(engine.programs))
	}
}
