package sampler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/eunmann/cache-audit/pkg/kvstore"
)

func seededStore(t *testing.T, n int) *kvstore.Memory {
	t.Helper()
	m := kvstore.NewMemory(kvstore.MemoryConfig{Seed: 7})
	for i := 0; i < n; i++ {
		if err := m.Set(context.Background(), fmt.Sprintf("user:profile:%d", i), []byte("v"), 0); err != nil {
			t.Fatal(err)
		}
	}
	return m
}

// lyingStore reports a fixed population and can fail draws.
type lyingStore struct {
	*kvstore.Memory
	population int64
	popErr     error
	drawErr    error
}

func (s *lyingStore) PopulationSize(ctx context.Context) (int64, error) {
	if s.popErr != nil {
		return 0, s.popErr
	}
	return s.population, nil
}

func (s *lyingStore) RandomKey(ctx context.Context) (string, bool, error) {
	if s.drawErr != nil {
		return "", false, s.drawErr
	}
	return s.Memory.RandomKey(ctx)
}

func TestSampleReachesTarget(t *testing.T) {
	store := seededStore(t, 1000)

	res, err := Sample(context.Background(), store, Config{Fraction: 0.1, MaxDrawMultiplier: 20})
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if res.Target != 100 || res.MaxDraws != 2000 {
		t.Errorf("target/maxDraws = %d/%d, want 100/2000", res.Target, res.MaxDraws)
	}
	if len(res.Keys) != 100 {
		t.Errorf("collected %d keys, want 100", len(res.Keys))
	}
	if res.Short() {
		t.Error("sample should not be short")
	}
	if res.Draws > res.MaxDraws {
		t.Errorf("draws %d exceeded max %d", res.Draws, res.MaxDraws)
	}

	seen := make(map[string]bool)
	for _, k := range res.Keys {
		if seen[k] {
			t.Errorf("duplicate key %q in sample", k)
		}
		seen[k] = true
	}
}

func TestTargetSize(t *testing.T) {
	tests := []struct {
		pop      int64
		fraction float64
		want     int
	}{
		{1000, 0.1, 100},
		{1000, 0.0001, 1},
		{0, 0.5, 1},
		{15, 0.1, 2},
		{10, 1, 10},
	}
	for _, tt := range tests {
		if got := TargetSize(tt.pop, tt.fraction); got != tt.want {
			t.Errorf("TargetSize(%d, %v) = %d, want %d", tt.pop, tt.fraction, got, tt.want)
		}
	}
}

func TestSampleTinyFractionTakesOneKey(t *testing.T) {
	store := seededStore(t, 1000)

	res, err := Sample(context.Background(), store, Config{Fraction: 0.0001, MaxDrawMultiplier: 5})
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if len(res.Keys) != 1 {
		t.Errorf("collected %d keys, want 1", len(res.Keys))
	}
}

func TestSampleEmptyStoreStopsAtDrawCeiling(t *testing.T) {
	store := kvstore.NewMemory(kvstore.MemoryConfig{})

	res, err := Sample(context.Background(), store, Config{Fraction: 0.5, MaxDrawMultiplier: 20})
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if res.Draws != 20 || res.EmptyDraws != 20 {
		t.Errorf("draws/empty = %d/%d, want 20/20", res.Draws, res.EmptyDraws)
	}
	if len(res.Keys) != 0 || !res.Short() {
		t.Errorf("expected a short, empty sample, got %d keys", len(res.Keys))
	}
}

func TestSampleShortWhenPopulationOverstated(t *testing.T) {
	store := &lyingStore{Memory: seededStore(t, 5), population: 1000}

	res, err := Sample(context.Background(), store, Config{Fraction: 0.1, MaxDrawMultiplier: 3})
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if res.Draws != 300 {
		t.Errorf("draws = %d, want 300", res.Draws)
	}
	if len(res.Keys) != 5 {
		t.Errorf("collected %d keys, want all 5", len(res.Keys))
	}
	if !res.Short() {
		t.Error("expected short sample")
	}
}

func TestSampleDrawErrorsConsumeBudget(t *testing.T) {
	store := &lyingStore{
		Memory:     seededStore(t, 10),
		population: 10,
		drawErr:    errors.New("connection reset"),
	}

	res, err := Sample(context.Background(), store, Config{Fraction: 0.5, MaxDrawMultiplier: 4})
	if err != nil {
		t.Fatalf("draw errors must not abort the run: %v", err)
	}
	if res.DrawErrors != 20 || res.Draws != 20 {
		t.Errorf("drawErrors/draws = %d/%d, want 20/20", res.DrawErrors, res.Draws)
	}
}

func TestSamplePopulationFailureIsFatal(t *testing.T) {
	store := &lyingStore{Memory: seededStore(t, 1), popErr: errors.New("dial tcp: refused")}

	_, err := Sample(context.Background(), store, DefaultConfig())
	if !errors.Is(err, kvstore.ErrStoreUnavailable) {
		t.Errorf("err = %v, want ErrStoreUnavailable", err)
	}
}

func TestSampleCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Sample(ctx, seededStore(t, 10), DefaultConfig())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", DefaultConfig(), false},
		{"full", Config{Fraction: 1, MaxDrawMultiplier: 1}, false},
		{"zero_fraction", Config{Fraction: 0, MaxDrawMultiplier: 1}, true},
		{"over_one", Config{Fraction: 1.5, MaxDrawMultiplier: 1}, true},
		{"zero_multiplier", Config{Fraction: 0.1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	err := Config{}.Validate()
	var merr interface{ WrappedErrors() []error }
	if !errors.As(err, &merr) || len(merr.WrappedErrors()) != 2 {
		t.Errorf("expected both problems reported, got %v", err)
	}
}
