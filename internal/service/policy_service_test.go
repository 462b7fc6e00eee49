package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	celeval "github.com/quotaguard/quotaguard/internal/adapter/outbound/cel"
	"github.com/quotaguard/quotaguard/internal/domain/policy"
)

const policyV1 = `
version: 1
tiers:
  free:    {minute: 1, hour: 1, day: 1}
  premium: {minute: 5, hour: 5, day: 5}
policies:
  search:
    limits: {minute: 30, hour: 1000, day: 10000}
    seasonal: false
`

const policyV2 = `
version: 1
tiers:
  free:    {minute: 1, hour: 1, day: 1}
  premium: {minute: 5, hour: 5, day: 5}
policies:
  search:
    limits: {minute: 60, hour: 1000, day: 10000}
    seasonal: false
    overrides:
      - category: photographer
        condition: 'weekday == 6'
        multipliers: {minute: 2, hour: 2, day: 2}
`

func writePolicy(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
}

func newTestPolicyService(t *testing.T, path string) (*PolicyService, *Metrics) {
	t.Helper()
	compiler, err := celeval.NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator() error: %v", err)
	}
	metrics := NewMetrics(prometheus.NewRegistry())
	return NewPolicyService(path, compiler, policy.NewHolder(nil), discardLogger(), metrics), metrics
}

func TestPolicyService_Reload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	writePolicy(t, path, policyV1)
	svc, metrics := newTestPolicyService(t, path)

	if got := svc.Fingerprint(); got != "default" {
		t.Errorf("initial Fingerprint() = %q, want default", got)
	}

	fp1, err := svc.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if fp1 != svc.Fingerprint() {
		t.Errorf("Reload() = %q, Fingerprint() = %q", fp1, svc.Fingerprint())
	}
	if got := svc.Holder().Load().Policies["search"].Base.Minute; got != 30 {
		t.Errorf("search minute = %d, want 30", got)
	}

	writePolicy(t, path, policyV2)
	fp2, err := svc.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if fp2 == fp1 {
		t.Error("fingerprint did not change after edit")
	}
	if got := len(svc.Holder().Load().Policies["search"].Overrides); got != 1 {
		t.Errorf("overrides = %d, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.PolicyReloads.WithLabelValues("ok")); got != 2 {
		t.Errorf("policy_reloads_total{ok} = %v, want 2", got)
	}
}

func TestPolicyService_ReloadFailureKeepsSnapshot(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	writePolicy(t, path, policyV1)
	svc, metrics := newTestPolicyService(t, path)

	fp, err := svc.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload() error: %v", err)
	}

	tests := []struct {
		name    string
		content string
	}{
		{"unknown field", policyV1 + "    unknown_knob: 3\n"},
		{"bad condition", `
version: 1
policies:
  search:
    limits: {minute: 30, hour: 1000, day: 10000}
    overrides:
      - category: x
        condition: 'weekday +'
        multipliers: {minute: 1, hour: 1, day: 1}
`},
		{"zero limit", `
version: 1
policies:
  search:
    limits: {minute: 0, hour: 1000, day: 10000}
`},
	}
	for _, tt := range tests {
		writePolicy(t, path, tt.content)
		if _, err := svc.Reload(context.Background()); err == nil {
			t.Errorf("%s: Reload() should fail", tt.name)
		}
		if got := svc.Fingerprint(); got != fp {
			t.Errorf("%s: Fingerprint() = %q, want previous %q", tt.name, got, fp)
		}
	}
	if got := testutil.ToFloat64(metrics.PolicyReloads.WithLabelValues("error")); got != float64(len(tests)) {
		t.Errorf("policy_reloads_total{error} = %v, want %d", got, len(tests))
	}
}

func TestPolicyService_NoSource(t *testing.T) {
	t.Parallel()

	svc, _ := newTestPolicyService(t, "")
	if _, err := svc.Reload(context.Background()); !errors.Is(err, ErrNoPolicySource) {
		t.Errorf("Reload() error = %v, want ErrNoPolicySource", err)
	}
	if err := svc.Watch(context.Background()); !errors.Is(err, ErrNoPolicySource) {
		t.Errorf("Watch() error = %v, want ErrNoPolicySource", err)
	}
}

func TestPolicyService_Watch(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "policy.yaml")
	writePolicy(t, path, policyV1)
	svc, _ := newTestPolicyService(t, path)

	fp, err := svc.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Watch(ctx); err != nil {
		t.Fatalf("Watch() error: %v", err)
	}
	defer svc.Stop()

	writePolicy(t, path, policyV2)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if svc.Fingerprint() != fp {
			svc.Stop()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("policy change was not picked up by the watcher")
}

func TestLoadPolicyFile_Missing(t *testing.T) {
	t.Parallel()

	if _, err := LoadPolicyFile(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("LoadPolicyFile() on a missing file should fail")
	}
}
