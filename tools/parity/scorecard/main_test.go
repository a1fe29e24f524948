package main

import "testing"

func TestValidateCatalog_RejectsMissingRequiredMetadata(t *testing.T) {
	c := Catalog{
		Version: 1,
		Sections: []Section{{
			ID:            "router",
			Title:         "Provider Router",
			Owner:         "runtime",
			TargetRelease: "v0.2",
			DefaultRisk:   "medium",
			Items: []Item{{
				Feature:     "Circuit breaker cooldown",
				Specified:   "implemented",
				Implemented: "implemented",
				Verified:    true,
				// Missing traceability/spec/evidence.
			}},
		}},
	}
	if err := validateCatalog(c); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestScorecardRows_CountsStatuses(t *testing.T) {
	c := Catalog{
		Version: 1,
		Sections: []Section{{
			ID:                      "taskengine",
			Title:                   "Task Execution Engine",
			Owner:                   "runtime",
			TargetRelease:           "v0.2",
			DefaultRisk:             "high",
			DefaultSpecRefs:         []string{"taskengine"},
			DefaultTraceabilityRefs: []string{"taskengine"},
			DefaultEvidence:         []string{"internal/taskengine/retry_test.go"},
			Items: []Item{
				{Feature: "A", Specified: "implemented", Implemented: "implemented", Verified: true},
				{Feature: "B", Specified: "partial", Implemented: "extra", Verified: false},
				{Feature: "C", Specified: "not_implemented", Implemented: "not_implemented", Verified: false},
			},
		}},
	}
	if err := validateCatalog(c); err != nil {
		t.Fatalf("validateCatalog: %v", err)
	}

	rows := scorecardRows(c)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row := rows[0]
	if row.SpecifiedCount != 2 {
		t.Fatalf("expected SpecifiedCount=2, got %d", row.SpecifiedCount)
	}
	if row.ImplementedCount != 2 {
		t.Fatalf("expected ImplementedCount=2, got %d", row.ImplementedCount)
	}
	if row.ExtraCount != 1 {
		t.Fatalf("expected ExtraCount=1, got %d", row.ExtraCount)
	}
	if row.Verified != 1 {
		t.Fatalf("expected Verified=1, got %d", row.Verified)
	}
	if row.Total != 3 {
		t.Fatalf("expected Total=3, got %d", row.Total)
	}
}

func TestValidateCatalog_RejectsDuplicateSectionIDAndFeature(t *testing.T) {
	c := Catalog{
		Version: 1,
		Sections: []Section{
			{
				ID:                      "router",
				Title:                   "Provider Router A",
				Owner:                   "runtime",
				TargetRelease:           "v0.2",
				DefaultRisk:             "medium",
				DefaultSpecRefs:         []string{"router"},
				DefaultTraceabilityRefs: []string{"router"},
				DefaultEvidence:         []string{"internal/providers/manager_test.go"},
				Items: []Item{
					{Feature: "Failover classification", Specified: "implemented", Implemented: "implemented"},
					{Feature: "Failover classification", Specified: "implemented", Implemented: "implemented"},
				},
			},
			{
				ID:                      "router",
				Title:                   "Provider Router B",
				Owner:                   "runtime",
				TargetRelease:           "v0.2",
				DefaultRisk:             "medium",
				DefaultSpecRefs:         []string{"router"},
				DefaultTraceabilityRefs: []string{"router"},
				DefaultEvidence:         []string{"internal/providers/manager_test.go"},
				Items: []Item{
					{Feature: "Other", Specified: "implemented", Implemented: "implemented"},
				},
			},
		},
	}
	if err := validateCatalog(c); err == nil {
		t.Fatalf("expected duplicate validation error")
	}
}
