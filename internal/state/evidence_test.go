package state

import (
	"encoding/json"
	"testing"
)

func TestEvidenceForNormalizesBlankToAbsent(t *testing.T) {
	cases := map[string]bool{
		"":          false,
		"   ":       false,
		"\t\n":      false,
		"bundle42":  true,
		" app.zip ": true,
	}
	for raw, wantPresent := range cases {
		e := EvidenceFor(raw)
		if e.Present() != wantPresent {
			t.Fatalf("EvidenceFor(%q).Present() = %v, want %v", raw, e.Present(), wantPresent)
		}
	}
	if got := EvidenceFor(" app.zip ").Bundle(); got != "app.zip" {
		t.Fatalf("bundle = %q, want trimmed app.zip", got)
	}
}

func TestEvidenceJSONRoundTrip(t *testing.T) {
	for _, e := range []Evidence{NoEvidence(), EvidenceFor("bundle42")} {
		encoded, err := json.Marshal(e)
		if err != nil {
			t.Fatalf("marshal %v: %v", e, err)
		}
		var restored Evidence
		if err := json.Unmarshal(encoded, &restored); err != nil {
			t.Fatalf("unmarshal %s: %v", encoded, err)
		}
		if restored != e {
			t.Fatalf("round trip %v != %v", restored, e)
		}
	}
}

func TestRoutingWarningString(t *testing.T) {
	w := RoutingWarning{Stage: "source-minor", Variant: "minor", Reason: "no source bundle supplied"}
	if got := w.String(); got != "source-minor (minor): no source bundle supplied" {
		t.Fatalf("warning string = %q", got)
	}
	agg := RoutingWarning{Aggregate: true, Reason: "no variant has source evidence"}
	if got := agg.String(); got != "run degraded: no variant has source evidence" {
		t.Fatalf("aggregate string = %q", got)
	}
}
