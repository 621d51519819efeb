package matching

import (
	"testing"
	"time"

	"github.com/Lllllllleong/invoicedocumentflow/internal/models"
)

func entity(id, name, taxID string, created time.Time) models.Entity {
	return models.Entity{
		ID:             id,
		Type:           models.EntitySupplier,
		Name:           name,
		NormalizedName: Normalize(name),
		TaxID:          taxID,
		Status:         models.EntityActive,
		CreatedAt:      created,
	}
}

func TestMatch(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	registry := []models.Entity{
		entity("a", "ACME S.L.", "B12345678", base),
		entity("b", "Globex Corporation", "A87654321", base.Add(time.Hour)),
		entity("c", "Distribuciones del Norte Hermanos", "", base.Add(2*time.Hour)),
	}

	tests := []struct {
		name       string
		candidate  string
		taxID      string
		wantID     string
		wantMethod Method
		wantConf   float64
	}{
		{name: "exact after normalization", candidate: "Acme, S.L.", wantID: "a", wantMethod: MethodExact, wantConf: 1.0},
		{name: "tax id in candidate tax id", candidate: "Globex España", taxID: "a-87654321", wantID: "b", wantMethod: MethodTaxID, wantConf: confidenceTaxID},
		{name: "tax id embedded in name", candidate: "Proveedor CIF A87654321", wantID: "b", wantMethod: MethodTaxID, wantConf: confidenceTaxID},
		{name: "candidate contains registry name", candidate: "Globex Corporation Iberia", wantID: "b", wantMethod: MethodSubstring, wantConf: confidenceSubstring},
		{name: "registry name contains candidate", candidate: "Globex", wantID: "b", wantMethod: MethodSubstring, wantConf: confidenceSubstring},
		{name: "two shared keywords", candidate: "Hermanos Distribuciones SL", wantID: "c", wantMethod: MethodKeyword, wantConf: confidenceKeyword},
		{name: "single shared keyword is not enough", candidate: "Hermanos Garcia", wantMethod: MethodNone},
		{name: "unknown", candidate: "Initech", wantMethod: MethodNone},
		{name: "empty name", candidate: "   ", taxID: "B12345678", wantMethod: MethodNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Match(tt.candidate, tt.taxID, registry)
			if got.Method != tt.wantMethod {
				t.Fatalf("Method = %v, want %v", got.Method, tt.wantMethod)
			}
			if got.EntityID != tt.wantID {
				t.Errorf("EntityID = %q, want %q", got.EntityID, tt.wantID)
			}
			if tt.wantMethod != MethodNone && got.Confidence != tt.wantConf {
				t.Errorf("Confidence = %v, want %v", got.Confidence, tt.wantConf)
			}
			if tt.wantMethod == MethodNone && (got.Confidence != 0 || got.Matched()) {
				t.Errorf("no-match result = %+v", got)
			}
		})
	}
}

func TestMatch_ExactBeatsTaxID(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	registry := []models.Entity{
		// B's tax id is contained in the candidate's tax id, but A matches by name.
		entity("b", "Other Company", "X999", base),
		entity("a", "ACME", "", base.Add(time.Hour)),
	}

	got := Match("ACME", "X999", registry)
	if got.EntityID != "a" || got.Method != MethodExact {
		t.Errorf("Match = %+v, want entity a via exact", got)
	}
}

func TestMatch_DeterministicTieBreak(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	older := entity("z-older", "Acme Iberia", "", base)
	newer := entity("a-newer", "Acme Iberia", "", base.Add(time.Minute))
	sameTimeLowID := entity("m", "Acme Iberia", "", base)

	orders := [][]models.Entity{
		{older, newer, sameTimeLowID},
		{newer, sameTimeLowID, older},
		{sameTimeLowID, older, newer},
	}
	for _, registry := range orders {
		got := Match("acme iberia", "", registry)
		if got.EntityID != "m" {
			t.Errorf("Match over %v = %q, want oldest entity with lowest id", ids(registry), got.EntityID)
		}
	}
}

func TestMatch_Idempotent(t *testing.T) {
	registry := []models.Entity{
		entity("a", "Acme", "B1", time.Time{}),
		entity("b", "Acme Iberia", "B2", time.Time{}),
	}
	first := Match("ACME IBERIA SA", "B2", registry)
	second := Match("ACME IBERIA SA", "B2", registry)
	if first != second {
		t.Errorf("Match not idempotent: %+v vs %+v", first, second)
	}
	if registry[0].ID != "a" || registry[1].ID != "b" {
		t.Error("Match reordered the caller's snapshot")
	}
}

func TestMatch_NormalizesLegacyRows(t *testing.T) {
	registry := []models.Entity{{ID: "legacy", Name: "Café Ñandú S.A."}}
	got := Match("CAFE NANDU SA", "", registry)
	if got.Method != MethodExact || got.EntityID != "legacy" {
		t.Errorf("Match = %+v, want exact on legacy row", got)
	}
}

func ids(es []models.Entity) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.ID
	}
	return out
}

func TestOverlaps(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"suministros iberia sl", "iberia", true},
		{"iberia", "suministros iberia sl", true},
		{"talleres del norte", "a", false},
		{"sl", "ab sl", false},
		{"globex", "initech", false},
	}
	for _, tt := range tests {
		if got := Overlaps(tt.a, tt.b); got != tt.want {
			t.Errorf("Overlaps(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
