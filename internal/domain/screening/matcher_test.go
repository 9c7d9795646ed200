package screening

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct{ in, want string }{
		{"DXA Scan", "dexa"},
		{"EKG_result", "ecg"},
		{"bone-density.test", "bone density"},
		{"  Mammogram   Screening ", "mammogram"},
		{"A1C", "hba1c"},
		{"lipid panel", "lipid panel"},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalize_StopwordExemption(t *testing.T) {
	// "fecal occult blood" comes out of the fobt expansion; none of its
	// tokens are stopwords, but the exemption must also protect expansion
	// outputs that collide with the stopword list.
	if got := Normalize("fobt test"); got != "fecal occult blood" {
		t.Errorf("got %q", got)
	}
}

func TestSimilarity_Identical(t *testing.T) {
	if s := Similarity("mammogram", "mammogram"); s != 1 {
		t.Errorf("identical strings similarity = %f", s)
	}
}

func TestSimilarity_Disjoint(t *testing.T) {
	if s := Similarity("xyz", "abc"); s > 0.3 {
		t.Errorf("disjoint strings similarity = %f", s)
	}
}

func TestSimilarity_TokenOrderInsensitive(t *testing.T) {
	// Token-set Jaccard rescues reordered phrases that character-level
	// matching penalizes.
	a := Normalize("diabetes mellitus type 2")
	b := Normalize("type 2 diabetes mellitus")
	if s := Similarity(a, b); s < CanonicalThreshold {
		t.Errorf("reordered phrase similarity = %f, want >= %f", s, CanonicalThreshold)
	}
}

func TestFuzzyMatch_Typo(t *testing.T) {
	if !FuzzyMatch("colonoscopy", "colonoscopie", TriggerThreshold) {
		t.Error("near-miss spelling should clear the trigger threshold")
	}
	if FuzzyMatch("colonoscopy", "mammogram", TriggerThreshold) {
		t.Error("unrelated terms must not match")
	}
}

func TestKeywordMatch_WordBoundary(t *testing.T) {
	if !KeywordMatch("Screening mammogram performed today", "mammogram") {
		t.Error("expected match")
	}
	if KeywordMatch("pseudomammogramish text", "mammogram") {
		t.Error("substring inside a larger word must not match")
	}
	if !KeywordMatch("MAMMOGRAM report", "mammogram") {
		t.Error("matching must be case-insensitive")
	}
}

func TestKeywordMatch_MultiWordSequence(t *testing.T) {
	if !KeywordMatch("dual energy  x-ray absorptiometry", "dual energy") {
		t.Error("multi-word keyword with variable whitespace should match")
	}
	if KeywordMatch("dual-purpose high energy result", "dual energy") {
		t.Error("words out of sequence must not match")
	}
}

func TestMatchesTrigger(t *testing.T) {
	conditions := []string{"Type 2 Diabetes Mellitus", "Essential Hypertension"}
	if !MatchesTrigger(conditions, []string{"diabetes mellitus type 2"}) {
		t.Error("expected trigger match on reordered condition name")
	}
	if MatchesTrigger(conditions, []string{"chronic kidney disease"}) {
		t.Error("unrelated trigger must not match")
	}
	if MatchesTrigger(nil, []string{"diabetes"}) {
		t.Error("no conditions means no trigger match")
	}
}

func TestRatcliffObershelp_KnownValue(t *testing.T) {
	// "mammogram" vs "mammografy": common parts mammogra (8) + m... the
	// score must land strictly between disjoint and identical.
	s := ratcliffObershelp("mammogram", "mammografy")
	if s <= 0.8 || s >= 1 {
		t.Errorf("score %f outside expected band", s)
	}
}

func TestTokenJaccard(t *testing.T) {
	if s := tokenJaccard("a b c", "b c d"); s != 0.5 {
		t.Errorf("jaccard = %f, want 0.5", s)
	}
	if s := tokenJaccard("", ""); s != 1 {
		t.Errorf("empty vs empty = %f", s)
	}
	if s := tokenJaccard("a", ""); s != 0 {
		t.Errorf("token vs empty = %f", s)
	}
}
