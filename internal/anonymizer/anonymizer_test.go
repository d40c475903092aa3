package anonymizer

import (
	"testing"

	"pii-scanner/internal/entity"
)

func ent(typ string, start, end int, score float64) entity.Candidate {
	return entity.Candidate{Type: typ, Start: start, End: end, Score: score}
}

func TestAnonymize_EmptyEntitiesReturnsInputUnchanged(t *testing.T) {
	for _, text := range []string{"", "plain text", "  spaced\r\n\tline  ", "Doğum tarihi 1990"} {
		if got := Anonymize(text, nil); got != text {
			t.Errorf("Anonymize(%q, nil) = %q", text, got)
		}
		if got := Anonymize(text, []entity.Candidate{}); got != text {
			t.Errorf("Anonymize(%q, empty) = %q", text, got)
		}
	}
}

func TestAnonymize_ReplacesInOnePass(t *testing.T) {
	text := "Mail ana@example.com or call 555-010-9999 now"
	entities := []entity.Candidate{
		ent("EMAIL_ADDRESS", 5, 20, 1),
		ent("PHONE_NUMBER", 29, 41, 0.7),
	}
	want := "Mail [REDACTED_EMAIL_ADDRESS] or call [REDACTED_PHONE_NUMBER] now"
	if got := Anonymize(text, entities); got != want {
		t.Errorf("got  %q\nwant %q", got, want)
	}
}

func TestAnonymize_SameTokenForEveryOccurrence(t *testing.T) {
	text := "Ana and Bob"
	got := Anonymize(text, []entity.Candidate{ent("PERSON", 0, 3, 0.9), ent("PERSON", 8, 11, 0.9)})
	if got != "[REDACTED_PERSON] and [REDACTED_PERSON]" {
		t.Errorf("got %q", got)
	}
}

func TestAnonymize_RuneOffsets(t *testing.T) {
	text := "Şule Öztürk doğdu"
	got := Anonymize(text, []entity.Candidate{ent("PERSON", 0, 11, 0.9)})
	if got != "[REDACTED_PERSON] doğdu" {
		t.Errorf("got %q", got)
	}
}

func TestAnonymize_UnsortedInput(t *testing.T) {
	text := "a1 b2 c3"
	got := Anonymize(text, []entity.Candidate{ent("X", 6, 8, 1), ent("Y", 0, 2, 1)})
	if got != "[REDACTED_Y] b2 [REDACTED_X]" {
		t.Errorf("got %q", got)
	}
}

func TestAnonymize_Conflicts(t *testing.T) {
	text := "0123456789"
	cases := []struct {
		name     string
		entities []entity.Candidate
		want     string
	}{
		{
			"same type overlap is unioned",
			[]entity.Candidate{ent("A", 0, 4, 0.9), ent("A", 3, 6, 0.5)},
			"[REDACTED_A]6789",
		},
		{
			"contained span is dropped",
			[]entity.Candidate{ent("A", 0, 8, 0.5), ent("B", 2, 4, 0.9)},
			"[REDACTED_A]89",
		},
		{
			"identical span keeps higher score",
			[]entity.Candidate{ent("A", 2, 4, 0.5), ent("B", 2, 4, 0.9)},
			"01[REDACTED_B]456789",
		},
		{
			"identical span and score keeps first",
			[]entity.Candidate{ent("A", 2, 4, 0.5), ent("B", 2, 4, 0.5)},
			"01[REDACTED_A]456789",
		},
		{
			"partial overlap of different types is trimmed",
			[]entity.Candidate{ent("A", 0, 5, 0.9), ent("B", 3, 8, 0.9)},
			"[REDACTED_A][REDACTED_B]89",
		},
		{
			"out of range is clamped",
			[]entity.Candidate{ent("A", 8, 40, 0.9)},
			"01234567[REDACTED_A]",
		},
		{
			"empty span is ignored",
			[]entity.Candidate{ent("A", 4, 4, 0.9)},
			"0123456789",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Anonymize(text, c.entities); got != c.want {
				t.Errorf("got %q, want %q", got, c.want)
			}
		})
	}
}

func TestAnonymize_DoesNotMutateInput(t *testing.T) {
	entities := []entity.Candidate{ent("A", 3, 6, 0.5), ent("A", 0, 4, 0.9)}
	Anonymize("0123456789", entities)
	if entities[0] != ent("A", 3, 6, 0.5) || entities[1] != ent("A", 0, 4, 0.9) {
		t.Errorf("input entities were modified: %+v", entities)
	}
}

func TestTokens(t *testing.T) {
	got := Tokens([]entity.Candidate{ent("PERSON", 0, 1, 1), ent("IBAN", 2, 3, 1), ent("PERSON", 4, 5, 1)})
	if len(got) != 2 || got["PERSON"] != "[REDACTED_PERSON]" || got["IBAN"] != "[REDACTED_IBAN]" {
		t.Errorf("got %v", got)
	}
}
