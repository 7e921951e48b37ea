package main

import "testing"

func TestParseGroupsEmpty(t *testing.T) {
	got, err := parseGroups(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil groups, got %v", got)
	}
}

func TestParseGroupsParsesEachEntry(t *testing.T) {
	got, err := parseGroups([]string{"1", "2", "30"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []uint32{1, 2, 30}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestParseGroupsRejectsInvalidEntry(t *testing.T) {
	if _, err := parseGroups([]string{"not-a-number"}); err == nil {
		t.Fatalf("expected an error for a non-numeric group id")
	}
}
