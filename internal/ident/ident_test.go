package ident

import (
	"errors"
	"strings"
	"testing"

	"github.com/ktex/exchange-engine/internal/model"
)

func TestParse_Valid(t *testing.T) {
	id, err := Parse("usdc.token.near")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(id.Labels) != 3 {
		t.Fatalf("expected 3 labels, got %d", len(id.Labels))
	}
	if id.Labels[0] != "usdc" {
		t.Errorf("expected first label usdc, got %s", id.Labels[0])
	}
}

func TestParse_ValidForms(t *testing.T) {
	tests := []string{
		"ok",
		"bowen",
		"ek-2",
		"ek.near",
		"com",
		"google.com",
		"bowen.google.com",
		"near",
		"illia.cheap-accounts.near",
		"max_99.near",
		"100",
		"near2019",
		"over.9000",
		"a.bro",
		"bro.a",
		"6f8a1e9b0b2e4e1d3b9f6f8a1e9b0b2e4e1d3b9f6f8a1e9b0b2e4e1d3b9f6f8a",
	}
	for _, s := range tests {
		if err := Validate(s); err != nil {
			t.Errorf("expected %q to be valid, got %v", s, err)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []string{
		"",
		"a",
		"A",
		"Abc",
		"-near",
		"near-",
		"-near-",
		"near.",
		".near",
		"near@",
		"@near",
		"неар",
		"_near",
		"near_",
		"_near_",
		"near..near",
		"near--near",
		"near__near",
		"near.-near",
		strings.Repeat("a", 65),
	}
	for _, s := range tests {
		err := Validate(s)
		if err == nil {
			t.Errorf("expected error for %q", s)
			continue
		}
		if !errors.Is(err, model.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for %q, got %v", s, err)
		}
	}
}

func TestParse_Length(t *testing.T) {
	_, err := Parse(strings.Repeat("a", MaxLength+1))
	if !errors.Is(err, ErrInvalidLength) {
		t.Errorf("expected ErrInvalidLength, got %v", err)
	}
	if _, err := Parse(strings.Repeat("a", MaxLength)); err != nil {
		t.Errorf("expected max length to be valid, got %v", err)
	}
}
