package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	pgzip "github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lojix/promo-engine/internal/domain/promotion"
)

func TestDecodePromotion(t *testing.T) {
	line := []byte(`{
		"name": "Summer sale",
		"type": "PERCENTAGE",
		"discountValue": 15.5,
		"code": "summer15",
		"startDate": "2025-06-01T00:00:00Z",
		"endDate": "2025-08-31T23:59:59Z",
		"usageLimit": 100,
		"minPurchaseAmount": 50,
		"applicableCategories": ["pizza"],
		"isFirstPurchaseOnly": true,
		"exporterVersion": "2.1"
	}`)

	p, err := decodePromotion(line)
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID, "missing id is generated")
	assert.Equal(t, "Summer sale", p.Name)
	assert.Equal(t, promotion.TypePercentage, p.Type)
	assert.Equal(t, "15.5", p.DiscountValue.String())
	assert.Equal(t, "SUMMER15", p.Code, "code is canonicalized")
	assert.Equal(t, 100, p.UsageLimit)
	assert.Equal(t, []string{"pizza"}, p.ApplicableCategories)
	assert.True(t, p.FirstPurchaseOnly)
	assert.True(t, p.Active, "active unless the dump says otherwise")
	require.NotNil(t, p.EndDate)
}

func TestDecodePromotion_Invalid(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"missing name", `{"type": "PERCENTAGE", "startDate": "2025-06-01T00:00:00Z"}`},
		{"unknown type", `{"name": "x", "type": "MYSTERY"}`},
		{"malformed json", `{"name": "x"`},
		{"bad date", `{"name": "x", "type": "PERCENTAGE", "startDate": "yesterday"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodePromotion([]byte(tt.line))
			require.Error(t, err)
		})
	}
}

func writeDump(t *testing.T, dir, name string, lines string) {
	t.Helper()

	path := filepath.Join(dir, name)
	if filepath.Ext(name) == ".gz" {
		f, err := os.Create(path)
		require.NoError(t, err)
		gz := pgzip.NewWriter(f)
		_, err = gz.Write([]byte(lines))
		require.NoError(t, err)
		require.NoError(t, gz.Close())
		require.NoError(t, f.Close())
		return
	}
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
}

func TestParseFiles_DedupAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	writeDump(t, dir, "dump1.jsonl",
		`{"name": "A", "type": "PERCENTAGE", "code": "SHARED", "startDate": "2025-06-01T00:00:00Z"}
{"name": "B", "type": "FIXED_AMOUNT", "startDate": "2025-06-01T00:00:00Z"}
`)
	writeDump(t, dir, "dump2.jsonl.gz",
		`{"name": "C", "type": "PERCENTAGE", "code": "shared", "startDate": "2025-06-01T00:00:00Z"}
{"name": "D", "type": "FREE_SHIPPING", "startDate": "2025-06-01T00:00:00Z"}
`)

	files, err := dumpFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)

	promos, err := parseFiles(context.Background(), files)
	require.NoError(t, err)

	// Both codeless promotions come through; the shared code is claimed by
	// exactly one file.
	require.Len(t, promos, 3)
	withCode := 0
	for _, p := range promos {
		if p.Code == "SHARED" {
			withCode++
		}
	}
	assert.Equal(t, 1, withCode)
}
