package milvus

import (
	"testing"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"

	"github.com/docqa/backend/internal/vector"
)

func TestBuildFilterExpr(t *testing.T) {
	tests := []struct {
		name   string
		filter vector.TenantFilter
		want   string
	}{
		{
			name:   "public only",
			filter: vector.TenantFilter{TenantID: "acme", IncludePublic: true},
			want:   `tenant_id == "acme" && is_public == true`,
		},
		{
			name:   "allow-list only",
			filter: vector.TenantFilter{TenantID: "acme", AllowedFileIDs: []string{"f1", "f2"}},
			want:   `tenant_id == "acme" && file_id in ["f1", "f2"]`,
		},
		{
			name: "allow-list or public",
			filter: vector.TenantFilter{
				TenantID:       "acme",
				AllowedFileIDs: []string{"f1"},
				IncludePublic:  true,
			},
			want: `tenant_id == "acme" && (file_id in ["f1"] || is_public == true)`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildFilterExpr(tt.filter))
		})
	}
}

func TestBuildFilterExpr_EscapesQuotes(t *testing.T) {
	got := BuildFilterExpr(vector.TenantFilter{
		TenantID:       `ac"me`,
		AllowedFileIDs: []string{`f"1`},
	})
	assert.Equal(t, `tenant_id == "ac\"me" && file_id in ["f\"1"]`, got)
}

func TestSearchParamsConstruct(t *testing.T) {
	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	assert.NoError(t, err)
	assert.NotNil(t, sp)

	idx, err := entity.NewIndexIvfFlat(entity.COSINE, 1024)
	assert.NoError(t, err)
	assert.NotNil(t, idx)
}
