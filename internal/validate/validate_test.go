package validate

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name     string `json:"name" validate:"required"`
	Priority string `json:"priority" validate:"omitempty,oneof=low medium high"`
	Total    int    `json:"total" validate:"gt=0"`
}

func TestStruct(t *testing.T) {
	tests := []struct {
		name       string
		in         sample
		wantFields []string
	}{
		{name: "valid", in: sample{Name: "x", Priority: "low", Total: 1}},
		{name: "missing name", in: sample{Total: 1}, wantFields: []string{"name"}},
		{name: "bad priority and total", in: sample{Name: "x", Priority: "urgent"}, wantFields: []string{"priority", "total"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Struct(tt.in)
			if tt.wantFields == nil {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			got := make([]string, 0, len(ve.Fields))
			for _, f := range ve.Fields {
				got = append(got, f.Field)
			}
			assert.Equal(t, tt.wantFields, got)
		})
	}
}

func TestIsValidation(t *testing.T) {
	err := fmt.Errorf("posting: %w", Fail("entries", "at least one entry is required"))
	assert.True(t, IsValidation(err))
	assert.False(t, IsValidation(errors.New("boom")))
	assert.Equal(t, "entries: at least one entry is required", Fail("entries", "at least one entry is required").Error())
}
